// Package chart asks the text-generation backend whether a result set is
// worth plotting and how.
package chart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/generation"
	"github.com/malbeclabs/askdata/api/metrics"
)

const DefaultSampleRows = 20

// Types lists the chart types a recommendation may carry.
var Types = []string{"bar", "line", "pie", "area"}

// Sampling is looser than SQL generation; the answer is a judgment call.
func Sampling() generation.Sampling {
	return generation.Sampling{Temperature: 0.3, TopP: 0.8, TopK: 10, MaxTokens: 256, Candidates: 1}
}

type Recommendation struct {
	Type string `json:"chart_type"`
	XKey string `json:"xKey"`
	YKey string `json:"yKey"`
}

type Config struct {
	Logger    *slog.Logger
	Generator generation.Generator
	// SampleRows caps the rows shown to the model.
	SampleRows int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = DefaultSampleRows
	}
	return nil
}

type Recommender struct {
	log *slog.Logger
	cfg Config
}

func NewRecommender(cfg Config) (*Recommender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Recommender{log: cfg.Logger, cfg: cfg}, nil
}

// Recommend returns nil when the data should not be charted.
func (r *Recommender) Recommend(ctx context.Context, question string, columns []string, rows [][]any) (*Recommendation, error) {
	if len(columns) == 0 || len(rows) == 0 {
		return nil, nil
	}

	completion, err := r.cfg.Generator.Generate(ctx, r.prompt(question, columns, rows), Sampling())
	if err != nil {
		metrics.RecordChartRecommendation("error")
		return nil, fmt.Errorf("chart recommendation: %w", err)
	}

	rec, err := parse(completion.Text, columns)
	if err != nil {
		metrics.RecordChartRecommendation("error")
		return nil, err
	}
	if rec == nil {
		r.log.Debug("chart: no visualization recommended")
		metrics.RecordChartRecommendation("")
		return nil, nil
	}
	r.log.Debug("chart: recommended", "chart_type", rec.Type, "x", rec.XKey, "y", rec.YKey)
	metrics.RecordChartRecommendation(rec.Type)
	return rec, nil
}

func (r *Recommender) prompt(question string, columns []string, rows [][]any) string {
	sample := rows[:min(r.cfg.SampleRows, len(rows))]
	records := make([]map[string]any, len(sample))
	for i, row := range sample {
		rec := make(map[string]any, len(columns))
		for j, col := range columns {
			if j < len(row) {
				rec[col] = executor.NormalizeValue(row[j])
			} else {
				rec[col] = nil
			}
		}
		records[i] = rec
	}
	data, _ := json.Marshal(records)

	var sb strings.Builder
	sb.WriteString("Analyze the following query results and decide whether a chart would help visualize them.\n\n")
	fmt.Fprintf(&sb, "User question: %q\n\n", question)
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(columns, ", "))
	fmt.Fprintf(&sb, "Total rows: %d\n", len(rows))
	fmt.Fprintf(&sb, "Sample data (first %d rows):\n%s\n\n", len(sample), data)
	sb.WriteString("Guidelines:\n")
	sb.WriteString("- bar for a categorical X with a numeric Y\n")
	sb.WriteString("- line for time series or sequential data\n")
	sb.WriteString("- pie for the distribution of one categorical variable (at most 10 categories)\n")
	sb.WriteString("- area for cumulative data over time\n")
	sb.WriteString("- null when the data has no clear pattern to plot\n\n")
	sb.WriteString("Respond ONLY with JSON in this exact format:\n")
	sb.WriteString(`{"should_visualize": true|false, "chart_type": "bar"|"line"|"pie"|"area"|null, "xKey": "column"|null, "yKey": "column"|"value"|null}`)
	sb.WriteString("\n")
	return sb.String()
}

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

type response struct {
	ShouldVisualize bool    `json:"should_visualize"`
	ChartType       *string `json:"chart_type"`
	XKey            *string `json:"xKey"`
	YKey            *string `json:"yKey"`
}

func parse(text string, columns []string) (*Recommendation, error) {
	text = strings.TrimSpace(text)
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var resp response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("chart recommendation: invalid JSON response: %w", err)
	}
	if !resp.ShouldVisualize || resp.ChartType == nil {
		return nil, nil
	}

	chartType := strings.ToLower(*resp.ChartType)
	if !slices.Contains(Types, chartType) {
		return nil, nil
	}
	if resp.XKey == nil || resp.YKey == nil {
		return nil, nil
	}
	if !slices.Contains(columns, *resp.XKey) {
		return nil, nil
	}
	if !slices.Contains(columns, *resp.YKey) && !(chartType == "pie" && *resp.YKey == "value") {
		return nil, nil
	}
	return &Recommendation{Type: chartType, XKey: *resp.XKey, YKey: *resp.YKey}, nil
}
