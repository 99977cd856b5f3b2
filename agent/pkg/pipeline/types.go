// Package pipeline answers a question by running schema lookup, dimension
// lookup, SQL generation, execution and chart recommendation in order.
//
// Two strategies implement the same state sequence. ToolStrategy drives
// every state through a named tool with JSON envelopes; SequentialStrategy
// calls the components directly. The Orchestrator runs the tool strategy
// first and falls back to the sequential one if it fails.
package pipeline

import (
	"context"
	"time"

	"github.com/malbeclabs/askdata/agent/pkg/chart"
	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/generation"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
)

// Message is one prior turn of the conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
	SQL     string `json:"sql,omitempty"`
}

type Input struct {
	Question string    `json:"question"`
	History  []Message `json:"conversation_history,omitempty"`
	// RequestID is generated when empty.
	RequestID string `json:"-"`
}

type ChartConfig struct {
	XKey string `json:"xKey"`
	YKey string `json:"yKey"`
}

// Step is the timing and outcome of one executed state.
type Step struct {
	Name       string  `json:"name"`
	DurationMs float64 `json:"duration_ms"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
}

type Output struct {
	RequestID   string       `json:"request_id"`
	Question    string       `json:"question"`
	SQL         string       `json:"sql"`
	Columns     []string     `json:"columns"`
	Rows        [][]any      `json:"rows"`
	TotalRows   int          `json:"total_rows"`
	ChartType   *string      `json:"chart_type"`
	ChartConfig *ChartConfig `json:"chart_config"`
	DurationMs  float64      `json:"duration_ms"`
	Steps       []Step       `json:"steps"`
	Strategy    string       `json:"strategy"`
}

// Collaborators. The concrete types in the sibling packages satisfy them.
type (
	SchemaSource interface {
		Fact(ctx context.Context, useCache bool) (schema.Entry, error)
	}
	DimensionSource interface {
		Get(ctx context.Context, useCache, forceRefresh bool) (dimensions.Result, error)
	}
	SQLGenerator interface {
		Generate(ctx context.Context, prompt string, maxRetries int) (*generation.Result, error)
	}
	QueryRunner interface {
		Execute(ctx context.Context, sql string, maxRows int) (*executor.Result, error)
	}
	ChartRecommender interface {
		Recommend(ctx context.Context, question string, columns []string, rows [][]any) (*chart.Recommendation, error)
	}
)

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
