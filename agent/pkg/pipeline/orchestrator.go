package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/generation"
	"github.com/malbeclabs/askdata/agent/pkg/runlog"
	"github.com/malbeclabs/askdata/api/metrics"
)

const DefaultChartRowLimit = 100

// Strategy is one way of executing the pipeline states. Implementations
// live in this package.
type Strategy interface {
	Name() string
	handle(ctx context.Context, rs *runState, s step) (step, error)
}

type Config struct {
	Logger     *slog.Logger
	Schemas    SchemaSource
	Dimensions DimensionSource // optional
	Generator  SQLGenerator
	Executor   QueryRunner
	Charts     ChartRecommender // optional
	RunLog     *runlog.Sink     // optional
	Clock      clockwork.Clock

	MaxRetries    int
	MaxRows       int
	ChartRowLimit int
	HistoryTurns  int
	Dialect       string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Schemas == nil {
		return errors.New("schema source is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = generation.DefaultMaxRetries
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = executor.DefaultMaxRows
	}
	if cfg.ChartRowLimit <= 0 {
		cfg.ChartRowLimit = DefaultChartRowLimit
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DefaultDialect
	}
	return nil
}

// components is what both strategies share.
type components struct {
	log     *slog.Logger
	schemas SchemaSource
	dims    DimensionSource
	gen     SQLGenerator
	exec    QueryRunner
	charts  ChartRecommender

	maxRetries    int
	maxRows       int
	chartRowLimit int
	historyTurns  int
	dialect       string
}

func (c *components) buildPrompt(rs *runState) string {
	return BuildPrompt(PromptInput{
		Question:     rs.input.Question,
		Fact:         *rs.fact,
		Dimensions:   rs.dims,
		History:      rs.input.History,
		HistoryTurns: c.historyTurns,
		Dialect:      c.dialect,
	})
}

// Orchestrator runs questions through the primary strategy and falls back
// to the sequential one when it fails.
type Orchestrator struct {
	log      *slog.Logger
	cfg      Config
	primary  Strategy
	fallback Strategy
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &components{
		log:           cfg.Logger,
		schemas:       cfg.Schemas,
		dims:          cfg.Dimensions,
		gen:           cfg.Generator,
		exec:          cfg.Executor,
		charts:        cfg.Charts,
		maxRetries:    cfg.MaxRetries,
		maxRows:       cfg.MaxRows,
		chartRowLimit: cfg.ChartRowLimit,
		historyTurns:  cfg.HistoryTurns,
		dialect:       cfg.Dialect,
	}
	return &Orchestrator{
		log:      cfg.Logger,
		cfg:      cfg,
		primary:  &ToolStrategy{c: c, registry: newToolRegistry(c)},
		fallback: &SequentialStrategy{c: c},
	}, nil
}

// Tools lists the tools the primary strategy exposes.
func (o *Orchestrator) Tools() []Tool {
	if ts, ok := o.primary.(*ToolStrategy); ok {
		return ts.Tools()
	}
	return nil
}

// NewRequestID returns a short random request identifier.
func NewRequestID() string {
	return uuid.NewString()[:8]
}

// Run answers in.Question. Errors from the primary strategy are logged and
// never returned; a failure of the fallback is returned wrapped with the
// request id.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Output, error) {
	requestID := in.RequestID
	if requestID == "" {
		requestID = NewRequestID()
	}
	log := o.log.With("request_id", requestID)
	start := o.cfg.Clock.Now()

	span := sentry.StartSpan(ctx, "pipeline.run", sentry.WithDescription("ask"))
	span.SetTag("request_id", requestID)
	ctx = span.Context()
	defer span.Finish()

	if strings.TrimSpace(in.Question) == "" {
		err := &apperr.Error{Kind: apperr.KindValidation, Op: "pipeline", RequestID: requestID, Message: "question must not be empty"}
		span.Status = sentry.SpanStatusInvalidArgument
		o.record(in, requestID, "", nil, start, err)
		return nil, err
	}

	log.Info("pipeline: run starting", "question", truncate(in.Question, 80), "strategy", o.primary.Name())

	rs := newRunState(in, requestID)
	err := drive(ctx, o.cfg.Clock, rs, o.primary.handle)
	strategy := o.primary
	if err != nil {
		metrics.RecordPipelineRun(o.primary.Name(), o.cfg.Clock.Since(start), err)
		log.Warn("pipeline: primary strategy failed, falling back", "strategy", o.primary.Name(), "fallback", o.fallback.Name(), "error", err)
		metrics.PipelineFallbacksTotal.Inc()

		rs = newRunState(in, requestID)
		strategy = o.fallback
		err = drive(ctx, o.cfg.Clock, rs, o.fallback.handle)
	}

	duration := o.cfg.Clock.Since(start)
	metrics.RecordPipelineRun(strategy.Name(), duration, err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		err = &apperr.Error{Kind: apperr.KindPipeline, Op: strategy.Name(), RequestID: requestID, Err: err}
		log.Error("pipeline: run failed", "strategy", strategy.Name(), "duration", duration, "error", err)
		o.record(in, requestID, strategy.Name(), rs, start, err)
		return nil, err
	}

	out := rs.output(strategy.Name())
	out.DurationMs = durationMs(duration)
	span.Status = sentry.SpanStatusOK
	log.Info("pipeline: run completed", "strategy", strategy.Name(), "duration", duration, "rows", out.TotalRows)
	o.record(in, requestID, strategy.Name(), rs, start, nil)
	return out, nil
}

func (o *Orchestrator) record(in Input, requestID, strategy string, rs *runState, start time.Time, err error) {
	if o.cfg.RunLog == nil {
		return
	}
	rec := runlog.Record{
		RequestID:   requestID,
		Question:    in.Question,
		Strategy:    strategy,
		TotalTimeMs: durationMs(o.cfg.Clock.Since(start)),
		Success:     err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rs != nil {
		for _, s := range rs.steps {
			rec.Steps = append(rec.Steps, runlog.Step(s))
		}
		if rs.gen != nil {
			rec.SQL = rs.gen.SQL
			rec.ModelUsed = rs.gen.Model
			if rs.gen.Usage != nil {
				tokens := rs.gen.Usage.TotalTokens
				rec.TokensUsed = &tokens
			}
		}
		if rs.result != nil {
			rows := rs.result.TotalRows
			rec.RowsReturned = &rows
			rec.BytesProcessed = rs.result.BytesProcessed
		}
	}
	o.cfg.RunLog.Record(rec)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
