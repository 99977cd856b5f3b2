// Package generation turns prompts into validated SQL through a text
// generation backend.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/api/metrics"
	"github.com/malbeclabs/askdata/utils/pkg/retry"
)

const (
	DefaultMaxRetries  = 3
	DefaultTimeout     = 30 * time.Second
	DefaultBaseBackoff = time.Second
)

type Config struct {
	Logger    *slog.Logger
	Generator Generator
	Clock     clockwork.Clock
	// Fact is used for table-name correction when the prompt does not name
	// the fact table.
	Fact     warehouse.TableID
	Sampling Sampling
	// Timeout bounds a single generation call.
	Timeout time.Duration
	// BaseBackoff is scaled by 2^retry before each retry.
	BaseBackoff time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Sampling == (Sampling{}) {
		cfg.Sampling = SQLSampling()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	return nil
}

// Result describes one successful generation.
type Result struct {
	SQL          string        `json:"sql"`
	Model        string        `json:"model"`
	Duration     time.Duration `json:"duration"`
	Usage        *TokenUsage   `json:"token_usage,omitempty"`
	RetryCount   int           `json:"retry_count"`
	PromptLength int           `json:"prompt_length"`
	SQLLength    int           `json:"sql_length"`
	// TableFixed is set when the table name in the statement was corrected.
	TableFixed bool `json:"table_fixed"`
}

type Client struct {
	log *slog.Logger
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// Name returns the backend name.
func (c *Client) Name() string {
	return c.cfg.Generator.Name()
}

// Generate asks the backend for SQL answering prompt. Rate-limited calls are
// retried up to maxRetries times, waiting 2^retry base backoffs between
// attempts.
func (c *Client) Generate(ctx context.Context, prompt string, maxRetries int) (*Result, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	start := c.cfg.Clock.Now()

	var (
		completion Completion
		retries    int
	)
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: maxRetries + 1,
		BaseBackoff: c.cfg.BaseBackoff,
		NoJitter:    true,
		Clock:       c.cfg.Clock,
		Retryable:   retryable,
		OnRetry: func(n int, err error, wait time.Duration) {
			retries = n
			metrics.GenerationRetriesTotal.Inc()
			c.log.Warn("generation: rate limited, retrying", "retry", n, "max_retries", maxRetries, "wait", wait, "error", err)
		},
	}, func() error {
		var err error
		completion, err = c.call(ctx, prompt)
		return err
	})
	if err != nil {
		cerr := c.classify(ctx, err)
		metrics.GenerationOutcomesTotal.WithLabelValues(apperr.KindOf(cerr).String()).Inc()
		return nil, cerr
	}

	sql, err := ExtractSQL(completion.Text)
	if err != nil {
		metrics.GenerationOutcomesTotal.WithLabelValues(apperr.KindValidation.String()).Inc()
		c.log.Warn("generation: rejected model output", "output", truncate(completion.Text, 200))
		return nil, err
	}

	fixed := false
	if table, ok := AuthoritativeTable(prompt, c.cfg.Fact); ok {
		if corrected, changed := FixTableName(sql, table); changed {
			c.log.Info("generation: corrected table name", "table", table.String(), "before", sql, "after", corrected)
			metrics.GenerationTableNameFixesTotal.Inc()
			sql, fixed = corrected, true
		}
	}

	metrics.GenerationOutcomesTotal.WithLabelValues("success").Inc()
	return &Result{
		SQL:          sql,
		Model:        completion.Model,
		Duration:     c.cfg.Clock.Since(start),
		Usage:        completion.Usage,
		RetryCount:   retries,
		PromptLength: len(prompt),
		SQLLength:    len(sql),
		TableFixed:   fixed,
	}, nil
}

func (c *Client) call(ctx context.Context, prompt string) (Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	completion, err := c.cfg.Generator.Generate(callCtx, prompt, c.cfg.Sampling)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Completion{}, fmt.Errorf("%w after %s: %w", ErrTimeout, c.cfg.Timeout, err)
		}
		return Completion{}, err
	}
	return completion, nil
}

func (c *Client) classify(ctx context.Context, err error) error {
	if errors.Is(err, retry.ErrExhausted) && IsRateLimit(err) {
		return &apperr.Error{Kind: apperr.KindQuotaExceeded, Op: "generate", Message: apperr.QuotaMessage, Err: err}
	}
	if errors.Is(err, ErrNotConfigured) {
		return apperr.Wrap(apperr.KindConfiguration, "generate", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperr.Wrapf(apperr.KindGeneration, "generate", err, "generation canceled")
	}
	return apperr.Wrapf(apperr.KindGeneration, "generate", err, "%s generation failed", c.cfg.Generator.Name())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
