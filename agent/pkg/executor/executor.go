// Package executor runs validated statements against the warehouse and
// normalizes the results for JSON output.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/api/metrics"
)

const (
	DefaultMaxRows = 100
	DefaultTimeout = 60 * time.Second
)

type Config struct {
	Logger    *slog.Logger
	Warehouse warehouse.Warehouse
	Timeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return nil
}

// Result is a materialized, JSON-safe result set. TotalRows counts the rows
// returned, which is capped by the row limit, not the rows available.
type Result struct {
	Columns        []string      `json:"columns"`
	Rows           [][]any       `json:"rows"`
	TotalRows      int           `json:"total_rows"`
	Duration       time.Duration `json:"duration"`
	BytesProcessed *uint64       `json:"bytes_processed,omitempty"`
}

type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Execute runs sql and returns at most maxRows rows.
func (e *Executor) Execute(ctx context.Context, sql string, maxRows int) (*Result, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	span := sentry.StartSpan(ctx, "db.query", sentry.WithDescription(sql))
	span.SetData("db.system", "warehouse")
	span.SetData("db.row_limit", maxRows)
	defer span.Finish()

	ctx, cancel := context.WithTimeout(span.Context(), e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := e.cfg.Warehouse.Query(ctx, sql, maxRows)
	duration := time.Since(start)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("query timed out after %s: %w", e.cfg.Timeout, err)
		}
		e.log.Warn("executor: query failed", "duration", duration, "error", err)
		return nil, apperr.Wrapf(apperr.KindExecution, "execute", err, "query execution failed")
	}

	rows := raw.Rows
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = NormalizeRow(row)
	}
	columns := raw.Columns
	if columns == nil {
		columns = []string{}
	}

	if raw.BytesProcessed != nil {
		metrics.WarehouseBytesProcessed.Add(float64(*raw.BytesProcessed))
		span.SetData("db.bytes_processed", *raw.BytesProcessed)
	}
	span.SetData("db.rows", len(out))
	span.Status = sentry.SpanStatusOK
	e.log.Debug("executor: query completed", "rows", len(out), "duration", duration)

	return &Result{
		Columns:        columns,
		Rows:           out,
		TotalRows:      len(out),
		Duration:       duration,
		BytesProcessed: raw.BytesProcessed,
	}, nil
}
