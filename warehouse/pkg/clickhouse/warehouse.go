// Package clickhouse implements the warehouse contract on ClickHouse.
//
// A warehouse table id "project.dataset.table" maps to the ClickHouse table
// "dataset.table"; the project is a catalog label that must match the one
// the warehouse was configured with.
package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/api/metrics"
)

// ClickHouse exception codes used for classification.
const (
	codeUnknownTable     = 60
	codeUnknownDatabase  = 81
	codeAccessDenied     = 497
	codeAuthFailed       = 516
	codeNotEnoughPrivs   = 241
	codeReadonlySettings = 164
)

type Warehouse struct {
	log     *slog.Logger
	conn    Connection
	project string

	bareRe   *regexp.Regexp
	quotedRe *regexp.Regexp
}

// NewWarehouse wraps conn. project is the catalog label accepted in table
// ids and stripped from statements before execution.
func NewWarehouse(log *slog.Logger, conn Connection, project string) *Warehouse {
	w := &Warehouse{log: log, conn: conn, project: project}
	if project != "" {
		p := regexp.QuoteMeta(project)
		w.quotedRe = regexp.MustCompile("`" + p + "\\.([^.`]+)\\.([^.`]+)`")
		w.bareRe = regexp.MustCompile(`(^|[^A-Za-z0-9_.\-` + "`" + `])` + p + `\.([A-Za-z0-9_\-]+)\.([A-Za-z0-9_\-]+)`)
	}
	return w
}

func (w *Warehouse) DescribeTable(ctx context.Context, table warehouse.TableID) ([]warehouse.Column, error) {
	start := time.Now()
	cols, err := w.describe(ctx, table)
	metrics.RecordWarehouseQuery("describe", time.Since(start), err)
	return cols, err
}

func (w *Warehouse) describe(ctx context.Context, table warehouse.TableID) ([]warehouse.Column, error) {
	if w.project != "" && table.Project != w.project {
		return nil, fmt.Errorf("describe %s: unknown project %q: %w", table, table.Project, warehouse.ErrNotFound)
	}

	rows, err := w.conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = ? AND table = ? ORDER BY position",
		table.Dataset, table.Table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, classify(err))
	}
	defer rows.Close()

	var cols []warehouse.Column
	for rows.Next() {
		var c warehouse.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("describe %s: scan: %w", table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, classify(err))
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("describe %s: %w", table, warehouse.ErrNotFound)
	}
	return cols, nil
}

// Query runs sql and materializes at most rowLimit rows.
func (w *Warehouse) Query(ctx context.Context, sql string, rowLimit int) (*warehouse.QueryResult, error) {
	start := time.Now()
	res, err := w.query(ctx, sql, rowLimit)
	metrics.RecordWarehouseQuery("query", time.Since(start), err)
	return res, err
}

func (w *Warehouse) query(ctx context.Context, sql string, rowLimit int) (*warehouse.QueryResult, error) {
	var bytesRead atomic.Uint64
	ctx = clickhouse.Context(ctx, clickhouse.WithProgress(func(p *clickhouse.Progress) {
		bytesRead.Add(p.Bytes)
	}))

	stmt := w.Rewrite(sql)
	rows, err := w.conn.Query(ctx, stmt)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ct.Name()
	}

	result := &warehouse.QueryResult{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if rowLimit > 0 && len(result.Rows) >= rowLimit {
			break
		}
		dest := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]any, len(dest))
		for i, d := range dest {
			row[i] = reflect.ValueOf(d).Elem().Interface()
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	n := bytesRead.Load()
	result.BytesProcessed = &n
	return result, nil
}

func (w *Warehouse) Ping(ctx context.Context) error {
	start := time.Now()
	err := w.conn.Ping(ctx)
	metrics.RecordWarehouseQuery("ping", time.Since(start), err)
	return err
}

// Rewrite drops the project label from three-part table names so the
// statement resolves as database.table.
func (w *Warehouse) Rewrite(sql string) string {
	if w.project == "" {
		return sql
	}
	sql = w.quotedRe.ReplaceAllString(sql, "`$1`.`$2`")
	return w.bareRe.ReplaceAllString(sql, "${1}${2}.${3}")
}

// classify wraps ClickHouse exceptions that map onto warehouse sentinels.
func classify(err error) error {
	var exc *clickhouse.Exception
	if !errors.As(err, &exc) {
		return err
	}
	switch exc.Code {
	case codeUnknownTable, codeUnknownDatabase:
		return fmt.Errorf("%w: %w", warehouse.ErrNotFound, err)
	case codeAccessDenied, codeAuthFailed, codeNotEnoughPrivs, codeReadonlySettings:
		return fmt.Errorf("%w: %w", warehouse.ErrPermissionDenied, err)
	}
	return err
}
