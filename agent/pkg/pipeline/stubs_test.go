package pipeline

import (
	"context"

	"github.com/malbeclabs/askdata/agent/pkg/chart"
	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/generation"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
)

type schemaFunc func(ctx context.Context, useCache bool) (schema.Entry, error)

func (f schemaFunc) Fact(ctx context.Context, useCache bool) (schema.Entry, error) {
	return f(ctx, useCache)
}

type dimsFunc func(ctx context.Context, useCache, forceRefresh bool) (dimensions.Result, error)

func (f dimsFunc) Get(ctx context.Context, useCache, forceRefresh bool) (dimensions.Result, error) {
	return f(ctx, useCache, forceRefresh)
}

type genFunc func(ctx context.Context, prompt string, maxRetries int) (*generation.Result, error)

func (f genFunc) Generate(ctx context.Context, prompt string, maxRetries int) (*generation.Result, error) {
	return f(ctx, prompt, maxRetries)
}

type execFunc func(ctx context.Context, sql string, maxRows int) (*executor.Result, error)

func (f execFunc) Execute(ctx context.Context, sql string, maxRows int) (*executor.Result, error) {
	return f(ctx, sql, maxRows)
}

type chartFunc func(ctx context.Context, question string, columns []string, rows [][]any) (*chart.Recommendation, error)

func (f chartFunc) Recommend(ctx context.Context, question string, columns []string, rows [][]any) (*chart.Recommendation, error) {
	return f(ctx, question, columns, rows)
}

var factTable = warehouse.TableID{Project: "p", Dataset: "d", Table: "t"}

func factEntry() schema.Entry {
	return schema.Entry{
		Table:   factTable,
		Columns: []warehouse.Column{{Name: "id", Type: "INTEGER"}},
		Text:    "id:INTEGER",
	}
}

func staticSchema() SchemaSource {
	return schemaFunc(func(context.Context, bool) (schema.Entry, error) { return factEntry(), nil })
}

func staticSQL(sql string) SQLGenerator {
	return genFunc(func(context.Context, string, int) (*generation.Result, error) {
		return &generation.Result{SQL: sql, Model: "stub"}, nil
	})
}

func rowsResult(n int) *executor.Result {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	return &executor.Result{Columns: []string{"n"}, Rows: rows, TotalRows: n}
}

func staticRows(n int) QueryRunner {
	return execFunc(func(context.Context, string, int) (*executor.Result, error) { return rowsResult(n), nil })
}
