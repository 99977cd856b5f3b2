// Package warehousetest provides an in-memory warehouse for tests.
package warehousetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
)

// Fake is a scriptable warehouse.Warehouse. Unknown tables fail with
// warehouse.ErrNotFound.
type Fake struct {
	mu sync.Mutex

	tables      map[string][]warehouse.Column
	tableErrors map[string]error
	describes   map[string]int

	// QueryFunc answers Query. When nil, Query returns an empty result.
	QueryFunc func(ctx context.Context, sql string, rowLimit int) (*warehouse.QueryResult, error)
	PingErr   error

	queries []string
}

func New() *Fake {
	return &Fake{
		tables:      make(map[string][]warehouse.Column),
		tableErrors: make(map[string]error),
		describes:   make(map[string]int),
	}
}

// AddTable registers table with the given columns.
func (f *Fake) AddTable(table string, cols ...warehouse.Column) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = cols
	delete(f.tableErrors, table)
	return f
}

// FailTable makes DescribeTable return err for table.
func (f *Fake) FailTable(table string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableErrors[table] = err
	return f
}

func (f *Fake) DescribeTable(ctx context.Context, table warehouse.TableID) ([]warehouse.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := table.String()
	f.describes[key]++
	if err, ok := f.tableErrors[key]; ok {
		return nil, err
	}
	cols, ok := f.tables[key]
	if !ok {
		return nil, fmt.Errorf("describe %s: %w", key, warehouse.ErrNotFound)
	}
	out := make([]warehouse.Column, len(cols))
	copy(out, cols)
	return out, nil
}

func (f *Fake) Query(ctx context.Context, sql string, rowLimit int) (*warehouse.QueryResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, sql)
	fn := f.QueryFunc
	f.mu.Unlock()

	if fn == nil {
		return &warehouse.QueryResult{}, nil
	}
	return fn(ctx, sql, rowLimit)
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.PingErr
}

// Describes returns how many times table was described.
func (f *Fake) Describes(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.describes[table]
}

// Queries returns the statements passed to Query, in order.
func (f *Fake) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}
