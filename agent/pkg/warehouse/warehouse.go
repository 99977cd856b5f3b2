// Package warehouse defines the contract between the question pipeline and
// the analytical store it queries.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is wrapped by DescribeTable when the table or its dataset
	// does not exist.
	ErrNotFound = errors.New("table not found")
	// ErrPermissionDenied is wrapped when the caller may not read the table.
	ErrPermissionDenied = errors.New("permission denied")
)

// Warehouse is the store the pipeline reads schemas from and runs queries on.
type Warehouse interface {
	// DescribeTable returns the table's columns in declaration order.
	DescribeTable(ctx context.Context, table TableID) ([]Column, error)
	// Query runs a read-only statement and materializes at most rowLimit rows.
	Query(ctx context.Context, sql string, rowLimit int) (*QueryResult, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// TableID is a fully qualified project.dataset.table identifier.
type TableID struct {
	Project string
	Dataset string
	Table   string
}

func (t TableID) String() string {
	return t.Project + "." + t.Dataset + "." + t.Table
}

// DatasetKey identifies the dataset the table lives in.
func (t TableID) DatasetKey() string {
	return t.Project + "." + t.Dataset
}

// ParseTableID parses "project.dataset.table". Surrounding backticks are
// accepted.
func ParseTableID(s string) (TableID, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "`"), ".")
	if len(parts) != 3 {
		return TableID{}, fmt.Errorf("table id must have the form project.dataset.table, got %q", s)
	}
	for _, p := range parts {
		if p == "" {
			return TableID{}, fmt.Errorf("table id must have the form project.dataset.table, got %q", s)
		}
	}
	return TableID{Project: parts[0], Dataset: parts[1], Table: parts[2]}, nil
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult holds the raw values returned by the store. Values are the
// driver's native Go types; callers normalize them for output.
type QueryResult struct {
	Columns        []string
	Rows           [][]any
	BytesProcessed *uint64
}
