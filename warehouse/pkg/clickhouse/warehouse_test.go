package clickhouse

import (
	"errors"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"

	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	asktesting "github.com/malbeclabs/askdata/utils/pkg/testing"
)

func TestAskData_ClickHouse_RewriteStripsProject(t *testing.T) {
	t.Parallel()

	w := NewWarehouse(asktesting.NewLogger(), nil, "sales-prod")
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "quoted",
			in:   "SELECT count(*) FROM `sales-prod.sales.agreements`",
			want: "SELECT count(*) FROM `sales`.`agreements`",
		},
		{
			name: "bare",
			in:   "SELECT * FROM sales-prod.sales.agreements a JOIN sales-prod.Dim.DimProducts p ON a.product_id = p.product_id",
			want: "SELECT * FROM sales.agreements a JOIN Dim.DimProducts p ON a.product_id = p.product_id",
		},
		{
			name: "two part names untouched",
			in:   "SELECT * FROM sales.agreements",
			want: "SELECT * FROM sales.agreements",
		},
		{
			name: "other project untouched",
			in:   "SELECT * FROM `other.sales.agreements`",
			want: "SELECT * FROM `other.sales.agreements`",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, w.Rewrite(tt.in))
		})
	}
}

func TestAskData_ClickHouse_RewriteWithoutProject(t *testing.T) {
	t.Parallel()

	w := NewWarehouse(asktesting.NewLogger(), nil, "")
	sql := "SELECT * FROM `a.b.c`"
	assert.Equal(t, sql, w.Rewrite(sql))
}

func TestAskData_ClickHouse_ClassifyExceptionCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int32
		want warehouse.LookupClass
	}{
		{name: "unknown table", code: codeUnknownTable, want: warehouse.LookupNotFound},
		{name: "unknown database", code: codeUnknownDatabase, want: warehouse.LookupNotFound},
		{name: "access denied", code: codeAccessDenied, want: warehouse.LookupPermissionDenied},
		{name: "not enough privileges", code: codeNotEnoughPrivs, want: warehouse.LookupPermissionDenied},
		{name: "syntax error", code: 62, want: warehouse.LookupOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify(&clickhouse.Exception{Code: tt.code, Name: "DB::Exception", Message: "boom"})
			assert.Equal(t, tt.want, warehouse.Classify(err))

			var exc *clickhouse.Exception
			assert.True(t, errors.As(err, &exc), "exception stays in the chain")
		})
	}
}

func TestAskData_ClickHouse_ClassifyPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	err := errors.New("dial tcp: connection refused")
	assert.Same(t, err, classify(err))
}

func TestAskData_ClickHouse_ConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Addr: "localhost:9000"}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, "default", cfg.Username)
	assert.Positive(t, cfg.MaxExecutionTime)

	assert.Error(t, (&Config{}).Validate())
}
