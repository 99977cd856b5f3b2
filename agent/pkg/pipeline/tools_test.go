package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/executor"
)

func TestAskData_Pipeline_ToolRegistry_Call(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "echo",
		Handler: func(_ context.Context, raw json.RawMessage) (any, error) {
			var in map[string]any
			require.NoError(t, json.Unmarshal(raw, &in))
			return map[string]any{"got": in["value"]}, nil
		},
	}))
	require.NoError(t, r.Register(Tool{
		Name: "fail",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, apperr.Wrap(apperr.KindExecution, "execute", errors.New("boom"))
		},
	}))

	res, err := r.Call(context.Background(), "echo", map[string]any{"value": 7})
	require.NoError(t, err)
	require.True(t, res.Success)
	var out struct {
		Got int64 `json:"got"`
	}
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, int64(7), out.Got)

	res, err = r.Call(context.Background(), "fail", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, apperr.KindExecution, res.Kind)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(res.Err()))
	assert.Contains(t, res.Err().Error(), "boom")

	_, err = r.Call(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestAskData_Pipeline_ToolRegistry_Register(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	require.NoError(t, r.Register(Tool{Name: "a", Handler: noop}))
	require.NoError(t, r.Register(Tool{Name: "b", Handler: noop}))
	assert.Error(t, r.Register(Tool{Name: "a", Handler: noop}))
	assert.Error(t, r.Register(Tool{Name: "c"}))

	var names []string
	for _, tool := range r.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestAskData_Pipeline_ToolResultEnvelopeJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(ToolResult{Success: false, Error: "denied", Kind: apperr.KindQuotaExceeded})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success": false, "error": "denied", "error_kind": "quota_exceeded"}`, string(b))

	var back ToolResult
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, apperr.KindQuotaExceeded, back.Kind)
}

func TestAskData_Pipeline_OrchestratorTools(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, Config{Dimensions: dimsFunc(nil), Charts: chartFunc(nil)})
	var names []string
	for _, tool := range o.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ToolGetSchema, ToolGetDimensions, ToolGenerateSQL, ToolExecuteQuery, ToolRecommendChart}, names)

	bare := newOrchestrator(t, Config{})
	assert.Len(t, bare.Tools(), 3)
}

func TestAskData_Pipeline_ToolResultKeepsTypedValue(t *testing.T) {
	t.Parallel()

	r := NewToolRegistry()
	want := &executor.Result{Columns: []string{"big", "whole"}, Rows: [][]any{{uint64(math.MaxUint64), float64(2)}}, TotalRows: 1}
	require.NoError(t, r.Register(Tool{
		Name:    "rows",
		Handler: func(context.Context, json.RawMessage) (any, error) { return want, nil },
	}))

	res, err := r.Call(context.Background(), "rows", nil)
	require.NoError(t, err)
	var got executor.Result
	require.NoError(t, res.Decode(&got))
	assert.Equal(t, *want, got)

	// An envelope read back from JSON has no typed value.
	var back ToolResult
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"data":{"columns":["big"],"rows":[[18446744073709551615]],"total_rows":1}}`), &back))
	var decoded executor.Result
	require.NoError(t, back.Decode(&decoded))
	assert.Equal(t, []any{uint64(math.MaxUint64)}, normalizeRows(decoded.Rows)[0])
}

func TestAskData_Pipeline_NumberValue(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		want any
	}{
		{"2", int64(2)},
		{"-9223372036854775808", int64(math.MinInt64)},
		{"18446744073709551615", uint64(math.MaxUint64)},
		{"1.5", 1.5},
		{"1e400", "1e400"},
	} {
		assert.Equal(t, tt.want, numberValue(json.Number(tt.in)), tt.in)
	}
}
