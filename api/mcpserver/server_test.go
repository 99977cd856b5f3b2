package mcpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/api/handlers"
	"github.com/malbeclabs/askdata/api/mcpserver"
	asktesting "github.com/malbeclabs/askdata/utils/pkg/testing"
)

type askFunc func(ctx context.Context, in pipeline.Input) (*pipeline.Output, error)

func (f askFunc) Run(ctx context.Context, in pipeline.Input) (*pipeline.Output, error) {
	return f(ctx, in)
}

type stubSchemas struct {
	useCache []bool
}

func (s *stubSchemas) Fact(_ context.Context, useCache bool) (schema.Entry, error) {
	s.useCache = append(s.useCache, useCache)
	return schema.Entry{
		Table: warehouse.TableID{Project: "p", Dataset: "sales", Table: "agreements"},
		Text:  "agreement_id:String, amount:Float64",
	}, nil
}

type stubStats handlers.CacheStats

func (s stubStats) Stats() handlers.CacheStats { return handlers.CacheStats(s) }

func connect(t *testing.T, ask askFunc, schemas *stubSchemas) *mcp.ClientSession {
	t.Helper()
	ctx := t.Context()

	srv, err := mcpserver.New(mcpserver.Config{
		Logger:   asktesting.NewLogger(),
		Version:  "test",
		Pipeline: ask,
		Schemas:  schemas,
		Stats:    stubStats{SchemaCacheSize: 1, SchemaCacheMax: 50, DimensionsNotFoundCacheMax: 100},
	})
	require.NoError(t, err)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := srv.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func structured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	b, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func TestAskData_MCP_ListsTools(t *testing.T) {
	t.Parallel()

	cs := connect(t, nil, &stubSchemas{})
	res, err := cs.ListTools(t.Context(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{mcpserver.ToolAsk, mcpserver.ToolGetSchema, mcpserver.ToolCacheStats}, names)
}

func TestAskData_MCP_Ask(t *testing.T) {
	t.Parallel()

	chart := "bar"
	var got pipeline.Input
	cs := connect(t, func(_ context.Context, in pipeline.Input) (*pipeline.Output, error) {
		got = in
		return &pipeline.Output{
			RequestID: in.RequestID,
			SQL:       "SELECT category, SUM(quantity) AS q FROM sales.agreements GROUP BY category",
			Columns:   []string{"category", "q"},
			Rows:      [][]any{{"Agro", 200}, {"Services", 2}},
			TotalRows: 2,
			ChartType: &chart,
			Strategy:  "tools",
		}, nil
	}, &stubSchemas{})

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      mcpserver.ToolAsk,
		Arguments: map[string]any{"question": "quantity by category"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	out := structured[mcpserver.AskOutput](t, res)
	assert.Equal(t, []string{"category", "q"}, out.Columns)
	assert.Equal(t, 2, out.TotalRows)
	assert.Equal(t, "bar", out.ChartType)
	assert.Equal(t, "tools", out.Strategy)
	assert.Equal(t, got.RequestID, out.RequestID)
	assert.Equal(t, "quantity by category", got.Question)
}

func TestAskData_MCP_AskQuotaIsToolError(t *testing.T) {
	t.Parallel()

	cs := connect(t, func(context.Context, pipeline.Input) (*pipeline.Output, error) {
		return nil, &apperr.Error{Kind: apperr.KindQuotaExceeded, Op: "generate", Err: errors.New("429 Too Many Requests")}
	}, &stubSchemas{})

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      mcpserver.ToolAsk,
		Arguments: map[string]any{"question": "anything"},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, apperr.QuotaMessage)
}

func TestAskData_MCP_GetSchemaAndStats(t *testing.T) {
	t.Parallel()

	schemas := &stubSchemas{}
	cs := connect(t, nil, schemas)

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      mcpserver.ToolGetSchema,
		Arguments: map[string]any{"refresh": true},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	out := structured[mcpserver.SchemaOutput](t, res)
	assert.Equal(t, "p.sales.agreements", out.Table)
	assert.Equal(t, []bool{false}, schemas.useCache)

	res, err = cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      mcpserver.ToolCacheStats,
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	stats := structured[handlers.CacheStats](t, res)
	assert.Equal(t, 1, stats.SchemaCacheSize)
	assert.Equal(t, 100, stats.DimensionsNotFoundCacheMax)
}
