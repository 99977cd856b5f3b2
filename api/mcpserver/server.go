// Package mcpserver exposes the question pipeline as Model Context Protocol
// tools over streamable HTTP.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
	"github.com/malbeclabs/askdata/api/handlers"
	"github.com/malbeclabs/askdata/api/metrics"
)

const (
	ToolAsk        = "ask"
	ToolGetSchema  = "get_schema"
	ToolCacheStats = "cache_stats"
)

type (
	Asker interface {
		Run(ctx context.Context, in pipeline.Input) (*pipeline.Output, error)
	}
	SchemaSource interface {
		Fact(ctx context.Context, useCache bool) (schema.Entry, error)
	}
	StatsSource interface {
		Stats() handlers.CacheStats
	}
)

type Config struct {
	Logger   *slog.Logger
	Version  string
	Pipeline Asker
	Schemas  SchemaSource
	Stats    StatsSource
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if cfg.Schemas == nil {
		return errors.New("schema source is required")
	}
	if cfg.Stats == nil {
		return errors.New("stats source is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config
	mcp *mcp.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mcp: mcp.NewServer(&mcp.Implementation{Name: "askdata", Version: cfg.Version}, nil),
	}
	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// MCP returns the underlying server, for in-process transports.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Handler serves the tools over stateless streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

type AskInput struct {
	Question string             `json:"question" jsonschema:"the question to answer, in natural language"`
	History  []pipeline.Message `json:"conversation_history,omitempty" jsonschema:"earlier turns of the conversation, oldest first"`
}

type AskOutput struct {
	RequestID string   `json:"request_id"`
	SQL       string   `json:"sql"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	TotalRows int      `json:"total_rows"`
	ChartType string   `json:"chart_type,omitempty"`
	Strategy  string   `json:"strategy"`
}

type SchemaInput struct {
	Refresh bool `json:"refresh,omitempty" jsonschema:"bypass the schema cache"`
}

type SchemaOutput struct {
	Table  string `json:"table"`
	Schema string `json:"schema"`
}

type StatsInput struct{}

func (s *Server) registerTools() error {
	askIn, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}
	askOut, err := jsonschema.For[AskOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask output schema: %w", err)
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: ToolAsk,
		Description: `Answer a question about the sales agreements warehouse.
The question is translated to a single SELECT statement, executed, and the
resulting columns and rows are returned together with the SQL that produced them.`,
		InputSchema:  askIn,
		OutputSchema: askOut,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, AskOutput, error) {
		out, err := s.ask(ctx, in)
		metrics.RecordMCPToolCall(ToolAsk, err)
		return nil, out, err
	})

	schemaIn, err := jsonschema.For[SchemaInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create schema input schema: %w", err)
	}
	schemaOut, err := jsonschema.For[SchemaOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create schema output schema: %w", err)
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:         ToolGetSchema,
		Description:  "Return the column list of the fact table questions are answered from.",
		InputSchema:  schemaIn,
		OutputSchema: schemaOut,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in SchemaInput) (*mcp.CallToolResult, SchemaOutput, error) {
		entry, err := s.cfg.Schemas.Fact(ctx, !in.Refresh)
		metrics.RecordMCPToolCall(ToolGetSchema, err)
		if err != nil {
			return nil, SchemaOutput{}, fmt.Errorf("failed to get schema: %w", err)
		}
		return nil, SchemaOutput{Table: entry.Table.String(), Schema: entry.Text}, nil
	})

	statsIn, err := jsonschema.For[StatsInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create cache stats input schema: %w", err)
	}
	statsOut, err := jsonschema.For[handlers.CacheStats](nil)
	if err != nil {
		return fmt.Errorf("failed to create cache stats output schema: %w", err)
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:         ToolCacheStats,
		Description:  "Report the occupancy of the schema and dimension caches.",
		InputSchema:  statsIn,
		OutputSchema: statsOut,
	}, func(context.Context, *mcp.CallToolRequest, StatsInput) (*mcp.CallToolResult, handlers.CacheStats, error) {
		metrics.RecordMCPToolCall(ToolCacheStats, nil)
		return nil, s.cfg.Stats.Stats(), nil
	})
	return nil
}

func (s *Server) ask(ctx context.Context, in AskInput) (AskOutput, error) {
	start := time.Now()
	out, err := s.cfg.Pipeline.Run(ctx, pipeline.Input{
		Question:  in.Question,
		History:   in.History,
		RequestID: pipeline.NewRequestID(),
	})
	s.log.Debug("mcp/tool: handled ask", "duration", time.Since(start), "error", err)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindQuotaExceeded {
			return AskOutput{}, errors.New(apperr.QuotaMessage)
		}
		return AskOutput{}, err
	}

	res := AskOutput{
		RequestID: out.RequestID,
		SQL:       out.SQL,
		Columns:   out.Columns,
		Rows:      out.Rows,
		TotalRows: out.TotalRows,
		Strategy:  out.Strategy,
	}
	if res.Columns == nil {
		res.Columns = []string{}
	}
	if res.Rows == nil {
		res.Rows = [][]any{}
	}
	if out.ChartType != nil {
		res.ChartType = *out.ChartType
	}
	return res, nil
}
