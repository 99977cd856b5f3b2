package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/chart"
	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/generation"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
)

// Tool names registered by the tool strategy.
const (
	ToolGetSchema      = "get_schema"
	ToolGetDimensions  = "get_dimensions"
	ToolGenerateSQL    = "generate_sql"
	ToolExecuteQuery   = "execute_query"
	ToolRecommendChart = "recommend_chart"
)

// ErrUnknownTool is returned by ToolRegistry.Call for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// ToolHandler receives the JSON-encoded input and returns a value that is
// JSON-encoded into the result envelope.
type ToolHandler func(ctx context.Context, input json.RawMessage) (any, error)

type Tool struct {
	Name        string
	Description string
	Handler     ToolHandler
}

// ToolResult is the envelope every tool call produces.
type ToolResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    apperr.Kind     `json:"error_kind,omitempty"`

	// Value is the handler's output before encoding. In-process callers
	// read it through Decode so row values keep their warehouse types.
	Value any `json:"-"`
}

// Err rebuilds a classified error from a failed result.
func (r ToolResult) Err() error {
	if r.Success {
		return nil
	}
	return apperr.New(r.Kind, "", r.Error)
}

// Decode stores the result in v. When Value fits v it is assigned
// directly; otherwise Data is unmarshalled with numbers left as json.Number.
func (r ToolResult) Decode(v any) error {
	if r.Value != nil && assignValue(v, r.Value) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode tool result: %w", err)
	}
	return nil
}

func assignValue(dst, src any) bool {
	d := reflect.ValueOf(dst)
	if d.Kind() != reflect.Pointer || d.IsNil() {
		return false
	}
	target, val := d.Elem(), reflect.ValueOf(src)
	if val.Type().AssignableTo(target.Type()) {
		target.Set(val)
		return true
	}
	if val.Kind() == reflect.Pointer && !val.IsNil() && val.Elem().Type().AssignableTo(target.Type()) {
		target.Set(val.Elem())
		return true
	}
	return false
}

// ToolRegistry maps tool names to handlers.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool name and handler are required")
	}
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Tools returns the registered tools in registration order.
func (r *ToolRegistry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Call invokes the named tool. Handler failures are reported in the
// envelope; the returned error is reserved for unknown tools and encoding
// failures.
func (r *ToolRegistry) Call(ctx context.Context, name string, input any) (ToolResult, error) {
	t, ok := r.tools[name]
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ToolResult{}, fmt.Errorf("encode %s input: %w", name, err)
	}

	out, err := t.Handler(ctx, raw)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: apperr.KindOf(err)}, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return ToolResult{}, fmt.Errorf("encode %s output: %w", name, err)
	}
	return ToolResult{Success: true, Data: data, Value: out}, nil
}

type dimensionsInput struct {
	ForceRefresh bool `json:"force_refresh"`
}

type generateInput struct {
	Prompt string `json:"prompt"`
}

type executeInput struct {
	SQL     string `json:"sql"`
	MaxRows int    `json:"max_rows"`
}

type chartInput struct {
	Question string   `json:"question"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
}

func decodeInput[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("invalid tool input: %w", err)
	}
	return v, nil
}

// newToolRegistry exposes the components as tools.
func newToolRegistry(c *components) *ToolRegistry {
	r := NewToolRegistry()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.Register(Tool{
		Name:        ToolGetSchema,
		Description: "Return the fact table identifier and its columns.",
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return c.schemas.Fact(ctx, true)
		},
	}))
	if c.dims != nil {
		must(r.Register(Tool{
			Name:        ToolGetDimensions,
			Description: "Return the dimension tables that resolved and the declared join relationships.",
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				in, err := decodeInput[dimensionsInput](raw)
				if err != nil {
					return nil, err
				}
				res, err := c.dims.Get(ctx, true, in.ForceRefresh)
				if err != nil {
					return nil, apperr.Wrap(apperr.KindDimensionLookup, ToolGetDimensions, err)
				}
				return res, nil
			},
		}))
	}
	must(r.Register(Tool{
		Name:        ToolGenerateSQL,
		Description: "Generate a read-only SQL statement for a prompt.",
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			in, err := decodeInput[generateInput](raw)
			if err != nil {
				return nil, err
			}
			return c.gen.Generate(ctx, in.Prompt, c.maxRetries)
		},
	}))
	must(r.Register(Tool{
		Name:        ToolExecuteQuery,
		Description: "Execute a SQL statement and return at most max_rows rows.",
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			in, err := decodeInput[executeInput](raw)
			if err != nil {
				return nil, err
			}
			return c.exec.Execute(ctx, in.SQL, in.MaxRows)
		},
	}))
	if c.charts != nil {
		must(r.Register(Tool{
			Name:        ToolRecommendChart,
			Description: "Recommend a chart type and axes for a result set, or null.",
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				in, err := decodeInput[chartInput](raw)
				if err != nil {
					return nil, err
				}
				return c.charts.Recommend(ctx, in.Question, in.Columns, normalizeRows(in.Rows))
			},
		}))
	}
	return r
}

// ToolStrategy runs every state as a tool call and decides the next state
// from the returned envelope.
type ToolStrategy struct {
	c        *components
	registry *ToolRegistry
}

func (s *ToolStrategy) Name() string { return "tools" }

// Tools lists the tools the strategy can call.
func (s *ToolStrategy) Tools() []Tool { return s.registry.Tools() }

func (s *ToolStrategy) handle(ctx context.Context, rs *runState, st step) (step, error) {
	c := s.c
	switch st := st.(type) {
	case stepSchema:
		var entry schema.Entry
		if err := s.call(ctx, ToolGetSchema, struct{}{}, &entry); err != nil {
			return nil, err
		}
		if entry.Text == "" {
			return nil, apperr.New(apperr.KindSchemaLookup, ToolGetSchema, "schema is empty")
		}
		rs.fact = &entry
		return stepDimensions{}, nil

	case stepDimensions:
		if !s.registry.Has(ToolGetDimensions) {
			return stepPrompt{}, nil
		}
		var res dimensions.Result
		if err := s.call(ctx, ToolGetDimensions, dimensionsInput{}, &res); err != nil {
			return stepPrompt{}, err
		}
		if len(res.Dimensions) > 0 {
			rs.dims = &res
		}
		return stepPrompt{}, nil

	case stepPrompt:
		rs.prompt = c.buildPrompt(rs)
		return stepGenerate{prompt: rs.prompt}, nil

	case stepGenerate:
		var res generation.Result
		if err := s.call(ctx, ToolGenerateSQL, generateInput{Prompt: st.prompt}, &res); err != nil {
			return nil, err
		}
		if res.SQL == "" {
			return nil, apperr.New(apperr.KindGeneration, ToolGenerateSQL, "no SQL returned")
		}
		rs.gen = &res
		return stepExecute{sql: res.SQL}, nil

	case stepExecute:
		var res executor.Result
		if err := s.call(ctx, ToolExecuteQuery, executeInput{SQL: st.sql, MaxRows: c.maxRows}, &res); err != nil {
			return nil, err
		}
		res.Rows = normalizeRows(res.Rows)
		if res.Columns == nil {
			res.Columns = []string{}
		}
		rs.result = &res
		return afterExecute(rs, c.chartRowLimit, s.registry.Has(ToolRecommendChart)), nil

	case stepChart:
		var rec *chart.Recommendation
		if err := s.call(ctx, ToolRecommendChart, chartInput{Question: rs.input.Question, Columns: st.columns, Rows: st.rows}, &rec); err != nil {
			c.log.Warn("pipeline: chart tool failed", "request_id", rs.requestID, "error", err)
			return stepDone{}, err
		}
		rs.chart = rec
		return stepDone{}, nil
	}
	return nil, fmt.Errorf("tool strategy: unexpected state %T", st)
}

func (s *ToolStrategy) call(ctx context.Context, name string, input, out any) error {
	res, err := s.registry.Call(ctx, name, input)
	if err != nil {
		return err
	}
	if !res.Success {
		return res.Err()
	}
	return res.Decode(out)
}

// normalizeRows converts json.Number values left by envelope decoding.
func normalizeRows(rows [][]any) [][]any {
	if rows == nil {
		return [][]any{}
	}
	for _, row := range rows {
		for i, v := range row {
			if n, ok := v.(json.Number); ok {
				row[i] = numberValue(n)
			}
		}
	}
	return rows
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return u
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
