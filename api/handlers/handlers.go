// Package handlers serves the question pipeline and its cache administration
// over HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/malbeclabs/askdata/agent/pkg/runlog"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
)

type (
	// Asker runs one question through the pipeline.
	Asker interface {
		Run(ctx context.Context, in pipeline.Input) (*pipeline.Output, error)
	}
	// SchemaCache is the schema provider as seen by the API.
	SchemaCache interface {
		Fact(ctx context.Context, useCache bool) (schema.Entry, error)
		Len() int
		Cap() int
		Clear()
	}
	// DimensionCache is the dimension registry as seen by the API.
	DimensionCache interface {
		Get(ctx context.Context, useCache, forceRefresh bool) (dimensions.Result, error)
		ClearCache()
		Stats() dimensions.Stats
	}
	Pinger interface {
		Ping(ctx context.Context) error
	}
)

type Config struct {
	Logger     *slog.Logger
	Pipeline   Asker
	Schemas    SchemaCache
	Dimensions DimensionCache
	RunLog     *runlog.Sink
	Warehouse  Pinger
	// GenerationReady reports whether a text-generation backend is
	// configured.
	GenerationReady bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if cfg.Schemas == nil {
		return errors.New("schema cache is required")
	}
	if cfg.Dimensions == nil {
		return errors.New("dimension cache is required")
	}
	if cfg.RunLog == nil {
		return errors.New("run log is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	return nil
}

type Handlers struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handlers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handlers{log: cfg.Logger, cfg: cfg}, nil
}

// Register mounts every route on r. admin wraps the cache administration
// routes, typically with RateLimitMiddleware.
func (h *Handlers) Register(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/ask", h.Ask)
		r.Get("/schema", h.Schema)
		r.Get("/metrics", h.Metrics)
		r.Get("/logs", h.Logs)

		r.Group(func(r chi.Router) {
			if admin != nil {
				r.Use(admin)
			}
			r.Post("/cache/clear", h.ClearCache)
			r.Post("/cache/dimensions/clear", h.ClearDimensionCache)
			r.Get("/cache/stats", h.CacheStats)
			r.Post("/dimensions/refresh", h.RefreshDimensions)
		})
	})
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, requestID string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: requestID})
}
