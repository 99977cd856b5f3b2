package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "askdata_api_build_info",
			Help: "Build information of the askdata API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdata_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "askdata_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Warehouse metrics
	WarehouseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_warehouse_queries_total",
			Help: "Total number of warehouse queries",
		},
		[]string{"kind", "status"}, // kind: "describe", "query", "ping"
	)

	WarehouseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdata_api_warehouse_query_duration_seconds",
			Help:    "Duration of warehouse queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"kind"},
	)

	WarehouseBytesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askdata_api_warehouse_bytes_processed_total",
			Help: "Total bytes read by warehouse queries",
		},
	)

	// Anthropic API metrics
	AnthropicRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_anthropic_requests_total",
			Help: "Total number of Anthropic API requests",
		},
		[]string{"endpoint", "status"},
	)

	AnthropicRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdata_api_anthropic_request_duration_seconds",
			Help:    "Duration of Anthropic API requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~410s
		},
		[]string{"endpoint"},
	)

	AnthropicTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_anthropic_tokens_total",
			Help: "Total number of Anthropic API tokens used",
		},
		[]string{"type"}, // "input", "output"
	)

	// Generation metrics
	GenerationRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askdata_api_generation_retries_total",
			Help: "Total number of rate-limited generation calls that were retried",
		},
	)

	GenerationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_generation_outcomes_total",
			Help: "Total number of SQL generation outcomes",
		},
		[]string{"outcome"}, // "success", "quota_exceeded", "generation", "validation"
	)

	GenerationTableNameFixesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askdata_api_generation_table_name_fixes_total",
			Help: "Total number of generated statements whose table name was corrected",
		},
	)

	// Pipeline metrics
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"strategy", "status"},
	)

	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdata_api_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	PipelineStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdata_api_pipeline_step_duration_seconds",
			Help:    "Duration of pipeline steps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"step", "status"},
	)

	PipelineFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askdata_api_pipeline_fallbacks_total",
			Help: "Total number of runs that fell back to the sequential strategy",
		},
	)

	ChartRecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_chart_recommendations_total",
			Help: "Total number of chart recommendations by chart type",
		},
		[]string{"chart_type"}, // "bar", "line", "pie", "area", "none", "error"
	)

	// Cache metrics
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"cache", "result"}, // result: "hit", "miss"
	)

	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "askdata_api_cache_size",
			Help: "Current number of entries per cache",
		},
		[]string{"cache"},
	)

	// MCP metrics
	MCPToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_api_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordWarehouseQuery records metrics for a warehouse call.
func RecordWarehouseQuery(kind string, duration time.Duration, err error) {
	WarehouseQueriesTotal.WithLabelValues(kind, statusLabel(err)).Inc()
	WarehouseQueryDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordAnthropicRequest records metrics for an Anthropic API request.
func RecordAnthropicRequest(endpoint string, duration time.Duration, err error) {
	AnthropicRequestsTotal.WithLabelValues(endpoint, statusLabel(err)).Inc()
	AnthropicRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordAnthropicTokens records token usage for an Anthropic API request.
func RecordAnthropicTokens(inputTokens, outputTokens int64) {
	AnthropicTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	AnthropicTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

// RecordPipelineStep records the duration and outcome of one pipeline step.
func RecordPipelineStep(step string, duration time.Duration, err error) {
	PipelineStepDuration.WithLabelValues(step, statusLabel(err)).Observe(duration.Seconds())
}

// RecordPipelineRun records a finished pipeline run.
func RecordPipelineRun(strategy string, duration time.Duration, err error) {
	PipelineRunsTotal.WithLabelValues(strategy, statusLabel(err)).Inc()
	PipelineRunDuration.Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// SetCacheSize publishes the current size of a cache.
func SetCacheSize(cache string, size int) {
	CacheSize.WithLabelValues(cache).Set(float64(size))
}

// RecordChartRecommendation records the recommended chart type, "none" when
// no chart was suggested.
func RecordChartRecommendation(chartType string) {
	if chartType == "" {
		chartType = "none"
	}
	ChartRecommendationsTotal.WithLabelValues(chartType).Inc()
}

// RecordMCPToolCall records an MCP tool invocation.
func RecordMCPToolCall(tool string, err error) {
	MCPToolCallsTotal.WithLabelValues(tool, statusLabel(err)).Inc()
}
