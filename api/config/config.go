// Package config loads the API server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/generation"
	"github.com/malbeclabs/askdata/agent/pkg/runlog"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/warehouse/pkg/clickhouse"
)

const (
	DefaultChartMaxRows   = 100
	DefaultAdminRateLimit = 30
)

type Config struct {
	// Fact table.
	Project string
	Dataset string
	Table   string

	// Dimension tables.
	DimDataset  string
	DimProducts string
	DimProvince string
	DimTime     string

	SchemaCacheMax    int
	NotFoundCacheMax  int
	MetricsMaxRecords int

	GenerationMaxRetries int
	GenerationTimeout    time.Duration
	QueryMaxRows         int
	QueryTimeout         time.Duration
	ChartMaxRows         int

	ClickHouse clickhouse.Config

	// AnthropicAPIKey is optional. Without it the API starts with
	// generation disabled and /health reports it.
	AnthropicAPIKey string
	AnthropicModel  string

	SentryDSN         string
	SentryEnvironment string

	// AdminRateLimit is the allowed cache admin calls per minute per client.
	AdminRateLimit int
	CORSOrigins    []string
}

// LoadFromEnv reads the configuration and validates it. All problems are
// reported together.
func LoadFromEnv() (*Config, error) {
	l := &loader{}
	cfg := &Config{
		Project: os.Getenv("WAREHOUSE_PROJECT"),
		Dataset: os.Getenv("WAREHOUSE_DATASET"),
		Table:   os.Getenv("WAREHOUSE_TABLE"),

		DimDataset:  envOr("WAREHOUSE_DIM_DATASET", dimensions.DefaultDataset),
		DimProducts: envOr("WAREHOUSE_DIM_PRODUCTS", "DimProducts"),
		DimProvince: envOr("WAREHOUSE_DIM_PROVINCE", "DimProvince"),
		DimTime:     envOr("WAREHOUSE_DIM_TIME", "DimTime"),

		SchemaCacheMax:    l.int("SCHEMA_CACHE_MAX", schema.DefaultCacheSize),
		NotFoundCacheMax:  l.int("DIMENSIONS_NOT_FOUND_CACHE_MAX", dimensions.DefaultNotFoundSize),
		MetricsMaxRecords: l.int("METRICS_MAX_RECORDS", runlog.DefaultMaxRecords),

		GenerationMaxRetries: l.int("GENERATION_MAX_RETRIES", generation.DefaultMaxRetries),
		GenerationTimeout:    l.duration("GENERATION_TIMEOUT", generation.DefaultTimeout),
		QueryMaxRows:         l.int("QUERY_MAX_ROWS", executor.DefaultMaxRows),
		QueryTimeout:         l.duration("QUERY_TIMEOUT", executor.DefaultTimeout),
		ChartMaxRows:         l.int("CHART_MAX_ROWS", DefaultChartMaxRows),

		ClickHouse: clickhouse.Config{
			Addr:     envOr("CLICKHOUSE_ADDR_TCP", "localhost:9000"),
			Database: envOr("CLICKHOUSE_DATABASE", clickhouse.DefaultDatabase),
			Username: envOr("CLICKHOUSE_USERNAME", "default"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
			Secure:   l.bool("CLICKHOUSE_SECURE", false),
		},

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  envOr("ANTHROPIC_MODEL", generation.DefaultModel),

		SentryDSN:         os.Getenv("SENTRY_DSN"),
		SentryEnvironment: envOr("SENTRY_ENVIRONMENT", "development"),

		AdminRateLimit: l.int("ADMIN_RATE_LIMIT", DefaultAdminRateLimit),
		CORSOrigins:    splitList(envOr("CORS_ORIGINS", "http://localhost:5173")),
	}
	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate lists every missing required variable in one error.
func (cfg *Config) Validate() error {
	var missing []string
	if cfg.Project == "" {
		missing = append(missing, "WAREHOUSE_PROJECT")
	}
	if cfg.Dataset == "" {
		missing = append(missing, "WAREHOUSE_DATASET")
	}
	if cfg.Table == "" {
		missing = append(missing, "WAREHOUSE_TABLE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.SchemaCacheMax < 1 || cfg.NotFoundCacheMax < 1 || cfg.MetricsMaxRecords < 1 {
		return errors.New("cache sizes must be positive")
	}
	if cfg.GenerationMaxRetries < 0 {
		return errors.New("GENERATION_MAX_RETRIES must not be negative")
	}
	if cfg.QueryMaxRows < 1 {
		return errors.New("QUERY_MAX_ROWS must be positive")
	}
	return nil
}

// FactTable is the configured primary table.
func (cfg *Config) FactTable() warehouse.TableID {
	return warehouse.TableID{Project: cfg.Project, Dataset: cfg.Dataset, Table: cfg.Table}
}

// DimensionDefinitions maps the logical dimensions to the configured tables.
func (cfg *Config) DimensionDefinitions() []dimensions.Definition {
	return dimensions.DefaultDefinitions(cfg.DimProducts, cfg.DimProvince, cfg.DimTime)
}

type loader struct {
	errs []error
}

func (l *loader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return n
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		if secs, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(secs) * time.Second
		}
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return d
}

func (l *loader) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return b
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GenerationEnabled reports whether a generation backend is configured.
func (cfg *Config) GenerationEnabled() bool {
	return cfg.AnthropicAPIKey != ""
}

// RequestTimeout bounds one question: the primary strategy can spend its
// full generation and query budget before the fallback starts over.
func (cfg *Config) RequestTimeout() time.Duration {
	strategy := cfg.GenerationTimeout*time.Duration(cfg.GenerationMaxRetries+1) + cfg.QueryTimeout + cfg.GenerationTimeout
	return 2*strategy + 30*time.Second
}
