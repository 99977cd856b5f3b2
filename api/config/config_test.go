package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("WAREHOUSE_PROJECT", "sales-prod")
	t.Setenv("WAREHOUSE_DATASET", "sales")
	t.Setenv("WAREHOUSE_TABLE", "agreements")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
}

func TestAskData_Config_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sales-prod.sales.agreements", cfg.FactTable().String())
	assert.Equal(t, "Dim", cfg.DimDataset)
	assert.Equal(t, 50, cfg.SchemaCacheMax)
	assert.Equal(t, 100, cfg.NotFoundCacheMax)
	assert.Equal(t, 1000, cfg.MetricsMaxRecords)
	assert.Equal(t, 3, cfg.GenerationMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 60*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 100, cfg.QueryMaxRows)
	assert.Equal(t, "claude-haiku-4-5", cfg.AnthropicModel)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)

	defs := cfg.DimensionDefinitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "DimProducts", defs[0].Table)
}

func TestAskData_Config_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WAREHOUSE_DIM_PROVINCE", "DimRegion")
	t.Setenv("SCHEMA_CACHE_MAX", "5")
	t.Setenv("GENERATION_TIMEOUT", "10")
	t.Setenv("QUERY_TIMEOUT", "2m")
	t.Setenv("CLICKHOUSE_SECURE", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "DimRegion", cfg.DimensionDefinitions()[1].Table)
	assert.Equal(t, "DimProvince", cfg.DimensionDefinitions()[1].Name)
	assert.Equal(t, 5, cfg.SchemaCacheMax)
	assert.Equal(t, 10*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 2*time.Minute, cfg.QueryTimeout)
	assert.True(t, cfg.ClickHouse.Secure)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestAskData_Config_MissingRequiredListed(t *testing.T) {
	t.Setenv("WAREHOUSE_PROJECT", "")
	t.Setenv("WAREHOUSE_DATASET", "sales")
	t.Setenv("WAREHOUSE_TABLE", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAREHOUSE_PROJECT")
	assert.Contains(t, err.Error(), "WAREHOUSE_TABLE")
	assert.NotContains(t, err.Error(), "WAREHOUSE_DATASET")
}

func TestAskData_Config_InvalidNumbers(t *testing.T) {
	setRequired(t)
	t.Setenv("QUERY_MAX_ROWS", "lots")
	t.Setenv("CLICKHOUSE_SECURE", "maybe")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUERY_MAX_ROWS")
	assert.Contains(t, err.Error(), "CLICKHOUSE_SECURE")
}

func TestAskData_Config_GenerationOptional(t *testing.T) {
	setRequired(t)
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.GenerationEnabled())

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.GenerationEnabled())
}

func TestAskData_Config_RequestTimeoutCoversFallback(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	// Each strategy: 4 generation attempts, one query and one chart call.
	strategy := 4*30*time.Second + 60*time.Second + 30*time.Second
	assert.Equal(t, 2*strategy+30*time.Second, cfg.RequestTimeout())
	assert.Greater(t, cfg.RequestTimeout(), 2*(cfg.GenerationTimeout*time.Duration(cfg.GenerationMaxRetries+1)+cfg.QueryTimeout))
}
