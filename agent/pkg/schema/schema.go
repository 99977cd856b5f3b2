package schema

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/api/metrics"
	"github.com/malbeclabs/askdata/utils/pkg/cache"
)

const (
	// DefaultCacheSize bounds the number of cached table schemas.
	DefaultCacheSize = 50
	// DefaultLookupTimeout bounds a shared describe call.
	DefaultLookupTimeout = 30 * time.Second
)

// Entry is the resolved schema of one table.
type Entry struct {
	Table   warehouse.TableID  `json:"table_id"`
	Columns []warehouse.Column `json:"columns"`
	// Text is the compact "name:type, name:type" rendering used in prompts.
	Text string `json:"schema"`
}

type Config struct {
	Logger    *slog.Logger
	Warehouse warehouse.Warehouse
	// Cache holds entries keyed by TableID.String(). Defaults to a new cache
	// of DefaultCacheSize.
	Cache *cache.Bounded[string, Entry]
	// Fact is the primary table. Missing parts are reported when Fact is
	// called, not at construction.
	Fact warehouse.TableID
	// LookupTimeout bounds each describe call. Callers waiting on the same
	// table share the call, so it does not inherit any one caller's
	// cancellation.
	LookupTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New[string, Entry](DefaultCacheSize)
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	return nil
}

// Provider resolves table schemas through the warehouse and caches them.
type Provider struct {
	log   *slog.Logger
	cfg   Config
	group singleflight.Group
}

func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{log: cfg.Logger, cfg: cfg}, nil
}

// FactTable returns the configured primary table or a configuration error
// naming the missing parts.
func (p *Provider) FactTable() (warehouse.TableID, error) {
	var missing []string
	if p.cfg.Fact.Project == "" {
		missing = append(missing, "project")
	}
	if p.cfg.Fact.Dataset == "" {
		missing = append(missing, "dataset")
	}
	if p.cfg.Fact.Table == "" {
		missing = append(missing, "table")
	}
	if len(missing) > 0 {
		return warehouse.TableID{}, apperr.New(apperr.KindConfiguration, "schema",
			"fact table is not configured, missing "+strings.Join(missing, ", "))
	}
	return p.cfg.Fact, nil
}

// Fact resolves the primary table's schema.
func (p *Provider) Fact(ctx context.Context, useCache bool) (Entry, error) {
	table, err := p.FactTable()
	if err != nil {
		return Entry{}, err
	}
	return p.Get(ctx, table, useCache)
}

// Get returns the schema of table. With useCache false the cache is not read
// but a successful lookup still replaces the cached entry.
func (p *Provider) Get(ctx context.Context, table warehouse.TableID, useCache bool) (Entry, error) {
	key := table.String()
	if useCache {
		if entry, ok := p.cfg.Cache.Get(key); ok {
			metrics.RecordCacheLookup("schema", true)
			return entry, nil
		}
		metrics.RecordCacheLookup("schema", false)
	}

	ch := p.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LookupTimeout)
		defer cancel()
		cols, err := p.cfg.Warehouse.DescribeTable(ctx, table)
		if err != nil {
			return nil, err
		}
		entry := Entry{Table: table, Columns: cols, Text: FormatColumns(cols)}
		if evicted, ok := p.cfg.Cache.Put(key, entry); ok {
			p.log.Debug("schema: evicted cached table", "table", evicted)
		}
		metrics.SetCacheSize("schema", p.cfg.Cache.Len())
		return entry, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Entry{}, apperr.Wrapf(apperr.KindSchemaLookup, "schema", ctx.Err(), "describe %s", key)
	case res = <-ch:
	}
	if res.Err != nil {
		return Entry{}, apperr.Wrapf(apperr.KindSchemaLookup, "schema", res.Err, "describe %s", key)
	}

	entry := res.Val.(Entry)
	p.log.Debug("schema: resolved table", "table", key, "columns", len(entry.Columns), "shared", res.Shared)
	return entry, nil
}

// Invalidate drops table from the cache.
func (p *Provider) Invalidate(table warehouse.TableID) bool {
	ok := p.cfg.Cache.Delete(table.String())
	metrics.SetCacheSize("schema", p.cfg.Cache.Len())
	return ok
}

func (p *Provider) Clear() {
	p.cfg.Cache.Clear()
	metrics.SetCacheSize("schema", 0)
}

func (p *Provider) Len() int { return p.cfg.Cache.Len() }

func (p *Provider) Cap() int { return p.cfg.Cache.Cap() }

// FormatColumns renders columns as "name:type" joined by ", ".
func FormatColumns(cols []warehouse.Column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.Name + ":" + c.Type
	}
	return strings.Join(parts, ", ")
}
