package dimensions

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/askdata/agent/pkg/schema"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/api/metrics"
	"github.com/malbeclabs/askdata/utils/pkg/cache"
)

const (
	DefaultDataset      = "Dim"
	DefaultNotFoundSize = 100
	// DefaultResultSize bounds the dataset-level aggregate cache. One entry
	// per dimension dataset is expected.
	DefaultResultSize = 8
)

// Definition maps a logical dimension name to its physical table.
type Definition struct {
	Name  string
	Table string
}

// Relationship declares how the fact table joins a dimension.
type Relationship struct {
	FactColumn      string `json:"fact_column"`
	Dimension       string `json:"dim_table"`
	DimensionColumn string `json:"dim_column"`
}

type Entry struct {
	Name   string            `json:"name"`
	Table  warehouse.TableID `json:"table_id"`
	Schema schema.Entry      `json:"schema"`
}

// Result is the outcome of a registry lookup. Dimensions only holds the
// tables that resolved; Relationships is always the declared list.
type Result struct {
	Dimensions    map[string]Entry `json:"dimensions"`
	Relationships []Relationship   `json:"relationships"`
}

// DefaultDefinitions returns the standard dimension set with the given
// physical table overrides. Empty overrides keep the logical name.
func DefaultDefinitions(products, province, timeTable string) []Definition {
	orDefault := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return []Definition{
		{Name: "DimProducts", Table: orDefault(products, "DimProducts")},
		{Name: "DimProvince", Table: orDefault(province, "DimProvince")},
		{Name: "DimTime", Table: orDefault(timeTable, "DimTime")},
	}
}

func DefaultRelationships() []Relationship {
	return []Relationship{
		{FactColumn: "product_id", Dimension: "DimProducts", DimensionColumn: "product_id"},
		{FactColumn: "province_id", Dimension: "DimProvince", DimensionColumn: "province_id"},
		{FactColumn: "agreement_date", Dimension: "DimTime", DimensionColumn: "date_id"},
	}
}

// SchemaSource resolves a single table schema.
type SchemaSource interface {
	Get(ctx context.Context, table warehouse.TableID, useCache bool) (schema.Entry, error)
}

type Config struct {
	Logger  *slog.Logger
	Schemas SchemaSource

	Project string
	// Dataset holds the dimension tables. Defaults to DefaultDataset.
	Dataset       string
	Definitions   []Definition
	Relationships []Relationship

	// Results caches the aggregate per dataset key.
	Results *cache.Bounded[string, Result]
	// NotFound holds the table ids confirmed absent.
	NotFound *cache.Bounded[string, struct{}]
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Schemas == nil {
		return errors.New("schema source is required")
	}
	if cfg.Project == "" {
		return errors.New("project is required")
	}
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if cfg.Definitions == nil {
		cfg.Definitions = DefaultDefinitions("", "", "")
	}
	if cfg.Relationships == nil {
		cfg.Relationships = DefaultRelationships()
	}
	if cfg.Results == nil {
		cfg.Results = cache.New[string, Result](DefaultResultSize)
	}
	if cfg.NotFound == nil {
		cfg.NotFound = cache.New[string, struct{}](DefaultNotFoundSize)
	}
	return nil
}

// Registry discovers the configured dimension tables. Missing tables are
// remembered so later lookups skip them until the cache is cleared or a
// forced refresh runs.
type Registry struct {
	log *slog.Logger
	cfg Config
}

func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Registry) datasetKey() string {
	return r.tableID(Definition{}).DatasetKey()
}

func (r *Registry) tableID(def Definition) warehouse.TableID {
	return warehouse.TableID{Project: r.cfg.Project, Dataset: r.cfg.Dataset, Table: def.Table}
}

type lookup struct {
	entry Entry
	ok    bool
	class warehouse.LookupClass
	err   error
}

// Get returns the resolvable dimensions and the declared relationships.
// Individual lookup failures never fail the call.
func (r *Registry) Get(ctx context.Context, useCache, forceRefresh bool) (Result, error) {
	key := r.datasetKey()

	if forceRefresh {
		for _, def := range r.cfg.Definitions {
			r.cfg.NotFound.Delete(r.tableID(def).String())
		}
		r.cfg.Results.Delete(key)
		r.publishSizes()
	}

	if useCache && !forceRefresh {
		if res, ok := r.cfg.Results.Get(key); ok {
			metrics.RecordCacheLookup("dimensions", true)
			return res, nil
		}
		metrics.RecordCacheLookup("dimensions", false)
	}

	lookups := make([]lookup, len(r.cfg.Definitions))
	var g errgroup.Group
	for i, def := range r.cfg.Definitions {
		table := r.tableID(def)
		if _, absent := r.cfg.NotFound.Get(table.String()); absent {
			metrics.RecordCacheLookup("dimensions_not_found", true)
			continue
		}
		g.Go(func() error {
			entry, err := r.cfg.Schemas.Get(ctx, table, useCache)
			if err != nil {
				lookups[i] = lookup{class: warehouse.Classify(err), err: err}
				return nil
			}
			lookups[i] = lookup{entry: Entry{Name: def.Name, Table: table, Schema: entry}, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Dimensions:    make(map[string]Entry, len(r.cfg.Definitions)),
		Relationships: r.cfg.Relationships,
	}
	transient := false
	for i, l := range lookups {
		def := r.cfg.Definitions[i]
		switch {
		case l.ok:
			res.Dimensions[def.Name] = l.entry
		case l.err == nil:
			// skipped, known absent
		case l.class == warehouse.LookupNotFound:
			table := r.tableID(def).String()
			r.cfg.NotFound.Put(table, struct{}{})
			r.log.Warn("dimensions: table not found, skipping until refresh", "dimension", def.Name, "table", table)
		case l.class == warehouse.LookupPermissionDenied:
			transient = true
			r.log.Warn("dimensions: permission denied", "dimension", def.Name, "table", r.tableID(def).String(), "error", l.err)
		default:
			transient = true
			r.log.Warn("dimensions: lookup failed", "dimension", def.Name, "table", r.tableID(def).String(), "error", l.err)
		}
	}

	// A failure that may be transient leaves the aggregate uncached so the
	// next request retries it.
	if !transient {
		r.cfg.Results.Put(key, res)
	}
	r.publishSizes()

	r.log.Debug("dimensions: resolved", "dataset", key, "resolved", len(res.Dimensions), "configured", len(r.cfg.Definitions))
	return res, nil
}

// ClearCache drops the aggregate results and the not-found markers.
func (r *Registry) ClearCache() {
	r.cfg.Results.Clear()
	r.cfg.NotFound.Clear()
	r.publishSizes()
}

// Stats reports cache occupancy.
type Stats struct {
	ResultsSize  int
	NotFoundSize int
	NotFoundMax  int
}

func (r *Registry) Stats() Stats {
	return Stats{
		ResultsSize:  r.cfg.Results.Len(),
		NotFoundSize: r.cfg.NotFound.Len(),
		NotFoundMax:  r.cfg.NotFound.Cap(),
	}
}

// NotFound lists the table ids currently marked absent, oldest first.
func (r *Registry) NotFound() []string {
	return r.cfg.NotFound.Keys()
}

func (r *Registry) publishSizes() {
	metrics.SetCacheSize("dimensions", r.cfg.Results.Len())
	metrics.SetCacheSize("dimensions_not_found", r.cfg.NotFound.Len())
}
