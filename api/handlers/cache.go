package handlers

import (
	"net/http"
	"slices"

	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
)

// CacheStats is the occupancy of the process-wide caches.
type CacheStats struct {
	SchemaCacheSize             int `json:"schema_cache_size"`
	SchemaCacheMax              int `json:"schema_cache_max"`
	DimensionsCacheSize         int `json:"dimensions_cache_size"`
	DimensionsNotFoundCacheSize int `json:"dimensions_not_found_cache_size"`
	DimensionsNotFoundCacheMax  int `json:"dimensions_not_found_cache_max"`
}

type CacheResponse struct {
	Status string     `json:"status"`
	Stats  CacheStats `json:"stats"`
}

type RefreshResponse struct {
	Status        string                    `json:"status"`
	Dimensions    []string                  `json:"dimensions"`
	Relationships []dimensions.Relationship `json:"relationships"`
}

func (h *Handlers) stats() CacheStats {
	d := h.cfg.Dimensions.Stats()
	return CacheStats{
		SchemaCacheSize:             h.cfg.Schemas.Len(),
		SchemaCacheMax:              h.cfg.Schemas.Cap(),
		DimensionsCacheSize:         d.ResultsSize,
		DimensionsNotFoundCacheSize: d.NotFoundSize,
		DimensionsNotFoundCacheMax:  d.NotFoundMax,
	}
}

// Stats returns the cache occupancy. It is exported for the MCP surface.
func (h *Handlers) Stats() CacheStats {
	return h.stats()
}

// ClearCache empties the schema cache and both dimension caches.
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.cfg.Schemas.Clear()
	h.cfg.Dimensions.ClearCache()
	h.log.Info("cache: cleared all caches", "client", GetIPFromRequest(r))
	writeJSON(w, http.StatusOK, CacheResponse{Status: "cleared", Stats: h.stats()})
}

// ClearDimensionCache empties the dimension aggregate and not-found caches.
func (h *Handlers) ClearDimensionCache(w http.ResponseWriter, r *http.Request) {
	h.cfg.Dimensions.ClearCache()
	h.log.Info("cache: cleared dimension caches", "client", GetIPFromRequest(r))
	writeJSON(w, http.StatusOK, CacheResponse{Status: "cleared", Stats: h.stats()})
}

func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats())
}

// RefreshDimensions re-discovers every dimension table, ignoring the
// not-found markers.
func (h *Handlers) RefreshDimensions(w http.ResponseWriter, r *http.Request) {
	res, err := h.cfg.Dimensions.Get(r.Context(), false, true)
	if err != nil {
		h.log.Warn("dimensions: refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	names := make([]string, 0, len(res.Dimensions))
	for name := range res.Dimensions {
		names = append(names, name)
	}
	slices.Sort(names)
	h.log.Info("dimensions: refreshed", "resolved", len(names))
	writeJSON(w, http.StatusOK, RefreshResponse{
		Status:        "refreshed",
		Dimensions:    names,
		Relationships: res.Relationships,
	})
}
