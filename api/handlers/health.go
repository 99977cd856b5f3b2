package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/malbeclabs/askdata/api/handlers/dberror"
	"github.com/malbeclabs/askdata/utils/pkg/retry"
)

const healthTimeout = 5 * time.Second

type HealthResponse struct {
	Status         string `json:"status"` // "healthy" or "degraded"
	Warehouse      bool   `json:"warehouse"`
	Generation     bool   `json:"generation"`
	WarehouseError string `json:"warehouse_error,omitempty"`
}

// Health probes the warehouse and reports whether generation is configured.
// It always answers 200; degraded components are reported in the body.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Generation: h.cfg.GenerationReady}
	err := retry.Do(ctx, dberror.ProbeRetryConfig(), func() error {
		return h.cfg.Warehouse.Ping(ctx)
	})
	if err != nil {
		h.log.Warn("health: warehouse ping failed", "class", dberror.Classify(err), "error", err)
		resp.WarehouseError = dberror.UserMessage(err)
	} else {
		resp.Warehouse = true
	}

	resp.Status = "degraded"
	if resp.Warehouse && resp.Generation {
		resp.Status = "healthy"
	}
	writeJSON(w, http.StatusOK, resp)
}
