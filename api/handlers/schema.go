package handlers

import (
	"net/http"
	"strconv"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
)

type SchemaResponse struct {
	Table  string `json:"table"`
	Schema string `json:"schema"`
}

// Schema returns the fact table schema. refresh=true bypasses the cache.
func (h *Handlers) Schema(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	entry, err := h.cfg.Schemas.Fact(r.Context(), !refresh)
	if err != nil {
		h.log.Warn("schema: lookup failed", "refresh", refresh, "error", err)
		status, msg := http.StatusInternalServerError, err.Error()
		if apperr.IsClientError(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, msg, "")
		return
	}
	writeJSON(w, http.StatusOK, SchemaResponse{Table: entry.Table.String(), Schema: entry.Text})
}
