package handlers

import (
	"net/http"

	"github.com/malbeclabs/askdata/agent/pkg/runlog"
)

const recentRequests = 10

type MetricsResponse struct {
	Stats          runlog.Summary  `json:"stats"`
	RecentRequests []runlog.Record `json:"recent_requests"`
}

// Metrics returns aggregate run statistics and the latest runs.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MetricsResponse{
		Stats:          h.cfg.RunLog.Summary(),
		RecentRequests: nonNil(h.cfg.RunLog.Recent(recentRequests)),
	})
}

type LogsResponse struct {
	Logs    []runlog.Record `json:"logs"`
	Total   int             `json:"total"`
	Showing int             `json:"showing"`
	Offset  int             `json:"offset"`
}

// Logs returns retained run records, newest first.
func (h *Handlers) Logs(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, DefaultLimit)
	logs := page(nonNil(h.cfg.RunLog.Recent(p.Offset+p.Limit)), p)
	writeJSON(w, http.StatusOK, LogsResponse{
		Logs:    logs,
		Total:   h.cfg.RunLog.Len(),
		Showing: len(logs),
		Offset:  p.Offset,
	})
}

func nonNil(recs []runlog.Record) []runlog.Record {
	if recs == nil {
		return []runlog.Record{}
	}
	return recs
}
