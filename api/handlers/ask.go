package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
)

// AskRequest is the body of POST /api/ask.
type AskRequest struct {
	Question string             `json:"question"`
	History  []pipeline.Message `json:"conversation_history,omitempty"`
}

// Ask answers a natural-language question.
func (h *Handlers) Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	requestID := pipeline.NewRequestID()
	out, err := h.cfg.Pipeline.Run(r.Context(), pipeline.Input{
		Question:  req.Question,
		History:   req.History,
		RequestID: requestID,
	})
	if err != nil {
		status, msg := askErrorResponse(err)
		h.log.Warn("ask failed", "request_id", requestID, "status", status, "kind", apperr.KindOf(err), "error", err)
		writeError(w, status, msg, requestID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// askErrorResponse maps a pipeline failure to a status and a message that
// is safe to show.
func askErrorResponse(err error) (int, string) {
	switch {
	case apperr.IsClientError(err):
		return http.StatusBadRequest, causeText(err)
	case apperr.KindOf(err) == apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests, apperr.QuotaMessage
	default:
		return http.StatusInternalServerError, fmt.Sprintf("failed to process question: %s", causeText(err))
	}
}

// causeText is the message of the innermost classified error, without the
// request id and op prefixes the wrappers add.
func causeText(err error) string {
	var last *apperr.Error
	for e := err; e != nil; {
		var ae *apperr.Error
		if !errors.As(e, &ae) {
			break
		}
		last = ae
		e = ae.Err
	}
	if last == nil {
		return err.Error()
	}
	if last.Message != "" {
		return last.Message
	}
	if last.Err != nil {
		return last.Err.Error()
	}
	return last.Error()
}
