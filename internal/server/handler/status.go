package handler

import (
	"net/http"

	"github.com/d3sk-protocol/d3sk-indexer/internal/indexer"
)

// StatusSource exposes the reconciliation engine's snapshot. It is nil in
// api-only deployments, where the engine runs in a separate process.
type StatusSource interface {
	Status() indexer.Status
}

// StatusHandler serves the engine status endpoint.
type StatusHandler struct {
	source StatusSource
}

func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

// GetStatus reports the engine state for this process.
// GET /api/indexer/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"running": false,
			"state":   "remote",
		})
		return
	}
	writeJSON(w, http.StatusOK, h.source.Status())
}
