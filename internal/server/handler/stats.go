package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// StatsHandler serves the aggregate snapshot endpoint.
type StatsHandler struct {
	stats  domain.StatsStore
	logger *slog.Logger
}

func NewStatsHandler(stats domain.StatsStore, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{stats: stats, logger: logger}
}

// GetStats returns the mirror-wide aggregates over the given window.
// GET /api/stats?window_hours=24
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "window_hours", 24)
	if hours < 1 || hours > 24*30 {
		hours = 24
	}

	stats, err := h.stats.Snapshot(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stats snapshot failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
