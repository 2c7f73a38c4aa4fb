package handler

import (
	"log/slog"
	"net/http"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// TradeHandler serves the trade log's read endpoints.
type TradeHandler struct {
	trades domain.TradeStore
	logger *slog.Logger
}

func NewTradeHandler(trades domain.TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// ListTrades returns recent trades, newest first.
// GET /api/trades?limit=100&pair=FLOW-USDC
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", domain.DefaultListLimit)
	pair := r.URL.Query().Get("pair")

	trades, err := h.trades.ListRecent(r.Context(), limit, pair)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"count":  len(trades),
	})
}
