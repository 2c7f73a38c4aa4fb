package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// OfferHandler serves the offer mirror's read endpoints.
type OfferHandler struct {
	offers domain.OfferStore
	logger *slog.Logger
}

// NewOfferHandler creates an OfferHandler over the given store.
func NewOfferHandler(offers domain.OfferStore, logger *slog.Logger) *OfferHandler {
	return &OfferHandler{offers: offers, logger: logger}
}

// listOffersResponse wraps the list endpoint output with the effective
// pagination so clients see the clamped values.
type listOffersResponse struct {
	Offers []domain.Offer `json:"offers"`
	Count  int            `json:"count"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListOffers returns active offers, filtered and paginated.
// GET /api/offers?pair=&maker=&min_price=&max_price=&sort=&limit=&offset=
func (h *OfferHandler) ListOffers(w http.ResponseWriter, r *http.Request) {
	filter := offerFilterFromQuery(r).Normalize()

	offers, err := h.offers.ListActive(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list offers failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list offers")
		return
	}
	if offers == nil {
		offers = []domain.Offer{}
	}

	writeJSON(w, http.StatusOK, listOffersResponse{
		Offers: offers,
		Count:  len(offers),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// GetOffer returns a single offer, terminal ones included.
// GET /api/offers/{id}
func (h *OfferHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing offer id")
		return
	}

	offer, err := h.offers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "offer not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get offer failed",
			slog.String("offer_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get offer")
		return
	}

	writeJSON(w, http.StatusOK, offer)
}

// ListByMaker returns all offers of one maker, any status.
// GET /api/offers/maker/{maker}
func (h *OfferHandler) ListByMaker(w http.ResponseWriter, r *http.Request) {
	maker := pathParam(r, "maker")
	if maker == "" {
		writeError(w, http.StatusBadRequest, "missing maker address")
		return
	}

	offers, err := h.offers.ListByMaker(r.Context(), maker)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list offers by maker failed",
			slog.String("maker", maker), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list offers")
		return
	}
	if offers == nil {
		offers = []domain.Offer{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"maker":  maker,
		"offers": offers,
		"count":  len(offers),
	})
}

// OrderBook returns the aggregated book for one pair.
// GET /api/orderbook/{pair}
func (h *OfferHandler) OrderBook(w http.ResponseWriter, r *http.Request) {
	pair := pathParam(r, "pair")
	if _, _, err := domain.SplitPair(pair); err != nil {
		writeError(w, http.StatusBadRequest, "pair must be SELL-ASK")
		return
	}

	book, err := h.offers.OrderBook(r.Context(), pair)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "order book failed",
			slog.String("pair", pair), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to build order book")
		return
	}

	writeJSON(w, http.StatusOK, book)
}

// ListPairs returns the pairs with at least one active offer.
// GET /api/pairs
func (h *OfferHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.offers.Pairs(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list pairs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list pairs")
		return
	}
	if pairs == nil {
		pairs = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}
