package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// TradeStore is an in-memory implementation of domain.TradeStore.
type TradeStore struct {
	mu     sync.RWMutex
	trades []domain.Trade
	nextID int64
	offers *OfferStore
}

// NewTradeStore creates an empty in-memory trade store. The offer store is
// consulted to enforce the offer_id reference that the relational schema
// expresses as a foreign key.
func NewTradeStore(offers *OfferStore) *TradeStore {
	return &TradeStore{nextID: 1, offers: offers}
}

// Insert appends one trade, assigning the next id. A missing referenced
// offer returns domain.ErrNotFound, mirroring the FK violation in Postgres.
func (s *TradeStore) Insert(ctx context.Context, trade domain.Trade) (int64, error) {
	if trade.OfferID == "" {
		return 0, domain.ErrInvalidInput
	}
	if s.offers != nil {
		if _, err := s.offers.GetByID(ctx, trade.OfferID); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	trade.ID = s.nextID
	s.nextID++
	s.trades = append(s.trades, trade)
	return trade.ID, nil
}

// ListRecent returns trades most-recent-first, optionally filtered to a pair.
func (s *TradeStore) ListRecent(_ context.Context, limit int, pair string) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	if limit > domain.MaxListLimit {
		limit = domain.MaxListLimit
	}

	var sellType, askType string
	if pair != "" {
		var err error
		sellType, askType, err = domain.SplitPair(pair)
		if err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	var matched []domain.Trade
	for _, t := range s.trades {
		if pair != "" && (t.SellType != sellType || t.AskType != askType) {
			continue
		}
		matched = append(matched, t)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp != matched[j].Timestamp {
			return matched[i].Timestamp > matched[j].Timestamp
		}
		return matched[i].ID > matched[j].ID
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ListSince returns trades with timestamp >= since in ascending order.
func (s *TradeStore) ListSince(_ context.Context, since int64) ([]domain.Trade, error) {
	s.mu.RLock()
	var matched []domain.Trade
	for _, t := range s.trades {
		if t.Timestamp >= since {
			matched = append(matched, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp != matched[j].Timestamp {
			return matched[i].Timestamp < matched[j].Timestamp
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}
