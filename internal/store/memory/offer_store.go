// Package memory provides in-memory implementations of the domain store
// interfaces, used by unit tests and by deployments that do not need
// durability.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// OfferStore is an in-memory implementation of domain.OfferStore.
type OfferStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Offer
}

// NewOfferStore creates an empty in-memory offer store.
func NewOfferStore() *OfferStore {
	return &OfferStore{data: make(map[string]*domain.Offer)}
}

// Upsert creates the offer if it does not exist. A duplicate id is a
// successful no-op; the stored row is never overwritten.
func (s *OfferStore) Upsert(_ context.Context, offer domain.Offer) error {
	if offer.ID == "" {
		return domain.ErrInvalidInput
	}
	if offer.Status == "" {
		offer.Status = domain.OfferStatusActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[offer.ID]; exists {
		return nil
	}
	stored := offer
	s.data[offer.ID] = &stored
	return nil
}

// Transition applies a terminal status only when the offer is still active.
func (s *OfferStore) Transition(_ context.Context, id string, status domain.OfferStatus, ts int64, taker *string) (bool, error) {
	if !status.Terminal() {
		return false, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.data[id]
	if !ok || o.Status != domain.OfferStatusActive {
		return false, nil
	}

	o.Status = status
	o.Taker = taker
	if status == domain.OfferStatusFilled {
		o.FilledAt = &ts
	} else {
		o.CancelledAt = &ts
	}
	return true, nil
}

// GetByID returns a copy of the offer, or domain.ErrNotFound.
func (s *OfferStore) GetByID(_ context.Context, id string) (domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.data[id]
	if !ok {
		return domain.Offer{}, domain.ErrNotFound
	}
	return *o, nil
}

// ListActive returns active offers matching the filter, with pagination
// clamped and ties on the sort key broken by id ascending.
func (s *OfferStore) ListActive(_ context.Context, filter domain.OfferFilter) ([]domain.Offer, error) {
	filter = filter.Normalize()

	var sellType, askType string
	if filter.Pair != "" {
		var err error
		sellType, askType, err = domain.SplitPair(filter.Pair)
		if err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	var matched []domain.Offer
	for _, o := range s.data {
		if o.Status != domain.OfferStatusActive {
			continue
		}
		if filter.Pair != "" && (o.SellType != sellType || o.AskType != askType) {
			continue
		}
		if filter.Maker != "" && o.Maker != filter.Maker {
			continue
		}
		if filter.MinPrice != nil && o.Price < *filter.MinPrice {
			continue
		}
		if filter.MaxPrice != nil && o.Price > *filter.MaxPrice {
			continue
		}
		matched = append(matched, *o)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch filter.Sort {
		case domain.SortPriceAsc:
			if a.Price != b.Price {
				return a.Price < b.Price
			}
		case domain.SortPriceDesc:
			if a.Price != b.Price {
				return a.Price > b.Price
			}
		case domain.SortOldest:
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt < b.CreatedAt
			}
		default:
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt > b.CreatedAt
			}
		}
		return a.ID < b.ID
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// ListByMaker returns all offers by the maker, newest first.
func (s *OfferStore) ListByMaker(_ context.Context, maker string) ([]domain.Offer, error) {
	s.mu.RLock()
	var matched []domain.Offer
	for _, o := range s.data {
		if o.Maker == maker {
			matched = append(matched, *o)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

// OrderBook aggregates active offers by price for both directions of the
// pair. Amounts are summed with decimals, not floats.
func (s *OfferStore) OrderBook(_ context.Context, pair string) (domain.OrderBook, error) {
	sellType, askType, err := domain.SplitPair(pair)
	if err != nil {
		return domain.OrderBook{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bids, err := s.bookLevels(sellType, askType)
	if err != nil {
		return domain.OrderBook{}, err
	}
	asks, err := s.bookLevels(askType, sellType)
	if err != nil {
		return domain.OrderBook{}, err
	}
	return domain.OrderBook{Pair: pair, Bids: bids, Asks: asks}, nil
}

// bookLevels must be called with the read lock held.
func (s *OfferStore) bookLevels(sellType, askType string) ([]domain.BookLevel, error) {
	type level struct {
		count  int
		amount decimal.Decimal
	}
	byPrice := make(map[float64]*level)

	for _, o := range s.data {
		if o.Status != domain.OfferStatusActive || o.SellType != sellType || o.AskType != askType {
			continue
		}
		amt, err := decimal.NewFromString(o.SellAmount)
		if err != nil {
			return nil, domain.ErrInvalidInput
		}
		lvl, ok := byPrice[o.Price]
		if !ok {
			lvl = &level{}
			byPrice[o.Price] = lvl
		}
		lvl.count++
		lvl.amount = lvl.amount.Add(amt)
	}

	prices := make([]float64, 0, len(byPrice))
	for p := range byPrice {
		prices = append(prices, p)
	}
	sort.Float64s(prices)

	levels := make([]domain.BookLevel, 0, len(prices))
	for _, p := range prices {
		lvl := byPrice[p]
		levels = append(levels, domain.BookLevel{
			Price:  p,
			Count:  lvl.count,
			Amount: lvl.amount.String(),
		})
	}
	return levels, nil
}

// Pairs returns the distinct pairs with at least one active offer, sorted.
func (s *OfferStore) Pairs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, o := range s.data {
		if o.Status == domain.OfferStatusActive {
			seen[o.Pair()] = struct{}{}
		}
	}
	s.mu.RUnlock()

	pairs := make([]string, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return pairs, nil
}
