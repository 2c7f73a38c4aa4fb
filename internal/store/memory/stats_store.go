package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// StatsStore computes aggregates over the in-memory offer and trade stores.
type StatsStore struct {
	offers *OfferStore
	trades *TradeStore
}

// NewStatsStore creates a StatsStore reading from the given stores.
func NewStatsStore(offers *OfferStore, trades *TradeStore) *StatsStore {
	return &StatsStore{offers: offers, trades: trades}
}

// Snapshot computes the aggregate statistics for the trailing window.
func (s *StatsStore) Snapshot(_ context.Context, window time.Duration) (domain.Stats, error) {
	now := time.Now().UnixMilli()
	since := now - window.Milliseconds()

	stats := domain.Stats{Timestamp: now}

	s.offers.mu.RLock()
	pairs := make(map[string]struct{})
	for _, o := range s.offers.data {
		if o.Status == domain.OfferStatusActive {
			stats.ActiveOffers++
			pairs[o.Pair()] = struct{}{}
		}
	}
	s.offers.mu.RUnlock()
	stats.ActivePairs = int64(len(pairs))

	volume := decimal.Zero
	s.trades.mu.RLock()
	stats.TotalTrades = int64(len(s.trades.trades))
	for _, t := range s.trades.trades {
		if t.Timestamp < since {
			continue
		}
		stats.TradesInWindow++
		if amt, err := decimal.NewFromString(t.SellAmount); err == nil {
			volume = volume.Add(amt)
		}
	}
	s.trades.mu.RUnlock()
	stats.VolumeInWindow = volume.String()

	return stats, nil
}
