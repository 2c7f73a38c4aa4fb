package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// StatsStore implements domain.StatsStore using PostgreSQL. All aggregates
// are recomputed per call; nothing is maintained incrementally.
type StatsStore struct {
	pool *pgxpool.Pool
}

// NewStatsStore creates a StatsStore backed by the given connection pool.
func NewStatsStore(pool *pgxpool.Pool) *StatsStore {
	return &StatsStore{pool: pool}
}

// Snapshot computes the aggregate statistics over the mirror for the given
// trailing window.
func (s *StatsStore) Snapshot(ctx context.Context, window time.Duration) (domain.Stats, error) {
	now := time.Now().UnixMilli()
	since := now - window.Milliseconds()

	var stats domain.Stats
	stats.Timestamp = now

	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM offers WHERE status = 'active'",
	).Scan(&stats.ActiveOffers)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("postgres: stats active offers: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trades",
	).Scan(&stats.TotalTrades)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("postgres: stats total trades: %w", err)
	}

	var volume string
	err = s.pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(sell_amount::numeric), 0)::text FROM trades WHERE timestamp >= $1",
		since,
	).Scan(&stats.TradesInWindow, &volume)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("postgres: stats trades in window: %w", err)
	}
	dec, err := decimal.NewFromString(volume)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("postgres: stats volume %q: %w", volume, err)
	}
	stats.VolumeInWindow = dec.String()

	err = s.pool.QueryRow(ctx,
		"SELECT COUNT(DISTINCT sell_type || '-' || ask_type) FROM offers WHERE status = 'active'",
	).Scan(&stats.ActivePairs)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("postgres: stats active pairs: %w", err)
	}

	return stats, nil
}
