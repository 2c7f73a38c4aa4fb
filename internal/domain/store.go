package domain

import (
	"context"
	"time"
)

// OfferStore persists the offer mirror. The indexer is the only writer; the
// store enforces the per-offer invariants (idempotent create, active-only
// terminal transition) so at-least-once event delivery cannot corrupt rows.
type OfferStore interface {
	// Upsert creates the offer if it does not exist. A duplicate id is a
	// successful no-op and never overwrites the stored row.
	Upsert(ctx context.Context, offer Offer) error

	// Transition moves an offer from active to the given terminal status,
	// stamping filled_at or cancelled_at and the optional taker. It returns
	// false without error when the offer is missing or already terminal.
	Transition(ctx context.Context, id string, status OfferStatus, ts int64, taker *string) (bool, error)

	GetByID(ctx context.Context, id string) (Offer, error)
	ListActive(ctx context.Context, filter OfferFilter) ([]Offer, error)
	ListByMaker(ctx context.Context, maker string) ([]Offer, error)

	// OrderBook aggregates active offers by price for both trade directions
	// of the pair, recomputed per call.
	OrderBook(ctx context.Context, pair string) (OrderBook, error)

	// Pairs lists the distinct pairs that currently have active offers.
	Pairs(ctx context.Context) ([]string, error)
}

// TradeStore persists the append-only trade log.
type TradeStore interface {
	// Insert appends one trade. It returns ErrNotFound when the referenced
	// offer does not exist so the caller can log and drop.
	Insert(ctx context.Context, trade Trade) (int64, error)

	// ListRecent returns trades most-recent-first, optionally filtered to a
	// pair. Limits above MaxListLimit are clamped.
	ListRecent(ctx context.Context, limit int, pair string) ([]Trade, error)
}

// SyncStore persists the reconciliation cursor: the last chain height whose
// events have all been durably applied.
type SyncStore interface {
	// Height returns the stored cursor, or 0 when unset.
	Height(ctx context.Context) (uint64, error)

	// SetHeight unconditionally overwrites the cursor. Last write wins; the
	// deployment runs exactly one indexer instance.
	SetHeight(ctx context.Context, height uint64) error
}

// StatsStore computes read-time aggregates across offers and trades.
type StatsStore interface {
	Snapshot(ctx context.Context, window time.Duration) (Stats, error)
}
