package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// cursorKey is the sync_state row holding the last fully-reconciled chain
// height.
const cursorKey = "last_block_height"

// SyncStore implements domain.SyncStore using PostgreSQL.
type SyncStore struct {
	pool *pgxpool.Pool
}

// NewSyncStore creates a SyncStore backed by the given connection pool.
func NewSyncStore(pool *pgxpool.Pool) *SyncStore {
	return &SyncStore{pool: pool}
}

// Height returns the stored cursor, or 0 when it has never been set.
func (s *SyncStore) Height(ctx context.Context) (uint64, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		"SELECT value FROM sync_state WHERE key = $1", cursorKey,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: get sync cursor: %w", err)
	}

	height, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse sync cursor %q: %w", value, err)
	}
	return height, nil
}

// SetHeight unconditionally overwrites the cursor. Last write wins under the
// single-indexer deployment assumption.
func (s *SyncStore) SetHeight(ctx context.Context, height uint64) error {
	const query = `
		INSERT INTO sync_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

	if _, err := s.pool.Exec(ctx, query, cursorKey, strconv.FormatUint(height, 10)); err != nil {
		return fmt.Errorf("postgres: set sync cursor: %w", err)
	}
	return nil
}
