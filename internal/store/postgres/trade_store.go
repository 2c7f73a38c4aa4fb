package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// pgErrForeignKeyViolation is the PostgreSQL error code for a failed
// foreign-key constraint.
const pgErrForeignKeyViolation = "23503"

// TradeStore implements domain.TradeStore using PostgreSQL. Trades are
// append-only; there is no update or delete path.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, offer_id, maker, taker, sell_type, sell_amount,
	ask_type, ask_amount, price, timestamp`

// Insert appends one trade and returns its generated id. A missing offer
// surfaces as domain.ErrNotFound so the caller can log and drop the event
// instead of failing the pipeline.
func (s *TradeStore) Insert(ctx context.Context, trade domain.Trade) (int64, error) {
	const query = `
		INSERT INTO trades (
			offer_id, maker, taker, sell_type, sell_amount,
			ask_type, ask_amount, price, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		trade.OfferID, trade.Maker, trade.Taker,
		trade.SellType, trade.SellAmount, trade.AskType, trade.AskAmount,
		trade.Price, trade.Timestamp,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrForeignKeyViolation {
			return 0, fmt.Errorf("postgres: insert trade for offer %s: %w", trade.OfferID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("postgres: insert trade: %w", err)
	}
	return id, nil
}

// ListRecent returns trades most-recent-first, optionally constrained to a
// pair. Limits above domain.MaxListLimit are clamped.
func (s *TradeStore) ListRecent(ctx context.Context, limit int, pair string) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	if limit > domain.MaxListLimit {
		limit = domain.MaxListLimit
	}

	query := `SELECT ` + tradeSelectCols + ` FROM trades`
	var args []any
	argIdx := 1

	if pair != "" {
		sellType, askType, err := domain.SplitPair(pair)
		if err != nil {
			return nil, fmt.Errorf("postgres: list trades: pair %q: %w", pair, err)
		}
		query += fmt.Sprintf(" WHERE sell_type = $%d AND ask_type = $%d", argIdx, argIdx+1)
		args = append(args, sellType, askType)
		argIdx += 2
	}

	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(
			&t.ID, &t.OfferID, &t.Maker, &t.Taker,
			&t.SellType, &t.SellAmount, &t.AskType, &t.AskAmount,
			&t.Price, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListSince returns trades with timestamp >= since in ascending order, used
// by the archive export job.
func (s *TradeStore) ListSince(ctx context.Context, since int64) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE timestamp >= $1 ORDER BY timestamp ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades since: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(
			&t.ID, &t.OfferID, &t.Maker, &t.Taker,
			&t.SellType, &t.SellAmount, &t.AskType, &t.AskAmount,
			&t.Price, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
