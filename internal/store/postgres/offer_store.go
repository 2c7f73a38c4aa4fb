package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// OfferStore implements domain.OfferStore using PostgreSQL.
type OfferStore struct {
	pool *pgxpool.Pool
}

// NewOfferStore creates an OfferStore backed by the given connection pool.
func NewOfferStore(pool *pgxpool.Pool) *OfferStore {
	return &OfferStore{pool: pool}
}

const offerSelectCols = `id, maker, sell_type, sell_amount, ask_type, ask_amount,
	price, status, created_at, expires_at, filled_at, cancelled_at, taker`

func scanOffer(row pgx.Row) (domain.Offer, error) {
	var o domain.Offer
	err := row.Scan(
		&o.ID, &o.Maker, &o.SellType, &o.SellAmount, &o.AskType, &o.AskAmount,
		&o.Price, &o.Status, &o.CreatedAt,
		&o.ExpiresAt, &o.FilledAt, &o.CancelledAt, &o.Taker,
	)
	return o, err
}

func scanOfferRows(rows pgx.Rows) ([]domain.Offer, error) {
	var offers []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// Upsert inserts the offer if its id is new. ON CONFLICT DO NOTHING makes a
// replayed creation event a successful no-op without touching the stored row.
func (s *OfferStore) Upsert(ctx context.Context, offer domain.Offer) error {
	const query = `
		INSERT INTO offers (
			id, maker, sell_type, sell_amount, ask_type, ask_amount,
			price, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	status := offer.Status
	if status == "" {
		status = domain.OfferStatusActive
	}

	_, err := s.pool.Exec(ctx, query,
		offer.ID, offer.Maker, offer.SellType, offer.SellAmount,
		offer.AskType, offer.AskAmount, offer.Price, status,
		offer.CreatedAt, offer.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert offer %s: %w", offer.ID, err)
	}
	return nil
}

// Transition applies a terminal status only when the offer is still active.
// The status guard in the WHERE clause is what keeps duplicate or reordered
// terminal events from rewriting an already-terminal offer.
func (s *OfferStore) Transition(ctx context.Context, id string, status domain.OfferStatus, ts int64, taker *string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("postgres: transition offer %s to %q: %w", id, status, domain.ErrInvalidInput)
	}

	col := "cancelled_at"
	if status == domain.OfferStatusFilled {
		col = "filled_at"
	}
	query := fmt.Sprintf(
		`UPDATE offers SET status = $2, %s = $3, taker = $4 WHERE id = $1 AND status = 'active'`,
		col,
	)

	tag, err := s.pool.Exec(ctx, query, id, status, ts, taker)
	if err != nil {
		return false, fmt.Errorf("postgres: transition offer %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID returns a single offer, or domain.ErrNotFound.
func (s *OfferStore) GetByID(ctx context.Context, id string) (domain.Offer, error) {
	query := `SELECT ` + offerSelectCols + ` FROM offers WHERE id = $1`
	o, err := scanOffer(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Offer{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Offer{}, fmt.Errorf("postgres: get offer %s: %w", id, err)
	}
	return o, nil
}

// ListActive returns active offers matching the filter. Pagination values
// are clamped, not rejected; ties on the sort key break by id ascending so
// results are deterministic.
func (s *OfferStore) ListActive(ctx context.Context, filter domain.OfferFilter) ([]domain.Offer, error) {
	filter = filter.Normalize()

	query := `SELECT ` + offerSelectCols + ` FROM offers WHERE status = 'active'`
	var args []any
	argIdx := 1

	if filter.Pair != "" {
		sellType, askType, err := domain.SplitPair(filter.Pair)
		if err != nil {
			return nil, fmt.Errorf("postgres: list active offers: pair %q: %w", filter.Pair, err)
		}
		query += fmt.Sprintf(" AND sell_type = $%d AND ask_type = $%d", argIdx, argIdx+1)
		args = append(args, sellType, askType)
		argIdx += 2
	}
	if filter.Maker != "" {
		query += fmt.Sprintf(" AND maker = $%d", argIdx)
		args = append(args, filter.Maker)
		argIdx++
	}
	if filter.MinPrice != nil {
		query += fmt.Sprintf(" AND price >= $%d", argIdx)
		args = append(args, *filter.MinPrice)
		argIdx++
	}
	if filter.MaxPrice != nil {
		query += fmt.Sprintf(" AND price <= $%d", argIdx)
		args = append(args, *filter.MaxPrice)
		argIdx++
	}

	switch filter.Sort {
	case domain.SortPriceAsc:
		query += " ORDER BY price ASC, id ASC"
	case domain.SortPriceDesc:
		query += " ORDER BY price DESC, id ASC"
	case domain.SortOldest:
		query += " ORDER BY created_at ASC, id ASC"
	default:
		query += " ORDER BY created_at DESC, id ASC"
	}

	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active offers: %w", err)
	}
	defer rows.Close()

	offers, err := scanOfferRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active offers: %w", err)
	}
	return offers, nil
}

// ListByMaker returns all offers (any status) created by the maker, newest
// first.
func (s *OfferStore) ListByMaker(ctx context.Context, maker string) ([]domain.Offer, error) {
	query := `SELECT ` + offerSelectCols + ` FROM offers WHERE maker = $1 ORDER BY created_at DESC, id ASC`
	rows, err := s.pool.Query(ctx, query, maker)
	if err != nil {
		return nil, fmt.Errorf("postgres: list offers by maker: %w", err)
	}
	defer rows.Close()

	offers, err := scanOfferRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan offers by maker: %w", err)
	}
	return offers, nil
}

// OrderBook aggregates active offers by price for both trade directions of
// the pair. Amounts are summed as numerics in SQL and kept as decimal
// strings; the float price column is only the grouping key.
func (s *OfferStore) OrderBook(ctx context.Context, pair string) (domain.OrderBook, error) {
	sellType, askType, err := domain.SplitPair(pair)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("postgres: order book: pair %q: %w", pair, err)
	}

	bids, err := s.bookLevels(ctx, sellType, askType)
	if err != nil {
		return domain.OrderBook{}, err
	}
	asks, err := s.bookLevels(ctx, askType, sellType)
	if err != nil {
		return domain.OrderBook{}, err
	}

	return domain.OrderBook{Pair: pair, Bids: bids, Asks: asks}, nil
}

func (s *OfferStore) bookLevels(ctx context.Context, sellType, askType string) ([]domain.BookLevel, error) {
	const query = `
		SELECT price, COUNT(*), SUM(sell_amount::numeric)::text
		FROM offers
		WHERE status = 'active' AND sell_type = $1 AND ask_type = $2
		GROUP BY price
		ORDER BY price ASC`

	rows, err := s.pool.Query(ctx, query, sellType, askType)
	if err != nil {
		return nil, fmt.Errorf("postgres: book levels %s-%s: %w", sellType, askType, err)
	}
	defer rows.Close()

	var levels []domain.BookLevel
	for rows.Next() {
		var (
			lvl    domain.BookLevel
			amount string
		)
		if err := rows.Scan(&lvl.Price, &lvl.Count, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan book level: %w", err)
		}
		dec, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("postgres: book level amount %q: %w", amount, err)
		}
		lvl.Amount = dec.String()
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}

// Pairs returns the distinct pairs with at least one active offer, sorted.
func (s *OfferStore) Pairs(ctx context.Context) ([]string, error) {
	const query = `
		SELECT DISTINCT sell_type || '-' || ask_type AS pair
		FROM offers
		WHERE status = 'active'
		ORDER BY pair ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("postgres: scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
