package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

func activeOffer(id, maker, sellType, sellAmount, askType, askAmount string, price float64, createdAt int64) domain.Offer {
	return domain.Offer{
		ID:         id,
		Maker:      maker,
		SellType:   sellType,
		SellAmount: sellAmount,
		AskType:    askType,
		AskAmount:  askAmount,
		Price:      price,
		Status:     domain.OfferStatusActive,
		CreatedAt:  createdAt,
	}
}

func TestOfferStore_UpsertIsIdempotent(t *testing.T) {
	store := NewOfferStore()
	ctx := context.Background()

	offer := activeOffer("1", "0xmaker", "FLOW", "10", "USDC", "20", 2.0, 1000)
	require.NoError(t, store.Upsert(ctx, offer))

	// Replayed creation event: same id, possibly different payload.
	replay := offer
	replay.Maker = "0xattacker"
	require.NoError(t, store.Upsert(ctx, replay))

	got, err := store.GetByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "0xmaker", got.Maker, "duplicate upsert must not overwrite")

	active, err := store.ListActive(ctx, domain.OfferFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestOfferStore_TransitionGuardsTerminalState(t *testing.T) {
	store := NewOfferStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, activeOffer("1", "M", "FLOW", "10", "USDC", "20", 2.0, 1000)))

	taker := "T"
	applied, err := store.Transition(ctx, "1", domain.OfferStatusFilled, 2000, &taker)
	require.NoError(t, err)
	assert.True(t, applied)

	// Duplicate terminal event must be a no-op.
	other := "T2"
	applied, err = store.Transition(ctx, "1", domain.OfferStatusCancelled, 3000, &other)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferStatusFilled, got.Status)
	require.NotNil(t, got.FilledAt)
	assert.Equal(t, int64(2000), *got.FilledAt)
	assert.Nil(t, got.CancelledAt)
	require.NotNil(t, got.Taker)
	assert.Equal(t, "T", *got.Taker)
}

func TestOfferStore_TransitionMissingOffer(t *testing.T) {
	store := NewOfferStore()

	applied, err := store.Transition(context.Background(), "missing", domain.OfferStatusCancelled, 1000, nil)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestOfferStore_TransitionRejectsNonTerminal(t *testing.T) {
	store := NewOfferStore()

	_, err := store.Transition(context.Background(), "1", domain.OfferStatusActive, 1000, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOfferStore_ListActiveClampsPagination(t *testing.T) {
	store := NewOfferStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("%d", i)
		require.NoError(t, store.Upsert(ctx, activeOffer(id, "M", "FLOW", "1", "USDC", "2", 2.0, int64(1000+i))))
	}

	// Limit above the maximum is clamped, not rejected.
	offers, err := store.ListActive(ctx, domain.OfferFilter{Limit: 1001})
	require.NoError(t, err)
	assert.Len(t, offers, 5)

	// Negative offset is clamped to zero.
	offers, err = store.ListActive(ctx, domain.OfferFilter{Offset: -5})
	require.NoError(t, err)
	assert.Len(t, offers, 5)
}

func TestOfferStore_ListActiveSortAndTieBreak(t *testing.T) {
	store := NewOfferStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, activeOffer("b", "M", "FLOW", "1", "USDC", "2", 2.0, 1000)))
	require.NoError(t, store.Upsert(ctx, activeOffer("a", "M", "FLOW", "1", "USDC", "2", 2.0, 1000)))
	require.NoError(t, store.Upsert(ctx, activeOffer("c", "M", "FLOW", "1", "USDC", "3", 3.0, 2000)))

	offers, err := store.ListActive(ctx, domain.OfferFilter{Sort: domain.SortPriceAsc})
	require.NoError(t, err)
	require.Len(t, offers, 3)
	// Equal price ties break by id ascending.
	assert.Equal(t, "a", offers[0].ID)
	assert.Equal(t, "b", offers[1].ID)
	assert.Equal(t, "c", offers[2].ID)

	offers, err = store.ListActive(ctx, domain.OfferFilter{Sort: domain.SortNewest})
	require.NoError(t, err)
	assert.Equal(t, "c", offers[0].ID)
}

func TestOfferStore_ListActiveFilters(t *testing.T) {
	store := NewOfferStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, activeOffer("1", "alice", "FLOW", "10", "USDC", "20", 2.0, 1000)))
	require.NoError(t, store.Upsert(ctx, activeOffer("2", "bob", "FLOW", "10", "USDC", "50", 5.0, 1100)))
	require.NoError(t, store.Upsert(ctx, activeOffer("3", "alice", "USDC", "20", "FLOW", "10", 0.5, 1200)))

	offers, err := store.ListActive(ctx, domain.OfferFilter{Pair: "FLOW-USDC"})
	require.NoError(t, err)
	assert.Len(t, offers, 2)

	offers, err = store.ListActive(ctx, domain.OfferFilter{Maker: "alice"})
	require.NoError(t, err)
	assert.Len(t, offers, 2)

	minPrice := 1.0
	maxPrice := 3.0
	offers, err = store.ListActive(ctx, domain.OfferFilter{MinPrice: &minPrice, MaxPrice: &maxPrice})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "1", offers[0].ID)
}

func TestOfferStore_OrderBookAggregatesByPrice(t *testing.T) {
	store := NewOfferStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, activeOffer("1", "M1", "FLOW", "10", "USDC", "20", 2.0, 1000)))
	require.NoError(t, store.Upsert(ctx, activeOffer("2", "M2", "FLOW", "5", "USDC", "10", 2.0, 1100)))
	require.NoError(t, store.Upsert(ctx, activeOffer("3", "M3", "USDC", "30", "FLOW", "10", 3.0, 1200)))

	book, err := store.OrderBook(ctx, "FLOW-USDC")
	require.NoError(t, err)

	require.Len(t, book.Bids, 1)
	assert.Equal(t, 2.0, book.Bids[0].Price)
	assert.Equal(t, 2, book.Bids[0].Count)
	assert.Equal(t, "15", book.Bids[0].Amount)

	require.Len(t, book.Asks, 1)
	assert.Equal(t, 3.0, book.Asks[0].Price)
	assert.Equal(t, "30", book.Asks[0].Amount)
}

func TestOfferStore_OrderBookExcludesTerminalOffers(t *testing.T) {
	store := NewOfferStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, activeOffer("1", "M1", "FLOW", "10", "USDC", "20", 2.0, 1000)))
	_, err := store.Transition(ctx, "1", domain.OfferStatusCancelled, 2000, nil)
	require.NoError(t, err)

	book, err := store.OrderBook(ctx, "FLOW-USDC")
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
}

func TestOfferStore_OrderBookRejectsMalformedPair(t *testing.T) {
	store := NewOfferStore()

	_, err := store.OrderBook(context.Background(), "FLOWUSDC")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOfferStore_Pairs(t *testing.T) {
	store := NewOfferStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, activeOffer("1", "M", "FLOW", "1", "USDC", "2", 2.0, 1000)))
	require.NoError(t, store.Upsert(ctx, activeOffer("2", "M", "USDC", "2", "FLOW", "1", 0.5, 1100)))
	require.NoError(t, store.Upsert(ctx, activeOffer("3", "M", "FLOW", "1", "USDC", "2", 2.0, 1200)))

	pairs, err := store.Pairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"FLOW-USDC", "USDC-FLOW"}, pairs)
}
