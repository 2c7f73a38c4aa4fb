package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

func fillTrade(offerID string, ts int64) domain.Trade {
	return domain.Trade{
		OfferID:    offerID,
		Maker:      "M",
		Taker:      "T",
		SellType:   "FLOW",
		SellAmount: "10",
		AskType:    "USDC",
		AskAmount:  "20",
		Price:      2.0,
		Timestamp:  ts,
	}
}

func TestTradeStore_InsertAssignsIDs(t *testing.T) {
	offers := NewOfferStore()
	store := NewTradeStore(offers)
	ctx := context.Background()

	require.NoError(t, offers.Upsert(ctx, activeOffer("1", "M", "FLOW", "10", "USDC", "20", 2.0, 1000)))

	id1, err := store.Insert(ctx, fillTrade("1", 2000))
	require.NoError(t, err)
	id2, err := store.Insert(ctx, fillTrade("1", 2001))
	require.NoError(t, err)

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
}

func TestTradeStore_InsertMissingOffer(t *testing.T) {
	store := NewTradeStore(NewOfferStore())

	_, err := store.Insert(context.Background(), fillTrade("ghost", 2000))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTradeStore_ListRecentOrderAndFilter(t *testing.T) {
	offers := NewOfferStore()
	store := NewTradeStore(offers)
	ctx := context.Background()

	require.NoError(t, offers.Upsert(ctx, activeOffer("1", "M", "FLOW", "10", "USDC", "20", 2.0, 1000)))
	require.NoError(t, offers.Upsert(ctx, activeOffer("2", "M", "USDC", "20", "FLOW", "10", 0.5, 1000)))

	_, err := store.Insert(ctx, fillTrade("1", 1000))
	require.NoError(t, err)
	_, err = store.Insert(ctx, fillTrade("1", 3000))
	require.NoError(t, err)

	reverse := fillTrade("2", 2000)
	reverse.SellType, reverse.AskType = "USDC", "FLOW"
	_, err = store.Insert(ctx, reverse)
	require.NoError(t, err)

	trades, err := store.ListRecent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, int64(3000), trades[0].Timestamp)
	assert.Equal(t, int64(1000), trades[2].Timestamp)

	trades, err = store.ListRecent(ctx, 10, "FLOW-USDC")
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestTradeStore_ListRecentClampsLimit(t *testing.T) {
	offers := NewOfferStore()
	store := NewTradeStore(offers)
	ctx := context.Background()

	require.NoError(t, offers.Upsert(ctx, activeOffer("1", "M", "FLOW", "10", "USDC", "20", 2.0, 1000)))
	for i := 0; i < 5; i++ {
		_, err := store.Insert(ctx, fillTrade("1", int64(1000+i)))
		require.NoError(t, err)
	}

	trades, err := store.ListRecent(ctx, 2000, "")
	require.NoError(t, err)
	assert.Len(t, trades, 5)

	trades, err = store.ListRecent(ctx, 2, "")
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestStatsStore_Snapshot(t *testing.T) {
	offers := NewOfferStore()
	trades := NewTradeStore(offers)
	stats := NewStatsStore(offers, trades)
	ctx := context.Background()

	now := time.Now().UnixMilli()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("%d", i)
		require.NoError(t, offers.Upsert(ctx, activeOffer(id, "M", "FLOW", "10", "USDC", "20", 2.0, now)))
	}
	require.NoError(t, offers.Upsert(ctx, activeOffer("rev", "M", "USDC", "20", "FLOW", "10", 0.5, now)))

	// One recent trade inside the window, one ancient trade outside it.
	_, err := trades.Insert(ctx, fillTrade("0", now))
	require.NoError(t, err)
	old := fillTrade("1", now-48*time.Hour.Milliseconds())
	_, err = trades.Insert(ctx, old)
	require.NoError(t, err)

	snap, err := stats.Snapshot(ctx, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, int64(4), snap.ActiveOffers)
	assert.Equal(t, int64(2), snap.TotalTrades)
	assert.Equal(t, int64(1), snap.TradesInWindow)
	assert.Equal(t, "10", snap.VolumeInWindow)
	assert.Equal(t, int64(2), snap.ActivePairs)
}

func TestSyncStore_Cursor(t *testing.T) {
	store := NewSyncStore()
	ctx := context.Background()

	h, err := store.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h, "unset cursor reads as 0")

	require.NoError(t, store.SetHeight(ctx, 42))
	h, err = store.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), h)

	// Single-writer overwrite semantics.
	require.NoError(t, store.SetHeight(ctx, 40))
	h, err = store.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), h)
}
