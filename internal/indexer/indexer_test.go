package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d3sk-protocol/d3sk-indexer/internal/bus"
	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
	"github.com/d3sk-protocol/d3sk-indexer/internal/flow"
	"github.com/d3sk-protocol/d3sk-indexer/internal/flow/stub"
	"github.com/d3sk-protocol/d3sk-indexer/internal/store/memory"
)

const testAddr = "0xf8d6e0586b0a20c7"

const baseTS = int64(1756700000000)

type fixture struct {
	feed   *stub.Feed
	offers *memory.OfferStore
	trades *memory.TradeStore
	sync   *memory.SyncStore
	bus    *bus.Bus
	ix     *Indexer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	if cfg.OfferAddress == "" {
		cfg.OfferAddress = testAddr
	}
	if cfg.RegistryAddress == "" {
		cfg.RegistryAddress = testAddr
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 5 * time.Millisecond
	}

	f := &fixture{
		feed:   stub.NewFeed(),
		offers: memory.NewOfferStore(),
		sync:   memory.NewSyncStore(),
		bus:    bus.New(),
	}
	f.trades = memory.NewTradeStore(f.offers)
	f.ix = New(cfg, f.feed, f.feed, f.offers, f.trades, f.sync, f.bus, nil)
	t.Cleanup(func() { f.bus.Close() })
	t.Cleanup(f.ix.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ix.Start(context.Background()))
}

func (f *fixture) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.ix.Status().State == string(state)
	}, 2*time.Second, 2*time.Millisecond, "waiting for state %s", state)
}

func rawPayload(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

func createdEvent(t *testing.T, height uint64, id, maker string) flow.Event {
	return flow.Event{
		Type:      flow.OfferCreatedType(testAddr),
		Height:    height,
		Timestamp: baseTS,
		Data: rawPayload(t, map[string]any{
			"id": id, "maker": maker,
			"sellType": "FLOW", "sellAmount": "100.00000000",
			"askType": "USDC", "askAmount": "50.00000000",
			"price": "0.5",
		}),
	}
}

func filledEvent(t *testing.T, height uint64, offerID, taker string) flow.Event {
	return flow.Event{
		Type:      flow.OfferFilledType(testAddr),
		Height:    height,
		Timestamp: baseTS + 1000,
		Data: rawPayload(t, map[string]any{
			"offerId": offerID, "taker": taker,
			"sellAmount": "100.00000000", "askAmount": "50.00000000",
			"price": "0.5",
		}),
	}
}

func registeredEvent(t *testing.T, height uint64, offerID, maker string) flow.Event {
	return flow.Event{
		Type:      flow.OfferRegisteredType(testAddr),
		Height:    height,
		Timestamp: baseTS,
		Data: rawPayload(t, map[string]any{
			"offerId": offerID, "maker": maker,
			"sellType": "FLOW", "sellAmount": "100.00000000",
			"askType": "USDC", "askAmount": "50.00000000",
		}),
	}
}

func cancelledEvent(t *testing.T, height uint64, offerID string) flow.Event {
	return flow.Event{
		Type:      flow.OfferCancelledType(testAddr),
		Height:    height,
		Timestamp: baseTS + 2000,
		Data:      rawPayload(t, map[string]any{"offerId": offerID}),
	}
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func record(t *testing.T, b *bus.Bus) *recorder {
	t.Helper()
	ch, cancel, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	t.Cleanup(cancel)

	r := &recorder{}
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) count(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestLifecycleCreatedThenFilled(t *testing.T) {
	f := newFixture(t, Config{})
	rec := record(t, f.bus)
	f.sync.SetHeight(context.Background(), 99)
	f.feed.SetHead(99)

	f.start(t)
	f.waitState(t, StateLive)
	assert.Equal(t, 5, f.ix.Status().ActiveSubscriptions)

	f.feed.Emit(createdEvent(t, 100, "offer-1", "0xmaker"))
	require.Eventually(t, func() bool {
		_, err := f.offers.GetByID(context.Background(), "offer-1")
		return err == nil
	}, time.Second, 2*time.Millisecond)

	f.feed.Emit(filledEvent(t, 101, "offer-1", "0xtaker"))
	require.Eventually(t, func() bool {
		o, err := f.offers.GetByID(context.Background(), "offer-1")
		return err == nil && o.Status == domain.OfferStatusFilled
	}, time.Second, 2*time.Millisecond)

	offer, err := f.offers.GetByID(context.Background(), "offer-1")
	require.NoError(t, err)
	require.NotNil(t, offer.Taker)
	assert.Equal(t, "0xtaker", *offer.Taker)
	require.NotNil(t, offer.FilledAt)
	assert.Equal(t, baseTS+1000, *offer.FilledAt)

	trades, err := f.trades.ListRecent(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "offer-1", trades[0].OfferID)
	assert.Equal(t, "0xmaker", trades[0].Maker)
	assert.Equal(t, "0xtaker", trades[0].Taker)
	assert.Equal(t, "100.00000000", trades[0].SellAmount)

	require.Eventually(t, func() bool {
		return rec.count(domain.EventOfferCreated) == 1 && rec.count(domain.EventOfferFilled) == 1
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		h, _ := f.sync.Height(context.Background())
		return h == 101
	}, time.Second, 2*time.Millisecond, "cursor follows applied live events")
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	rec := record(t, f.bus)
	f.start(t)
	f.waitState(t, StateLive)

	f.feed.Emit(createdEvent(t, 10, "offer-1", "0xmaker"))
	f.feed.Emit(createdEvent(t, 10, "offer-1", "0ximpostor"))
	f.feed.Emit(filledEvent(t, 11, "offer-1", "0xtaker"))
	f.feed.Emit(filledEvent(t, 11, "offer-1", "0xother"))

	require.Eventually(t, func() bool {
		o, err := f.offers.GetByID(context.Background(), "offer-1")
		return err == nil && o.Status == domain.OfferStatusFilled
	}, time.Second, 2*time.Millisecond)

	offer, err := f.offers.GetByID(context.Background(), "offer-1")
	require.NoError(t, err)
	assert.Equal(t, "0xmaker", offer.Maker, "replayed create must not overwrite")
	assert.Equal(t, "0xtaker", *offer.Taker, "first fill wins")

	trades, err := f.trades.ListRecent(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Len(t, trades, 1, "replayed fill must not duplicate the trade")

	assert.Equal(t, 1, rec.count(domain.EventOfferCreated))
	assert.Equal(t, 1, rec.count(domain.EventOfferFilled))
}

func TestMalformedAndOrphanEventsAreDropped(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	f.waitState(t, StateLive)

	// Fill without a taker and fill of an unknown offer: both dropped.
	f.feed.Emit(flow.Event{
		Type:      flow.OfferFilledType(testAddr),
		Height:    10,
		Timestamp: baseTS,
		Data:      rawPayload(t, map[string]any{"offerId": "offer-1"}),
	})
	f.feed.Emit(filledEvent(t, 11, "offer-ghost", "0xtaker"))

	// The engine keeps going afterwards.
	f.feed.Emit(createdEvent(t, 12, "offer-1", "0xmaker"))
	f.feed.Emit(cancelledEvent(t, 13, "offer-1"))

	require.Eventually(t, func() bool {
		o, err := f.offers.GetByID(context.Background(), "offer-1")
		return err == nil && o.Status == domain.OfferStatusCancelled
	}, time.Second, 2*time.Millisecond)

	trades, err := f.trades.ListRecent(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, string(StateLive), f.ix.Status().State)
}

func TestCatchUpAppliesGapInHeightOrder(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.sync.SetHeight(context.Background(), 5))
	f.feed.SetHead(10)
	f.feed.AddHistory(
		filledEvent(t, 7, "offer-1", "0xtaker"),
		createdEvent(t, 6, "offer-1", "0xmaker"),
	)

	f.start(t)
	f.waitState(t, StateLive)

	offer, err := f.offers.GetByID(context.Background(), "offer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferStatusFilled, offer.Status)

	trades, err := f.trades.ListRecent(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	h, err := f.sync.Height(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), h, "cursor lands on the head after catch-up")
}

func TestFreshCursorStartsAtHead(t *testing.T) {
	f := newFixture(t, Config{})
	f.feed.SetHead(100)
	f.feed.AddHistory(createdEvent(t, 50, "offer-old", "0xmaker"))

	f.start(t)
	f.waitState(t, StateLive)

	_, err := f.offers.GetByID(context.Background(), "offer-old")
	assert.ErrorIs(t, err, domain.ErrNotFound, "fresh deployments do not replay history")

	h, err := f.sync.Height(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), h)
}

func TestReconnectResetsAttempts(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	f.waitState(t, StateLive)

	f.feed.Drop(errors.New("peer reset"))

	require.Eventually(t, func() bool {
		st := f.ix.Status()
		return st.State == string(StateLive) && st.ReconnectAttempts == 0
	}, 2*time.Second, 2*time.Millisecond, "a successful resubscribe resets the attempt counter")
	assert.Equal(t, 5, f.ix.Status().ActiveSubscriptions)
}

func TestFailsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})
	rec := record(t, f.bus)
	f.feed.FailConnects(errors.New("access node down"))

	f.start(t)
	f.waitState(t, StateFailed)

	st := f.ix.Status()
	assert.False(t, st.Running)

	require.Eventually(t, func() bool {
		return rec.count(domain.EventIndexerStatus) > 0
	}, time.Second, 2*time.Millisecond, "terminal failure is announced on the bus")
}

func TestStopDuringBackoffReturnsPromptly(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: time.Minute, BackoffCap: time.Minute})
	f.feed.FailConnects(errors.New("access node down"))

	f.start(t)
	f.waitState(t, StateReconnecting)

	start := time.Now()
	f.ix.Stop()
	assert.Less(t, time.Since(start), time.Second, "stop must not wait out the backoff timer")
	assert.Equal(t, string(StateStopped), f.ix.Status().State)
	assert.False(t, f.ix.Status().Running)
}

func TestStartWhileRunningErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	f.waitState(t, StateLive)

	assert.Error(t, f.ix.Start(context.Background()))

	f.ix.Stop()
	f.ix.Stop() // idempotent
	assert.NoError(t, f.ix.Start(context.Background()), "restart after stop")
}

func TestRegisteredEventDerivesPrice(t *testing.T) {
	f := newFixture(t, Config{})
	rec := record(t, f.bus)
	f.start(t)
	f.waitState(t, StateLive)

	f.feed.Emit(registeredEvent(t, 20, "offer-9", "0xmaker"))

	require.Eventually(t, func() bool {
		_, err := f.offers.GetByID(context.Background(), "offer-9")
		return err == nil
	}, time.Second, 2*time.Millisecond)

	offer, err := f.offers.GetByID(context.Background(), "offer-9")
	require.NoError(t, err)
	assert.Equal(t, "0xmaker", offer.Maker)
	assert.Equal(t, domain.OfferStatusActive, offer.Status)
	assert.Equal(t, 2.0, offer.Price, "derived from sellAmount/askAmount")

	require.Eventually(t, func() bool {
		return rec.count(domain.EventOfferRegistered) == 1
	}, time.Second, 2*time.Millisecond)
}

// gatedOfferStore stalls the Upsert for one offer id until released, pinning
// a mutation in flight on its shard.
type gatedOfferStore struct {
	*memory.OfferStore
	stallID string
	release chan struct{}
}

func (s *gatedOfferStore) Upsert(ctx context.Context, offer domain.Offer) error {
	if offer.ID == s.stallID {
		<-s.release
	}
	return s.OfferStore.Upsert(ctx, offer)
}

func TestCursorWaitsForSlowestInFlightHeight(t *testing.T) {
	const nShards = 4
	shardOf := func(key string) uint32 {
		h := fnv.New32a()
		h.Write([]byte(key))
		return h.Sum32() % nShards
	}

	// Two offer ids guaranteed to land on different shards.
	slowID := "offer-slow"
	fastID := ""
	for i := 0; fastID == ""; i++ {
		cand := fmt.Sprintf("offer-%d", i)
		if shardOf(cand) != shardOf(slowID) {
			fastID = cand
		}
	}

	offers := &gatedOfferStore{
		OfferStore: memory.NewOfferStore(),
		stallID:    slowID,
		release:    make(chan struct{}),
	}
	releaseOnce := sync.OnceFunc(func() { close(offers.release) })

	feed := stub.NewFeed()
	syncStore := memory.NewSyncStore()
	b := bus.New()
	ix := New(Config{
		OfferAddress:    testAddr,
		RegistryAddress: testAddr,
		BackoffBase:     time.Millisecond,
		BackoffCap:      5 * time.Millisecond,
		Shards:          nShards,
	}, feed, feed, offers, memory.NewTradeStore(offers.OfferStore), syncStore, b, nil)
	t.Cleanup(func() { b.Close() })
	t.Cleanup(ix.Stop)
	t.Cleanup(releaseOnce)

	ctx := context.Background()
	syncStore.SetHeight(ctx, 99)
	feed.SetHead(99)

	require.NoError(t, ix.Start(ctx))
	require.Eventually(t, func() bool {
		return ix.Status().State == string(StateLive)
	}, 2*time.Second, 2*time.Millisecond)

	feed.Emit(createdEvent(t, 100, slowID, "0xmaker"))
	feed.Emit(createdEvent(t, 101, fastID, "0xmaker"))

	require.Eventually(t, func() bool {
		_, err := offers.GetByID(ctx, fastID)
		return err == nil
	}, time.Second, 2*time.Millisecond, "faster shard commits independently")

	h, err := syncStore.Height(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 99, h, "cursor must hold below the uncommitted height")

	releaseOnce()
	require.Eventually(t, func() bool {
		h, _ := syncStore.Height(ctx)
		return h == 101
	}, time.Second, 2*time.Millisecond, "cursor catches up once every height committed")

	_, err = offers.GetByID(ctx, slowID)
	require.NoError(t, err)
}
