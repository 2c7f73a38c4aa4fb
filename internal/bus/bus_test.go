package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()

	ch1, cancel1, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel2()

	ev := domain.Event{Type: domain.EventOfferCreated, Timestamp: 1000}
	require.NoError(t, b.Publish(ctx, ev))

	for _, ch := range []<-chan domain.Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, domain.EventOfferCreated, got.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	ctx := context.Background()

	// The slow subscriber never reads; its buffer fills and overflow drops.
	_, cancelSlow, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelSlow()

	fast, cancelFast, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelFast()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.Publish(ctx, domain.Event{Type: domain.EventOfferCreated, Timestamp: int64(i)}))
		// Drain the fast subscriber as we go.
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved by slow subscriber")
		}
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := New()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open, "cancelled subscriber channel should be closed")

	require.NoError(t, b.Publish(ctx, domain.Event{Type: domain.EventOfferCreated}))
}

func TestBus_CloseRejectsFurtherUse(t *testing.T) {
	b := New()
	ctx := context.Background()

	ch, _, err := b.Subscribe(ctx)
	require.NoError(t, err)

	b.Close()

	_, open := <-ch
	assert.False(t, open)

	assert.ErrorIs(t, b.Publish(ctx, domain.Event{}), domain.ErrStopped)
	_, _, err = b.Subscribe(ctx)
	assert.ErrorIs(t, err, domain.ErrStopped)
}
