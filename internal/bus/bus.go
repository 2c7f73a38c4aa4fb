// Package bus provides an in-process implementation of domain.EventBus
// backed by Go channels. It is the default bus when the indexer and the API
// server run in the same process.
package bus

import (
	"context"
	"sync"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events; delivery is best effort.
const subscriberBuffer = 256

// Bus fans out published events to all current subscribers. Slow
// subscribers drop events rather than blocking the publisher or each other.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
}

// New creates an empty in-process bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Publish delivers the event to every subscriber without blocking. Events
// for subscribers with a full buffer are dropped.
func (b *Bus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return domain.ErrStopped
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the registration and closes the channel; it is safe to call more
// than once.
func (b *Bus) Subscribe(_ context.Context) (<-chan domain.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, domain.ErrStopped
	}

	id := b.nextID
	b.nextID++
	ch := make(chan domain.Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// Close removes all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
