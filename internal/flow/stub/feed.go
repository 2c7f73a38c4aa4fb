// Package stub provides an in-memory chain feed for tests. It stands in
// for both the REST catch-up client and the WebSocket stream.
package stub

import (
	"context"
	"sync"

	"github.com/d3sk-protocol/d3sk-indexer/internal/flow"
)

// Feed records subscriptions and lets tests push events and disconnects.
type Feed struct {
	mu           sync.Mutex
	connected    bool
	subs         int
	onEvent      flow.EventHandler
	onDisconnect flow.DisconnectHandler

	head    uint64
	history []flow.Event

	connectErr error
}

func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.subs = 0
	return nil
}

// FailConnects makes every Connect fail with err until called with nil.
func (f *Feed) FailConnects(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *Feed) Subscribe(ctx context.Context, eventTypes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	return nil
}

func (f *Feed) OnEvent(h flow.EventHandler) {
	f.mu.Lock()
	f.onEvent = h
	f.mu.Unlock()
}

func (f *Feed) OnDisconnect(h flow.DisconnectHandler) {
	f.mu.Lock()
	f.onDisconnect = h
	f.mu.Unlock()
}

func (f *Feed) SubscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

func (f *Feed) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.subs = 0
	f.mu.Unlock()
}

// Emit delivers one live event to the registered handler.
func (f *Feed) Emit(ev flow.Event) {
	f.mu.Lock()
	h := f.onEvent
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Drop simulates a connection loss.
func (f *Feed) Drop(err error) {
	f.mu.Lock()
	h := f.onDisconnect
	f.connected = false
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Connected reports whether the feed currently holds a connection.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetHead sets the height returned by LatestBlockHeight.
func (f *Feed) SetHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

// AddHistory appends events served by EventsInRange.
func (f *Feed) AddHistory(events ...flow.Event) {
	f.mu.Lock()
	f.history = append(f.history, events...)
	f.mu.Unlock()
}

func (f *Feed) LatestBlockHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *Feed) EventsInRange(ctx context.Context, eventType string, start, end uint64) ([]flow.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []flow.Event
	for _, ev := range f.history {
		if ev.Type == eventType && ev.Height >= start && ev.Height <= end {
			out = append(out, ev)
		}
	}
	return out, nil
}
