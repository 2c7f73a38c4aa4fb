// Package indexer contains the reconciliation engine: it subscribes to the
// D3SK contract events on Flow, catches up any gap between the persisted
// cursor and the chain head, and applies each event as an idempotent store
// mutation followed by exactly one bus notification.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
	"github.com/d3sk-protocol/d3sk-indexer/internal/flow"
)

// State is the engine's lifecycle phase.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateSubscribing  State = "subscribing"
	StateCatchingUp   State = "catching_up"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ChainReader answers catch-up queries against the access node.
type ChainReader interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
	EventsInRange(ctx context.Context, eventType string, start, end uint64) ([]flow.Event, error)
}

// EventStream delivers live events for subscribed types until it drops.
type EventStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, eventTypes []string) error
	OnEvent(flow.EventHandler)
	OnDisconnect(flow.DisconnectHandler)
	SubscriptionCount() int
	Disconnect()
}

// Config tunes the engine. Zero values fall back to the documented defaults.
type Config struct {
	OfferAddress    string
	RegistryAddress string

	BackoffBase time.Duration // default 1s
	BackoffCap  time.Duration // default 60s
	MaxAttempts int           // default 10
	Shards      int           // default 8
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Shards <= 0 {
		c.Shards = 8
	}
	return c
}

// Status is the engine's externally visible state snapshot.
type Status struct {
	Running             bool   `json:"running"`
	State               string `json:"state"`
	ReconnectAttempts   int    `json:"reconnect_attempts"`
	MaxAttempts         int    `json:"max_attempts"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
	LastHeight          uint64 `json:"last_height"`
}

// Indexer is the reconciliation engine. One instance is the single logical
// writer of the offer mirror.
type Indexer struct {
	cfg    Config
	chain  ChainReader
	stream EventStream
	offers domain.OfferStore
	trades domain.TradeStore
	sync   domain.SyncStore
	bus    domain.EventBus
	logger *slog.Logger

	handlers   map[string]func(context.Context, flow.Event) error
	eventTypes []string

	mu       sync.Mutex
	state    State
	attempts int
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	cursorMu   sync.Mutex
	lastHeight uint64
}

// New wires an engine over its collaborators. A nil bus disables
// notifications; a nil logger falls back to slog's default.
func New(cfg Config, chain ChainReader, stream EventStream,
	offers domain.OfferStore, trades domain.TradeStore, syncStore domain.SyncStore,
	bus domain.EventBus, logger *slog.Logger) *Indexer {

	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		cfg:    cfg.withDefaults(),
		chain:  chain,
		stream: stream,
		offers: offers,
		trades: trades,
		sync:   syncStore,
		bus:    bus,
		logger: logger.With("component", "indexer"),
		state:  StateStopped,
	}

	created := flow.OfferCreatedType(cfg.OfferAddress)
	filled := flow.OfferFilledType(cfg.OfferAddress)
	cancelled := flow.OfferCancelledType(cfg.OfferAddress)
	registered := flow.OfferRegisteredType(cfg.RegistryAddress)
	removed := flow.OfferRemovedType(cfg.RegistryAddress)

	ix.eventTypes = []string{created, filled, cancelled, registered, removed}
	ix.handlers = map[string]func(context.Context, flow.Event) error{
		created:    ix.handleOfferCreated,
		registered: ix.handleOfferRegistered,
		filled:     ix.handleOfferFilled,
		cancelled:  ix.handleOfferCancelled,
		removed:    ix.handleOfferRemoved,
	}
	return ix
}

// Start launches the engine. It returns an error if already running.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return fmt.Errorf("indexer: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	ix.running = true
	ix.attempts = 0
	ix.cancel = cancel
	ix.done = make(chan struct{})
	ix.mu.Unlock()

	go ix.run(runCtx)
	return nil
}

// Stop shuts the engine down and blocks until the run loop has exited and
// all in-flight mutations are applied. Safe to call when not running.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return
	}
	ix.running = false
	cancel := ix.cancel
	done := ix.done
	ix.mu.Unlock()

	cancel()
	<-done
}

// Status returns a point-in-time snapshot for the status endpoint.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	running := ix.running
	state := ix.state
	attempts := ix.attempts
	ix.mu.Unlock()

	ix.cursorMu.Lock()
	height := ix.lastHeight
	ix.cursorMu.Unlock()

	return Status{
		Running:             running,
		State:               string(state),
		ReconnectAttempts:   attempts,
		MaxAttempts:         ix.cfg.MaxAttempts,
		ActiveSubscriptions: ix.stream.SubscriptionCount(),
		LastHeight:          height,
	}
}

func (ix *Indexer) run(ctx context.Context) {
	defer close(ix.done)

	for {
		err := ix.cycle(ctx)
		if ctx.Err() != nil || !ix.isRunning() {
			ix.transition(ctx, StateStopped)
			return
		}

		ix.mu.Lock()
		ix.attempts++
		attempts := ix.attempts
		ix.mu.Unlock()

		if attempts > ix.cfg.MaxAttempts {
			ix.logger.Error("reconnect attempts exhausted", "attempts", attempts-1, "error", err)
			ix.mu.Lock()
			ix.running = false
			cancel := ix.cancel
			ix.mu.Unlock()
			ix.transition(ctx, StateFailed)
			cancel()
			return
		}

		delay := backoffDelay(attempts, ix.cfg.BackoffBase, ix.cfg.BackoffCap)
		ix.logger.Warn("stream lost, reconnecting",
			"attempt", attempts, "max_attempts", ix.cfg.MaxAttempts, "delay", delay, "error", err)
		ix.transition(ctx, StateReconnecting)

		select {
		case <-ctx.Done():
			ix.transition(ctx, StateStopped)
			return
		case <-time.After(delay):
		}
		if !ix.isRunning() {
			ix.transition(ctx, StateStopped)
			return
		}
	}
}

// cycle is one connect → subscribe → catch up → live pass. It returns when
// the stream drops, a live mutation fails, or the context is cancelled.
func (ix *Indexer) cycle(ctx context.Context) error {
	ix.transition(ctx, StateStarting)
	if err := ix.stream.Connect(ctx); err != nil {
		return err
	}
	defer ix.stream.Disconnect()

	dropped := make(chan error, 1)
	fail := func(err error) {
		select {
		case dropped <- err:
		default:
		}
	}
	ix.stream.OnDisconnect(fail)

	// The gate holds the cursor below any height whose mutation a shard
	// worker has not committed yet. A failed mutation never calls finish,
	// so the cursor stays put and the forced reconnect replays the event
	// through catch-up.
	gate := newCursorGate()
	pool := newShardPool(ix.cfg.Shards, func(ev flow.Event) {
		if err := ix.apply(ctx, ev); err != nil {
			ix.logger.Error("apply live event failed", "type", ev.Type, "height", ev.Height, "error", err)
			fail(fmt.Errorf("indexer: apply live event: %w", err))
			return
		}
		if wm := gate.finish(ev.Height); wm > 0 {
			if err := ix.advanceCursor(ctx, wm); err != nil {
				ix.logger.Error("cursor update failed", "height", wm, "error", err)
			}
		}
	})
	defer pool.stop()

	// Live events buffer here while catch-up runs; the loop below drains
	// them only once the gap is closed, so replayed history cannot be
	// overtaken by fresher events for the same offer. A full buffer forces
	// a reconnect instead of dropping the event, since a dropped height
	// would later be overtaken by the cursor.
	liveCh := make(chan flow.Event, 1024)
	ix.stream.OnEvent(func(ev flow.Event) {
		select {
		case liveCh <- ev:
		default:
			fail(fmt.Errorf("indexer: live buffer overflow at height %d", ev.Height))
		}
	})

	ix.transition(ctx, StateSubscribing)
	for _, et := range ix.eventTypes {
		if err := ix.stream.Subscribe(ctx, []string{et}); err != nil {
			return err
		}
	}

	ix.transition(ctx, StateCatchingUp)
	if err := ix.catchUp(ctx); err != nil {
		return err
	}

	ix.mu.Lock()
	ix.attempts = 0
	ix.mu.Unlock()
	ix.transition(ctx, StateLive)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-dropped:
			return err
		case ev := <-liveCh:
			key := offerKey(ev)
			if key == "" {
				ix.logger.Warn("event without offer id, dropping", "type", ev.Type, "height", ev.Height)
				continue
			}
			gate.begin(ev.Height)
			pool.submit(key, ev)
		}
	}
}

// catchUp closes the gap between the persisted cursor and the chain head,
// applying events strictly in height order. The cursor only advances once
// every mutation of its height has committed. A fresh deployment (cursor 0)
// starts mirroring at the current head rather than replaying the chain.
func (ix *Indexer) catchUp(ctx context.Context) error {
	cursor, err := ix.sync.Height(ctx)
	if err != nil {
		return fmt.Errorf("indexer: read cursor: %w", err)
	}
	head, err := ix.chain.LatestBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("indexer: chain head: %w", err)
	}

	if cursor == 0 || cursor >= head {
		if head > cursor {
			return ix.advanceCursor(ctx, head)
		}
		ix.setCursorMirror(cursor)
		return nil
	}

	var events []flow.Event
	for _, et := range ix.eventTypes {
		evs, err := ix.chain.EventsInRange(ctx, et, cursor+1, head)
		if err != nil {
			return fmt.Errorf("indexer: fetch %s: %w", et, err)
		}
		events = append(events, evs...)
	}

	// Height order first; within a height, creations before terminal
	// transitions so a same-block create+fill lands correctly.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Height != events[j].Height {
			return events[i].Height < events[j].Height
		}
		return typeRank(events[i].Type) < typeRank(events[j].Type)
	})

	ix.logger.Info("catching up", "from", cursor+1, "to", head, "events", len(events))

	for i, ev := range events {
		if err := ix.apply(ctx, ev); err != nil {
			return fmt.Errorf("indexer: apply at height %d: %w", ev.Height, err)
		}
		if i+1 == len(events) || events[i+1].Height != ev.Height {
			if err := ix.advanceCursor(ctx, ev.Height); err != nil {
				return err
			}
		}
	}
	return ix.advanceCursor(ctx, head)
}

func typeRank(eventType string) int {
	switch {
	case strings.HasSuffix(eventType, ".OfferRegistered"):
		return 0
	case strings.HasSuffix(eventType, ".OfferCreated"):
		return 1
	default:
		return 2
	}
}

// apply runs the handler for one event. Malformed payloads and references
// to unknown offers are logged and dropped; only store failures propagate.
func (ix *Indexer) apply(ctx context.Context, ev flow.Event) error {
	handler, ok := ix.handlers[ev.Type]
	if !ok {
		return nil
	}
	err := handler(ctx, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidInput):
		ix.logger.Warn("malformed event payload, dropping", "type", ev.Type, "height", ev.Height, "error", err)
		return nil
	case errors.Is(err, domain.ErrNotFound):
		ix.logger.Warn("event references unknown offer, dropping", "type", ev.Type, "height", ev.Height, "error", err)
		return nil
	default:
		return err
	}
}

// advanceCursor moves the persisted cursor forward, never backward. Live
// events reach it from shard workers concurrently, so the check and write
// are serialized.
func (ix *Indexer) advanceCursor(ctx context.Context, height uint64) error {
	ix.cursorMu.Lock()
	defer ix.cursorMu.Unlock()
	if height <= ix.lastHeight {
		return nil
	}
	if err := ix.sync.SetHeight(ctx, height); err != nil {
		return fmt.Errorf("indexer: advance cursor: %w", err)
	}
	ix.lastHeight = height
	return nil
}

func (ix *Indexer) setCursorMirror(height uint64) {
	ix.cursorMu.Lock()
	if height > ix.lastHeight {
		ix.lastHeight = height
	}
	ix.cursorMu.Unlock()
}

func (ix *Indexer) isRunning() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.running
}

// transition records the new state and publishes an indexer_status event.
func (ix *Indexer) transition(ctx context.Context, next State) {
	ix.mu.Lock()
	if ix.state == next {
		ix.mu.Unlock()
		return
	}
	ix.state = next
	ix.mu.Unlock()

	ix.logger.Info("state change", "state", string(next))
	ix.publish(ctx, domain.EventIndexerStatus, ix.Status(), time.Now().UnixMilli())
}

func (ix *Indexer) publish(ctx context.Context, typ domain.EventType, data any, ts int64) {
	if ix.bus == nil {
		return
	}
	ev := domain.Event{Type: typ, Data: data, Timestamp: ts}
	if err := ix.bus.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		ix.logger.Warn("publish event failed", "type", string(typ), "error", err)
	}
}
