// Package redis implements domain.EventBus on Redis Pub/Sub, letting a
// read-only API replica receive events from a separate indexer process.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// eventChannel is the Pub/Sub channel carrying serialized domain events.
const eventChannel = "d3sk:events"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Bus is a Redis-backed event bus.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis, verifies connectivity with a ping, and returns the
// bus.
func New(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Bus, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Bus{rdb: rdb, logger: logger.With(slog.String("component", "redis_bus"))}, nil
}

// Publish serializes the event as JSON and sends it on the event channel.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, eventChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event: %w", err)
	}
	return nil
}

// Subscribe creates a Pub/Sub subscription and returns a channel of decoded
// events plus a cancel function. Undecodable payloads are logged and
// skipped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Event, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, eventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	out := make(chan domain.Event, 128)
	subCtx, cancelCtx := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping undecodable event",
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(cancelCtx)
	}
	return out, cancel, nil
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
