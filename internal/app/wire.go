package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/d3sk-protocol/d3sk-indexer/internal/blob/s3"
	"github.com/d3sk-protocol/d3sk-indexer/internal/bus"
	redisbus "github.com/d3sk-protocol/d3sk-indexer/internal/bus/redis"
	"github.com/d3sk-protocol/d3sk-indexer/internal/config"
	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
	"github.com/d3sk-protocol/d3sk-indexer/internal/store/postgres"
)

// Dependencies bundles the concrete stores, bus, and blob writer shared by
// the application modes. Constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	Offers domain.OfferStore
	Trades *postgres.TradeStore
	Sync   domain.SyncStore
	Stats  domain.StatsStore

	Bus domain.EventBus

	// BlobWriter is nil unless the trade export is enabled.
	BlobWriter *s3blob.Writer
}

// Wire constructs all concrete dependencies from the configuration. The
// cleanup function releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Offers = postgres.NewOfferStore(pool)
	deps.Trades = postgres.NewTradeStore(pool)
	deps.Sync = postgres.NewSyncStore(pool)
	deps.Stats = postgres.NewStatsStore(pool)

	// --- Event bus ---
	// Redis Pub/Sub lets api replicas receive events from a separate index
	// process; otherwise an in-process bus is enough.
	if cfg.Redis.Addr != "" {
		rbus, err := redisbus.New(ctx, redisbus.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis bus: %w", err)
		}
		closers = append(closers, func() { _ = rbus.Close() })
		deps.Bus = rbus
	} else {
		ibus := bus.New()
		closers = append(closers, ibus.Close)
		deps.Bus = ibus
	}

	// --- Object storage (trade export) ---
	if cfg.Export.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	return deps, cleanup, nil
}
