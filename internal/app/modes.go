package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/d3sk-protocol/d3sk-indexer/internal/export"
	"github.com/d3sk-protocol/d3sk-indexer/internal/flow"
	"github.com/d3sk-protocol/d3sk-indexer/internal/indexer"
	"github.com/d3sk-protocol/d3sk-indexer/internal/server"
	"github.com/d3sk-protocol/d3sk-indexer/internal/server/handler"
	"github.com/d3sk-protocol/d3sk-indexer/internal/server/ws"
)

// shutdownTimeout bounds the graceful HTTP shutdown on exit.
const shutdownTimeout = 10 * time.Second

func (a *App) buildIndexer(deps *Dependencies) *indexer.Indexer {
	chain := flow.NewClient(a.cfg.Flow.AccessNode)
	stream := flow.NewStreamClient(a.cfg.Flow.StreamEndpoint)

	return indexer.New(indexer.Config{
		OfferAddress:    a.cfg.Flow.OfferAddress,
		RegistryAddress: a.cfg.Flow.RegistryAddress,
		BackoffBase:     a.cfg.Indexer.ReconnectBase.Duration,
		BackoffCap:      a.cfg.Indexer.ReconnectCap.Duration,
		MaxAttempts:     a.cfg.Indexer.MaxReconnectAttempts,
		Shards:          a.cfg.Indexer.Shards,
	}, chain, stream, deps.Offers, deps.Trades, deps.Sync, deps.Bus, a.logger)
}

func (a *App) buildServer(deps *Dependencies, status handler.StatusSource) (*server.Server, *ws.Hub) {
	hub := ws.NewHub(deps.Bus, a.logger)

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Offers: handler.NewOfferHandler(deps.Offers, a.logger),
		Trades: handler.NewTradeHandler(deps.Trades, a.logger),
		Stats:  handler.NewStatsHandler(deps.Stats, a.logger),
		Status: handler.NewStatusHandler(status),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}, handlers, hub, a.logger)

	return srv, hub
}

// runExport starts the trade archive job when enabled and the blob writer
// was wired.
func (a *App) runExport(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Export.Enabled || deps.BlobWriter == nil {
		return
	}
	job := export.New(export.Config{
		Interval: a.cfg.Export.Interval.Duration,
		Prefix:   a.cfg.Export.Prefix,
	}, deps.Trades, deps.BlobWriter, a.logger)

	g.Go(func() error {
		err := job.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
}

// IndexMode runs the reconciliation engine (and export job) without the
// HTTP API.
func (a *App) IndexMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting index mode")

	ix := a.buildIndexer(deps)
	if err := ix.Start(ctx); err != nil {
		return err
	}
	defer ix.Stop()

	g, ctx := errgroup.WithContext(ctx)
	a.runExport(ctx, g, deps)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// APIMode serves the query façade and WebSocket hub; the engine runs in a
// separate index-mode process sharing the database and the Redis bus.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")
	return a.serve(ctx, deps, nil)
}

// FullMode runs the engine and the API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	ix := a.buildIndexer(deps)
	if err := ix.Start(ctx); err != nil {
		return err
	}
	defer ix.Stop()

	return a.serve(ctx, deps, ix)
}

// serve runs the HTTP server and hub until the context is cancelled.
func (a *App) serve(ctx context.Context, deps *Dependencies, status handler.StatusSource) error {
	srv, hub := a.buildServer(deps, status)

	g, ctx := errgroup.WithContext(ctx)
	a.runExport(ctx, g, deps)

	g.Go(func() error {
		err := hub.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
