// Package export periodically snapshots recent trades to object storage as
// JSON-lines archives. The export is copy-only: trades stay in the store
// forever; the archive is a secondary copy for offline analysis.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

// TradeSource lists trades at or after a ms-epoch timestamp.
type TradeSource interface {
	ListSince(ctx context.Context, since int64) ([]domain.Trade, error)
}

// BlobWriter uploads one archive object.
type BlobWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// Config tunes the export job.
type Config struct {
	Interval time.Duration // default 1h
	Prefix   string        // object key prefix, default "trades"
}

// Exporter runs the periodic trade archive job.
type Exporter struct {
	cfg    Config
	trades TradeSource
	writer BlobWriter
	logger *slog.Logger

	now func() time.Time
}

// New creates an Exporter. The zero-value Config falls back to hourly
// exports under the "trades" prefix.
func New(cfg Config, trades TradeSource, writer BlobWriter, logger *slog.Logger) *Exporter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "trades"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		cfg:    cfg,
		trades: trades,
		writer: writer,
		logger: logger.With("component", "export"),
		now:    time.Now,
	}
}

// Run exports on every interval tick until the context is cancelled. An
// upload failure is logged and retried at the next tick; the window is not
// advanced past unexported trades.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	since := e.now().Add(-e.cfg.Interval).UnixMilli()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := e.ExportSince(ctx, since)
			if err != nil {
				e.logger.Error("export failed", "error", err)
				continue
			}
			since = next
		}
	}
}

// ExportSince uploads all trades at or after since and returns the cut-off
// for the next run. A window with no trades uploads nothing.
func (e *Exporter) ExportSince(ctx context.Context, since int64) (int64, error) {
	now := e.now().UnixMilli()

	trades, err := e.trades.ListSince(ctx, since)
	if err != nil {
		return since, fmt.Errorf("export: list trades: %w", err)
	}
	if len(trades) == 0 {
		return now, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, tr := range trades {
		if err := enc.Encode(tr); err != nil {
			return since, fmt.Errorf("export: encode trade %d: %w", tr.ID, err)
		}
	}

	key := e.objectKey(since, now)
	if err := e.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return since, err
	}

	e.logger.Info("exported trades", "key", key, "trades", len(trades))
	return now, nil
}

// objectKey shards archives by UTC date so buckets stay listable.
func (e *Exporter) objectKey(from, to int64) string {
	day := time.UnixMilli(to).UTC().Format("2006/01/02")
	return fmt.Sprintf("%s/%s/trades-%d-%d.jsonl", e.cfg.Prefix, day, from, to)
}
