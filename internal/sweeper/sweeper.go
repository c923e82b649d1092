// Package sweeper hard-deletes subscriptions that have been inactive past
// the retention window.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/metrics"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// Config controls one pass.
type Config struct {
	// Retention is how long an inactive subscription is kept after its last error.
	Retention time.Duration
	// BatchSize bounds each delete call.
	BatchSize int
	// BatchPause is slept between batches.
	BatchPause time.Duration
}

// DefaultConfig is 30 days retention, 500 per batch, one second apart.
func DefaultConfig() Config {
	return Config{
		Retention:  30 * 24 * time.Hour,
		BatchSize:  500,
		BatchPause: time.Second,
	}
}

// Store is the part of the subscription store the sweeper needs.
type Store interface {
	FindStaleInactive(ctx context.Context, olderThan time.Time) ([]subscriptions.Subscription, error)
	DeleteStale(ctx context.Context, ids []string, olderThan time.Time) (int, error)
}

// Report summarizes a pass.
type Report struct {
	Found   int `json:"found"`
	Deleted int `json:"deleted"`
	// Kept counts records found stale that were reactivated before their batch ran.
	Kept          int `json:"kept"`
	FailedBatches int `json:"failedBatches"`
}

// Sweeper runs hard-deletion passes.
type Sweeper struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	logger  *logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a sweeper. Zero config fields take their defaults.
func New(store Store, cfg Config, m *metrics.Metrics, logger *logger.Logger) *Sweeper {
	defaults := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}

	return &Sweeper{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.WithComponent("sweeper"),
		sleep:   sleepContext,
	}
}

// Run deletes every inactive subscription whose last error is older than
// now minus the retention window. Each batch re-checks that state at delete
// time, so a device that re-registers mid-pass keeps its record. A failed
// batch is logged and skipped; its records are picked up by the next run.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Report, error) {
	cutoff := now.Add(-s.cfg.Retention)
	s.logger.Info("starting subscription sweep",
		slog.Time("cutoff", cutoff),
		slog.Int("batch_size", s.cfg.BatchSize))

	stale, err := s.store.FindStaleInactive(ctx, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("failed to find stale subscriptions: %w", err)
	}

	report := Report{Found: len(stale)}
	if len(stale) == 0 {
		s.logger.Info("no stale subscriptions found")
		return report, nil
	}

	for start := 0; start < len(stale); start += s.cfg.BatchSize {
		if start > 0 {
			if err := s.sleep(ctx, s.cfg.BatchPause); err != nil {
				s.logger.Warn("sweep interrupted", slog.Int("deleted", report.Deleted))
				break
			}
		}

		end := min(start+s.cfg.BatchSize, len(stale))
		ids := make([]string, 0, end-start)
		for _, sub := range stale[start:end] {
			ids = append(ids, sub.ID)
		}

		deleted, err := s.store.DeleteStale(ctx, ids, cutoff)
		if err != nil {
			report.FailedBatches++
			s.logger.WithContext(ctx).Error("failed to delete subscription batch",
				slog.Int("batch_start", start),
				slog.Int("batch_len", len(ids)),
				slog.String("error", err.Error()))
			continue
		}
		report.Deleted += deleted
		report.Kept += len(ids) - deleted
	}

	s.metrics.ObserveSweep(report.Deleted, report.FailedBatches)
	s.logger.Info("subscription sweep finished",
		slog.Int("found", report.Found),
		slog.Int("deleted", report.Deleted),
		slog.Int("kept", report.Kept),
		slog.Int("failed_batches", report.FailedBatches))

	return report, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
