// Command sweeper retires inactive notification subscriptions.
//
// Usage:
//
//	notify-sweeper run
//	notify-sweeper run --retention 2160h --dry-run
//	notify-sweeper schedule --cron "0 3 * * *"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eternisai/notify-relay/internal/config"
	"github.com/eternisai/notify-relay/internal/firebase"
	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
	"github.com/eternisai/notify-relay/internal/sweeper"
)

func main() {
	root := &cobra.Command{
		Use:   "notify-sweeper",
		Short: "Hard-delete notification subscriptions past their retention window",
	}

	root.AddCommand(runCmd())
	root.AddCommand(scheduleCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// sweepFlags override the configured sweep settings when set.
type sweepFlags struct {
	retention  time.Duration
	batchSize  int
	batchPause time.Duration
}

func (f *sweepFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.retention, "retention", 0, "Retention after the last error (default from SWEEP_RETENTION)")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "Deletes per batch (default from SWEEP_BATCH_SIZE)")
	cmd.Flags().DurationVar(&f.batchPause, "batch-pause", 0, "Pause between batches (default from SWEEP_BATCH_PAUSE)")
}

func (f *sweepFlags) config(cfg *config.Config) sweeper.Config {
	out := sweeper.Config{
		Retention:  cfg.SweepRetention,
		BatchSize:  cfg.SweepBatchSize,
		BatchPause: cfg.SweepBatchPause,
	}
	if f.retention > 0 {
		out.Retention = f.retention
	}
	if f.batchSize > 0 {
		out.BatchSize = f.batchSize
	}
	if f.batchPause > 0 {
		out.BatchPause = f.batchPause
	}
	return out
}

func runCmd() *cobra.Command {
	var (
		flags  sweepFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sweep pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, store *subscriptions.FirestoreStore, log *logger.Logger) error {
				sweepCfg := flags.config(cfg)

				if dryRun {
					stale, err := store.FindStaleInactive(ctx, time.Now().Add(-sweepCfg.Retention))
					if err != nil {
						return err
					}
					log.Info("dry run, nothing deleted", slog.Int("would_delete", len(stale)))
					return nil
				}

				return log.LogOperation(ctx, "manual_sweep", func(ctx context.Context) error {
					report, err := sweeper.New(store, sweepCfg, nil, log).Run(ctx, time.Now())
					if err != nil {
						return err
					}
					log.WithContext(ctx).Info("sweep report",
						slog.Int("found", report.Found),
						slog.Int("deleted", report.Deleted),
						slog.Int("kept", report.Kept),
						slog.Int("failed_batches", report.FailedBatches))
					return nil
				})
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count stale subscriptions")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var (
		flags    sweepFlags
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run sweeps on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, store *subscriptions.FirestoreStore, log *logger.Logger) error {
				if schedule == "" {
					schedule = cfg.SweepSchedule
				}

				scheduler, err := sweeper.NewScheduler(sweeper.New(store, flags.config(cfg), nil, log), schedule, log)
				if err != nil {
					return err
				}
				scheduler.Start()

				<-ctx.Done()

				stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				scheduler.Stop(stopCtx)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&schedule, "cron", "", "Five-field cron schedule (default from SWEEP_SCHEDULE)")
	return cmd
}

// withStore loads configuration, opens the Firestore subscription store and
// runs fn with a context cancelled on SIGINT or SIGTERM.
func withStore(fn func(ctx context.Context, cfg *config.Config, store *subscriptions.FirestoreStore, log *logger.Logger) error) error {
	config.LoadConfig()
	cfg := config.AppConfig
	log := logger.New(logger.FromConfig("notify-sweeper", cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.FirebaseProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required")
	}

	client, err := firebase.NewClient(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredJSON)
	if err != nil {
		return fmt.Errorf("init firebase: %w", err)
	}
	defer client.Close()

	store := subscriptions.NewFirestoreStore(client.Firestore(), cfg.SubscriptionsCollection)
	return fn(ctx, cfg, store, log)
}
