package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eternisai/notify-relay/internal/logger"
)

// DefaultSchedule runs the sweep daily at 03:00.
const DefaultSchedule = "0 3 * * *"

// Scheduler runs a Sweeper on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *logger.Logger
	timeout time.Duration
}

// NewScheduler parses schedule (standard five-field cron) and registers the pass.
func NewScheduler(sweeper *Sweeper, schedule string, logger *logger.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	log := logger.WithComponent("sweeper-scheduler")
	cronLog := cronLogger{log}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		sweeper: sweeper,
		logger:  log,
		timeout: time.Hour,
	}

	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// LogOperation reports the failure.
	_ = s.logger.LogOperation(ctx, "scheduled_sweep", func(ctx context.Context) error {
		_, err := s.sweeper.Run(ctx, time.Now())
		return err
	})
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.logger.Info("sweep scheduled", slog.Time("next_run", entry.Next))
	}
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("sweep still running at shutdown")
	}
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err.Error())...)
}
