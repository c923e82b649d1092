package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eternisai/notify-relay/internal/logger"
)

// WriterConfig sizes the writer's worker pool.
type WriterConfig struct {
	Workers    int
	BufferSize int
	// SinkTimeout bounds each sink write.
	SinkTimeout time.Duration
	// OnDrop is called for every event dropped because the queue was full.
	OnDrop func()
}

// Writer fans events out to sinks on a background worker pool so the delivery
// path never waits on analytics.
type Writer struct {
	sinks    []Sink
	events   chan Event
	workers  sync.WaitGroup
	shutdown chan struct{}
	// mu orders enqueues before Shutdown so none lands after the drain.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	cfg     WriterConfig
	logger  *logger.Logger
}

// NewWriter starts cfg.Workers workers writing to sinks.
func NewWriter(cfg WriterConfig, logger *logger.Logger, sinks ...Sink) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}

	w := &Writer{
		sinks:    sinks,
		events:   make(chan Event, cfg.BufferSize),
		shutdown: make(chan struct{}),
		cfg:      cfg,
		logger:   logger.WithComponent("event-log"),
	}

	for i := 0; i < cfg.Workers; i++ {
		w.workers.Add(1)
		go w.worker()
	}

	return w
}

func (w *Writer) worker() {
	defer w.workers.Done()

	for {
		select {
		case event := <-w.events:
			w.write(event)
		case <-w.shutdown:
			// Drain what is already queued.
			for {
				select {
				case event := <-w.events:
					w.write(event)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(event Event) {
	for _, sink := range w.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SinkTimeout)
		if err := sink.Write(ctx, event); err != nil {
			w.logger.Error("failed to write delivery event",
				slog.String("user_id", event.UserID),
				slog.String("notification_id", event.NotificationID),
				slog.String("channel", string(event.ChannelType)),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Record queues an event. When the queue is full or the writer is shutting
// down the event is dropped and counted.
func (w *Writer) Record(ctx context.Context, event Event) {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		w.drop(ctx, event, "shutting down")
		return
	}

	select {
	case w.events <- event:
		w.mu.RUnlock()
	default:
		w.mu.RUnlock()
		w.drop(ctx, event, "queue full")
	}
}

func (w *Writer) drop(ctx context.Context, event Event, reason string) {
	dropped := w.dropped.Add(1)
	if w.cfg.OnDrop != nil {
		w.cfg.OnDrop()
	}
	w.logger.WithContext(ctx).Warn("delivery event dropped",
		slog.String("reason", reason),
		slog.String("notification_id", event.NotificationID),
		slog.Int64("total_dropped", dropped),
		slog.Int("queue_size", w.cfg.BufferSize))
}

// Dropped returns how many events have been dropped.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Shutdown stops accepting events, drains the queue and waits for workers.
func (w *Writer) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.shutdown)
	w.mu.Unlock()

	w.workers.Wait()
}
