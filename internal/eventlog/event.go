package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/eternisai/notify-relay/internal/channels"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// Event is one delivery attempt as published to analytics and alerting.
type Event struct {
	UserID         string                    `json:"userId"`
	NotificationID string                    `json:"notificationId"`
	SubscriptionID string                    `json:"subscriptionId,omitempty"`
	ChannelType    subscriptions.ChannelType `json:"channelType"`
	Outcome        channels.Outcome          `json:"outcome"`
	ErrorCode      string                    `json:"errorCode,omitempty"`
	LatencyMs      int64                     `json:"latencyMs"`
	Timestamp      time.Time                 `json:"timestamp"`
}

// Recorder accepts delivery events. Record must not block the caller.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Sink persists or forwards events. Sinks are called from the writer's workers.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// MemorySink keeps events in memory; used by tests and the local dev server.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Write(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Record makes MemorySink usable directly as a synchronous Recorder.
func (m *MemorySink) Record(ctx context.Context, event Event) {
	_ = m.Write(ctx, event)
}

// Events returns a copy of everything written so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
