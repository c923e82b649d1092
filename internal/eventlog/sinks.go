package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eternisai/notify-relay/internal/metrics"
)

// DefaultSubject is the NATS subject delivery events are published on.
const DefaultSubject = "notifications.delivery"

// Publisher is the part of *nats.Conn the NATS sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON for downstream analytics consumers.
type NATSSink struct {
	conn    Publisher
	subject string
}

// NewNATSSink creates a sink. Returns nil when conn is nil.
func NewNATSSink(conn Publisher, subject string) *NATSSink {
	if conn == nil {
		return nil
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Write(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}
	// Per-channel subject lets consumers subscribe to one channel's health.
	if err := s.conn.Publish(s.subject+"."+string(event.ChannelType), data); err != nil {
		return fmt.Errorf("failed to publish delivery event: %w", err)
	}
	return nil
}

// MetricsSink turns events into Prometheus delivery counters.
type MetricsSink struct {
	metrics *metrics.Metrics
}

// NewMetricsSink creates a sink over m.
func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{metrics: m}
}

func (s *MetricsSink) Write(_ context.Context, event Event) error {
	s.metrics.ObserveDelivery(string(event.ChannelType), string(event.Outcome), time.Duration(event.LatencyMs)*time.Millisecond)
	return nil
}
