package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveDelivery(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDelivery("email", "success", 120*time.Millisecond)
	m.ObserveDelivery("email", "success", 80*time.Millisecond)
	m.ObserveDelivery("sms", "terminal-failure", time.Second)

	if got := testutil.ToFloat64(m.deliveryAttempts.WithLabelValues("email", "success")); got != 2 {
		t.Errorf("Expected 2 email successes, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveryAttempts.WithLabelValues("sms", "terminal-failure")); got != 1 {
		t.Errorf("Expected 1 sms terminal failure, got %v", got)
	}
	if got := testutil.CollectAndCount(m.deliveryLatency); got != 2 {
		t.Errorf("Expected 2 latency series, got %d", got)
	}
}

func TestCascadeAndSweep(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCascade("")
	m.ObserveCascade("push")
	m.ObserveSweep(500, 1)
	m.SetBreakerState("browser-push", 1)
	m.EventDropped()

	if got := testutil.ToFloat64(m.cascadeResults.WithLabelValues("none")); got != 1 {
		t.Errorf("Expected empty final channel to count as none, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweeperDeleted); got != 500 {
		t.Errorf("Expected 500 deleted, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweeperFailedBatches); got != 1 {
		t.Errorf("Expected 1 failed batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("browser-push")); got != 1 {
		t.Errorf("Expected breaker gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.eventLogDropped); got != 1 {
		t.Errorf("Expected 1 dropped event, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDelivery("email", "success", time.Millisecond)
	m.ObserveCascade("email")
	m.ObserveSweep(1, 0)
	m.SetBreakerState("sms", 0)
	m.EventDropped()
}
