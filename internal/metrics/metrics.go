package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notify"

// Metrics holds the delivery subsystem's Prometheus collectors.
type Metrics struct {
	deliveryAttempts     *prometheus.CounterVec
	deliveryLatency      *prometheus.HistogramVec
	breakerState         *prometheus.GaugeVec
	cascadeResults       *prometheus.CounterVec
	sweeperDeleted       prometheus.Counter
	sweeperFailedBatches prometheus.Counter
	eventLogDropped      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by channel type and outcome.",
		}, []string{"channel", "outcome"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Adapter call latency by channel type.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per channel type (0 closed, 1 open, 2 half-open).",
		}, []string{"channel"}),
		cascadeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_results_total",
			Help:      "Cascade outcomes by final channel (none when nothing was delivered).",
		}, []string{"final_channel"}),
		sweeperDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_deleted_total",
			Help:      "Inactive subscriptions hard-deleted by the sweeper.",
		}),
		sweeperFailedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_failed_batches_total",
			Help:      "Sweeper delete batches that failed and were skipped.",
		}),
		eventLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_log_dropped_total",
			Help:      "Delivery events dropped because the event log queue was full.",
		}),
	}

	reg.MustRegister(
		m.deliveryAttempts,
		m.deliveryLatency,
		m.breakerState,
		m.cascadeResults,
		m.sweeperDeleted,
		m.sweeperFailedBatches,
		m.eventLogDropped,
	)

	return m
}

// ObserveDelivery counts one attempt and its latency.
func (m *Metrics) ObserveDelivery(channel, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(channel, outcome).Inc()
	m.deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetBreakerState records a breaker transition.
func (m *Metrics) SetBreakerState(channel string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(channel).Set(float64(state))
}

// ObserveCascade counts a finished cascade.
func (m *Metrics) ObserveCascade(finalChannel string) {
	if m == nil {
		return
	}
	if finalChannel == "" {
		finalChannel = "none"
	}
	m.cascadeResults.WithLabelValues(finalChannel).Inc()
}

// ObserveSweep records one sweeper run.
func (m *Metrics) ObserveSweep(deleted, failedBatches int) {
	if m == nil {
		return
	}
	m.sweeperDeleted.Add(float64(deleted))
	m.sweeperFailedBatches.Add(float64(failedBatches))
}

// EventDropped counts a dropped delivery event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventLogDropped.Inc()
}
