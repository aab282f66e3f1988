package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics holds Prometheus metrics for the queue consume loop.
type DispatchMetrics struct {
	MessagesDispatched *prometheus.CounterVec
	DispatchDuration   prometheus.Histogram
	MembersPerMessage  prometheus.Histogram
	AckFailures        prometheus.Counter
	DequeueRetries     prometheus.Counter
}

// NewDispatchMetrics creates and registers dispatch metrics on the given registry.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Total number of dequeued messages, by outcome.",
		}, []string{"outcome"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time from decode to broadcast completion in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		}),
		MembersPerMessage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "members_per_message",
			Help:      "Channel size at the moment of dispatch.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		AckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "ack_failures_total",
			Help:      "Total number of failed queue acknowledgements.",
		}),
		DequeueRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dequeue_retries_total",
			Help:      "Total number of retried dequeue attempts.",
		}),
	}

	reg.MustRegister(m.MessagesDispatched, m.DispatchDuration, m.MembersPerMessage, m.AckFailures, m.DequeueRetries)
	return m
}

func (m *DispatchMetrics) MessageDispatched(outcome string, members int, took time.Duration) {
	m.MessagesDispatched.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(took.Seconds())
	if outcome != "malformed" {
		m.MembersPerMessage.Observe(float64(members))
	}
}

func (m *DispatchMetrics) AckFailed() {
	m.AckFailures.Inc()
}

func (m *DispatchMetrics) DequeueRetried() {
	m.DequeueRetries.Inc()
}
