package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "amilogger"

// Metrics contains the gateway-wide metrics shared by sessions, the rule
// engine and dispatch workers.
type Metrics struct {
	// Session metrics
	SessionState        *prometheus.GaugeVec
	SessionReconnects   *prometheus.CounterVec
	SessionAuthFailures *prometheus.CounterVec
	EventsReceived      *prometheus.CounterVec

	// Routing metrics
	EventsRouted    prometheus.Counter
	EventsUnmatched prometheus.Counter
	RuleErrors      prometheus.Counter

	// Dispatch metrics
	QueueDepth      *prometheus.GaugeVec
	Delivered       *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	DestinationDown *prometheus.GaugeVec
}

// NewMetrics creates the gateway core metrics. They are registered by
// NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "state",
				Help:      "AMI session state (0=disconnected, 1=connecting, 2=authenticating, 3=streaming, 4=backoff)",
			},
			[]string{"server"},
		),

		SessionReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "reconnects_total",
				Help:      "Total number of transitions into backoff",
			},
			[]string{"server"},
		),

		SessionAuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "auth_failures_total",
				Help:      "Total number of rejected or timed out logins",
			},
			[]string{"server"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Total number of events decoded from AMI streams",
			},
			[]string{"server"},
		),

		EventsRouted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "routed_total",
				Help:      "Total number of events that matched at least one clause",
			},
		),

		EventsUnmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "unmatched_total",
				Help:      "Total number of events that matched no clause",
			},
		),

		RuleErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rule",
				Name:      "errors_total",
				Help:      "Total number of events skipped because evaluation failed",
			},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Events waiting in a destination queue",
			},
			[]string{"destination"},
		),

		Delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "delivered_total",
				Help:      "Total number of events written by a destination",
			},
			[]string{"destination"},
		),

		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "dropped_total",
				Help:      "Total number of events dropped, by reason (queue_full, retries_exhausted)",
			},
			[]string{"destination", "reason"},
		),

		Failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "failed_total",
				Help:      "Total number of failed sink write attempts",
			},
			[]string{"destination"},
		),

		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "batch_seconds",
				Help:      "Time spent writing one batch, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"destination"},
		),

		DestinationDown: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "destination_failing",
				Help:      "1 when the last batch of a destination was dropped after retries",
			},
			[]string{"destination"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionState,
		m.SessionReconnects,
		m.SessionAuthFailures,
		m.EventsReceived,
		m.EventsRouted,
		m.EventsUnmatched,
		m.RuleErrors,
		m.QueueDepth,
		m.Delivered,
		m.Dropped,
		m.Failed,
		m.BatchDuration,
		m.DestinationDown,
	}
}

// RecordSessionState updates the state gauge of one server
func (m *Metrics) RecordSessionState(server string, state int) {
	m.SessionState.WithLabelValues(server).Set(float64(state))
}

// RecordReconnect increments the reconnect counter of one server
func (m *Metrics) RecordReconnect(server string) {
	m.SessionReconnects.WithLabelValues(server).Inc()
}

// RecordAuthFailure increments the authentication failure counter of one server
func (m *Metrics) RecordAuthFailure(server string) {
	m.SessionAuthFailures.WithLabelValues(server).Inc()
}

// RecordEventReceived increments the received counter of one server
func (m *Metrics) RecordEventReceived(server string) {
	m.EventsReceived.WithLabelValues(server).Inc()
}

// RecordRouting counts one evaluated event
func (m *Metrics) RecordRouting(matched bool) {
	if matched {
		m.EventsRouted.Inc()
		return
	}
	m.EventsUnmatched.Inc()
}

// RecordRuleError counts one skipped evaluation
func (m *Metrics) RecordRuleError() {
	m.RuleErrors.Inc()
}

// RecordQueueDepth sets the queue depth of one destination
func (m *Metrics) RecordQueueDepth(destination string, depth int) {
	m.QueueDepth.WithLabelValues(destination).Set(float64(depth))
}

// RecordDelivered adds n delivered events for one destination
func (m *Metrics) RecordDelivered(destination string, n int) {
	m.Delivered.WithLabelValues(destination).Add(float64(n))
}

// RecordDropped adds n dropped events for one destination
func (m *Metrics) RecordDropped(destination, reason string, n int) {
	m.Dropped.WithLabelValues(destination, reason).Add(float64(n))
}

// RecordFailedAttempt counts one failed sink write
func (m *Metrics) RecordFailedAttempt(destination string) {
	m.Failed.WithLabelValues(destination).Inc()
}

// RecordBatch observes the duration of one batch and whether it was delivered
func (m *Metrics) RecordBatch(destination string, duration time.Duration, delivered bool) {
	m.BatchDuration.WithLabelValues(destination).Observe(duration.Seconds())
	failing := 1.0
	if delivered {
		failing = 0
	}
	m.DestinationDown.WithLabelValues(destination).Set(failing)
}

// ForgetDestination removes the per-destination series of a retired destination
func (m *Metrics) ForgetDestination(destination string) {
	labels := prometheus.Labels{"destination": destination}
	m.QueueDepth.DeletePartialMatch(labels)
	m.Delivered.DeletePartialMatch(labels)
	m.Dropped.DeletePartialMatch(labels)
	m.Failed.DeletePartialMatch(labels)
	m.BatchDuration.DeletePartialMatch(labels)
	m.DestinationDown.DeletePartialMatch(labels)
}

// ForgetServer removes the per-server series of a removed server
func (m *Metrics) ForgetServer(server string) {
	labels := prometheus.Labels{"server": server}
	m.SessionState.DeletePartialMatch(labels)
	m.SessionReconnects.DeletePartialMatch(labels)
	m.SessionAuthFailures.DeletePartialMatch(labels)
	m.EventsReceived.DeletePartialMatch(labels)
}
