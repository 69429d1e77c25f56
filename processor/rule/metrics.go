package rule

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
)

// ruleMetrics holds per-clause Prometheus metrics for the Engine
type ruleMetrics struct {
	matches       *prometheus.CounterVec
	activeClauses prometheus.Gauge
	version       prometheus.Gauge
}

func newRuleMetrics(registry *metric.MetricsRegistry) (*ruleMetrics, error) {
	m := &ruleMetrics{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amilogger",
			Subsystem: "rule",
			Name:      "matches_total",
			Help:      "Total events matched, per clause",
		}, []string{"clause"}),

		activeClauses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amilogger",
			Subsystem: "rule",
			Name:      "active_clauses",
			Help:      "Number of clauses in the active rule set",
		}),

		version: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amilogger",
			Subsystem: "rule",
			Name:      "set_version",
			Help:      "Version of the active rule set",
		}),
	}

	if err := registry.RegisterCounterVec("rule-engine", "matches", m.matches); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("rule-engine", "active_clauses", m.activeClauses); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("rule-engine", "set_version", m.version); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ruleMetrics) setActive(rs *RuleSet) {
	if m == nil {
		return
	}
	m.activeClauses.Set(float64(rs.Len()))
	m.version.Set(float64(rs.Version()))
	// Clauses removed by a reload stop reporting.
	m.matches.Reset()
}

func (m *ruleMetrics) recordMatches(clauses []string) {
	for _, name := range clauses {
		m.matches.WithLabelValues(name).Inc()
	}
}
