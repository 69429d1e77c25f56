package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
)

// Metrics holds labelled Prometheus vectors shared by every buffer of a
// component. Each buffer reports under its own label, so buffers can be
// created and retired at runtime without re-registering collectors.
type Metrics struct {
	writes *prometheus.CounterVec
	drops  *prometheus.CounterVec
	depth  *prometheus.GaugeVec
}

// NewMetrics registers buffer metrics for component with the registry.
func NewMetrics(registry metric.MetricsRegistrar, component string) (*Metrics, error) {
	constLabels := prometheus.Labels{"component": component}
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amilogger",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: constLabels,
			Help:        "Total number of items accepted by a buffer",
		}, []string{"buffer"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amilogger",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: constLabels,
			Help:        "Total number of items dropped due to overflow",
		}, []string{"buffer"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "amilogger",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: constLabels,
			Help:        "Current number of items in a buffer",
		}, []string{"buffer"}),
	}

	if err := registry.RegisterCounterVec(component, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(component, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(component, "buffer_size", m.depth); err != nil {
		return nil, err
	}
	return m, nil
}

// Forget deletes the series of a retired buffer.
func (m *Metrics) Forget(label string) {
	if m == nil {
		return
	}
	m.writes.DeleteLabelValues(label)
	m.drops.DeleteLabelValues(label)
	m.depth.DeleteLabelValues(label)
}

func (m *Metrics) write(label string, size int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(label).Inc()
	m.depth.WithLabelValues(label).Set(float64(size))
}

func (m *Metrics) drop(label string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(label).Inc()
}

func (m *Metrics) size(label string, size int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(label).Set(float64(size))
}
