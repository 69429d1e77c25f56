package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
)

// Pool runs a fixed number of goroutines over a bounded queue of work items.
// Stop lets queued items finish; cancelling the Start context abandons them.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	processed  *prometheus.CounterVec
	dropped    prometheus.Counter
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers queue depth, outcome and drop metrics for
// the pool under amilogger_worker_<name>_*.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry) Option[T] {
	return func(p *Pool[T]) {
		if registry == nil {
			return
		}
		m := &poolMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "amilogger", Subsystem: "worker", Name: p.name + "_queue_depth",
				Help: "Work items waiting in the pool queue",
			}),
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amilogger", Subsystem: "worker", Name: p.name + "_processed_total",
				Help: "Work items processed, by outcome",
			}, []string{"status"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "amilogger", Subsystem: "worker", Name: p.name + "_dropped_total",
				Help: "Work items rejected because the queue was full",
			}),
		}
		if registry.RegisterGauge("worker_pool", p.name+"_queue_depth", m.queueDepth) != nil ||
			registry.RegisterCounterVec("worker_pool", p.name+"_processed", m.processed) != nil ||
			registry.RegisterCounter("worker_pool", p.name+"_dropped", m.dropped) != nil {
			// Another pool of the same name owns the series.
			return
		}
		p.metrics = m
	}
}

// NewPool creates a pool. name identifies it in metrics.
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	p := &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Submit queues work without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start starts the workers
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits for queued work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %v", ErrStopTimeout, timeout)
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			err := p.processor(ctx, work)
			p.processed.Add(1)
			status := "success"
			if err != nil {
				p.failed.Add(1)
				status = "error"
			}
			if p.metrics != nil {
				p.metrics.processed.WithLabelValues(status).Inc()
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
			}
		}
	}
}
