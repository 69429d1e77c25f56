package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/health"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/buffer"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/retry"
)

// Drop reasons reported in metrics
const (
	DropQueueFull = "queue_full"
	DropExhausted = "retries_exhausted"
	DropShutdown  = "shutdown"
	DropUnknown   = "unknown_destination"
)

// DefaultWriteTimeout bounds a single sink write.
const DefaultWriteTimeout = 30 * time.Second

// WorkerConfig configures the delivery worker of one destination
type WorkerConfig struct {
	ID      string
	Type    string
	Project string

	QueueSize int
	BatchSize int
	// FlushInterval bounds how long a partial batch waits. Zero writes as
	// soon as events are available.
	FlushInterval time.Duration
	Retry         retry.Config
	WriteTimeout  time.Duration
}

// WorkerDeps holds the Worker's optional collaborators.
type WorkerDeps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	// QueueMetrics is shared by all destination queues, labelled by ID.
	QueueMetrics *buffer.Metrics
	Health       *health.Monitor
}

// Stats is the observable state of one destination.
type Stats struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Project       string    `json:"project,omitempty"`
	QueueDepth    int       `json:"queue_depth"`
	QueueCapacity int       `json:"queue_capacity"`
	Enqueued      int64     `json:"enqueued"`
	Delivered     int64     `json:"delivered"`
	Dropped       int64     `json:"dropped"`
	FailedBatches int64     `json:"failed_batches"`
	FailedWrites  int64     `json:"failed_writes"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	LastDelivery  time.Time `json:"last_delivery,omitempty"`
	Failing       bool      `json:"failing"`
}

// Worker owns the queue and sink of one destination. Enqueue never blocks;
// a single goroutine writes batches in queue order.
type Worker struct {
	cfg    WorkerConfig
	sink   Sink
	queue  buffer.Buffer[*ami.Event]
	logger *slog.Logger
	core   *metric.Metrics
	qm     *buffer.Metrics
	health *health.Monitor

	enqueued      atomic.Int64
	delivered     atomic.Int64
	dropped       atomic.Int64
	failedBatches atomic.Int64
	failedWrites  atomic.Int64
	dropping      atomic.Bool
	failing       atomic.Bool

	mu           sync.Mutex
	lastError    string
	lastErrorAt  time.Time
	lastDelivery time.Time

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	// writeCtx outlives cancellation so a batch in flight completes; it is
	// cancelled only when the stop deadline passes.
	writeCtx   context.Context
	abortWrite context.CancelFunc
	done       chan struct{}
}

// NewWorker creates a worker delivering to sink.
func NewWorker(cfg WorkerConfig, sink Sink, deps WorkerDeps) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("empty destination id"), "Worker", "NewWorker", "validate config")
	}
	if sink == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil sink for %q", cfg.ID), "Worker", "NewWorker", "validate config")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchSize > cfg.QueueSize {
		cfg.BatchSize = cfg.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "dispatch-worker", "destination", cfg.ID, "type", cfg.Type, "project", cfg.Project),
		qm:     deps.QueueMetrics,
		health: deps.Health,
		done:   make(chan struct{}),
	}
	if deps.MetricsRegistry != nil {
		w.core = deps.MetricsRegistry.CoreMetrics()
	}

	opts := []buffer.Option[*ami.Event]{buffer.WithOverflowPolicy[*ami.Event](buffer.DropNewest)}
	if deps.QueueMetrics != nil {
		opts = append(opts, buffer.WithMetrics[*ami.Event](deps.QueueMetrics, cfg.ID))
	}
	w.queue = buffer.NewCircularBuffer[*ami.Event](cfg.QueueSize, opts...)
	return w, nil
}

// ID returns the destination identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// Enqueue adds ev to the queue. It returns false when the event was dropped
// because the queue is full or the worker is stopping.
func (w *Worker) Enqueue(ev *ami.Event) bool {
	if err := w.queue.Write(ev); err != nil {
		w.dropped.Add(1)
		reason := DropQueueFull
		if !stderrors.Is(err, errors.ErrQueueFull) {
			reason = DropShutdown
		}
		if w.core != nil {
			w.core.RecordDropped(w.cfg.ID, reason, 1)
		}
		if w.dropping.CompareAndSwap(false, true) {
			w.logger.Warn("Destination queue rejecting events", "reason", reason, "capacity", w.cfg.QueueSize)
		}
		return false
	}
	w.enqueued.Add(1)
	if w.core != nil {
		w.core.RecordQueueDepth(w.cfg.ID, w.queue.Size())
	}
	return true
}

// Start launches the delivery goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Worker", "Start", "start "+w.cfg.ID)
	}
	w.started = true

	w.writeCtx, w.abortWrite = context.WithCancel(context.WithoutCancel(ctx))
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return nil
}

// Stop ends delivery after the batch in flight, writes what is left in the
// queue once without retry and closes the sink, all within timeout.
func (w *Worker) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	if !w.started {
		w.lifecycleMu.Unlock()
		_ = w.queue.Close()
		return w.sink.Close()
	}
	_ = w.queue.Close()
	w.cancel()
	abort := time.AfterFunc(timeout, w.abortWrite)
	w.lifecycleMu.Unlock()
	defer abort.Stop()

	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "Worker", "Stop", "drain "+w.cfg.ID)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for ctx.Err() == nil {
		size := w.queue.Size()
		if size > 0 && (size >= w.cfg.BatchSize || w.cfg.FlushInterval <= 0) {
			stopTimer()
			w.deliver(ctx, w.queue.ReadBatch(w.cfg.BatchSize))
			continue
		}
		if size > 0 && timer == nil {
			timer = time.NewTimer(w.cfg.FlushInterval)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
		case <-w.queue.Notify():
		case <-timerC:
			timer, timerC = nil, nil
			if batch := w.queue.ReadBatch(w.cfg.BatchSize); len(batch) > 0 {
				w.deliver(ctx, batch)
			}
		}
	}
	stopTimer()

	w.drain()
	if err := w.sink.Close(); err != nil {
		w.logger.Error("Failed to close sink", "error", err)
	}
}

// deliver writes one batch, retrying per the retry policy. Retries stop
// when the worker is cancelled; the batch is then dropped.
func (w *Worker) deliver(ctx context.Context, batch []*ami.Event) {
	start := time.Now()
	err := retry.Do(ctx, w.cfg.Retry, func() error {
		return w.write(batch)
	})
	reason := DropExhausted
	if err != nil {
		if ctx.Err() != nil {
			reason = DropShutdown
		}
		err = fmt.Errorf("%w: %w", errors.ErrSinkFailed, err)
	}
	w.finish(batch, start, err, reason)
}

func (w *Worker) write(batch []*ami.Event) error {
	wctx, cancel := context.WithTimeout(w.writeCtx, w.cfg.WriteTimeout)
	defer cancel()

	err := w.sink.Write(wctx, batch)
	if err != nil {
		w.failedWrites.Add(1)
		if w.core != nil {
			w.core.RecordFailedAttempt(w.cfg.ID)
		}
		w.logger.Debug("Sink write failed", "events", len(batch), "error", err)
	}
	return err
}

func (w *Worker) finish(batch []*ami.Event, start time.Time, err error, reason string) {
	if w.core != nil {
		w.core.RecordBatch(w.cfg.ID, time.Since(start), err == nil)
		w.core.RecordQueueDepth(w.cfg.ID, w.queue.Size())
	}

	if err == nil {
		w.delivered.Add(int64(len(batch)))
		w.mu.Lock()
		w.lastDelivery = time.Now()
		w.mu.Unlock()
		if w.core != nil {
			w.core.RecordDelivered(w.cfg.ID, len(batch))
		}
		w.dropping.Store(false)
		if w.failing.CompareAndSwap(true, false) {
			w.logger.Info("Destination recovered")
		}
		if w.health != nil {
			w.health.UpdateHealthy("destination/"+w.cfg.ID, "delivering")
		}
		return
	}

	msg := health.Sanitize(err.Error())
	w.failedBatches.Add(1)
	w.dropped.Add(int64(len(batch)))
	w.failing.Store(true)
	w.mu.Lock()
	w.lastError = msg
	w.lastErrorAt = time.Now()
	w.mu.Unlock()
	if w.core != nil {
		w.core.RecordDropped(w.cfg.ID, reason, len(batch))
	}
	if w.health != nil {
		w.health.UpdateDegraded("destination/"+w.cfg.ID, "batch dropped: "+msg)
	}

	first, last := batch[0], batch[len(batch)-1]
	w.logger.Error("Batch dropped after delivery failure",
		"events", len(batch), "reason", reason, "error", err,
		"first_server", first.Server(), "first_sequence", first.Sequence(),
		"last_server", last.Server(), "last_sequence", last.Sequence())
}

// drain writes the remaining queue once, without retry, until the stop
// deadline.
func (w *Worker) drain() {
	for !w.queue.IsEmpty() {
		batch := w.queue.ReadBatch(w.cfg.BatchSize)
		if w.writeCtx.Err() != nil {
			w.finish(batch, time.Now(), fmt.Errorf("%w: stop deadline passed", errors.ErrShuttingDown), DropShutdown)
			continue
		}
		start := time.Now()
		err := w.write(batch)
		w.finish(batch, start, err, DropShutdown)
	}
}

// Stats returns the current counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	lastError, lastErrorAt, lastDelivery := w.lastError, w.lastErrorAt, w.lastDelivery
	w.mu.Unlock()

	return Stats{
		ID:            w.cfg.ID,
		Type:          w.cfg.Type,
		Project:       w.cfg.Project,
		QueueDepth:    w.queue.Size(),
		QueueCapacity: w.queue.Capacity(),
		Enqueued:      w.enqueued.Load(),
		Delivered:     w.delivered.Load(),
		Dropped:       w.dropped.Load(),
		FailedBatches: w.failedBatches.Load(),
		FailedWrites:  w.failedWrites.Load(),
		LastError:     lastError,
		LastErrorAt:   lastErrorAt,
		LastDelivery:  lastDelivery,
		Failing:       w.failing.Load(),
	}
}
