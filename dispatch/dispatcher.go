package dispatch

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
)

// table is an immutable destination lookup. A new table is built for every
// change and published atomically.
type table map[string]*Worker

// Deps holds the Dispatcher's optional collaborators.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Dispatcher fans routed events out to destination workers.
type Dispatcher struct {
	table  atomic.Pointer[table]
	logger *slog.Logger
	core   *metric.Metrics

	unknown atomic.Int64

	mu      sync.Mutex
	ctx     context.Context
	running map[*Worker]bool
	stopped bool
}

// New creates an empty dispatcher.
func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:  logger.With("component", "dispatcher"),
		running: make(map[*Worker]bool),
	}
	if deps.MetricsRegistry != nil {
		d.core = deps.MetricsRegistry.CoreMetrics()
	}
	empty := table{}
	d.table.Store(&empty)
	return d
}

// Start records the lifecycle context for workers and starts any already
// applied.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Dispatcher", "Start", "start dispatcher")
	}
	if d.ctx != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Start", "start dispatcher")
	}
	d.ctx = ctx
	for _, w := range *d.table.Load() {
		if err := d.startLocked(w); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) startLocked(w *Worker) error {
	if d.ctx == nil || d.running[w] {
		return nil
	}
	if err := w.Start(d.ctx); err != nil {
		return err
	}
	d.running[w] = true
	return nil
}

// Route enqueues ev on each destination in ids and returns how many
// accepted it. It never blocks: a full or unknown destination drops its
// copy without affecting the others.
func (d *Dispatcher) Route(ev *ami.Event, ids []string) int {
	t := *d.table.Load()
	accepted := 0
	for _, id := range ids {
		w, ok := t[id]
		if !ok {
			d.unknown.Add(1)
			if d.core != nil {
				d.core.RecordDropped(id, DropUnknown, 1)
			}
			continue
		}
		if w.Enqueue(ev) {
			accepted++
		}
	}
	return accepted
}

// applyAbortTimeout bounds stopping workers started by a failed Apply.
// Their queues are empty.
const applyAbortTimeout = time.Second

// Apply installs workers as the destination set and starts new ones. It
// returns the workers no longer wanted. They stay reachable until Retire
// so events routed by an older rule set still land somewhere; a worker
// replaced under the same ID is unreachable immediately. If any worker
// fails to start, the table is left untouched.
func (d *Dispatcher) Apply(workers []*Worker) ([]*Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStopped, "Dispatcher", "Apply", "apply destinations")
	}

	next := make(table, len(workers))
	keep := make(map[*Worker]bool, len(workers))
	for _, w := range workers {
		if _, dup := next[w.ID()]; dup {
			return nil, errors.Invalidf(errors.ErrInvalidConfig, "Dispatcher", "Apply", "duplicate destination %q", w.ID())
		}
		next[w.ID()] = w
		keep[w] = true
	}

	var (
		errs    []error
		started []*Worker
	)
	for _, w := range workers {
		wasRunning := d.running[w]
		if err := d.startLocked(w); err != nil {
			errs = append(errs, err)
			continue
		}
		if !wasRunning && d.running[w] {
			started = append(started, w)
		}
	}
	if len(errs) > 0 {
		// The table stays as it was; workers started here are discarded.
		for _, w := range started {
			delete(d.running, w)
		}
		if err := stopAll(started, applyAbortTimeout); err != nil {
			errs = append(errs, err)
		}
		return nil, stderrors.Join(errs...)
	}

	var retired []*Worker
	for id, w := range *d.table.Load() {
		if keep[w] {
			continue
		}
		retired = append(retired, w)
		if _, replaced := next[id]; !replaced {
			next[id] = w
		}
	}

	d.table.Store(&next)
	d.logger.Info("Destination set applied", "destinations", len(workers), "retiring", len(retired))
	return retired, nil
}

// Retire removes workers from the table, then drains and closes them.
func (d *Dispatcher) Retire(workers []*Worker, timeout time.Duration) error {
	if len(workers) == 0 {
		return nil
	}
	d.mu.Lock()
	next := make(table)
	gone := make(map[*Worker]bool, len(workers))
	for _, w := range workers {
		gone[w] = true
	}
	for id, w := range *d.table.Load() {
		if !gone[w] {
			next[id] = w
		}
	}
	d.table.Store(&next)
	for _, w := range workers {
		delete(d.running, w)
	}
	d.mu.Unlock()

	err := stopAll(workers, timeout)
	for _, w := range workers {
		if _, live := next[w.ID()]; !live && d.core != nil {
			d.core.ForgetDestination(w.ID())
		}
	}
	if err != nil {
		d.logger.Warn("Retired destinations did not drain cleanly", "error", err)
	}
	return err
}

// Worker returns the worker currently routed to under id.
func (d *Dispatcher) Worker(id string) (*Worker, bool) {
	w, ok := (*d.table.Load())[id]
	return w, ok
}

// Stats returns per-destination statistics ordered by ID.
func (d *Dispatcher) Stats() []Stats {
	t := *d.table.Load()
	out := make([]Stats, 0, len(t))
	for _, w := range t {
		out = append(out, w.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UnknownDrops counts copies addressed to destinations not in the table.
func (d *Dispatcher) UnknownDrops() int64 { return d.unknown.Load() }

// Stop drains and closes every worker within timeout. Routing after Stop
// drops all events.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	workers := make([]*Worker, 0, len(*d.table.Load()))
	for _, w := range *d.table.Load() {
		workers = append(workers, w)
	}
	empty := table{}
	d.table.Store(&empty)
	d.running = map[*Worker]bool{}
	d.mu.Unlock()

	return stopAll(workers, timeout)
}

func stopAll(workers []*Worker, timeout time.Duration) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Stop(timeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return stderrors.Join(errs...)
}
