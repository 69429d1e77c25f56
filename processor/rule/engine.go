package rule

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
)

// Deps holds the Engine's optional collaborators.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Engine evaluates events against the active RuleSet. The set is replaced
// with a single pointer swap, so an evaluation always sees one complete
// version.
type Engine struct {
	active  atomic.Pointer[RuleSet]
	version atomic.Uint64
	logger  *slog.Logger
	core    *metric.Metrics
	metrics *ruleMetrics
}

// NewEngine creates an Engine serving rs.
func NewEngine(rs *RuleSet, deps Deps) (*Engine, error) {
	if rs == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil rule set"), "Engine", "NewEngine", "validate rule set")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{logger: logger.With("component", "rule-engine")}
	if deps.MetricsRegistry != nil {
		e.core = deps.MetricsRegistry.CoreMetrics()
		m, err := newRuleMetrics(deps.MetricsRegistry)
		if err != nil {
			return nil, errors.WrapFatal(err, "Engine", "NewEngine", "register metrics")
		}
		e.metrics = m
	}

	e.Swap(rs)
	return e, nil
}

// Swap installs rs and returns the previous set. rs must not be shared yet.
func (e *Engine) Swap(rs *RuleSet) *RuleSet {
	rs.version = e.version.Add(1)
	old := e.active.Swap(rs)
	e.metrics.setActive(rs)
	e.logger.Info("Rule set installed", "version", rs.version, "clauses", rs.Len())
	return old
}

// Current returns the active set.
func (e *Engine) Current() *RuleSet {
	return e.active.Load()
}

// Evaluate routes ev through the active set. A failure is confined to this
// event: it is logged, counted and returned as an error wrapping
// errors.ErrRuleEvaluation.
func (e *Engine) Evaluate(ev *ami.Event) (destinations []string, err error) {
	rs := e.active.Load()

	defer func() {
		if r := recover(); r != nil {
			destinations = nil
			err = errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrRuleEvaluation, r), "Engine", "Evaluate", "evaluate event")
			e.logger.Error("Rule evaluation failed, event skipped",
				"server", ev.Server(), "sequence", ev.Sequence(), "event", ev.Name(), "error", err)
			if e.core != nil {
				e.core.RecordRuleError()
			}
		}
	}()

	destinations = rs.Evaluate(ev)

	if e.core != nil {
		e.core.RecordRouting(len(destinations) > 0)
	}
	if e.metrics != nil && len(destinations) > 0 {
		e.metrics.recordMatches(rs.Matches(ev))
	}
	return destinations, nil
}
