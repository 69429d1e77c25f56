package gateway

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/dispatch"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/health"
	amiinput "github.com/Tosindo/Asterisk-AMI-Event-Logger/input/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/output/database"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/output/file"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/buffer"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/tlsutil"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/processor/rule"
)

// DefaultShutdownTimeout bounds Stop when Run is used.
const DefaultShutdownTimeout = 10 * time.Second

// Deps holds the Gateway's optional collaborators.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Health          *health.Monitor
	// SinkFactory replaces the built-in sinks.
	SinkFactory SinkFactory
	// DatabaseOpener replaces database.Open for database destinations.
	DatabaseOpener database.Opener
	// ShutdownTimeout bounds Run's shutdown and the drain of destinations
	// retired by Reload.
	ShutdownTimeout time.Duration
}

// Gateway wires sessions, the rule engine and destinations together. One
// routing goroutine evaluates every event and hands it to the dispatcher.
type Gateway struct {
	logger          *slog.Logger
	registry        *metric.MetricsRegistry
	health          *health.Monitor
	sinkFactory     SinkFactory
	shutdownTimeout time.Duration

	compressor   *file.Compressor
	stores       *database.Stores
	queueMetrics *buffer.Metrics

	engine     *rule.Engine
	dispatcher *dispatch.Dispatcher
	supervisor *amiinput.Supervisor

	// Rule errors are counted per event but logged at a bounded rate.
	errLog *rate.Limiter

	mu           sync.Mutex
	active       *config.SafeConfig
	destinations map[string]destination
	started      bool
	stopped      bool
	startedAt    time.Time
	routeDone    chan struct{}
}

// New validates cfg and builds every component without connecting
// anything.
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "New", "configuration is required")
	}
	cfg = cfg.Clone()
	cfg.ApplyDestinationDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		logger:          logger.With("component", "gateway"),
		registry:        deps.MetricsRegistry,
		health:          deps.Health,
		shutdownTimeout: deps.ShutdownTimeout,
		stores:          database.NewStores(deps.DatabaseOpener),
		routeDone:       make(chan struct{}),
		errLog:          rate.NewLimiter(rate.Every(time.Second), 10),
	}
	if g.health == nil {
		g.health = health.NewMonitor()
	}
	if g.shutdownTimeout <= 0 {
		g.shutdownTimeout = DefaultShutdownTimeout
	}
	g.sinkFactory = deps.SinkFactory
	if g.sinkFactory == nil {
		g.sinkFactory = g.buildSink
	}

	if g.registry != nil {
		qm, err := buffer.NewMetrics(g.registry, "dispatch")
		if err != nil {
			return nil, errors.WrapFatal(err, "Gateway", "New", "register queue metrics")
		}
		g.queueMetrics = qm
	}

	compressor, err := file.NewCompressor(file.CompressorDeps{Logger: logger, MetricsRegistry: g.registry})
	if err != nil {
		return nil, err
	}
	g.compressor = compressor

	rs, err := rule.Compile(cfg.Clauses, cfg.DestinationIDs())
	if err != nil {
		return nil, err
	}
	g.engine, err = rule.NewEngine(rs, rule.Deps{Logger: logger, MetricsRegistry: g.registry})
	if err != nil {
		return nil, err
	}

	settings := amiinput.SettingsFromConfig(cfg.Session)
	if usesTLS(cfg.Servers) {
		settings.TLS, err = tlsutil.LoadClientTLSConfig(cfg.Security.TLS.Client)
		if err != nil {
			return nil, err
		}
	}

	destinations, workers, err := g.buildDestinations(cfg, nil)
	if err != nil {
		return nil, err
	}
	g.dispatcher = dispatch.New(dispatch.Deps{Logger: logger, MetricsRegistry: g.registry})
	if _, err := g.dispatcher.Apply(workers); err != nil {
		return nil, err
	}
	g.destinations = destinations

	g.supervisor = amiinput.NewSupervisor(cfg.Servers, settings, amiinput.Deps{
		Logger:          logger,
		MetricsRegistry: g.registry,
		Health:          g.health,
	})
	g.active = config.NewSafeConfig(cfg)
	return g, nil
}

func usesTLS(servers []config.ServerConfig) bool {
	for _, s := range servers {
		if s.TLS {
			return true
		}
	}
	return false
}

// Start connects to every server and begins routing. It returns at once.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Gateway", "Start", "start gateway")
	}
	if g.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start", "start gateway")
	}

	// Shutdown order is driven by Stop, not by ctx.
	runCtx := context.WithoutCancel(ctx)
	if err := g.compressor.Start(runCtx); err != nil {
		return err
	}
	if err := g.dispatcher.Start(runCtx); err != nil {
		return err
	}
	if err := g.supervisor.Start(runCtx); err != nil {
		return err
	}

	g.started = true
	g.startedAt = time.Now()
	go g.route(g.supervisor.Events())

	cfg := g.active.Get()
	g.logger.Info("Gateway started",
		"servers", len(cfg.Servers),
		"destinations", len(cfg.Destinations),
		"clauses", g.engine.Current().Len())
	return nil
}

// Run starts the gateway, blocks until ctx is cancelled and then stops it
// within the shutdown timeout.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return g.Stop(g.shutdownTimeout)
}

// route evaluates each event against the active rule set. It ends when the
// supervisor closes the event stream.
func (g *Gateway) route(events <-chan *ami.Event) {
	defer close(g.routeDone)
	for ev := range events {
		ids, err := g.engine.Evaluate(ev)
		if err != nil {
			if g.errLog.Allow() {
				g.logger.Error("Event skipped", "event", ev.String(), "error", err)
			}
			continue
		}
		if len(ids) > 0 {
			g.dispatcher.Route(ev, ids)
		}
	}
}

// Stop stops ingestion, routes what was already received, then drains
// and closes every destination. All of it happens within timeout.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil
	}
	g.stopped = true
	deadline := time.Now().Add(timeout)

	var errs []error
	if err := g.supervisor.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if g.started {
		select {
		case <-g.routeDone:
		case <-time.After(time.Until(deadline)):
			errs = append(errs, errors.WrapTransient(errors.ErrShuttingDown, "Gateway", "Stop", "wait for routing"))
		}
	}
	if err := g.dispatcher.Stop(max(time.Until(deadline), 0)); err != nil {
		errs = append(errs, err)
	}
	if g.started {
		if err := g.compressor.Stop(max(time.Until(deadline), 0)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.stores.Close(); err != nil {
		errs = append(errs, err)
	}

	err := stderrors.Join(errs...)
	if err != nil {
		g.logger.Warn("Gateway stopped with errors", "error", err)
	} else {
		g.logger.Info("Gateway stopped")
	}
	return err
}

// Engine returns the rule engine.
func (g *Gateway) Engine() *rule.Engine { return g.engine }

// Config returns a copy of the active configuration.
func (g *Gateway) Config() *config.Config {
	return g.active.Get()
}
