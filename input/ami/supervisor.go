package ami

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/health"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
)

// EventBufferSize is the capacity of the merged event channel.
const EventBufferSize = 1024

// Deps holds the Supervisor's optional collaborators.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Health          *health.Monitor
	// Observer additionally receives every transition of every session.
	Observer Observer
}

// SessionStatus is the observable state of one server.
type SessionStatus struct {
	Server       string    `json:"server"`
	Address      string    `json:"address"`
	State        State     `json:"state"`
	Since        time.Time `json:"since"`
	LastError    string    `json:"last_error,omitempty"`
	RetryAt      time.Time `json:"retry_at,omitempty"`
	Reconnects   int64     `json:"reconnects"`
	AuthFailures int64     `json:"auth_failures"`
	SessionID    string    `json:"session_id,omitempty"`
}

type managed struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	status SessionStatus
}

// Supervisor owns the sessions of all configured servers and merges their
// events into one channel. It only observes session state.
type Supervisor struct {
	settings Settings
	logger   *slog.Logger
	core     *metric.Metrics
	health   *health.Monitor
	observer Observer
	events   chan *ami.Event

	mu       sync.Mutex
	initial  []config.ServerConfig
	sessions map[string]*managed
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	stopped  bool
}

// NewSupervisor creates a supervisor for servers. Sessions start with Start.
func NewSupervisor(servers []config.ServerConfig, settings Settings, deps Deps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		settings: settings,
		logger:   logger.With("component", "ami-supervisor"),
		health:   deps.Health,
		observer: deps.Observer,
		events:   make(chan *ami.Event, EventBufferSize),
		initial:  append([]config.ServerConfig(nil), servers...),
		sessions: make(map[string]*managed),
	}
	if deps.MetricsRegistry != nil {
		s.core = deps.MetricsRegistry.CoreMetrics()
	}
	return s
}

// Start launches one session per server.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Supervisor", "Start", "start sessions")
	}
	if s.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Supervisor", "Start", "start sessions")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, server := range s.initial {
		s.launchLocked(server)
	}
	s.logger.Info("Supervisor started", "servers", len(s.initial))
	return nil
}

// Events returns the merged event stream. It is closed once Stop has
// waited for every session.
func (s *Supervisor) Events() <-chan *ami.Event {
	return s.events
}

func (s *Supervisor) launchLocked(server config.ServerConfig) {
	m := &managed{
		done: make(chan struct{}),
		status: SessionStatus{
			Server:  server.Name,
			Address: server.Address(),
			State:   StateDisconnected,
			Since:   time.Now(),
		},
	}

	ctx, cancel := context.WithCancel(s.ctx)
	m.cancel = cancel
	m.session = NewSession(server, s.settings, s.events, SessionDeps{
		Logger:   s.logger,
		Metrics:  s.core,
		Observer: func(t Transition) { s.observe(m, t) },
	})
	s.sessions[server.Name] = m

	go func() {
		defer close(m.done)
		m.session.Run(ctx)
	}()
}

func (s *Supervisor) observe(m *managed, t Transition) {
	m.mu.Lock()
	st := &m.status
	st.State = t.To
	st.Since = t.At
	st.RetryAt = time.Time{}
	switch t.To {
	case StateStreaming:
		st.SessionID = t.SessionID
		st.LastError = ""
	case StateBackoff:
		st.SessionID = ""
		st.RetryAt = t.At.Add(t.Delay)
		if t.Err != nil {
			st.LastError = health.Sanitize(t.Err.Error())
		}
		if errors.IsAuth(t.Err) {
			st.AuthFailures++
		}
	case StateConnecting:
		if t.From == StateBackoff {
			st.Reconnects++
		}
	case StateDisconnected:
		st.SessionID = ""
	}
	snapshot := *st
	m.mu.Unlock()

	// A replaced or removed session must not overwrite shared state.
	s.mu.Lock()
	current := s.sessions[t.Server] == m
	s.mu.Unlock()

	if current {
		s.publish(snapshot, t)
	}
	if s.observer != nil {
		s.observer(t)
	}
}

func (s *Supervisor) publish(st SessionStatus, t Transition) {
	if s.core != nil {
		s.core.RecordSessionState(t.Server, int(t.To))
		if t.To == StateConnecting && t.From == StateBackoff {
			s.core.RecordReconnect(t.Server)
		}
		if t.To == StateBackoff && errors.IsAuth(t.Err) {
			s.core.RecordAuthFailure(t.Server)
		}
	}

	if s.health != nil {
		name := "session/" + t.Server
		switch t.To {
		case StateStreaming:
			s.health.UpdateHealthy(name, "streaming")
		case StateBackoff:
			s.health.UpdateDegraded(name, fmt.Sprintf("backoff: %s", st.LastError))
		default:
			s.health.UpdateDegraded(name, t.To.String())
		}
	}

	switch t.To {
	case StateStreaming, StateBackoff, StateDisconnected:
		s.logger.Info("Session state changed", "server", t.Server, "from", t.From, "to", t.To)
	default:
		s.logger.Debug("Session state changed", "server", t.Server, "from", t.From, "to", t.To)
	}
}

// Status returns the state of every server ordered by name.
func (s *Supervisor) Status() []SessionStatus {
	s.mu.Lock()
	list := make([]*managed, 0, len(s.sessions))
	for _, m := range s.sessions {
		list = append(list, m)
	}
	s.mu.Unlock()

	out := make([]SessionStatus, 0, len(list))
	for _, m := range list {
		m.mu.Lock()
		out = append(out, m.status)
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Reconcile applies a new server list: added servers start, removed servers
// stop and servers whose configuration changed restart. Unchanged sessions
// keep streaming. It returns after removed sessions have exited.
func (s *Supervisor) Reconcile(servers []config.ServerConfig) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if !s.running {
		s.initial = append([]config.ServerConfig(nil), servers...)
		s.mu.Unlock()
		return
	}

	wanted := make(map[string]config.ServerConfig, len(servers))
	for _, server := range servers {
		wanted[server.Name] = server
	}

	var retired []*managed
	var removed []string
	for name, m := range s.sessions {
		next, keep := wanted[name]
		if keep && next == m.session.Server() {
			continue
		}
		delete(s.sessions, name)
		m.cancel()
		retired = append(retired, m)
		if !keep {
			removed = append(removed, name)
		}
	}

	started := 0
	for _, server := range servers {
		if _, running := s.sessions[server.Name]; running {
			continue
		}
		s.launchLocked(server)
		started++
	}
	s.mu.Unlock()

	for _, m := range retired {
		<-m.done
	}
	for _, name := range removed {
		if s.core != nil {
			s.core.ForgetServer(name)
		}
		if s.health != nil {
			s.health.Remove("session/" + name)
		}
	}

	s.logger.Info("Servers reconciled", "started", started, "stopped", len(retired), "removed", len(removed))
}

// Stop cancels every session and waits for them to disconnect, then closes
// the event channel. On timeout the channel is closed later, when the last
// session has ended.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		if !s.stopped {
			s.stopped = true
			close(s.events)
		}
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	s.cancel()
	dones := make([]chan struct{}, 0, len(s.sessions))
	for _, m := range s.sessions {
		dones = append(dones, m.done)
	}
	s.mu.Unlock()

	deadline := time.After(timeout)
	for i, done := range dones {
		select {
		case <-done:
		case <-deadline:
			// Events is closed once the remaining sessions end.
			remaining := dones[i:]
			go func() {
				for _, d := range remaining {
					<-d
				}
				close(s.events)
			}()
			return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
				"Supervisor", "Stop", "wait for sessions")
		}
	}

	close(s.events)
	s.logger.Info("Supervisor stopped")
	return nil
}
