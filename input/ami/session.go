package ami

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/retry"
)

// Settings holds the timing and backoff parameters of a session. The
// Supervisor builds one Settings for all of its sessions.
type Settings struct {
	ConnectTimeout    time.Duration
	LoginTimeout      time.Duration
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration
	TransportBackoff  retry.Policy
	AuthBackoff       retry.Policy
	// TLS is the client configuration used for servers with TLS enabled.
	TLS *tls.Config
}

// SettingsFromConfig converts the session section of a configuration.
func SettingsFromConfig(cfg config.SessionConfig) Settings {
	return Settings{
		ConnectTimeout:    cfg.ConnectTimeout.Std(),
		LoginTimeout:      cfg.LoginTimeout.Std(),
		IdleTimeout:       cfg.IdleTimeout.Std(),
		KeepaliveInterval: cfg.KeepaliveInterval.Std(),
		TransportBackoff:  cfg.TransportBackoff.Policy(),
		AuthBackoff:       cfg.AuthBackoff.Policy(),
	}
}

// SessionDeps holds the optional collaborators of a Session.
type SessionDeps struct {
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	Observer Observer
}

// Session owns the connection to one AMI server. Run drives the state
// machine until its context is cancelled; the state is only changed from
// the Run goroutine.
type Session struct {
	server   config.ServerConfig
	settings Settings
	out      chan<- *ami.Event
	observer Observer
	metrics  *metric.Metrics
	logger   *slog.Logger

	state   atomic.Int32
	actions atomic.Uint64
	dialer  net.Dialer
}

// NewSession creates a session that delivers events to out.
func NewSession(server config.ServerConfig, settings Settings, out chan<- *ami.Event, deps SessionDeps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		server:   server,
		settings: settings,
		out:      out,
		observer: deps.Observer,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "ami-session", "server", server.Name),
	}
}

// Server returns the configuration the session connects with.
func (s *Session) Server() config.ServerConfig { return s.server }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) transition(to State, t Transition) {
	from := State(s.state.Swap(int32(to)))
	t.Server = s.server.Name
	t.From = from
	t.To = to
	t.At = time.Now()
	if s.observer != nil {
		s.observer(t)
	}
}

// Run connects, authenticates and streams until ctx is cancelled, retrying
// failures with backoff. It always returns after entering Disconnected.
func (s *Session) Run(ctx context.Context) {
	transport := retry.NewBackoff(s.settings.TransportBackoff)
	auth := retry.NewBackoff(s.settings.AuthBackoff)

	for ctx.Err() == nil {
		s.transition(StateConnecting, Transition{})

		streamed, err := s.attempt(ctx)
		if ctx.Err() != nil {
			break
		}

		if streamed > 0 {
			transport.Succeeded(streamed)
			auth.Succeeded(streamed)
		}

		var delay time.Duration
		if errors.IsAuth(err) {
			delay = auth.Next()
			s.logger.Warn("AMI login rejected", "error", err, "retry_in", delay, "attempt", auth.Attempts())
		} else {
			delay = transport.Next()
			s.logger.Warn("AMI connection failed", "error", err, "retry_in", delay,
				"attempt", transport.Attempts(), "streamed", streamed)
		}

		s.transition(StateBackoff, Transition{Err: err, Delay: delay})
		if err := retry.Sleep(ctx, delay); err != nil {
			break
		}
	}

	s.transition(StateDisconnected, Transition{})
}

// attempt runs one connection from dial to failure. It returns how long the
// connection stayed in Streaming, zero if it never got there.
func (s *Session) attempt(ctx context.Context) (time.Duration, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	// Cancellation unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.transition(StateAuthenticating, Transition{})

	reader := &idleReader{conn: conn}
	dec := ami.NewDecoder(reader)

	if err := s.login(conn, dec); err != nil {
		return 0, err
	}

	return s.stream(ctx, conn, reader, dec)
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.settings.ConnectTimeout)
	defer cancel()

	address := s.server.Address()
	if !s.server.TLS {
		conn, err := s.dialer.DialContext(dialCtx, "tcp", address)
		if err != nil {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Session", "dial", "connect to "+address)
		}
		return conn, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.settings.TLS != nil {
		cfg = s.settings.TLS.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = s.server.Host
	}
	d := tls.Dialer{NetDialer: &s.dialer, Config: cfg}
	conn, err := d.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Session", "dial", "TLS connect to "+address)
	}
	return conn, nil
}

// login reads the banner, sends the Login action and waits for the
// response carrying its ActionID, all within the login timeout.
func (s *Session) login(conn net.Conn, dec *ami.Decoder) error {
	deadline := time.Now().Add(s.settings.LoginTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Session", "login", "set deadline")
	}

	version, err := dec.ReadBanner()
	if err != nil {
		return errors.WrapTransient(classifyRead(err), "Session", "login", "read banner")
	}
	s.logger.Debug("AMI banner received", "version", version)

	actionID := s.nextActionID("login")
	frame, err := ami.EncodeLogin(s.server.Username, s.server.Secret, actionID)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrAuthFailed, err), "Session", "login", "encode login")
	}
	if _, err := conn.Write(frame); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Session", "login", "send login")
	}

	for {
		block, err := dec.Next()
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				return errors.WrapInvalid(fmt.Errorf("%w: no login response within %s", errors.ErrAuthFailed, s.settings.LoginTimeout),
					"Session", "login", "await login response")
			}
			return errors.WrapTransient(classifyRead(err), "Session", "login", "await login response")
		}
		if !block.IsResponse() || block.ActionID() != actionID {
			continue
		}
		if !block.ResponseSuccess() {
			msg, _ := block.Get("Message")
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrAuthFailed, msg), "Session", "login", "authenticate")
		}
		break
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Session", "login", "clear deadline")
	}
	return nil
}

// stream delivers events until the connection fails. Each call is one
// Streaming period with its own session ID and a sequence starting at zero.
func (s *Session) stream(ctx context.Context, conn net.Conn, reader *idleReader, dec *ami.Decoder) (time.Duration, error) {
	sessionID := uuid.NewString()
	started := time.Now()
	reader.setIdle(s.settings.IdleTimeout)

	s.transition(StateStreaming, Transition{SessionID: sessionID})
	s.logger.Info("AMI session streaming", "session_id", sessionID)

	var (
		keepaliveErr atomic.Pointer[error]
		wg           sync.WaitGroup
		done         = make(chan struct{})
	)
	defer func() {
		close(done)
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.keepalive(conn, done); err != nil {
			keepaliveErr.Store(&err)
			_ = conn.Close()
		}
	}()

	var seq uint64
	for {
		block, err := dec.Next()
		if err != nil {
			if kerr := keepaliveErr.Load(); kerr != nil {
				err = *kerr
			} else {
				err = classifyRead(err)
			}
			return time.Since(started), errors.WrapTransient(err, "Session", "stream", "read event")
		}
		if !block.IsEvent() {
			continue
		}

		ev := ami.NewEvent(s.server.Name, sessionID, seq, time.Now(), block)
		seq++
		if s.metrics != nil {
			s.metrics.RecordEventReceived(s.server.Name)
		}

		select {
		case s.out <- ev:
		case <-ctx.Done():
			return time.Since(started), ctx.Err()
		}
	}
}

func (s *Session) keepalive(conn net.Conn, done <-chan struct{}) error {
	if s.settings.KeepaliveInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.settings.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			frame, err := ami.EncodeKeepalive(s.nextActionID("ping"))
			if err != nil {
				return err
			}
			if err := conn.SetWriteDeadline(time.Now().Add(s.settings.KeepaliveInterval)); err != nil {
				return fmt.Errorf("%w: %w", errors.ErrTransport, err)
			}
			if _, err := conn.Write(frame); err != nil {
				return fmt.Errorf("%w: keepalive: %w", errors.ErrTransport, err)
			}
		}
	}
}

func (s *Session) nextActionID(kind string) string {
	return s.server.Name + "-" + kind + "-" + strconv.FormatUint(s.actions.Add(1), 10)
}

// classifyRead maps a read failure onto the error taxonomy.
func classifyRead(err error) error {
	var netErr net.Error
	switch {
	case errors.IsFrame(err), stderrors.Is(err, errors.ErrBannerMismatch):
		return err
	case stderrors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", errors.ErrIdleTimeout, err)
	case stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", errors.ErrConnectionLost, err)
	default:
		return fmt.Errorf("%w: %w", errors.ErrTransport, err)
	}
}

// idleReader refreshes the read deadline before every read, so the
// connection fails when no bytes arrive within the idle timeout.
type idleReader struct {
	conn net.Conn
	idle atomic.Int64
}

func (r *idleReader) setIdle(d time.Duration) { r.idle.Store(int64(d)) }

func (r *idleReader) Read(p []byte) (int, error) {
	if d := time.Duration(r.idle.Load()); d > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}
