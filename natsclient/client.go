package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
	ErrClosed       = stderrors.New("client closed")
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus `json:"status"`
	FailureCount    int32            `json:"failure_count"`
	LastFailureTime time.Time        `json:"last_failure_time,omitempty"`
	Reconnects      int32            `json:"reconnects"`
	Published       int64            `json:"published"`
}

// Client is a publishing NATS connection. Connection attempts that fail
// repeatedly open a circuit breaker; while it is open Connect fails fast.
type Client struct {
	urls   []string
	logger *slog.Logger

	status     atomic.Int32
	failures   atomic.Int32
	reconnects atomic.Int32
	published  atomic.Int64

	// Circuit breaker
	circuitThreshold int32
	backoff          time.Duration
	maxBackoff       time.Duration
	openUntil        time.Time
	lastFailure      time.Time

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	username      string
	password      string
	token         string
	clientName    string
	tlsConfig     *tls.Config

	onHealthChange func(bool)

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
}

// NewClient creates a client for the given servers. It does not connect.
func NewClient(urls []string, opts ...ClientOption) (*Client, error) {
	if len(urls) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "at least one server URL is required")
	}
	c := &Client{
		urls:             urls,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		circuitThreshold: 5,
		backoff:          time.Second,
		maxBackoff:       time.Minute,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "servers", strings.Join(urls, ","))
	return c, nil
}

// URL returns the server list as passed to nats.Connect.
func (c *Client) URL() string { return strings.Join(c.urls, ",") }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	old := ConnectionStatus(c.status.Swap(int32(s)))
	if old == s || c.onHealthChange == nil {
		return
	}
	if old == StatusConnected || s == StatusConnected {
		go c.onHealthChange(s == StatusConnected)
	}
}

// IsHealthy returns true if the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// GetStatus returns counters and circuit state.
func (c *Client) GetStatus() Status {
	c.mu.Lock()
	last := c.lastFailure
	c.mu.Unlock()
	return Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: last,
		Reconnects:      c.reconnects.Load(),
		Published:       c.published.Load(),
	}
}

// Connect establishes the connection. It is a no-op when connected; once
// connected, nats.go reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}
	if !c.openUntil.IsZero() {
		if time.Now().Before(c.openUntil) {
			return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "connect")
		}
		c.openUntil = time.Time{}
	}

	c.setStatus(StatusConnecting)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(strings.Join(c.urls, ","), c.connectionOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.recordFailure()
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		c.conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		c.recordFailure()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.failures.Store(0)
	c.backoff = time.Second
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "server", c.conn.ConnectedUrlRedacted())
	return nil
}

// recordFailure counts a failed attempt and opens the circuit after
// circuitThreshold consecutive failures. Callers hold mu.
func (c *Client) recordFailure() {
	n := c.failures.Add(1)
	c.lastFailure = time.Now()
	if n < c.circuitThreshold {
		c.setStatus(StatusDisconnected)
		return
	}

	c.openUntil = time.Now().Add(c.backoff)
	c.logger.Warn("Circuit breaker opened", "failures", n, "backoff", c.backoff)
	c.backoff = min(c.backoff*2, c.maxBackoff)
	c.failures.Store(0)
	c.setStatus(StatusCircuitOpen)
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	return opts
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.Status() == StatusClosed {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("Disconnected from NATS", "error", err)
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.reconnects.Add(1)
	c.setStatus(StatusConnected)
	c.logger.Info("Reconnected to NATS", "server", conn.ConnectedUrlRedacted())
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusClosed)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}

// Publish sends data on subject. While reconnecting, nats.go buffers the
// message.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.WrapTransient(ErrNotConnected, "Client", "Publish", "publish to "+subject)
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	c.published.Add(1)
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.WrapTransient(ErrNotConnected, "Client", "Flush", "flush")
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush")
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.password, c.token = "", ""

	if c.conn == nil {
		c.setStatus(StatusClosed)
		return nil
	}
	conn := c.conn
	c.conn = nil
	if err := conn.Drain(); err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Client", "Close", "drain connection")
	}
	return nil
}
