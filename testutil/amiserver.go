package testutil

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
)

// DefaultBanner is the greeting sent by AMIServer unless overridden.
const DefaultBanner = "Asterisk Call Manager/5.0.1"

// AMIServer is an in-process AMI server listening on a loopback TCP port.
// It answers Login and Ping actions and can push event blocks to every
// authenticated connection.
type AMIServer struct {
	ln       net.Listener
	banner   string
	username string
	secret   string
	script   []ami.Block

	reject      atomic.Bool // answer logins with Response: Error
	mute        atomic.Bool // ignore logins and pings
	logins      atomic.Int32
	pings       atomic.Int32
	connections atomic.Int32

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	authed chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// AMIServerOption configures an AMIServer
type AMIServerOption func(*AMIServer)

// WithCredentials sets the accepted username and secret.
func WithCredentials(username, secret string) AMIServerOption {
	return func(s *AMIServer) {
		s.username = username
		s.secret = secret
	}
}

// WithBanner replaces the greeting line.
func WithBanner(banner string) AMIServerOption {
	return func(s *AMIServer) { s.banner = banner }
}

// WithScript sets event blocks sent after every successful login.
func WithScript(blocks ...ami.Block) AMIServerOption {
	return func(s *AMIServer) { s.script = blocks }
}

type serverConn struct {
	net.Conn
	mu     sync.Mutex
	authed bool // guarded by AMIServer.mu
}

func (c *serverConn) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.Write(b)
	return err
}

// NewAMIServer starts a server on 127.0.0.1 and stops it when the test ends.
// The default credentials are admin / secret.
func NewAMIServer(t testing.TB, opts ...AMIServerOption) *AMIServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &AMIServer{
		ln:       ln,
		banner:   DefaultBanner,
		username: "admin",
		secret:   "secret",
		conns:    make(map[*serverConn]struct{}),
		authed:   make(chan struct{}, 64),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host.
func (s *AMIServer) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listening port.
func (s *AMIServer) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// RejectLogins makes later logins fail with Response: Error.
func (s *AMIServer) RejectLogins(reject bool) { s.reject.Store(reject) }

// Mute stops answering logins and pings while leaving connections open.
func (s *AMIServer) Mute(mute bool) { s.mute.Store(mute) }

// Logins returns the number of successful logins.
func (s *AMIServer) Logins() int { return int(s.logins.Load()) }

// Pings returns the number of Ping actions received.
func (s *AMIServer) Pings() int { return int(s.pings.Load()) }

// Connections returns the number of accepted connections.
func (s *AMIServer) Connections() int { return int(s.connections.Load()) }

// WaitForLogin blocks until a login succeeds or the timeout expires.
func (s *AMIServer) WaitForLogin(timeout time.Duration) bool {
	select {
	case <-s.authed:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Send writes an event block to every authenticated connection.
func (s *AMIServer) Send(b ami.Block) {
	data := EncodeBlock(b)
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		if c.authed {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.send(data)
	}
}

// SendRaw writes bytes unchanged to every authenticated connection.
func (s *AMIServer) SendRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.authed {
			_ = c.send(data)
		}
	}
}

// DropConnections closes every open connection.
func (s *AMIServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}

// Close stops the listener and closes all connections.
func (s *AMIServer) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *AMIServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.connections.Add(1)
		c := &serverConn{Conn: conn}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(c)
		}()
	}
}

func (s *AMIServer) handle(c *serverConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	if err := c.send([]byte(s.banner + "\r\n")); err != nil {
		return
	}

	dec := ami.NewDecoder(c)
	for {
		block, err := dec.Next()
		if err != nil {
			return
		}
		action, _ := block.Get("Action")
		actionID := block.ActionID()

		switch strings.ToLower(action) {
		case "login":
			if s.mute.Load() {
				continue
			}
			user, _ := block.Get("Username")
			secret, _ := block.Get("Secret")
			if s.reject.Load() || user != s.username || secret != s.secret {
				_ = c.send(EncodeBlock(ami.Block{
					{Key: "Response", Value: "Error"},
					{Key: "ActionID", Value: actionID},
					{Key: "Message", Value: "Authentication failed"},
				}))
				continue
			}
			s.mu.Lock()
			c.authed = true
			s.mu.Unlock()
			s.logins.Add(1)
			_ = c.send(EncodeBlock(ami.Block{
				{Key: "Response", Value: "Success"},
				{Key: "ActionID", Value: actionID},
				{Key: "Message", Value: "Authentication accepted"},
			}))
			for _, b := range s.script {
				_ = c.send(EncodeBlock(b))
			}
			select {
			case s.authed <- struct{}{}:
			default:
			}
		case "ping":
			s.pings.Add(1)
			if s.mute.Load() {
				continue
			}
			_ = c.send(EncodeBlock(ami.Block{
				{Key: "Response", Value: "Success"},
				{Key: "Ping", Value: "Pong"},
				{Key: "ActionID", Value: actionID},
				{Key: "Timestamp", Value: fmt.Sprintf("%d.000000", time.Now().Unix())},
			}))
		}
	}
}

// EncodeBlock renders a block in wire format.
func EncodeBlock(b ami.Block) []byte {
	var buf bytes.Buffer
	for _, f := range b {
		buf.WriteString(f.Key)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EventBlock builds an event block from alternating keys and values.
func EventBlock(kv ...string) ami.Block {
	b := make(ami.Block, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		b = append(b, ami.Field{Key: kv[i], Value: kv[i+1]})
	}
	return b
}
