package ami

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/retry"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/testutil"
)

func testSettings() Settings {
	return Settings{
		ConnectTimeout: time.Second,
		LoginTimeout:   500 * time.Millisecond,
		IdleTimeout:    2 * time.Second,
		TransportBackoff: retry.Policy{
			Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2, ResetAfter: time.Hour,
		},
		AuthBackoff: retry.Policy{
			Initial: 50 * time.Millisecond, Max: 200 * time.Millisecond, Multiplier: 2, ResetAfter: time.Hour,
		},
	}
}

func serverConfig(name string, srv *testutil.AMIServer) config.ServerConfig {
	return config.ServerConfig{Name: name, Host: srv.Host(), Port: srv.Port(), Username: "admin", Secret: "secret"}
}

type recorder struct {
	ch chan Transition
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Transition, 512)}
}

func (r *recorder) observe(t Transition) {
	select {
	case r.ch <- t:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, to State) Transition {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tr := <-r.ch:
			if tr.To == to {
				return tr
			}
		case <-timeout:
			t.Fatalf("no transition to %s", to)
		}
	}
}

func runSession(t *testing.T, server config.ServerConfig, settings Settings, rec *recorder) (*Session, chan *ami.Event) {
	t.Helper()
	out := make(chan *ami.Event, 100)
	s := NewSession(server, settings, out, SessionDeps{Observer: rec.observe})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, out
}

func receive(t *testing.T, out <-chan *ami.Event) *ami.Event {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestSession_StreamsEventsInOrder(t *testing.T) {
	srv := testutil.NewAMIServer(t, testutil.WithScript(
		testutil.EventBlock("Event", "Newchannel", "Channel", "SIP/100"),
		testutil.EventBlock("Event", "Hangup", "Channel", "SIP/100"),
	))
	rec := newRecorder()
	s, out := runSession(t, serverConfig("pbx1", srv), testSettings(), rec)

	rec.waitFor(t, StateAuthenticating)
	streaming := rec.waitFor(t, StateStreaming)
	assert.NotEmpty(t, streaming.SessionID)
	assert.Equal(t, StateStreaming, s.State())

	first := receive(t, out)
	second := receive(t, out)
	assert.Equal(t, "Newchannel", first.Name())
	assert.Equal(t, "Hangup", second.Name())
	assert.Equal(t, uint64(0), first.Sequence())
	assert.Equal(t, uint64(1), second.Sequence())
	assert.Equal(t, "pbx1", first.Server())
	assert.Equal(t, streaming.SessionID, first.SessionID())

	// Responses are consumed, not emitted.
	srv.Send(testutil.EventBlock("Response", "Success", "ActionID", "x"))
	srv.Send(testutil.EventBlock("Event", "Dial"))
	assert.Equal(t, "Dial", receive(t, out).Name())
}

func TestSession_AuthFailureUsesAuthBackoff(t *testing.T) {
	srv := testutil.NewAMIServer(t, testutil.WithCredentials("admin", "other"))
	rec := newRecorder()
	runSession(t, serverConfig("pbx1", srv), testSettings(), rec)

	first := rec.waitFor(t, StateBackoff)
	require.Error(t, first.Err)
	assert.True(t, errors.IsAuth(first.Err))
	assert.Equal(t, 50*time.Millisecond, first.Delay)

	rec.waitFor(t, StateConnecting)
	second := rec.waitFor(t, StateBackoff)
	assert.True(t, errors.IsAuth(second.Err))
	assert.Equal(t, 100*time.Millisecond, second.Delay)
	assert.Equal(t, 0, srv.Logins())
}

func TestSession_UnansweredLoginIsAuthFailure(t *testing.T) {
	srv := testutil.NewAMIServer(t)
	srv.Mute(true)
	rec := newRecorder()
	settings := testSettings()
	settings.LoginTimeout = 100 * time.Millisecond
	runSession(t, serverConfig("pbx1", srv), settings, rec)

	tr := rec.waitFor(t, StateBackoff)
	assert.True(t, errors.IsAuth(tr.Err))
	assert.Contains(t, tr.Err.Error(), "no login response")
}

func TestSession_BannerMismatchIsTransportFailure(t *testing.T) {
	srv := testutil.NewAMIServer(t, testutil.WithBanner("SSH-2.0-OpenSSH_9.6"))
	rec := newRecorder()
	runSession(t, serverConfig("pbx1", srv), testSettings(), rec)

	tr := rec.waitFor(t, StateBackoff)
	assert.ErrorIs(t, tr.Err, errors.ErrBannerMismatch)
	assert.False(t, errors.IsAuth(tr.Err))
	assert.Equal(t, 20*time.Millisecond, tr.Delay)
}

func TestSession_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	rec := newRecorder()
	server := config.ServerConfig{Name: "down", Host: "127.0.0.1", Port: addr.Port, Username: "admin"}
	runSession(t, server, testSettings(), rec)

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		tr := rec.waitFor(t, StateBackoff)
		assert.ErrorIs(t, tr.Err, errors.ErrTransport)
		assert.True(t, errors.IsTransient(tr.Err))
		delays = append(delays, tr.Delay)
	}
	assert.Equal(t, []time.Duration{
		20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond, 100 * time.Millisecond,
	}, delays)
}

func TestSession_IdleTimeoutReconnectsAndRestartsSequence(t *testing.T) {
	srv := testutil.NewAMIServer(t, testutil.WithScript(
		testutil.EventBlock("Event", "FullyBooted"),
		testutil.EventBlock("Event", "PeerStatus"),
	))
	rec := newRecorder()
	settings := testSettings()
	settings.IdleTimeout = 200 * time.Millisecond
	settings.KeepaliveInterval = 50 * time.Millisecond
	_, out := runSession(t, serverConfig("pbx1", srv), settings, rec)

	firstStream := rec.waitFor(t, StateStreaming)
	assert.Equal(t, uint64(0), receive(t, out).Sequence())
	assert.Equal(t, uint64(1), receive(t, out).Sequence())

	// Pings are answered, so the connection stays up past the idle timeout.
	time.Sleep(400 * time.Millisecond)
	assert.Greater(t, srv.Pings(), 2)
	assert.Equal(t, 1, srv.Logins())

	// Silence, keepalive replies included, trips the idle deadline.
	srv.Mute(true)
	tr := rec.waitFor(t, StateBackoff)
	assert.ErrorIs(t, tr.Err, errors.ErrIdleTimeout)

	srv.Mute(false)
	rec.waitFor(t, StateConnecting)
	secondStream := rec.waitFor(t, StateStreaming)
	assert.NotEqual(t, firstStream.SessionID, secondStream.SessionID)

	ev := receive(t, out)
	assert.Equal(t, uint64(0), ev.Sequence())
	assert.Equal(t, secondStream.SessionID, ev.SessionID())
}

func TestSession_FrameErrorEndsStream(t *testing.T) {
	srv := testutil.NewAMIServer(t)
	rec := newRecorder()
	_, out := runSession(t, serverConfig("pbx1", srv), testSettings(), rec)
	rec.waitFor(t, StateStreaming)

	srv.SendRaw([]byte("Event: Hangup\r\nthis line has no separator\r\n\r\nEvent: Dial\r\n\r\n"))

	tr := rec.waitFor(t, StateBackoff)
	assert.True(t, errors.IsFrame(tr.Err))
	select {
	case ev := <-out:
		t.Fatalf("event %s emitted after a malformed block", ev)
	default:
	}
}

func TestSession_DroppedConnection(t *testing.T) {
	srv := testutil.NewAMIServer(t)
	rec := newRecorder()
	runSession(t, serverConfig("pbx1", srv), testSettings(), rec)
	rec.waitFor(t, StateStreaming)

	srv.DropConnections()
	tr := rec.waitFor(t, StateBackoff)
	assert.True(t, errors.IsTransient(tr.Err))
	rec.waitFor(t, StateStreaming)
	assert.Equal(t, 2, srv.Logins())
}

func TestSession_CancelEndsDisconnected(t *testing.T) {
	srv := testutil.NewAMIServer(t)
	rec := newRecorder()
	out := make(chan *ami.Event, 1)
	s := NewSession(serverConfig("pbx1", srv), testSettings(), out, SessionDeps{Observer: rec.observe})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	rec.waitFor(t, StateStreaming)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "unknown", State(42).String())
}
