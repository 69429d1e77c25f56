package ami

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/health"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
	amitest "github.com/Tosindo/Asterisk-AMI-Event-Logger/testutil"
)

func refusedServer(t *testing.T, name string) config.ServerConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return config.ServerConfig{Name: name, Host: "127.0.0.1", Port: port, Username: "admin"}
}

func statusOf(s *Supervisor, server string) (SessionStatus, bool) {
	for _, st := range s.Status() {
		if st.Server == server {
			return st, true
		}
	}
	return SessionStatus{}, false
}

func waitForState(t *testing.T, s *Supervisor, server string, want State) SessionStatus {
	t.Helper()
	var st SessionStatus
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = statusOf(s, server)
		return ok && st.State == want
	}, 5*time.Second, 10*time.Millisecond, "server %s never reached %s", server, want)
	return st
}

func TestSupervisor_FailingServerDoesNotBlockHealthyOne(t *testing.T) {
	good := amitest.NewAMIServer(t)
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	sup := NewSupervisor([]config.ServerConfig{
		refusedServer(t, "pbx-down"),
		serverConfig("pbx-up", good),
	}, testSettings(), Deps{MetricsRegistry: registry, Health: monitor})
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(time.Second)

	waitForState(t, sup, "pbx-up", StateStreaming)
	for i := 0; i < 3; i++ {
		good.Send(amitest.EventBlock("Event", "Hangup", "Uniqueid", "1"))
	}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sup.Events():
			assert.Equal(t, "pbx-up", ev.Server())
			assert.Equal(t, uint64(i), ev.Sequence())
		case <-time.After(5 * time.Second):
			t.Fatal("event not merged")
		}
	}

	require.Eventually(t, func() bool {
		st, _ := statusOf(sup, "pbx-down")
		return st.Reconnects >= 2
	}, 5*time.Second, 10*time.Millisecond)

	down, _ := statusOf(sup, "pbx-down")
	assert.NotEmpty(t, down.LastError)
	assert.Zero(t, down.AuthFailures)

	up, _ := statusOf(sup, "pbx-up")
	assert.NotEmpty(t, up.SessionID)
	assert.Empty(t, up.LastError)

	assert.Equal(t, 3.0, testutil.ToFloat64(registry.CoreMetrics().EventsReceived.WithLabelValues("pbx-up")))
	assert.Equal(t, float64(StateStreaming), testutil.ToFloat64(registry.CoreMetrics().SessionState.WithLabelValues("pbx-up")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(registry.CoreMetrics().SessionReconnects.WithLabelValues("pbx-down")), 2.0)

	upHealth, ok := monitor.Get("session/pbx-up")
	require.True(t, ok)
	assert.True(t, upHealth.IsHealthy())
	downHealth, ok := monitor.Get("session/pbx-down")
	require.True(t, ok)
	assert.True(t, downHealth.IsDegraded())
}

func TestSupervisor_AuthFailuresCounted(t *testing.T) {
	srv := amitest.NewAMIServer(t)
	srv.RejectLogins(true)
	registry := metric.NewMetricsRegistry()

	sup := NewSupervisor([]config.ServerConfig{serverConfig("pbx1", srv)}, testSettings(), Deps{MetricsRegistry: registry})
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(time.Second)

	require.Eventually(t, func() bool {
		st, _ := statusOf(sup, "pbx1")
		return st.AuthFailures >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(registry.CoreMetrics().SessionAuthFailures.WithLabelValues("pbx1")), 2.0)

	srv.RejectLogins(false)
	st := waitForState(t, sup, "pbx1", StateStreaming)
	assert.Empty(t, st.LastError)
}

func TestSupervisor_Reconcile(t *testing.T) {
	a := amitest.NewAMIServer(t)
	b := amitest.NewAMIServer(t)
	c := amitest.NewAMIServer(t)
	monitor := health.NewMonitor()

	sup := NewSupervisor([]config.ServerConfig{serverConfig("a", a)}, testSettings(), Deps{Health: monitor})
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(time.Second)

	waitForState(t, sup, "a", StateStreaming)
	firstID, _ := statusOf(sup, "a")

	// Unchanged a keeps its session, b is added.
	sup.Reconcile([]config.ServerConfig{serverConfig("a", a), serverConfig("b", b)})
	waitForState(t, sup, "b", StateStreaming)
	same, _ := statusOf(sup, "a")
	assert.Equal(t, firstID.SessionID, same.SessionID)
	assert.Equal(t, 1, a.Logins())

	// Changed a restarts against c, b is removed.
	sup.Reconcile([]config.ServerConfig{serverConfig("a", c)})

	_, ok := statusOf(sup, "b")
	assert.False(t, ok)
	_, ok = monitor.Get("session/b")
	assert.False(t, ok)

	waitForState(t, sup, "a", StateStreaming)
	assert.Len(t, sup.Status(), 1)
	assert.Equal(t, 1, c.Logins())
	assert.Equal(t, 1, a.Logins())
}

func TestSupervisor_StopClosesEvents(t *testing.T) {
	srv := amitest.NewAMIServer(t)
	sup := NewSupervisor([]config.ServerConfig{serverConfig("pbx1", srv)}, testSettings(), Deps{})
	require.NoError(t, sup.Start(context.Background()))
	waitForState(t, sup, "pbx1", StateStreaming)

	require.NoError(t, sup.Stop(2*time.Second))
	st, _ := statusOf(sup, "pbx1")
	assert.Equal(t, StateDisconnected, st.State)

	var drained []*ami.Event
	for ev := range sup.Events() {
		drained = append(drained, ev)
	}
	assert.Empty(t, drained)

	assert.NoError(t, sup.Stop(time.Second), "second stop is a no-op")
	assert.Error(t, sup.Start(context.Background()))
}

func TestSupervisor_StopTimeoutClosesEventsLater(t *testing.T) {
	srv := amitest.NewAMIServer(t)
	var streamed atomic.Bool
	release := make(chan struct{})
	observer := func(tr Transition) {
		switch {
		case tr.To == StateStreaming:
			streamed.Store(true)
		case tr.To == StateDisconnected && streamed.Load():
			<-release
		}
	}

	sup := NewSupervisor([]config.ServerConfig{serverConfig("pbx1", srv)}, testSettings(), Deps{Observer: observer})
	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, streamed.Load, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, sup.Stop(50*time.Millisecond))

	closed := make(chan struct{})
	go func() {
		for range sup.Events() {
		}
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("events closed while a session is still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("events never closed")
	}
}

func TestSupervisor_StopWithoutStart(t *testing.T) {
	sup := NewSupervisor(nil, testSettings(), Deps{})
	require.NoError(t, sup.Stop(time.Second))
	_, open := <-sup.Events()
	assert.False(t, open)
}
