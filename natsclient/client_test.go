package natsclient

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closedURL returns a URL nothing listens on.
func closedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "nats://" + addr
}

func TestNewClient(t *testing.T) {
	client, err := NewClient([]string{"nats://a:4222", "nats://b:4222"})
	require.NoError(t, err)
	assert.Equal(t, "nats://a:4222,nats://b:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())

	_, err = NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient([]string{"nats://a"}, WithCircuitBreakerThreshold(0))
	assert.Error(t, err)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestConnect_FailureOpensCircuit(t *testing.T) {
	client, err := NewClient([]string{closedURL(t)},
		WithTimeout(200*time.Millisecond),
		WithCircuitBreakerThreshold(2),
		WithMaxBackoff(time.Minute))
	require.NoError(t, err)

	ctx := context.Background()
	require.Error(t, client.Connect(ctx))
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(1), client.GetStatus().FailureCount)

	require.Error(t, client.Connect(ctx))
	assert.Equal(t, StatusCircuitOpen, client.Status())

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, client.GetStatus().LastFailureTime.IsZero())
}

func TestPublish_NotConnected(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)
	assert.ErrorIs(t, client.Publish("ami.x", []byte("{}")), ErrNotConnected)
	assert.ErrorIs(t, client.Flush(context.Background()), ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"}, WithToken("t"))
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, StatusClosed, client.Status())
	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
}

func TestHealthChangeCallback(t *testing.T) {
	var healthy, unhealthy atomic.Int32
	client, err := NewClient([]string{"nats://localhost:4222"}, WithHealthChangeCallback(func(ok bool) {
		if ok {
			healthy.Add(1)
		} else {
			unhealthy.Add(1)
		}
	}))
	require.NoError(t, err)

	client.handleReconnect(nil)
	client.handleDisconnect(nil, nil)
	client.setStatus(StatusReconnecting)

	require.Eventually(t, func() bool { return healthy.Load() == 1 && unhealthy.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), client.GetStatus().Reconnects)
}

func TestConnectionOptions(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"},
		WithCredentials("user", "pass"),
		WithToken("tok"),
		WithClientName("amilogger"))
	require.NoError(t, err)
	// base options plus credentials, token and name
	assert.Len(t, client.connectionOptions(), 11)

	secure, err := NewClient([]string{"tls://localhost:4222"}, WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	require.NoError(t, err)
	assert.Len(t, secure.connectionOptions(), 9)
}
