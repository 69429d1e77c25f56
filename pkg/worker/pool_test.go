package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
)

func TestNewPool_NilProcessor(t *testing.T) {
	_, err := NewPool[int]("p", 1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_LifecycleErrors(t *testing.T) {
	pool, err := NewPool("p", 1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	pool, err := NewPool("p", 1, 10, func(_ context.Context, n int) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(2*time.Second))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	assert.Equal(t, int64(5), pool.Stats().Processed)
}

func TestPool_QueueFullAndFailures(t *testing.T) {
	release := make(chan struct{})
	registry := metric.NewMetricsRegistry()
	pool, err := NewPool("test", 1, 1, func(_ context.Context, n int) error {
		<-release
		if n%2 == 1 {
			return errors.New("odd")
		}
		return nil
	}, WithMetricsRegistry[int](registry))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(0))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(1))
	assert.ErrorIs(t, pool.Submit(2), ErrQueueFull)

	close(release)
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.processed.WithLabelValues("error")))
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	pool, err := NewPool("p", 1, 1, func(context.Context, int) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}
