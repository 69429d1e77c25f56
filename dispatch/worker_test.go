package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/health"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/retry"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/testutil"
)

func testEvent(server string, seq uint64) *ami.Event {
	return ami.NewEvent(server, "sess", seq, time.Unix(1700000000, 0), ami.Block{
		{Key: "Event", Value: "Newchannel"},
		{Key: "Uniqueid", Value: fmt.Sprintf("%d", seq)},
	})
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

func startWorker(t *testing.T, cfg WorkerConfig, sink Sink, deps WorkerDeps) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, sink, deps)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(time.Second) })
	return w
}

// flakySink fails its first n writes.
type flakySink struct {
	*testutil.MockSink
	failures atomic.Int32
}

func (s *flakySink) Write(ctx context.Context, events []*ami.Event) error {
	if s.failures.Add(-1) >= 0 {
		return testutil.ErrMockSink
	}
	return s.MockSink.Write(ctx, events)
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(WorkerConfig{}, testutil.NewMockSink(), WorkerDeps{})
	assert.Error(t, err)

	_, err = NewWorker(WorkerConfig{ID: "file"}, nil, WorkerDeps{})
	assert.Error(t, err)
}

func TestWorker_DeliversInOrder(t *testing.T) {
	sink := testutil.NewMockSink()
	w := startWorker(t, WorkerConfig{ID: "file", QueueSize: 1000, BatchSize: 7, FlushInterval: 10 * time.Millisecond, Retry: fastRetry(1)}, sink, WorkerDeps{})

	for i := 0; i < 100; i++ {
		require.True(t, w.Enqueue(testEvent("pbx1", uint64(i))))
	}
	require.True(t, sink.WaitForEvents(100, 2*time.Second))

	for i, ev := range sink.Events() {
		assert.Equal(t, uint64(i), ev.Sequence())
	}
	stats := w.Stats()
	assert.Equal(t, int64(100), stats.Enqueued)
	assert.Equal(t, int64(100), stats.Delivered)
	assert.Zero(t, stats.Dropped)
	assert.False(t, stats.Failing)
}

func TestWorker_FlushIntervalWritesPartialBatch(t *testing.T) {
	sink := testutil.NewMockSink()
	w := startWorker(t, WorkerConfig{ID: "db", QueueSize: 100, BatchSize: 50, FlushInterval: 30 * time.Millisecond, Retry: fastRetry(1)}, sink, WorkerDeps{})

	w.Enqueue(testEvent("pbx1", 0))
	w.Enqueue(testEvent("pbx1", 1))

	require.True(t, sink.WaitForEvents(2, time.Second))
	assert.Equal(t, 1, sink.Batches())
}

func TestWorker_ImmediateWithoutFlushInterval(t *testing.T) {
	sink := testutil.NewMockSink()
	w := startWorker(t, WorkerConfig{ID: "file", QueueSize: 100, BatchSize: 1, Retry: fastRetry(1)}, sink, WorkerDeps{})

	w.Enqueue(testEvent("pbx1", 0))
	require.True(t, sink.WaitForEvents(1, 500*time.Millisecond))
}

func TestWorker_RetriesThenDelivers(t *testing.T) {
	sink := &flakySink{MockSink: testutil.NewMockSink()}
	sink.failures.Store(2)
	registry := metric.NewMetricsRegistry()

	w := startWorker(t, WorkerConfig{ID: "bus", QueueSize: 10, BatchSize: 1, Retry: fastRetry(3)}, sink, WorkerDeps{MetricsRegistry: registry})
	w.Enqueue(testEvent("pbx1", 0))

	require.True(t, sink.WaitForEvents(1, time.Second))
	stats := w.Stats()
	assert.Equal(t, int64(2), stats.FailedWrites)
	assert.Zero(t, stats.FailedBatches)
	assert.Equal(t, int64(1), stats.Delivered)
}

func TestWorker_ExhaustedBatchIsDroppedAndWorkerContinues(t *testing.T) {
	sink := testutil.NewMockSink()
	sink.SetFailing(true)
	monitor := health.NewMonitor()

	w := startWorker(t, WorkerConfig{ID: "db", QueueSize: 10, BatchSize: 2, Retry: fastRetry(2)}, sink, WorkerDeps{Health: monitor})
	w.Enqueue(testEvent("pbx1", 0))
	w.Enqueue(testEvent("pbx1", 1))

	require.Eventually(t, func() bool { return w.Stats().FailedBatches == 1 }, time.Second, 5*time.Millisecond)
	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, int64(2), stats.FailedWrites)
	assert.True(t, stats.Failing)
	assert.Contains(t, stats.LastError, "mock sink failure")

	status, ok := monitor.Get("destination/db")
	require.True(t, ok)
	assert.True(t, status.IsDegraded())

	sink.SetFailing(false)
	w.Enqueue(testEvent("pbx1", 2))
	require.True(t, sink.WaitForEvents(1, time.Second))
	assert.Equal(t, uint64(2), sink.Events()[0].Sequence())

	require.Eventually(t, func() bool { return !w.Stats().Failing }, time.Second, 5*time.Millisecond)
	status, _ = monitor.Get("destination/db")
	assert.True(t, status.IsHealthy())
}

func TestWorker_NonRetryableSkipsRetries(t *testing.T) {
	var writes atomic.Int32
	sink := sinkFunc(func(context.Context, []*ami.Event) error {
		writes.Add(1)
		return retry.NonRetryable(fmt.Errorf("bad column"))
	})
	w := startWorker(t, WorkerConfig{ID: "db", QueueSize: 10, BatchSize: 1, Retry: fastRetry(5)}, sink, WorkerDeps{})
	w.Enqueue(testEvent("pbx1", 0))

	require.Eventually(t, func() bool { return w.Stats().FailedBatches == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), writes.Load())
}

func TestWorker_FullQueueDropsNewest(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	w, err := NewWorker(WorkerConfig{ID: "cache", QueueSize: 3, BatchSize: 1}, testutil.NewMockSink(), WorkerDeps{MetricsRegistry: registry})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		w.Enqueue(testEvent("pbx1", uint64(i)))
	}
	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Enqueued)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, 3, stats.QueueDepth)

	core := registry.CoreMetrics()
	assert.Equal(t, float64(2), promtest.ToFloat64(core.Dropped.WithLabelValues("cache", DropQueueFull)))
	require.NoError(t, w.Stop(time.Second))
}

func TestWorker_StopDrainsQueueAndClosesSink(t *testing.T) {
	sink := testutil.NewMockSink()
	w, err := NewWorker(WorkerConfig{ID: "file", QueueSize: 100, BatchSize: 10, FlushInterval: time.Hour, Retry: fastRetry(1)}, sink, WorkerDeps{})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	for i := 0; i < 5; i++ {
		w.Enqueue(testEvent("pbx1", uint64(i)))
	}
	require.NoError(t, w.Stop(time.Second))

	assert.Len(t, sink.Events(), 5)
	assert.True(t, sink.Closed())
	assert.False(t, w.Enqueue(testEvent("pbx1", 9)))
	assert.Equal(t, int64(1), w.Stats().Dropped)
}

func TestWorker_StopBoundsBlockedSink(t *testing.T) {
	sink := testutil.NewMockSink()
	sink.SetBlocking(true)
	w, err := NewWorker(WorkerConfig{ID: "bus", QueueSize: 100, BatchSize: 1, Retry: fastRetry(1), WriteTimeout: time.Hour}, sink, WorkerDeps{})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	for i := 0; i < 3; i++ {
		w.Enqueue(testEvent("pbx1", uint64(i)))
	}
	require.Eventually(t, func() bool { return sink.Writes() >= 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	_ = w.Stop(100 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, sink.Closed, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.Events())
	assert.Equal(t, int64(3), w.Stats().Dropped)
}

func TestWorker_StopWithoutStartClosesSink(t *testing.T) {
	sink := testutil.NewMockSink()
	w, err := NewWorker(WorkerConfig{ID: "file"}, sink, WorkerDeps{})
	require.NoError(t, err)
	require.NoError(t, w.Stop(time.Second))
	assert.True(t, sink.Closed())
}

func TestWorker_DoubleStart(t *testing.T) {
	w := startWorker(t, WorkerConfig{ID: "file"}, testutil.NewMockSink(), WorkerDeps{})
	assert.Error(t, w.Start(context.Background()))
}

type sinkFunc func(context.Context, []*ami.Event) error

func (f sinkFunc) Write(ctx context.Context, events []*ami.Event) error { return f(ctx, events) }
func (f sinkFunc) Close() error                                         { return nil }
