package redis

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
)

type fakeAppender struct {
	batches [][]*redis.XAddArgs
	err     error
	closed  bool
}

func (f *fakeAppender) Append(_ context.Context, entries []*redis.XAddArgs) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, entries)
	return nil
}

func (f *fakeAppender) Close() error {
	f.closed = true
	return nil
}

var received = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func event(server, name string, seq uint64) *ami.Event {
	return ami.NewEvent(server, "sess-1", seq, received, ami.Block{
		{Key: "Event", Value: name},
		{Key: "Cause", Value: "16"},
	})
}

func TestSink_BuildsEntries(t *testing.T) {
	app := &fakeAppender{}
	s, err := NewSink(Config{Stream: "ami:{server}", MaxLen: 10000}, app, nil)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), []*ami.Event{
		event("pbx1", "Hangup", 7),
		event("pbx2", "Newchannel", 0),
	}))

	require.Len(t, app.batches, 1)
	entries := app.batches[0]
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "ami:pbx1", first.Stream)
	assert.Equal(t, int64(10000), first.MaxLen)
	assert.True(t, first.Approx)
	assert.Equal(t, []any{
		"server", "pbx1",
		"session_id", "sess-1",
		"sequence", "7",
		"received_at", "2024-05-01T10:00:00Z",
		"event", "Hangup",
		"fields", `{"Event":"Hangup","Cause":"16"}`,
	}, first.Values)
	assert.Equal(t, "ami:pbx2", entries[1].Stream)
}

func TestSink_NoTrimming(t *testing.T) {
	app := &fakeAppender{}
	s, err := NewSink(Config{Stream: "ami"}, app, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), []*ami.Event{event("pbx1", "Hangup", 0)}))
	assert.False(t, app.batches[0][0].Approx)
	assert.Zero(t, app.batches[0][0].MaxLen)
}

func TestSink_AppendError(t *testing.T) {
	s, err := NewSink(Config{Stream: "ami"}, &fakeAppender{err: fmt.Errorf("READONLY")}, nil)
	require.NoError(t, err)
	assert.Error(t, s.Write(context.Background(), []*ami.Event{event("pbx1", "Hangup", 0)}))
}

func TestNewSink_Validation(t *testing.T) {
	_, err := NewSink(Config{}, &fakeAppender{}, nil)
	assert.Error(t, err)
	_, err = NewSink(Config{Stream: "x", MaxLen: -1}, &fakeAppender{}, nil)
	assert.Error(t, err)
	_, err = NewSink(Config{Stream: "x"}, nil, nil)
	assert.Error(t, err)
}

func TestClient_UnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewClient(Config{Addr: addr})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, c.Append(ctx, []*redis.XAddArgs{{Stream: "ami", Values: []any{"k", "v"}}}))
	assert.NoError(t, c.Append(ctx, nil))
}
