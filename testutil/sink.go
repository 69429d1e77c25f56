package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
)

// ErrMockSink is returned by a failing MockSink.
var ErrMockSink = errors.New("mock sink failure")

// MockSink records every delivered batch. It can be switched to fail or to
// block until its context is cancelled.
type MockSink struct {
	mu      sync.Mutex
	events  []*ami.Event
	batches int
	writes  int
	fail    bool
	block   bool
	closed  bool
	written chan struct{}
}

// NewMockSink creates a sink that accepts every batch.
func NewMockSink() *MockSink {
	return &MockSink{written: make(chan struct{}, 1)}
}

// SetFailing makes later writes return ErrMockSink.
func (s *MockSink) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// SetBlocking makes later writes wait for their context.
func (s *MockSink) SetBlocking(block bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = block
}

// Write implements the sink contract.
func (s *MockSink) Write(ctx context.Context, events []*ami.Event) error {
	s.mu.Lock()
	s.writes++
	fail, block := s.fail, s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return ErrMockSink
	}

	s.mu.Lock()
	s.events = append(s.events, events...)
	s.batches++
	s.mu.Unlock()

	select {
	case s.written <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the sink closed.
func (s *MockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns a copy of the delivered events in delivery order.
func (s *MockSink) Events() []*ami.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ami.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Batches returns the number of successful writes.
func (s *MockSink) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Writes returns the number of write calls, failed ones included.
func (s *MockSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Closed reports whether Close was called.
func (s *MockSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WaitForEvents blocks until at least n events were delivered or the
// timeout expires.
func (s *MockSink) WaitForEvents(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		got := len(s.events)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-s.written:
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
