package buffer

import (
	"sync"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

// circularBuffer is a ring of fixed capacity guarded by one mutex.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	notify chan struct{}
	stats  *Statistics
	opts   *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) *circularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		stats:    NewStatistics(),
		opts:     opts,
	}
}

func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	var dropped T
	hasDropped := false

	if cb.size == cb.capacity {
		cb.stats.Overflow()
		cb.stats.Drop()
		cb.opts.metrics.drop(cb.opts.label)

		if cb.opts.overflowPolicy == DropNewest {
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return errors.WrapTransient(errors.ErrQueueFull, "Buffer", "Write", "enqueue")
		}

		dropped = cb.items[cb.tail]
		hasDropped = true
		var zero T
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	cb.opts.metrics.write(cb.opts.label, cb.size)
	cb.mu.Unlock()

	select {
	case cb.notify <- struct{}{}:
	default:
	}

	if hasDropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	batch := cb.ReadBatch(1)
	if len(batch) == 0 {
		var zero T
		return zero, false
	}
	return batch[0], true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := max
	if n > cb.size {
		n = cb.size
	}

	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
	}
	cb.size -= n

	cb.stats.Read(int64(n))
	cb.stats.UpdateSize(int64(cb.size))
	cb.opts.metrics.size(cb.opts.label, cb.size)

	return result
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	return cb.Size() == 0
}

func (cb *circularBuffer[T]) Notify() <-chan struct{} {
	return cb.notify
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
