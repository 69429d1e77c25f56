package buffer

// Buffer is a bounded FIFO parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item. Under DropNewest a full buffer rejects the item
	// and returns an error wrapping errors.ErrQueueFull.
	Write(item T) error

	// Read retrieves and removes one item.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Notify returns a channel signalled after successful writes. Signals
	// coalesce, so a reader must drain the buffer after each wake-up.
	Notify() <-chan struct{}

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes. Buffered items remain readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest rejects new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each dropped item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) Buffer[T] {
	return newCircularBuffer(capacity, applyOptions(options...))
}
