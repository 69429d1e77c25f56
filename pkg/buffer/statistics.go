package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity. It is always collected.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records an accepted item.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records n removed items.
func (s *Statistics) Read(n int64) { s.reads.Add(n) }

// Overflow records a write against a full buffer.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// Drop records an item lost to the overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current size and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		current := s.maxSize.Load()
		if size <= current || s.maxSize.CompareAndSwap(current, size) {
			return
		}
	}
}

// Writes returns the number of accepted items.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of removed items.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the number of writes against a full buffer.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of dropped items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the last recorded size.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Writes    int64 `json:"writes"`
	Reads     int64 `json:"reads"`
	Overflows int64 `json:"overflows"`
	Drops     int64 `json:"drops"`
	Size      int64 `json:"size"`
	MaxSize   int64 `json:"max_size"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:    s.Writes(),
		Reads:     s.Reads(),
		Overflows: s.Overflows(),
		Drops:     s.Drops(),
		Size:      s.CurrentSize(),
		MaxSize:   s.MaxSize(),
	}
}
