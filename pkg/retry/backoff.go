package retry

import (
	"time"
)

// Policy describes a reconnect delay schedule.
type Policy struct {
	Initial    time.Duration // first delay after a failure
	Max        time.Duration // cap on any delay, jitter included
	Multiplier float64       // growth factor per consecutive failure
	Jitter     float64       // extra random fraction of the base delay, 0..1
	ResetAfter time.Duration // success duration required before the schedule restarts
}

// DefaultTransportPolicy is used for connect, read and framing failures.
func DefaultTransportPolicy() Policy {
	return Policy{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2.0,
		Jitter:     0.2,
		ResetAfter: time.Minute,
	}
}

// DefaultAuthPolicy is slower so rejected credentials do not hammer the server.
func DefaultAuthPolicy() Policy {
	return Policy{
		Initial:    30 * time.Second,
		Max:        10 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.2,
		ResetAfter: time.Minute,
	}
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff hands out delays for consecutive failures. Delays never decrease
// until Reset and never exceed Policy.Max. A Backoff is owned by a single
// goroutine and is not safe for concurrent use.
type Backoff struct {
	policy   Policy
	base     time.Duration
	last     time.Duration
	attempts int
}

// NewBackoff creates a Backoff positioned at the start of the schedule.
func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p.normalized()}
}

// Policy returns the effective policy.
func (b *Backoff) Policy() Policy {
	return b.policy
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.attempts == 0 {
		b.base = b.policy.Initial
	} else {
		b.base = grow(b.base, b.policy.Multiplier, b.policy.Max)
	}
	b.attempts++

	d := b.base
	if b.policy.Jitter > 0 {
		d += jitter(b.base, b.policy.Jitter)
	}
	if d > b.policy.Max {
		d = b.policy.Max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset restarts the schedule at Policy.Initial.
func (b *Backoff) Reset() {
	b.base = 0
	b.last = 0
	b.attempts = 0
}

// Succeeded records a period of healthy operation and resets the schedule
// only when it lasted at least Policy.ResetAfter. It reports whether a reset happened.
func (b *Backoff) Succeeded(healthy time.Duration) bool {
	if healthy < b.policy.ResetAfter {
		return false
	}
	b.Reset()
	return true
}
