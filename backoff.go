package dnssd

import (
	"sync"
	"time"
)

// Backoff produces the retransmission intervals of a continuous query: the
// first call returns the initial interval and each following call doubles
// it up to max (RFC 6762 §5.2).
//
// If SetDecay was given a non-zero duration and no interval was requested
// for that long, the schedule starts over from the initial interval.
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	prev    time.Duration
	decay   time.Duration
	last    time.Time
	hold    bool
	now     func() time.Time
}

// NewBackoff returns a schedule starting at interval and capped at max.
func NewBackoff(max, interval time.Duration) *Backoff {
	if interval <= 0 {
		interval = time.Second
	}
	if max < interval {
		max = interval
	}
	return &Backoff{
		initial: interval,
		max:     max,
		now:     time.Now,
	}
}

// SetDecay sets the idle period after which the schedule resets.
func (b *Backoff) SetDecay(d time.Duration) {
	b.mu.Lock()
	b.decay = d
	b.mu.Unlock()
}

// Duration returns the next interval and advances the schedule.
func (b *Backoff) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.decay > 0 && b.prev != 0 && now.Sub(b.last) > b.decay {
		b.prev = 0
	}
	b.last = now

	switch {
	case b.prev == 0:
		b.prev = b.initial
	case b.hold:
	default:
		b.prev *= 2
		if b.prev > b.max {
			b.prev = b.max
		}
	}
	b.hold = false
	return b.prev
}

// Hold makes the next call to Duration repeat the previous interval instead
// of doubling it. The query engine holds while new answers keep arriving.
func (b *Backoff) Hold() {
	b.mu.Lock()
	b.hold = true
	b.mu.Unlock()
}

// Reset starts the schedule over from the initial interval.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.prev = 0
	b.hold = false
	b.mu.Unlock()
}
