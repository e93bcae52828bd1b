// Package link maintains the two persistent TCP connections to the vehicle:
// the binary video feed and the line-oriented control channel. Each link is
// owned by a Supervisor that dials, hands the socket to a stream handler, and
// reconnects with bounded exponential backoff on any failure.
package link

import "time"

type backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

// newBackoff constructs an exponential backoff schedule. Base and max are
// normalized so Next always returns a positive delay no larger than max.
func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max, cur: base}
}

// Next returns the current delay and advances the window, doubling up to max.
func (b *backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset restarts the schedule at the base delay. Called after a successful
// connect so the next failure retries quickly.
func (b *backoff) Reset() {
	b.cur = b.base
}
