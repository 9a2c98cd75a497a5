// Package retry decides whether a failed attempt gets another try.
package retry

import "time"

// Policy is a bounded retry budget with an advisory delay table
type Policy struct {
	maxRetries int
	delays     []time.Duration
}

// New creates a policy. The delay table is copied.
func New(maxRetries int, delays []time.Duration) *Policy {
	d := make([]time.Duration, len(delays))
	copy(d, delays)
	return &Policy{maxRetries: maxRetries, delays: d}
}

// ShouldRetry reports whether attempt number n (1-based) may be retried
func (p *Policy) ShouldRetry(n int) bool {
	return n < p.maxRetries
}

// NextDelay returns the wait suggested after attempt n. Indices past the end
// of the table clamp to its last entry; an empty table yields zero.
func (p *Policy) NextDelay(n int) time.Duration {
	if len(p.delays) == 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	if n >= len(p.delays) {
		n = len(p.delays) - 1
	}
	return p.delays[n]
}

// MaxRetries returns the configured budget
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}
