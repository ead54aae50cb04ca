package retryqueue

import (
	"math"
	"time"
)

// Backoff computes the interval between successive send attempts for a
// single outbound entry: the first RetriesBeforeBackoff attempts use a
// constant interval, then the interval doubles on each subsequent attempt
// up to Max, where it holds.
type Backoff struct {
	RetriesBeforeBackoff int
	Interval             time.Duration
	Max                  time.Duration
}

// DefaultBackoff matches the transport's documented defaults.
func DefaultBackoff() Backoff {
	return Backoff{RetriesBeforeBackoff: 5, Interval: time.Second, Max: 10 * time.Second}
}

// at returns the wait duration before the given 1-indexed attempt.
func (b Backoff) at(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt <= b.RetriesBeforeBackoff {
		return b.Interval
	}
	exponent := attempt - b.RetriesBeforeBackoff
	ms := float64(b.Interval.Milliseconds()) * math.Pow(2, float64(exponent))
	if maxMS := float64(b.Max.Milliseconds()); ms > maxMS {
		ms = maxMS
	}
	return time.Duration(ms) * time.Millisecond
}

// expiration is the stateful predicate described in the design notes: it
// ticks true exactly when the backoff-derived interval since the last
// ready tick has elapsed. The first Poll call always returns true.
type expiration struct {
	backoff      Backoff
	attempt      int
	nextDeadline time.Time
}

func newExpiration(b Backoff) *expiration {
	return &expiration{backoff: b}
}

// Poll reports whether the entry is ready to send at time now, and if so
// advances the internal state for the next interval.
func (e *expiration) Poll(now time.Time) bool {
	if !e.nextDeadline.IsZero() && now.Before(e.nextDeadline) {
		return false
	}
	e.attempt++
	e.nextDeadline = now.Add(e.backoff.at(e.attempt))
	return true
}
