package retryqueue

import (
	"sync"
	"time"
)

// BreakerConfig tunes the per-peer send-fault classifier embedded in a
// Queue. Any non-positive field disables circuit breaking entirely.
type BreakerConfig struct {
	ErrorPct       float64       // error percentage (0-100) within WindowDuration that trips the breaker
	WindowDuration time.Duration // sliding window over which ErrorPct is evaluated
	OpenDuration   time.Duration // how long sends are blocked before the next attempt is let through as a probe
}

// sendBreaker gates a peer's outbound sends against a sliding window of
// recent send outcomes. A generic backend-health circuit breaker (guarding
// a shared resource called concurrently from many goroutines) needs a
// half-open state with its own probe budget, to stop a stampede of callers
// from all probing a recovering backend at once. A Queue's sends have no
// such stampede to guard against: checkAndSend is the only caller, run
// from the Queue's single loop goroutine, so there is never more than one
// outbound attempt in flight for a given peer. Reopening after
// OpenDuration therefore just means "let the loop's next scheduled attempt
// through and see what happens" — the queue's own backoff-gated retry
// *is* the probe, with no separate counter needed.
type sendBreaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	open     bool
	openedAt time.Time
	window   []attempt
}

type attempt struct {
	at     time.Time
	failed bool
}

// maxWindowEntries caps the window to bound memory under pathological
// failure volume.
const maxWindowEntries = 10000

// newSendBreaker returns nil (meaning "never block") when cfg leaves
// circuit breaking unconfigured.
func newSendBreaker(cfg BreakerConfig) *sendBreaker {
	if cfg.ErrorPct <= 0 || cfg.WindowDuration <= 0 || cfg.OpenDuration <= 0 {
		return nil
	}
	return &sendBreaker{cfg: cfg}
}

// Allow reports whether a send to this peer should be attempted now. A
// nil breaker always allows.
func (b *sendBreaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	return time.Since(b.openedAt) >= b.cfg.OpenDuration
}

// Record reports the outcome of a send attempted because Allow returned
// true, advancing the breaker's state.
func (b *sendBreaker) Record(failed bool, now time.Time) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		if failed {
			// The implicit probe failed; stay open and restart the wait.
			b.openedAt = now
			return
		}
		// The implicit probe succeeded: close and start over with a clean
		// window rather than carrying forward the failures that tripped it.
		b.open = false
		b.window = nil
		return
	}

	cutoff := now.Add(-b.cfg.WindowDuration)
	kept := b.window[:0]
	for _, a := range b.window {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	b.window = append(kept, attempt{at: now, failed: failed})
	if len(b.window) > maxWindowEntries {
		b.window = b.window[len(b.window)-maxWindowEntries:]
	}

	var failures int
	for _, a := range b.window {
		if a.failed {
			failures++
		}
	}
	if float64(failures)/float64(len(b.window))*100 >= b.cfg.ErrorPct {
		b.open = true
		b.openedAt = now
	}
}
