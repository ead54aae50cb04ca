package retryqueue

import (
	"testing"
	"time"
)

func TestSendBreakerNilAlwaysAllows(t *testing.T) {
	var b *sendBreaker
	if !b.Allow() {
		t.Fatal("nil breaker should always allow")
	}
	b.Record(true, time.Now()) // must not panic
}

func TestSendBreakerUnconfiguredIsNil(t *testing.T) {
	if newSendBreaker(BreakerConfig{}) != nil {
		t.Fatal("zero-value config should disable the breaker")
	}
}

func TestSendBreakerClosedAllowsUntilThreshold(t *testing.T) {
	b := newSendBreaker(BreakerConfig{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   5 * time.Second,
	})

	now := time.Now()
	b.Record(false, now)
	b.Record(false, now)
	b.Record(true, now) // 1/3 failed, below the 50% threshold
	if !b.Allow() {
		t.Fatal("breaker should still allow below the error threshold")
	}
}

func TestSendBreakerTripsOnHighErrorRate(t *testing.T) {
	b := newSendBreaker(BreakerConfig{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   5 * time.Second,
	})

	now := time.Now()
	b.Record(false, now)
	b.Record(true, now)
	b.Record(true, now) // already open: the previous record made 1/2 failed, meeting the 50% threshold

	if b.Allow() {
		t.Fatal("expected breaker to be open after exceeding the error threshold")
	}
}

func TestSendBreakerAdmitsImplicitProbeAfterOpenDuration(t *testing.T) {
	b := newSendBreaker(BreakerConfig{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
	})

	now := time.Now()
	b.Record(true, now)
	b.Record(true, now)
	if b.Allow() {
		t.Fatal("expected breaker open immediately after tripping")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected the next attempt after OpenDuration to be admitted as an implicit probe")
	}
}

func TestSendBreakerClosesAfterSuccessfulImplicitProbe(t *testing.T) {
	b := newSendBreaker(BreakerConfig{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
	})

	now := time.Now()
	b.Record(true, now)
	b.Record(true, now)
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected implicit probe to be admitted")
	}
	b.Record(false, time.Now())

	if !b.Allow() {
		t.Fatal("expected breaker to be closed after a successful probe")
	}
}

func TestSendBreakerReopensOnFailedImplicitProbe(t *testing.T) {
	b := newSendBreaker(BreakerConfig{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
	})

	now := time.Now()
	b.Record(true, now)
	b.Record(true, now)
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected implicit probe to be admitted")
	}
	probeAt := time.Now()
	b.Record(true, probeAt)

	if b.Allow() {
		t.Fatal("expected breaker to reopen immediately after a failed probe")
	}
}

func TestSendBreakerWindowExpiresStaleFailures(t *testing.T) {
	b := newSendBreaker(BreakerConfig{
		ErrorPct:       50,
		WindowDuration: 10 * time.Millisecond,
		OpenDuration:   time.Second,
	})

	base := time.Now()
	b.Record(true, base)
	b.Record(true, base)

	// By the time of this later record, the earlier failures have aged
	// out of the window, so a single success should not trip it.
	later := base.Add(50 * time.Millisecond)
	b.Record(false, later)

	if !b.Allow() {
		t.Fatal("expected stale failures outside the window not to trip the breaker")
	}
}
