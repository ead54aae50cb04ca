package retryqueue

import (
	"testing"
	"time"
)

func TestBackoffMonotonic(t *testing.T) {
	b := Backoff{RetriesBeforeBackoff: 2, Interval: time.Second, Max: 8 * time.Second}

	got := []time.Duration{b.at(1), b.at(2), b.at(3), b.at(4), b.at(5), b.at(6), b.at(7)}
	want := []time.Duration{
		time.Second, time.Second, // linear phase
		2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second, // doubling then capped
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("at(%d) = %v, want %v", i+1, got[i], want[i])
		}
	}
}

func TestExpirationFirstPollAlwaysReady(t *testing.T) {
	e := newExpiration(DefaultBackoff())
	if !e.Poll(time.Now()) {
		t.Fatal("expected first poll to be ready")
	}
}

func TestExpirationNotReadyUntilIntervalElapses(t *testing.T) {
	e := newExpiration(Backoff{RetriesBeforeBackoff: 10, Interval: time.Hour, Max: time.Hour})
	now := time.Now()
	if !e.Poll(now) {
		t.Fatal("expected first poll to be ready")
	}
	if e.Poll(now.Add(time.Minute)) {
		t.Fatal("expected second poll before interval elapsed to be not-ready")
	}
	if !e.Poll(now.Add(2 * time.Hour)) {
		t.Fatal("expected poll after interval elapsed to be ready")
	}
}
