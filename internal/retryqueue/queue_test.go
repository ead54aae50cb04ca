package retryqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/message"
)

func testPeer(b byte) address.Address {
	var a address.Address
	a[19] = b
	return a
}

type recordingSender struct {
	mu      sync.Mutex
	batches []string
}

func (s *recordingSender) send(ctx context.Context, peer address.Address, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, body)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func alwaysReachable(address.Address) bool                        { return true }
func alwaysPending(message.QueueIdentifier, message.Message) bool { return true }

func TestQueueDedupesIdenticalEnqueue(t *testing.T) {
	q := New(testPeer(1), DefaultConfig(), (&recordingSender{}).send, alwaysReachable, alwaysPending)
	qid := message.QueueIdentifier{Recipient: testPeer(1), CanonicalID: "channel-1"}
	msg := message.NewRetryable(1, json.RawMessage(`{"x":1}`))

	if !q.Enqueue(qid, msg) {
		t.Fatal("expected first enqueue to succeed")
	}
	if q.Enqueue(qid, msg) {
		t.Fatal("expected duplicate enqueue to be rejected")
	}
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth())
	}
}

func TestQueueSendsRetryableAndDropsAfterAck(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond

	acked := false
	pendingFn := func(qid message.QueueIdentifier, m message.Message) bool { return !acked }

	q := New(testPeer(2), cfg, sender.send, alwaysReachable, pendingFn)
	qid := message.QueueIdentifier{Recipient: testPeer(2), CanonicalID: "channel-1"}
	q.Enqueue(qid, message.NewRetryable(7, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go q.Run(ctx)

	deadline := time.After(150 * time.Millisecond)
	for sender.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first send")
		case <-time.After(5 * time.Millisecond):
		}
	}

	acked = true
	q.Notify()

	time.Sleep(50 * time.Millisecond)
	if q.Depth() != 0 {
		t.Fatalf("expected entry removed once no longer pending, depth=%d", q.Depth())
	}
}

func TestQueueUnreachablePeerBlocksSend(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond

	q := New(testPeer(3), cfg, sender.send, func(address.Address) bool { return false }, alwaysPending)
	q.EnqueueUnordered(message.NewPing())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	q.Run(ctx)

	if sender.count() != 0 {
		t.Fatalf("expected no sends while unreachable, got %d", sender.count())
	}
}

func TestQueueIdlesOutAfterEmptyTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleAfter = 3
	cfg.PollInterval = 5 * time.Millisecond

	sender := &recordingSender{}
	q := New(testPeer(4), cfg, sender.send, alwaysReachable, alwaysPending)

	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected queue to idle out")
	}
	if !q.IsIdle() {
		t.Fatal("expected IsIdle to be true after loop exit")
	}
}

func TestQueuePrioritizeBroadcastDefersSend(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	blocking := true
	cfg.PrioritizeBroadcast = func() bool { return blocking }

	q := New(testPeer(5), cfg, sender.send, alwaysReachable, alwaysPending)
	q.EnqueueUnordered(message.NewPing())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	q.Run(ctx)

	if sender.count() != 0 {
		t.Fatalf("expected send deferred while broadcast prioritized, got %d sends", sender.count())
	}
}
