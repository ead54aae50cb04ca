// Package retryqueue implements the per-peer outbound message scheduler:
// batching, deduplication, reachability-gated sending, exponential
// backoff, and idle self-termination.
package retryqueue

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/logging"
	"github.com/oriys/courier/internal/message"
	"github.com/oriys/courier/internal/metrics"
)

// SendFunc posts one already-assembled NDJSON batch body to peer.
type SendFunc func(ctx context.Context, peer address.Address, body string) error

// ReachabilityFunc reports whether peer is currently reachable.
type ReachabilityFunc func(peer address.Address) bool

// PendingFunc reports whether a retryable message is still pending in the
// application's outbound queue (i.e. not yet acknowledged or withdrawn).
// Non-retryable messages never call this.
type PendingFunc func(queueID message.QueueIdentifier, msg message.Message) bool

// Config tunes a Queue's scheduling.
type Config struct {
	Backoff             Backoff
	IdleAfter           int           // consecutive empty ticks before the loop exits
	MaxBatchBytes       int           // soft cap on a single NDJSON batch
	PollInterval        time.Duration // how long Run waits between wake-ups when idle
	PrioritizeBroadcast func() bool   // while true, checkAndSend defers to let broadcast traffic drain first
	Breaker             BreakerConfig // per-peer send-fault classifier; zero value disables it
}

// DefaultConfig matches the transport's documented defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:       DefaultBackoff(),
		IdleAfter:     10,
		MaxBatchBytes: message.DefaultMaxBatchBytes,
		PollInterval:  time.Second,
	}
}

type entry struct {
	queueID  message.QueueIdentifier
	msg      message.Message
	text     string
	exp      *expiration
	sentOnce bool
}

// Queue is a single-writer outbound scheduler for one peer.
type Queue struct {
	peer      address.Address
	cfg       Config
	send      SendFunc
	reachable ReachabilityFunc
	pending   PendingFunc
	breaker   *sendBreaker

	mu        sync.Mutex
	buf       []*entry
	idleTicks int

	wake chan struct{}
}

// New constructs a Queue for peer. cfg.Breaker's zero value disables
// circuit breaking for this queue.
func New(peer address.Address, cfg Config, send SendFunc, reachable ReachabilityFunc, pending PendingFunc) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 10
	}
	return &Queue{
		peer:      peer,
		cfg:       cfg,
		send:      send,
		reachable: reachable,
		pending:   pending,
		breaker:   newSendBreaker(cfg.Breaker),
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue adds msg under queueID, deduplicating against any existing
// identical (queueID, msg) pair. Returns true if the message was added.
func (q *Queue) Enqueue(queueID message.QueueIdentifier, msg message.Message) bool {
	text, err := message.Serialize(msg)
	if err != nil {
		logging.Op().Error("retryqueue: serialize failed", "peer", q.peer, "err", err)
		return false
	}

	q.mu.Lock()
	for _, e := range q.buf {
		if e.queueID == queueID && e.text == text {
			q.mu.Unlock()
			return false
		}
	}
	q.buf = append(q.buf, &entry{
		queueID: queueID,
		msg:     msg,
		text:    text,
		exp:     newExpiration(q.cfg.Backoff),
	})
	q.mu.Unlock()

	q.Notify()
	return true
}

// EnqueueUnordered is shorthand for Enqueue with the peer's unordered
// queue identifier, used for acks, pings, and pongs.
func (q *Queue) EnqueueUnordered(msg message.Message) bool {
	return q.Enqueue(message.Unordered(q.peer), msg)
}

// Notify wakes the main loop if it is currently waiting.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// IsIdle reports whether the queue has seen IdleAfter consecutive empty
// ticks and should not be reused; callers must create a new Queue.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idleTicks >= q.cfg.IdleAfter
}

// Depth returns the current buffered entry count, for metrics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Run executes the main loop until the queue goes idle or ctx is
// cancelled, whichever happens first.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		q.tick(ctx)

		if q.IsIdle() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) tick(ctx context.Context) {
	q.mu.Lock()
	empty := len(q.buf) == 0
	if empty {
		q.idleTicks++
	} else {
		q.idleTicks = 0
	}
	q.mu.Unlock()

	if empty {
		return
	}
	q.checkAndSend(ctx)
}

func (q *Queue) checkAndSend(ctx context.Context) {
	if q.cfg.PrioritizeBroadcast != nil && q.cfg.PrioritizeBroadcast() {
		return
	}
	if !q.breaker.Allow() {
		return
	}
	if q.reachable != nil && !q.reachable(q.peer) {
		return
	}

	now := time.Now()

	q.mu.Lock()
	var toSend []*entry
	var keep []*entry
	for _, e := range q.buf {
		if !e.msg.Retryable() {
			if e.sentOnce {
				continue // drop: already sent once, non-retryable
			}
			e.sentOnce = true
			toSend = append(toSend, e)
			continue // never kept: non-retryable sends exactly once
		}
		if q.pending != nil && !q.pending(e.queueID, e.msg) {
			continue // drop: application no longer wants this sent
		}
		if e.exp.Poll(now) {
			toSend = append(toSend, e)
		}
		keep = append(keep, e) // retryable entries stay until the app withdraws them
	}
	q.buf = keep
	q.mu.Unlock()

	if len(toSend) == 0 {
		return
	}

	texts := make([]string, len(toSend))
	for i, e := range toSend {
		texts[i] = e.text
	}

	batches := message.MakeBatches(texts, q.cfg.MaxBatchBytes)
	for _, batch := range batches {
		start := time.Now()
		err := q.send(ctx, q.peer, batch)
		now := time.Now()
		durationMs := now.Sub(start).Milliseconds()
		if err != nil {
			logging.Op().Warn("retryqueue: send failed", "peer", q.peer, "err", err)
			metrics.RecordSendFailure("room_service_send")
			metrics.RecordMessageSent("batch", false, durationMs)
			q.breaker.Record(true, now)
			continue
		}
		metrics.RecordMessageSent("batch", true, durationMs)
		metrics.ObserveBatchSize(len(toSend))
		q.breaker.Record(false, now)
	}
}
