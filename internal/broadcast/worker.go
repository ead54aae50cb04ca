// Package broadcast posts coalesced, fire-and-forget messages to the
// well-known public rooms peers use for discovery and network-wide
// announcements.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/courier/internal/logging"
	"github.com/oriys/courier/internal/message"
	"github.com/oriys/courier/internal/metrics"
	"github.com/oriys/courier/internal/roomclient"
)

// RoomResolver resolves a broadcast room suffix to a joined room,
// creating and joining it on first use. Implemented by roommanager in
// production.
type RoomResolver interface {
	EnsureBroadcastRoom(ctx context.Context, suffix string) (roomclient.RoomID, error)
}

// Worker batches outbound broadcast messages per room suffix and posts
// them on a fixed interval (or sooner, when Notify is called).
type Worker struct {
	client        roomclient.RoomClient
	resolver      RoomResolver
	retryInterval time.Duration
	maxBatchBytes int

	mu     sync.Mutex
	queued map[string][]string // room suffix -> serialized message texts
	wake   chan struct{}

	prioritize atomic.Bool
}

// New constructs a Worker. retryInterval bounds how long Run waits
// between drains when idle.
func New(client roomclient.RoomClient, resolver RoomResolver, retryInterval time.Duration, maxBatchBytes int) *Worker {
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	if maxBatchBytes <= 0 {
		maxBatchBytes = message.DefaultMaxBatchBytes
	}
	w := &Worker{
		client:        client,
		resolver:      resolver,
		retryInterval: retryInterval,
		maxBatchBytes: maxBatchBytes,
		queued:        make(map[string][]string),
		wake:          make(chan struct{}, 1),
	}
	w.prioritize.Store(true)
	return w
}

// Prioritized reports whether outbound retry queues should defer to the
// broadcast worker, as set at construction and cleared after this
// worker's first drain that either finds the queue empty or posts at
// least one batch.
func (w *Worker) Prioritized() bool {
	return w.prioritize.Load()
}

// Enqueue queues msg for posting to the broadcast room identified by
// suffix (e.g. "discovery", "monitoring").
func (w *Worker) Enqueue(suffix string, msg message.Message) error {
	text, err := message.Serialize(msg)
	if err != nil {
		return fmt.Errorf("broadcast: serialize: %w", err)
	}
	w.mu.Lock()
	w.queued[suffix] = append(w.queued[suffix], text)
	w.mu.Unlock()
	w.Notify()
	return nil
}

// Notify wakes the worker loop if it is waiting.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.retryInterval):
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	w.mu.Lock()
	batch := w.queued
	w.queued = make(map[string][]string)
	w.mu.Unlock()

	if len(batch) == 0 {
		w.prioritize.Store(false)
		return
	}

	succeeded := false
	for suffix, texts := range batch {
		room, err := w.resolver.EnsureBroadcastRoom(ctx, suffix)
		if err != nil {
			logging.Op().Warn("broadcast: ensure room failed", "suffix", suffix, "err", err)
			// re-queue for the next tick rather than dropping
			w.mu.Lock()
			w.queued[suffix] = append(texts, w.queued[suffix]...)
			w.mu.Unlock()
			continue
		}

		for _, body := range message.MakeBatches(texts, w.maxBatchBytes) {
			if err := w.client.SendText(ctx, room, body); err != nil {
				logging.Op().Warn("broadcast: send failed", "suffix", suffix, "room", room, "err", err)
				continue
			}
			metrics.RecordBroadcastSent(suffix)
			succeeded = true
		}
	}

	if succeeded {
		w.prioritize.Store(false)
	}
}
