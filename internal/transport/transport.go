// Package transport orchestrates the room-service client, room manager,
// presence tracking, per-peer retry queues, the inbound pipeline, and the
// broadcast worker into the single entrypoint applications use to send
// and receive peer-to-peer messages over the room-service substrate.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/audit"
	"github.com/oriys/courier/internal/broadcast"
	"github.com/oriys/courier/internal/cache"
	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/inbound"
	"github.com/oriys/courier/internal/logging"
	"github.com/oriys/courier/internal/message"
	"github.com/oriys/courier/internal/metrics"
	"github.com/oriys/courier/internal/presence"
	"github.com/oriys/courier/internal/retryqueue"
	"github.com/oriys/courier/internal/roomclient"
	"github.com/oriys/courier/internal/roommanager"
)

// ErrUnrecoverable wraps startup failures the application must treat as
// fatal (login failure, unreachable homeserver, malformed SDK responses).
var ErrUnrecoverable = errors.New("transport: unrecoverable startup error")

// ErrInvalidPayload is returned by SendAsync for the zero address.
var ErrInvalidPayload = errors.New("transport: invalid send payload")

// Options configures a Transport instance.
type Options struct {
	Self              address.Address
	ServerName        string
	BroadcastSuffixes []string

	Retry          retryqueue.Config
	Room           roommanager.Config
	CircuitBreaker retryqueue.BreakerConfig
	DisplayNameTTL time.Duration

	WhitelistConcurrency int // bounded fan-out for initial whitelisting, default 10
	InitialWhitelist     []address.Address

	Audit audit.Sink  // best-effort delivery/reachability audit trail; nil means audit.NoopSink{}
	Cache cache.Cache // display-name validation cache; nil means cache.NewInMemoryCache()

	// Pending reports whether a retryable message is still present in the
	// application's outbound queue; the RetryQueue drops entries for which
	// this returns false instead of retrying forever. Nil means every
	// retryable message stays pending: it is resent on its backoff schedule
	// for as long as the queue runs, and neither a Delivered ack nor the
	// absence of further SendAsync calls removes it.
	Pending retryqueue.PendingFunc
}

// Handler receives every accepted application message from a peer.
type Handler func(peer address.Address, msg message.Message)

// Transport is the orchestrator tying every component together.
type Transport struct {
	opts       Options
	self       address.Address
	selfUserID identity.UserID

	client     roomclient.RoomClient
	tokenStore TokenStore

	names *identity.DisplayNameCache
	users *presence.UserAddressManager
	rooms *roommanager.Manager
	broad *broadcast.Worker

	pipeline *inbound.Pipeline
	handler  Handler
	audit    audit.Sink

	mu        sync.RWMutex
	queues    map[address.Address]*retryqueue.Queue
	whitelist map[address.Address]bool

	cancel context.CancelFunc
	runCtx context.Context
	wg     sync.WaitGroup
	errCh  chan error
}

// New constructs a Transport. client is the room-service collaborator
// (roomclient.Fake in tests); tokenStore may be NoopTokenStore{}.
func New(opts Options, client roomclient.RoomClient, tokenStore TokenStore, handler Handler) *Transport {
	if opts.WhitelistConcurrency <= 0 {
		opts.WhitelistConcurrency = 10
	}

	auditSink := opts.Audit
	if auditSink == nil {
		auditSink = audit.NoopSink{}
	}

	t := &Transport{
		opts:       opts,
		self:       opts.Self,
		client:     client,
		tokenStore: tokenStore,
		handler:    handler,
		audit:      auditSink,
		queues:     make(map[address.Address]*retryqueue.Queue),
		whitelist:  make(map[address.Address]bool),
		errCh:      make(chan error, 16),
	}

	c := opts.Cache
	if c == nil {
		c = cache.NewInMemoryCache()
	}
	t.names = identity.NewDisplayNameCache(c, client, identity.EthereumRecovery{}, opts.DisplayNameTTL)
	t.users = presence.New(t.onReachabilityChanged, t.onPresenceChanged)
	t.rooms = roommanager.New(opts.Self, client, t.names, opts.Room)
	t.broad = broadcast.New(client, t.rooms, opts.Retry.PollInterval, opts.Retry.MaxBatchBytes)

	return t
}

// buildPipeline constructs the inbound pipeline; called from Start once
// selfUserID is known from Login, since the pipeline must filter out
// self-sent sync events.
func (t *Transport) buildPipeline() {
	t.pipeline = inbound.New(
		t.self,
		t.selfUserID,
		t.names,
		t.rooms.IsBroadcastRoom,
		func(peer address.Address) (roomclient.RoomID, bool) { return t.rooms.GetRoomForAddress(peer, false) },
		t.IsWhitelisted,
		t.enqueueAck,
		func(peer address.Address, m message.Message) {
			if t.handler != nil {
				t.handler(peer, m)
			}
		},
	)
}

// Errors returns the channel loop-private errors are pushed onto; the
// daemon entrypoint should select on it alongside its own shutdown signal.
func (t *Transport) Errors() <-chan error { return t.errCh }

// Start executes the strictly-ordered startup sequence described in the
// component design, returning an ErrUnrecoverable-wrapped error on fatal
// failures.
func (t *Transport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.runCtx = runCtx

	prevToken, err := t.tokenStore.Load(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: load token: %v", ErrUnrecoverable, err)
	}

	token, err := t.client.Login(runCtx, prevToken)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: login: %v", ErrUnrecoverable, err)
	}
	if err := t.tokenStore.Save(runCtx, token); err != nil {
		logging.Op().Warn("transport: failed to persist login token", "err", err)
	}
	t.selfUserID = token.UserID
	t.buildPipeline()

	t.users.Start(runCtx)

	syncCh, err := t.client.Sync(runCtx, roomclient.SyncOptions{FirstSync: true})
	if err != nil {
		cancel()
		return fmt.Errorf("%w: first sync: %v", ErrUnrecoverable, err)
	}

	firstBatch, ok := t.drainFirstSync(runCtx, syncCh)
	if ok {
		t.processRoomInventory(runCtx, firstBatch)
	}

	for _, suffix := range t.opts.BroadcastSuffixes {
		if _, err := t.rooms.EnsureBroadcastRoom(runCtx, suffix); err != nil {
			logging.Op().Warn("transport: failed to join broadcast room", "suffix", suffix, "err", err)
		}
	}

	t.wg.Add(2)
	go t.dispatchLoop(runCtx, syncCh)
	go t.runBroadcastWorker(runCtx)

	if err := t.client.SetPresence(runCtx, roomclient.PresenceOnline); err != nil {
		logging.Op().Warn("transport: failed to set presence online", "err", err)
	}

	t.mu.RLock()
	existing := make([]*retryqueue.Queue, 0, len(t.queues))
	for _, q := range t.queues {
		existing = append(existing, q)
	}
	t.mu.RUnlock()
	for _, q := range existing {
		t.runQueue(runCtx, q)
	}

	t.whitelistInitial(runCtx)

	t.rooms.MarkStartupComplete(runCtx)

	return nil
}

// drainFirstSync waits at most two seconds for the initial sync batch,
// which processRoomInventory reads for room inventory, invites and
// presence, with message listeners not yet invoked.
func (t *Transport) drainFirstSync(ctx context.Context, syncCh <-chan roomclient.SyncBatch) (roomclient.SyncBatch, bool) {
	select {
	case batch := <-syncCh:
		return batch, true
	case <-time.After(2 * time.Second):
		return roomclient.SyncBatch{}, false
	case <-ctx.Done():
		return roomclient.SyncBatch{}, false
	}
}

func (t *Transport) processRoomInventory(ctx context.Context, batch roomclient.SyncBatch) {
	for _, room := range batch.JoinedRooms {
		if t.rooms.IsBroadcastRoom(ctx, room) {
			continue
		}

		members, err := t.client.GetJoinedMembers(ctx, room)
		if err != nil {
			logging.Op().Warn("transport: failed to inventory room", "room", room, "err", err)
			continue
		}

		t.names.WarmUsers(ctx, members)
		var partners []address.Address
		for _, member := range members {
			if member == t.selfUserID {
				continue
			}
			addr, err := t.names.ValidatedAddress(ctx, member)
			if err != nil {
				continue
			}
			partners = append(partners, addr)
		}

		switch len(partners) {
		case 1:
			t.rooms.AssociateRoom(partners[0], room)
		case 0:
			// empty room, nothing to associate
		default:
			logging.Op().Warn("transport: leaving multi-partner room", "room", room, "partners", len(partners))
			_ = t.client.LeaveRoom(ctx, room)
		}
	}

	for _, inv := range batch.Invites {
		t.rooms.HandleInvite(ctx, inv)
	}

	for _, p := range batch.Presences {
		addr, err := identity.AddressFromUserID(p.User)
		if err != nil {
			continue
		}
		t.users.UpdatePresence(addr, p.User, p.Presence)
	}
}

func (t *Transport) dispatchLoop(ctx context.Context, syncCh <-chan roomclient.SyncBatch) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-syncCh:
			if !ok {
				return
			}
			t.handleSyncBatch(ctx, batch)
		}
	}
}

func (t *Transport) handleSyncBatch(ctx context.Context, batch roomclient.SyncBatch) {
	for _, inv := range batch.Invites {
		t.rooms.HandleInvite(ctx, inv)
	}
	for _, p := range batch.Presences {
		addr, err := identity.AddressFromUserID(p.User)
		if err != nil {
			continue
		}
		t.users.UpdatePresence(addr, p.User, p.Presence)
	}
	for _, m := range batch.Messages {
		t.pipeline.HandleRoomMessage(ctx, m.Room, m)
	}
}

func (t *Transport) runBroadcastWorker(ctx context.Context) {
	defer t.wg.Done()
	t.broad.Run(ctx)
}

// Stop executes the reverse-ordered shutdown sequence.
func (t *Transport) Stop(ctx context.Context) error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()

	t.mu.RLock()
	queues := make([]*retryqueue.Queue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.mu.RUnlock()
	for _, q := range queues {
		q.Notify()
	}

	t.users.Stop()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := t.client.SetPresence(ctx, roomclient.PresenceOffline); err != nil {
		logging.Op().Warn("transport: failed to set presence offline on shutdown", "err", err)
	}
	return t.client.Close()
}

// Whitelist adds peer to the set of addresses this node will exchange
// messages with, and eagerly ensures a room exists so the first
// application-level send does not pay room-creation latency.
func (t *Transport) Whitelist(ctx context.Context, peer address.Address) error {
	t.mu.Lock()
	t.whitelist[peer] = true
	t.mu.Unlock()

	t.users.AddAddress(peer)

	if _, err := t.rooms.EnsureRoomFor(ctx, peer); err != nil {
		logging.Op().Warn("transport: ensure room for whitelisted peer failed", "peer", peer, "err", err)
		return err
	}
	return nil
}

// IsWhitelisted reports whether peer has been whitelisted.
func (t *Transport) IsWhitelisted(peer address.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.whitelist[peer]
}

func (t *Transport) whitelistInitial(ctx context.Context) {
	if len(t.opts.InitialWhitelist) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.WhitelistConcurrency)
	for _, peer := range t.opts.InitialWhitelist {
		peer := peer
		g.Go(func() error {
			if err := t.Whitelist(gctx, peer); err != nil {
				logging.Op().Warn("transport: initial whitelist failed", "peer", peer, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// HealthCheck whitelists peer, probes the user directory, and seeds the
// validated user-ids it finds for the address. Only the room creation
// inside Whitelist is serialized (by EnsureRoomFor's per-address lock);
// the directory probe and the presence seeding take no dedicated lock.
func (t *Transport) HealthCheck(ctx context.Context, peer address.Address) error {
	if err := t.Whitelist(ctx, peer); err != nil {
		return err
	}
	candidates, err := t.client.SearchUserDirectory(ctx, strings.ToLower(peer.String()))
	if err != nil {
		return fmt.Errorf("transport: health check directory search: %w", err)
	}
	t.names.WarmUsers(ctx, candidates)

	var validated []identity.UserID
	for _, u := range candidates {
		if addr, err := t.names.ValidatedAddress(ctx, u); err == nil && addr == peer {
			validated = append(validated, u)
		}
	}
	t.users.TrackAddressPresence(peer, validated)
	return nil
}

// SendAsync enqueues an application payload for retried delivery to peer.
// canonicalID names the ordered channel within peer's queue; id is the
// caller-assigned message identifier used for deduplication and acking.
func (t *Transport) SendAsync(peer address.Address, canonicalID string, id uint64, payload json.RawMessage) error {
	if peer.IsZero() {
		return ErrInvalidPayload
	}
	q := t.getOrCreateQueue(peer)
	qid := message.QueueIdentifier{Recipient: peer, CanonicalID: canonicalID}
	q.Enqueue(qid, message.NewRetryable(id, payload))
	return nil
}

func (t *Transport) enqueueAck(peer address.Address, ack message.Message) {
	q := t.getOrCreateQueue(peer)
	q.EnqueueUnordered(ack)

	t.audit.RecordDelivery(context.Background(), audit.DeliveryRecord{
		Peer:                       peer,
		DeliveredMessageIdentifier: ack.DeliveredMessageIdentifier,
		ObservedAt:                 time.Now(),
	})
}

func (t *Transport) getOrCreateQueue(peer address.Address) *retryqueue.Queue {
	t.mu.Lock()
	if q, ok := t.queues[peer]; ok && !q.IsIdle() {
		t.mu.Unlock()
		return q
	}

	cfg := t.opts.Retry
	cfg.PrioritizeBroadcast = t.broad.Prioritized
	cfg.Breaker = t.opts.CircuitBreaker

	pending := t.opts.Pending
	if pending == nil {
		pending = t.isStillPending
	}
	q := retryqueue.New(peer, cfg, t.sendRaw, t.users.IsReachable, pending)
	t.queues[peer] = q
	t.mu.Unlock()

	metrics.SetActiveRetryQueues(len(t.queues))

	if t.cancel != nil {
		t.runQueue(t.runCtx, q)
	}
	return q
}

func (t *Transport) runQueue(ctx context.Context, q *retryqueue.Queue) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		q.Run(ctx)
	}()
}

// isStillPending is the fallback PendingFunc used when Options.Pending is
// nil. It always returns true, so a retryable message is never dropped:
// it is resent on its backoff schedule for as long as the queue runs,
// whether or not a Delivered ack for it arrives. Callers that track their
// own outbound queue (e.g. to drop a message once its sender state machine
// finalizes it) should set Options.Pending instead.
func (t *Transport) isStillPending(message.QueueIdentifier, message.Message) bool {
	return true
}

func (t *Transport) sendRaw(ctx context.Context, peer address.Address, body string) error {
	room, err := t.rooms.EnsureRoomFor(ctx, peer)
	if err != nil {
		return fmt.Errorf("transport: ensure room: %w", err)
	}
	if room == "" {
		return fmt.Errorf("transport: no room yet for peer %s", peer)
	}
	if err := t.client.SendText(ctx, room, body); err != nil {
		return fmt.Errorf("transport: send text: %w", err)
	}
	return nil
}

func (t *Transport) onReachabilityChanged(addr address.Address, r presence.Reachability) {
	logging.Op().Info("transport: reachability changed", "peer", addr, "state", r.String())
	if q := t.peekQueue(addr); q != nil {
		q.Notify()
	}
	t.audit.RecordReachabilityChange(context.Background(), audit.ReachabilityRecord{
		Peer:         addr,
		Reachability: r.String(),
		ObservedAt:   time.Now(),
	})
}

func (t *Transport) onPresenceChanged(user identity.UserID, state roomclient.PresenceState) {
	logging.Op().Debug("transport: presence changed", "user", user, "state", state)
}

func (t *Transport) peekQueue(addr address.Address) *retryqueue.Queue {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.queues[addr]
}
