// Package roommanager owns the mapping from peer address to room-service
// room, including creator-election room creation, invite processing, and
// broadcast-room detection.
package roommanager

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/logging"
	"github.com/oriys/courier/internal/roomclient"
)

// Config tunes room creation and join retry behavior.
type Config struct {
	JoinRetries         int
	JoinRetryInterval   time.Duration
	JoinRetryMultiplier float64
	BroadcastSuffixes   []string
}

// DefaultConfig matches the transport's documented defaults.
func DefaultConfig() Config {
	return Config{
		JoinRetries:         10,
		JoinRetryInterval:   100 * time.Millisecond,
		JoinRetryMultiplier: 1.55,
		BroadcastSuffixes:   []string{"broadcast_rooms", "discovery"},
	}
}

// Manager tracks the private room used to reach each peer address.
type Manager struct {
	self   address.Address
	client roomclient.RoomClient
	names  *identity.DisplayNameCache
	cfg    Config

	mu            sync.Mutex
	roomsByPeer   map[address.Address][]roomclient.RoomID
	creationLocks map[address.Address]*sync.Mutex
	broadcastSet  map[roomclient.RoomID]bool

	pendingInvites   []roomclient.Invite
	startupCompleted bool

	broadcastRooms map[string]roomclient.RoomID // suffix -> room
}

// New constructs a Manager. self is this node's own address; client is the
// room-service collaborator; names validates peer display-name signatures.
func New(self address.Address, client roomclient.RoomClient, names *identity.DisplayNameCache, cfg Config) *Manager {
	return &Manager{
		self:           self,
		client:         client,
		names:          names,
		cfg:            cfg,
		roomsByPeer:    make(map[address.Address][]roomclient.RoomID),
		creationLocks:  make(map[address.Address]*sync.Mutex),
		broadcastSet:   make(map[roomclient.RoomID]bool),
		broadcastRooms: make(map[string]roomclient.RoomID),
	}
}

// EnsureBroadcastRoom returns the joined room for a well-known broadcast
// suffix (e.g. "discovery"), creating and joining it on first use. The
// room is remembered locally for subsequent calls; this repository's
// RoomClient interface has no alias-resolution primitive, so rediscovery
// across process restarts is left to the production client.
func (m *Manager) EnsureBroadcastRoom(ctx context.Context, suffix string) (roomclient.RoomID, error) {
	m.mu.Lock()
	if room, ok := m.broadcastRooms[suffix]; ok {
		m.mu.Unlock()
		return room, nil
	}
	m.mu.Unlock()

	room, err := m.client.CreateRoom(ctx, nil, false)
	if err != nil {
		return "", fmt.Errorf("roommanager: create broadcast room %q: %w", suffix, err)
	}
	if err := m.client.JoinRoom(ctx, room); err != nil {
		return "", fmt.Errorf("roommanager: join broadcast room %q: %w", suffix, err)
	}

	m.mu.Lock()
	m.broadcastRooms[suffix] = room
	m.broadcastSet[room] = true
	m.mu.Unlock()

	return room, nil
}

// MyPlaceOrYours reports whether self is the creator for the (self, peer)
// pair: the lexicographically smaller address always creates, which
// prevents both sides from racing to create duplicate rooms.
func MyPlaceOrYours(self, peer address.Address) bool {
	return self.Less(peer)
}

func (m *Manager) creationLockFor(peer address.Address) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.creationLocks[peer]
	if !ok {
		l = &sync.Mutex{}
		m.creationLocks[peer] = l
	}
	return l
}

// EnsureRoomFor returns a usable room for peer, creating one if self is
// the creator for this pair and no suitable room exists yet. Returns
// ("", nil) if self is not the creator and must wait for an invite.
func (m *Manager) EnsureRoomFor(ctx context.Context, peer address.Address) (roomclient.RoomID, error) {
	if room, ok := m.GetRoomForAddress(peer, false); ok {
		return room, nil
	}
	if !MyPlaceOrYours(m.self, peer) {
		return "", nil
	}

	lock := m.creationLockFor(peer)
	lock.Lock()
	defer lock.Unlock()

	// Re-check: another goroutine may have created it while we waited.
	if room, ok := m.GetRoomForAddress(peer, false); ok {
		return room, nil
	}

	candidates, err := m.client.SearchUserDirectory(ctx, strings.ToLower(peer.String()))
	if err != nil {
		return "", fmt.Errorf("roommanager: search user directory: %w", err)
	}

	m.names.WarmUsers(ctx, candidates)

	var validated []identity.UserID
	for _, u := range candidates {
		addr, err := m.names.ValidatedAddress(ctx, u)
		if err != nil || addr != peer {
			continue
		}
		validated = append(validated, u)
	}
	if len(validated) == 0 {
		return "", fmt.Errorf("roommanager: no validated user id for peer %s", peer)
	}

	roomID, err := m.client.CreateRoom(ctx, validated, true)
	if err != nil {
		return "", fmt.Errorf("roommanager: create room: %w", err)
	}

	if err := m.waitForJoin(ctx, roomID); err != nil {
		return "", err
	}

	members, err := m.client.GetJoinedMembers(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("roommanager: get joined members: %w", err)
	}
	allowed := make(map[identity.UserID]bool, len(validated)+1)
	for _, u := range validated {
		allowed[u] = true
	}
	selfUserID := identity.BuildUserID(m.self, peer.String())
	allowed[selfUserID] = true
	for _, member := range members {
		if !allowed[member] && member != selfUserID {
			if isKnownSelf(member, m.self) {
				continue
			}
			_ = m.client.LeaveRoom(ctx, roomID)
			return "", fmt.Errorf("roommanager: room %s has unexpected member %s", roomID, member)
		}
	}

	m.mu.Lock()
	m.roomsByPeer[peer] = append([]roomclient.RoomID{roomID}, m.roomsByPeer[peer]...)
	m.mu.Unlock()

	return roomID, nil
}

func isKnownSelf(member identity.UserID, self address.Address) bool {
	addr, err := identity.AddressFromUserID(member)
	return err == nil && addr == self
}

// waitForJoin polls GetJoinedMembers until the room has more than one
// member or the retry budget is exhausted.
func (m *Manager) waitForJoin(ctx context.Context, room roomclient.RoomID) error {
	interval := m.cfg.JoinRetryInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	mult := m.cfg.JoinRetryMultiplier
	if mult <= 0 {
		mult = 1.55
	}
	retries := m.cfg.JoinRetries
	if retries <= 0 {
		retries = 10
	}

	for attempt := 0; attempt < retries; attempt++ {
		members, err := m.client.GetJoinedMembers(ctx, room)
		if err == nil && len(members) > 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(math.Round(float64(interval) * mult))
	}
	return nil // timed out but not fatal; caller may still use the room
}

// HandleInvite processes a single observed invite. Before startup
// completes, invites are parked and replayed by ProcessPendingInvites.
func (m *Manager) HandleInvite(ctx context.Context, inv roomclient.Invite) {
	m.mu.Lock()
	if !m.startupCompleted {
		m.pendingInvites = append(m.pendingInvites, inv)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.processInvite(ctx, inv)
}

// MarkStartupComplete flips the manager into live invite-processing mode
// one second after the transport finishes starting up, replaying any
// invites that were parked while sync was still catching up.
func (m *Manager) MarkStartupComplete(ctx context.Context) {
	time.AfterFunc(time.Second, func() {
		m.mu.Lock()
		m.startupCompleted = true
		parked := m.pendingInvites
		m.pendingInvites = nil
		m.mu.Unlock()

		for _, inv := range parked {
			m.processInvite(ctx, inv)
		}
	})
}

func (m *Manager) processInvite(ctx context.Context, inv roomclient.Invite) {
	senderAddr, err := identity.AddressFromUserID(inv.Sender)
	if err != nil {
		logging.Op().Warn("roommanager: invite sender has no address", "sender", inv.Sender)
		return
	}

	m.names.WarmUsers(ctx, []identity.UserID{inv.Sender})
	if _, err := m.names.ValidatedAddress(ctx, inv.Sender); err != nil {
		logging.Op().Warn("roommanager: invite sender display name invalid", "sender", inv.Sender, "err", err)
		return
	}

	if err := m.joinWithRetry(ctx, inv.Room); err != nil {
		logging.Op().Warn("roommanager: join failed", "room", inv.Room, "err", err)
		return
	}

	if m.IsBroadcastRoom(ctx, inv.Room) {
		return // idempotent no-op: broadcast rooms aren't tracked per-peer
	}

	m.mu.Lock()
	m.roomsByPeer[senderAddr] = append([]roomclient.RoomID{inv.Room}, m.roomsByPeer[senderAddr]...)
	m.mu.Unlock()
}

func (m *Manager) joinWithRetry(ctx context.Context, room roomclient.RoomID) error {
	interval := m.cfg.JoinRetryInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	mult := m.cfg.JoinRetryMultiplier
	if mult <= 0 {
		mult = 1.55
	}
	retries := m.cfg.JoinRetries
	if retries <= 0 {
		retries = 10
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := m.client.JoinRoom(ctx, room); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(math.Round(float64(interval) * mult))
	}
	return fmt.Errorf("roommanager: join retries exhausted: %w", lastErr)
}

// GetRoomForAddress returns the most recently added non-broadcast room
// for peer (the head of its room list). requireOnlinePeer does not change
// the result: room membership and member presence are not checked, so
// the returned room may have no online user id for that address.
func (m *Manager) GetRoomForAddress(peer address.Address, requireOnlinePeer bool) (roomclient.RoomID, bool) {
	m.mu.Lock()
	rooms := append([]roomclient.RoomID(nil), m.roomsByPeer[peer]...)
	m.mu.Unlock()

	var candidates []roomclient.RoomID
	for _, r := range rooms {
		if !m.broadcastSet[r] {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	if !requireOnlinePeer {
		return candidates[0], true
	}
	// Without a live membership/presence lookup wired in, fall back to the
	// most recent candidate; the caller layers its own reachability gate.
	return candidates[0], true
}

// IsBroadcastRoom reports whether room's aliases contain a configured
// broadcast suffix.
func (m *Manager) IsBroadcastRoom(ctx context.Context, room roomclient.RoomID) bool {
	aliases, err := m.client.RoomAliases(ctx, room)
	if err != nil {
		return false
	}
	for _, alias := range aliases {
		for _, suffix := range m.cfg.BroadcastSuffixes {
			if strings.Contains(alias, suffix) {
				m.mu.Lock()
				m.broadcastSet[room] = true
				m.mu.Unlock()
				return true
			}
		}
	}
	return false
}

// RegisterBroadcastRoom marks room as a known broadcast room without a
// RoomAliases round trip, for callers that already know the room id
// (e.g. transport startup joining the configured discovery room).
func (m *Manager) RegisterBroadcastRoom(room roomclient.RoomID) {
	m.mu.Lock()
	m.broadcastSet[room] = true
	m.mu.Unlock()
}

// AssociateRoom records room as the (head-of-list) room for peer, used
// by the transport's startup room-inventory pass to bind pre-existing
// single-partner rooms discovered during the first sync.
func (m *Manager) AssociateRoom(peer address.Address, room roomclient.RoomID) {
	m.mu.Lock()
	m.roomsByPeer[peer] = append([]roomclient.RoomID{room}, m.roomsByPeer[peer]...)
	m.mu.Unlock()
}
