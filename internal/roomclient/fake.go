package roomclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oriys/courier/internal/identity"
)

// Network is an in-memory room service shared by a set of Fake clients.
// It exists purely for tests: CreateRoom/JoinRoom/SendText on one Fake are
// visible to the others as sync events, without any real networking.
type Network struct {
	mu          sync.Mutex
	rooms       map[RoomID]*fakeRoom
	nextRoomID  int
	clients     map[identity.UserID]*Fake
	displayName map[identity.UserID]string
}

type fakeRoom struct {
	id      RoomID
	members map[identity.UserID]bool
	invited map[identity.UserID]bool
	aliases []string
	private bool
}

// NewNetwork creates an empty fake room-service network.
func NewNetwork() *Network {
	return &Network{
		rooms:       make(map[RoomID]*fakeRoom),
		clients:     make(map[identity.UserID]*Fake),
		displayName: make(map[identity.UserID]string),
	}
}

// NewClient registers a new participant on the network and returns its
// RoomClient handle. displayName is what SearchUserDirectory/DisplayName
// report for this user (callers normally set this to their signed
// display name so identity.DisplayNameCache validation succeeds).
func (n *Network) NewClient(user identity.UserID, displayName string) *Fake {
	n.mu.Lock()
	defer n.mu.Unlock()

	f := &Fake{
		net:      n,
		self:     user,
		presence: PresenceOffline,
		syncCh:   make(chan SyncBatch, 16),
	}
	n.clients[user] = f
	n.displayName[user] = displayName
	return f
}

// Fake is an in-memory RoomClient backed by a Network.
type Fake struct {
	net      *Network
	self     identity.UserID
	presence PresenceState
	token    *AuthToken

	mu               sync.Mutex
	pendingInvites   []Invite
	pendingMessages  []RoomMessage
	pendingPresences []PresenceUpdate

	syncCh chan SyncBatch
	cancel context.CancelFunc
	closed bool

	// Sent records every SendText call for test assertions.
	Sent []RoomMessage
}

var _ RoomClient = (*Fake)(nil)

func (f *Fake) Login(ctx context.Context, prevToken *AuthToken) (*AuthToken, error) {
	if prevToken != nil {
		f.token = prevToken
		return prevToken, nil
	}
	tok := &AuthToken{UserID: f.self, AccessToken: "fake-token-" + string(f.self), DeviceID: "fake-device"}
	f.token = tok
	return tok, nil
}

func (f *Fake) Sync(ctx context.Context, opts SyncOptions) (<-chan SyncBatch, error) {
	sctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
				batch, ok := f.drain()
				if !ok {
					continue
				}
				select {
				case f.syncCh <- batch:
				case <-sctx.Done():
					return
				}
			}
		}
	}()

	return f.syncCh, nil
}

func (f *Fake) drain() (SyncBatch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pendingInvites) == 0 && len(f.pendingMessages) == 0 && len(f.pendingPresences) == 0 {
		return SyncBatch{}, false
	}
	batch := SyncBatch{
		Invites:   f.pendingInvites,
		Messages:  f.pendingMessages,
		Presences: f.pendingPresences,
	}
	f.pendingInvites = nil
	f.pendingMessages = nil
	f.pendingPresences = nil
	return batch, true
}

func (f *Fake) CreateRoom(ctx context.Context, invite []identity.UserID, private bool) (RoomID, error) {
	n := f.net
	n.mu.Lock()
	n.nextRoomID++
	id := RoomID(fmt.Sprintf("!room%d:fake", n.nextRoomID))
	r := &fakeRoom{
		id:      id,
		members: map[identity.UserID]bool{f.self: true},
		invited: make(map[identity.UserID]bool),
		private: private,
	}
	n.rooms[id] = r
	for _, u := range invite {
		r.invited[u] = true
	}
	n.mu.Unlock()

	for _, u := range invite {
		n.deliverInvite(u, Invite{Room: id, Sender: f.self, InviteOnly: private})
	}
	return id, nil
}

func (f *Fake) JoinRoom(ctx context.Context, room RoomID) error {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rooms[room]
	if !ok {
		return fmt.Errorf("roomclient: unknown room %s", room)
	}
	r.members[f.self] = true
	delete(r.invited, f.self)
	return nil
}

func (f *Fake) LeaveRoom(ctx context.Context, room RoomID) error {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.rooms[room]; ok {
		delete(r.members, f.self)
	}
	return nil
}

func (f *Fake) InviteUser(ctx context.Context, room RoomID, user identity.UserID) error {
	n := f.net
	n.mu.Lock()
	r, ok := n.rooms[room]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("roomclient: unknown room %s", room)
	}
	r.invited[user] = true
	n.mu.Unlock()

	n.deliverInvite(user, Invite{Room: room, Sender: f.self, InviteOnly: r.private})
	return nil
}

func (f *Fake) GetJoinedMembers(ctx context.Context, room RoomID) ([]identity.UserID, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rooms[room]
	if !ok {
		return nil, fmt.Errorf("roomclient: unknown room %s", room)
	}
	out := make([]identity.UserID, 0, len(r.members))
	for u := range r.members {
		out = append(out, u)
	}
	return out, nil
}

func (f *Fake) SendText(ctx context.Context, room RoomID, body string) error {
	n := f.net
	n.mu.Lock()
	r, ok := n.rooms[room]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("roomclient: unknown room %s", room)
	}
	var recipients []identity.UserID
	for u := range r.members {
		if u != f.self {
			recipients = append(recipients, u)
		}
	}
	n.mu.Unlock()

	msg := RoomMessage{Room: room, Sender: f.self, Body: body}
	f.mu.Lock()
	f.Sent = append(f.Sent, msg)
	f.mu.Unlock()

	for _, u := range recipients {
		n.deliverMessage(u, msg)
	}
	return nil
}

func (f *Fake) SearchUserDirectory(ctx context.Context, term string) ([]identity.UserID, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []identity.UserID
	for u := range n.clients {
		if strings.Contains(string(u), term) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *Fake) DisplayName(ctx context.Context, user identity.UserID) (string, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.displayName[user], nil
}

func (f *Fake) SetPresence(ctx context.Context, state PresenceState) error {
	f.presence = state
	n := f.net
	n.mu.Lock()
	var others []identity.UserID
	for u := range n.clients {
		if u != f.self {
			others = append(others, u)
		}
	}
	n.mu.Unlock()

	for _, u := range others {
		n.deliverPresence(u, PresenceUpdate{User: f.self, Presence: state})
	}
	return nil
}

func (f *Fake) RoomAliases(ctx context.Context, room RoomID) ([]string, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rooms[room]
	if !ok {
		return nil, nil
	}
	return r.aliases, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.cancel != nil {
		f.cancel()
	}
	return nil
}

// SetAliases lets tests mark a room as a broadcast room by giving it
// well-known aliases.
func (n *Network) SetAliases(room RoomID, aliases []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.rooms[room]; ok {
		r.aliases = aliases
	}
}

func (n *Network) deliverInvite(user identity.UserID, inv Invite) {
	n.mu.Lock()
	c, ok := n.clients[user]
	n.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.pendingInvites = append(c.pendingInvites, inv)
	c.mu.Unlock()
}

func (n *Network) deliverMessage(user identity.UserID, msg RoomMessage) {
	n.mu.Lock()
	c, ok := n.clients[user]
	n.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.pendingMessages = append(c.pendingMessages, msg)
	c.mu.Unlock()
}

func (n *Network) deliverPresence(user identity.UserID, p PresenceUpdate) {
	n.mu.Lock()
	c, ok := n.clients[user]
	n.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.pendingPresences = append(c.pendingPresences, p)
	c.mu.Unlock()
}
