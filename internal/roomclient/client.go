// Package roomclient specifies the transport's sole external collaborator:
// the federated room-service client. Production code wires a real
// implementation talking to a homeserver; this package also ships Fake,
// an in-memory implementation used throughout this repository's tests.
package roomclient

import (
	"context"
	"time"

	"github.com/oriys/courier/internal/identity"
)

// RoomID identifies a room on the room service.
type RoomID string

// PresenceState is a room-service presence value.
type PresenceState string

const (
	PresenceOnline      PresenceState = "online"
	PresenceUnavailable PresenceState = "unavailable"
	PresenceOffline     PresenceState = "offline"
)

// ReachableStates lists the presence values the UserAddressManager treats
// as indicating a peer can currently be reached.
var ReachableStates = map[PresenceState]bool{
	PresenceOnline:      true,
	PresenceUnavailable: true,
}

// AuthToken is a persisted room-service login session.
type AuthToken struct {
	UserID      identity.UserID
	AccessToken string
	DeviceID    string
}

// SyncOptions parameterizes a single long-poll sync call.
type SyncOptions struct {
	Since     string
	Timeout   time.Duration
	FirstSync bool // limit=0: inventory only, no historical messages
}

// Invite is a pending room invitation observed during sync.
type Invite struct {
	Room       RoomID
	Sender     identity.UserID
	InviteOnly bool
}

// RoomMessage is a single m.text message observed during sync.
type RoomMessage struct {
	Room   RoomID
	Sender identity.UserID
	Body   string
}

// PresenceUpdate is a single user presence change observed during sync.
type PresenceUpdate struct {
	User     identity.UserID
	Presence PresenceState
}

// SyncBatch is one long-poll response.
type SyncBatch struct {
	NextSince   string
	Invites     []Invite
	Messages    []RoomMessage
	Presences   []PresenceUpdate
	JoinedRooms []RoomID // rooms newly confirmed joined this batch
}

// RoomClient is the transport's interface onto the room service. The
// production implementation is an out-of-scope collaborator (the real
// HTTP/long-poll client against a homeserver); Fake below is the only
// concrete implementation this repository ships.
type RoomClient interface {
	Login(ctx context.Context, prevToken *AuthToken) (*AuthToken, error)
	Sync(ctx context.Context, opts SyncOptions) (<-chan SyncBatch, error)
	CreateRoom(ctx context.Context, invite []identity.UserID, private bool) (RoomID, error)
	JoinRoom(ctx context.Context, room RoomID) error
	LeaveRoom(ctx context.Context, room RoomID) error
	InviteUser(ctx context.Context, room RoomID, user identity.UserID) error
	GetJoinedMembers(ctx context.Context, room RoomID) ([]identity.UserID, error)
	SendText(ctx context.Context, room RoomID, body string) error
	SearchUserDirectory(ctx context.Context, term string) ([]identity.UserID, error)
	DisplayName(ctx context.Context, user identity.UserID) (string, error)
	SetPresence(ctx context.Context, state PresenceState) error
	RoomAliases(ctx context.Context, room RoomID) ([]string, error)
	Close() error
}
