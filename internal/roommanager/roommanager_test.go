package roommanager

import (
	"context"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/cache"
	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/roomclient"
)

func testAddr(b byte) address.Address {
	var a address.Address
	a[19] = b
	return a
}

func newTestManager(t *testing.T, self address.Address, client roomclient.RoomClient, signAs func(identity.UserID) string) *Manager {
	t.Helper()
	verifier := fakeVerifier{sign: signAs}
	c := cache.NewInMemoryCache()
	names := identity.NewDisplayNameCache(c, client, verifier, time.Minute)
	return New(self, client, names, DefaultConfig())
}

// fakeVerifier recovers an address straight from the display name string,
// so tests can exercise roommanager without real signing.
type fakeVerifier struct {
	sign func(identity.UserID) string
}

func (f fakeVerifier) Recover(message, signature []byte) (address.Address, error) {
	return address.FromHex(string(signature))
}

func TestMyPlaceOrYours(t *testing.T) {
	a := testAddr(1)
	b := testAddr(2)
	if !MyPlaceOrYours(a, b) {
		t.Fatal("expected smaller address to be creator")
	}
	if MyPlaceOrYours(b, a) {
		t.Fatal("expected larger address not to be creator")
	}
}

func TestIsBroadcastRoomDetectsConfiguredSuffix(t *testing.T) {
	net := roomclient.NewNetwork()
	client := net.NewClient("@0x0000000000000000000000000000000000000001:fake", "")
	m := New(testAddr(1), client, nil, DefaultConfig())

	room, err := client.CreateRoom(context.Background(), nil, true)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	net.SetAliases(room, []string{"#raiden_1_broadcast_rooms:fake"})

	if !m.IsBroadcastRoom(context.Background(), room) {
		t.Fatal("expected room to be detected as broadcast")
	}
}

func TestGetRoomForAddressReturnsMostRecent(t *testing.T) {
	m := New(testAddr(1), nil, nil, DefaultConfig())
	peer := testAddr(2)
	m.mu.Lock()
	m.roomsByPeer[peer] = []roomclient.RoomID{"!new:fake", "!old:fake"}
	m.mu.Unlock()

	room, ok := m.GetRoomForAddress(peer, false)
	if !ok || room != "!new:fake" {
		t.Fatalf("expected head of list, got %q ok=%v", room, ok)
	}
}

func TestGetRoomForAddressNoneWhenEmpty(t *testing.T) {
	m := New(testAddr(1), nil, nil, DefaultConfig())
	if _, ok := m.GetRoomForAddress(testAddr(9), false); ok {
		t.Fatal("expected no candidate for unknown peer")
	}
}

// newSignedParticipant registers a user on net whose display name is a
// real EIP-191 signature over its own user-id, so DisplayNameCache
// validation succeeds the same way it would against a real homeserver.
func newSignedParticipant(t *testing.T, net *roomclient.Network, serverName string) (address.Address, identity.UserID, *roomclient.Fake) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := identity.AddressFromPrivateKey(priv)
	userID := identity.BuildUserID(addr, serverName)
	client := net.NewClient(userID, identity.SignDisplayName(priv, userID))
	return addr, userID, client
}

func TestHandleInviteParksUntilStartupComplete(t *testing.T) {
	net := roomclient.NewNetwork()
	selfAddr, selfUserID, selfClient := newSignedParticipant(t, net, "fake")
	senderAddr, senderUserID, senderClient := newSignedParticipant(t, net, "fake")

	c := cache.NewInMemoryCache()
	names := identity.NewDisplayNameCache(c, selfClient, identity.EthereumRecovery{}, time.Minute)
	m := New(selfAddr, selfClient, names, DefaultConfig())

	room, err := senderClient.CreateRoom(context.Background(), []identity.UserID{selfUserID}, true)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	m.HandleInvite(context.Background(), roomclient.Invite{Room: room, Sender: senderUserID})

	m.mu.Lock()
	parked := len(m.pendingInvites)
	_, alreadyRegistered := m.roomsByPeer[senderAddr]
	m.mu.Unlock()

	if parked != 1 {
		t.Fatalf("expected invite to be parked before startup completes, got %d pending", parked)
	}
	if alreadyRegistered {
		t.Fatal("expected no room registered for sender before the invite is processed")
	}
	members, _ := selfClient.GetJoinedMembers(context.Background(), room)
	for _, member := range members {
		if member == selfUserID {
			t.Fatalf("expected self not to have joined yet, members=%v", members)
		}
	}
}

func TestPendingInviteIsProcessedOnceStartupCompletes(t *testing.T) {
	net := roomclient.NewNetwork()
	selfAddr, selfUserID, selfClient := newSignedParticipant(t, net, "fake")
	senderAddr, senderUserID, senderClient := newSignedParticipant(t, net, "fake")

	c := cache.NewInMemoryCache()
	names := identity.NewDisplayNameCache(c, selfClient, identity.EthereumRecovery{}, time.Minute)
	m := New(selfAddr, selfClient, names, DefaultConfig())

	room, err := senderClient.CreateRoom(context.Background(), []identity.UserID{selfUserID}, true)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	m.HandleInvite(context.Background(), roomclient.Invite{Room: room, Sender: senderUserID})

	// Simulate MarkStartupComplete's deferred flip without waiting out its
	// real one-second timer: replay whatever is parked directly.
	m.mu.Lock()
	m.startupCompleted = true
	parked := m.pendingInvites
	m.pendingInvites = nil
	m.mu.Unlock()
	for _, inv := range parked {
		m.processInvite(context.Background(), inv)
	}

	got, ok := m.GetRoomForAddress(senderAddr, false)
	if !ok || got != room {
		t.Fatalf("expected sender's room registered, got %q ok=%v", got, ok)
	}
	members, err := selfClient.GetJoinedMembers(context.Background(), room)
	if err != nil {
		t.Fatalf("get joined members: %v", err)
	}
	found := false
	for _, member := range members {
		if member == selfUserID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected self to have joined the room, members=%v", members)
	}

	// A later invite, arriving after startup has completed, is processed
	// immediately rather than parked.
	otherAddr, otherUserID, otherClient := newSignedParticipant(t, net, "fake")
	room2, err := otherClient.CreateRoom(context.Background(), []identity.UserID{selfUserID}, true)
	if err != nil {
		t.Fatalf("create second room: %v", err)
	}
	m.HandleInvite(context.Background(), roomclient.Invite{Room: room2, Sender: otherUserID})

	m.mu.Lock()
	stillPending := len(m.pendingInvites)
	m.mu.Unlock()
	if stillPending != 0 {
		t.Fatalf("expected live invite to process immediately, got %d pending", stillPending)
	}
	if got, ok := m.GetRoomForAddress(otherAddr, false); !ok || got != room2 {
		t.Fatalf("expected second sender's room registered, got %q ok=%v", got, ok)
	}
}
