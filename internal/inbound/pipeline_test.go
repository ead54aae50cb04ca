package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/cache"
	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/message"
	"github.com/oriys/courier/internal/roomclient"
)

// fakeVerifier treats the "signature" as the literal address bytes,
// standing in for real secp256k1 recovery in tests that don't sign.
type fakeVerifier struct{}

func (fakeVerifier) Recover(msg, sig []byte) (address.Address, error) {
	return address.FromBytes(sig)
}

func newTestNames(t *testing.T, client identity.DisplayNameSource) *identity.DisplayNameCache {
	t.Helper()
	c := cache.NewInMemoryCache()
	return identity.NewDisplayNameCache(c, client, fakeVerifier{}, time.Minute)
}

func TestHandleRoomMessageAcceptsValidRetryable(t *testing.T) {
	net := roomclient.NewNetwork()
	peerUser := identity.UserID("@0x0000000000000000000000000000000000000002:fake")

	peerAddr, err := identity.AddressFromUserID(peerUser)
	if err != nil {
		t.Fatalf("address from user id: %v", err)
	}
	client := net.NewClient(peerUser, peerAddr.Hex())

	names := newTestNames(t, client)
	names.WarmUsers(context.Background(), []identity.UserID{peerUser})

	var acked message.Message
	var ackPeer address.Address
	var handled []message.Message

	room := roomclient.RoomID("!room:fake")
	p := New(
		address.Address{},
		"@self:fake",
		names,
		func(context.Context, roomclient.RoomID) bool { return false },
		func(addr address.Address) (roomclient.RoomID, bool) {
			if addr == peerAddr {
				return room, true
			}
			return "", false
		},
		func(address.Address) bool { return true },
		func(peer address.Address, ack message.Message) {
			ackPeer = peer
			acked = ack
		},
		func(peer address.Address, msg message.Message) {
			handled = append(handled, msg)
		},
	)

	body, err := message.Serialize(message.NewRetryable(42, nil))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	p.HandleRoomMessage(context.Background(), room, roomclient.RoomMessage{
		Room:   room,
		Sender: peerUser,
		Body:   body,
	})

	if len(handled) != 1 || handled[0].MessageIdentifier != 42 {
		t.Fatalf("expected message handed to application, got %+v", handled)
	}
	if ackPeer != peerAddr {
		t.Fatalf("expected ack addressed to peer, got %v", ackPeer)
	}
	if acked.DeliveredMessageIdentifier != 42 {
		t.Fatalf("expected ack for message 42, got %+v", acked)
	}
}

func TestHandleRoomMessageRejectsWrongRoom(t *testing.T) {
	net := roomclient.NewNetwork()
	peerUser := identity.UserID("@0x0000000000000000000000000000000000000003:fake")
	peerAddr, err := identity.AddressFromUserID(peerUser)
	if err != nil {
		t.Fatalf("address from user id: %v", err)
	}
	client := net.NewClient(peerUser, peerAddr.Hex())

	names := newTestNames(t, client)
	names.WarmUsers(context.Background(), []identity.UserID{peerUser})

	var handled []message.Message
	p := New(
		address.Address{},
		"@self:fake",
		names,
		func(context.Context, roomclient.RoomID) bool { return false },
		func(address.Address) (roomclient.RoomID, bool) { return "!other:fake", true },
		func(address.Address) bool { return true },
		func(address.Address, message.Message) {},
		func(peer address.Address, msg message.Message) { handled = append(handled, msg) },
	)

	body, _ := message.Serialize(message.NewPing())
	p.HandleRoomMessage(context.Background(), "!unexpected:fake", roomclient.RoomMessage{
		Room:   "!unexpected:fake",
		Sender: peerUser,
		Body:   body,
	})

	if len(handled) != 0 {
		t.Fatalf("expected message from unregistered room to be dropped, got %+v", handled)
	}
}

func TestHandleRoomMessageRejectsUnwhitelisted(t *testing.T) {
	net := roomclient.NewNetwork()
	peerUser := identity.UserID("@0x0000000000000000000000000000000000000004:fake")
	peerAddr, _ := identity.AddressFromUserID(peerUser)
	client := net.NewClient(peerUser, peerAddr.Hex())

	names := newTestNames(t, client)
	names.WarmUsers(context.Background(), []identity.UserID{peerUser})

	room := roomclient.RoomID("!room:fake")
	var handled []message.Message
	p := New(
		address.Address{},
		"@self:fake",
		names,
		func(context.Context, roomclient.RoomID) bool { return false },
		func(addr address.Address) (roomclient.RoomID, bool) {
			if addr == peerAddr {
				return room, true
			}
			return "", false
		},
		func(address.Address) bool { return false },
		func(address.Address, message.Message) {},
		func(peer address.Address, msg message.Message) { handled = append(handled, msg) },
	)

	body, _ := message.Serialize(message.NewPing())
	p.HandleRoomMessage(context.Background(), room, roomclient.RoomMessage{Room: room, Sender: peerUser, Body: body})

	if len(handled) != 0 {
		t.Fatalf("expected unwhitelisted peer message to be dropped, got %+v", handled)
	}
}
