package transport

import (
	"context"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/message"
	"github.com/oriys/courier/internal/retryqueue"
	"github.com/oriys/courier/internal/roomclient"
	"github.com/oriys/courier/internal/roommanager"
)

// node bundles the key material and network handle for one participant
// in an end-to-end transport scenario, signing its own display name the
// same way a real Ethereum account would.
type node struct {
	priv   *secp256k1.PrivateKey
	addr   address.Address
	userID identity.UserID
	client *roomclient.Fake
}

func newNode(t *testing.T, net *roomclient.Network, serverName string) node {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := identity.AddressFromPrivateKey(priv)
	userID := identity.BuildUserID(addr, serverName)
	displayName := identity.SignDisplayName(priv, userID)
	client := net.NewClient(userID, displayName)
	return node{priv: priv, addr: addr, userID: userID, client: client}
}

func newTestOptions(self address.Address, broadcastSuffixes []string) Options {
	return Options{
		Self:              self,
		ServerName:        "fake",
		BroadcastSuffixes: broadcastSuffixes,
		Retry: retryqueue.Config{
			Backoff:       retryqueue.DefaultBackoff(),
			IdleAfter:     1000,
			MaxBatchBytes: message.DefaultMaxBatchBytes,
			PollInterval:  10 * time.Millisecond,
		},
		Room:           roommanager.DefaultConfig(),
		DisplayNameTTL: time.Minute,
	}
}

func TestTransportSendAndAck(t *testing.T) {
	net := roomclient.NewNetwork()

	var a, b node
	for {
		a = newNode(t, net, "fake")
		b = newNode(t, net, "fake")
		if a.addr != b.addr {
			break
		}
	}
	if !a.addr.Less(b.addr) {
		a, b = b, a
	}

	var received []message.Message
	recvDone := make(chan struct{}, 1)
	bOpts := newTestOptions(b.addr, nil)
	bTransport := New(bOpts, b.client, NoopTokenStore{}, func(peer address.Address, m message.Message) {
		received = append(received, m)
		select {
		case recvDone <- struct{}{}:
		default:
		}
	})

	aOpts := newTestOptions(a.addr, nil)
	aTransport := New(aOpts, a.client, NoopTokenStore{}, func(address.Address, message.Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := bTransport.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer bTransport.Stop(context.Background())

	if err := aTransport.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer aTransport.Stop(context.Background())

	if err := aTransport.Whitelist(ctx, b.addr); err != nil {
		t.Fatalf("whitelist a->b: %v", err)
	}
	if err := bTransport.Whitelist(ctx, a.addr); err != nil {
		t.Fatalf("whitelist b->a: %v", err)
	}

	if err := aTransport.SendAsync(b.addr, "channel-1", 1, []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("send async: %v", err)
	}

	select {
	case <-recvDone:
	case <-ctx.Done():
		t.Fatal("timed out waiting for message delivery")
	}

	if len(received) != 1 || received[0].MessageIdentifier != 1 {
		t.Fatalf("expected one retryable message delivered, got %+v", received)
	}
}
