package identity

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/oriys/courier/internal/cache"
)

type fakeDisplayNameSource struct {
	names map[UserID]string
}

func (f *fakeDisplayNameSource) DisplayName(ctx context.Context, user UserID) (string, error) {
	return f.names[user], nil
}

func signUserID(t *testing.T, priv *secp256k1.PrivateKey, u UserID) string {
	t.Helper()
	digest := eip191Digest(DisplayNameMessage(u))
	compact := ecdsa.SignCompact(priv, digest, false)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27
	return "0x" + hex.EncodeToString(sig)
}

func TestDisplayNameCacheValidatesSignedName(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := addressFromPubkey(priv.PubKey())
	userID := BuildUserID(addr, "example.org")
	signature := signUserID(t, priv, userID)

	source := &fakeDisplayNameSource{names: map[UserID]string{userID: signature}}
	c := identityCache()
	dnc := NewDisplayNameCache(c, source, EthereumRecovery{}, time.Hour)

	dnc.WarmUsers(context.Background(), []UserID{userID})

	got, err := dnc.ValidatedAddress(context.Background(), userID)
	if err != nil {
		t.Fatalf("ValidatedAddress failed: %v", err)
	}
	if got != addr {
		t.Fatalf("expected %s, got %s", addr, got)
	}
}

func TestDisplayNameCacheRejectsForgedName(t *testing.T) {
	privReal, _ := secp256k1.GeneratePrivateKey()
	privForger, _ := secp256k1.GeneratePrivateKey()
	addr := addressFromPubkey(privReal.PubKey())
	userID := BuildUserID(addr, "example.org")
	forgedSig := signUserID(t, privForger, userID)

	source := &fakeDisplayNameSource{names: map[UserID]string{userID: forgedSig}}
	c := identityCache()
	dnc := NewDisplayNameCache(c, source, EthereumRecovery{}, time.Hour)

	dnc.WarmUsers(context.Background(), []UserID{userID})

	if _, err := dnc.ValidatedAddress(context.Background(), userID); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func identityCache() cache.Cache {
	return cache.NewInMemoryCache()
}
