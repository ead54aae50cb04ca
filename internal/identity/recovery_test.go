package identity

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

func TestEthereumRecoveryRoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := []byte("@0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:example.org")
	digest := eip191Digest(message)

	compact := ecdsa.SignCompact(priv, digest, false)
	// compact[0] carries the 27/28-biased recovery id; rearrange to the
	// Ethereum r||s||v wire layout our Recover expects.
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27

	addr, err := EthereumRecovery{}.Recover(message, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	wantPub := priv.PubKey()
	wantAddr := addressFromPubkey(wantPub)
	if addr != wantAddr {
		t.Fatalf("recovered address mismatch: got %s want %s", addr, wantAddr)
	}
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	_, err := EthereumRecovery{}.Recover([]byte("x"), []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for short signature")
	}
}

func TestSignDisplayNameVerifiesAgainstAddress(t *testing.T) {
	priv, _, err := LoadOrGeneratePrivateKey("")
	if err != nil {
		t.Fatalf("load or generate key: %v", err)
	}
	addr := AddressFromPrivateKey(priv)
	userID := BuildUserID(addr, "example.org")

	sig, err := DecodeSignatureHex(SignDisplayName(priv, userID))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	got, err := EthereumRecovery{}.Recover(DisplayNameMessage(userID), sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != addr {
		t.Fatalf("recovered address mismatch: got %s want %s", got, addr)
	}
}

func TestLoadOrGeneratePrivateKeyRoundTripsHex(t *testing.T) {
	priv, generated, err := LoadOrGeneratePrivateKey("")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !generated {
		t.Fatal("expected generated=true for an empty hex key")
	}

	hexKey := hex.EncodeToString(priv.Serialize())
	loaded, generated, err := LoadOrGeneratePrivateKey(hexKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if generated {
		t.Fatal("expected generated=false when a hex key is supplied")
	}
	if AddressFromPrivateKey(loaded) != AddressFromPrivateKey(priv) {
		t.Fatal("loaded key does not derive the same address as the original")
	}
}

func TestLoadOrGeneratePrivateKeyRejectsBadHex(t *testing.T) {
	if _, _, err := LoadOrGeneratePrivateKey("not-hex"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if _, _, err := LoadOrGeneratePrivateKey("0xabcd"); err == nil {
		t.Fatal("expected error for short key")
	}
}
