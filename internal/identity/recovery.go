package identity

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/oriys/courier/internal/address"
)

// Recovery verifies that a signature over a message recovers to a claimed
// address. Production deployments use the default Ethereum-style
// implementation (EthereumRecovery); tests may substitute a fake.
type Recovery interface {
	Recover(message []byte, signature []byte) (address.Address, error)
}

// EthereumRecovery recovers the signer address from a 65-byte
// secp256k1 recoverable signature (r, s, v) over the Ethereum
// "personal_sign" prefixed message digest.
type EthereumRecovery struct{}

const signaturePrefix = "\x19Ethereum Signed Message:\n"

// Recover implements Recovery.
func (EthereumRecovery) Recover(message []byte, signature []byte) (address.Address, error) {
	if len(signature) != 65 {
		return address.Address{}, fmt.Errorf("identity: signature must be 65 bytes, got %d", len(signature))
	}

	digest := eip191Digest(message)

	// secp256k1/ecdsa expects the recovery byte first, followed by r, s;
	// Ethereum-style signatures lay out r, s, v instead.
	var compact [65]byte
	compact[0] = 27 + recoveryID(signature[64])
	copy(compact[1:], signature[:64])

	pub, _, err := ecdsa.RecoverCompact(compact[:], digest)
	if err != nil {
		return address.Address{}, fmt.Errorf("identity: recover signature: %w", err)
	}

	return addressFromPubkey(pub), nil
}

// recoveryID normalizes both the {0,1} and {27,28} v-byte conventions
// used across different Ethereum signing libraries down to {0,1}.
func recoveryID(v byte) byte {
	if v >= 27 {
		return v - 27
	}
	return v
}

func eip191Digest(message []byte) []byte {
	prefixed := signaturePrefix + strconv.Itoa(len(message))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(prefixed))
	h.Write(message)
	return h.Sum(nil)
}

func addressFromPubkey(pub *secp256k1.PublicKey) address.Address {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X || Y
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	var a address.Address
	copy(a[:], sum[len(sum)-address.Length:])
	return a
}

// DisplayNameMessage returns the message a signed display name is a
// signature over: the room-service user id itself.
func DisplayNameMessage(u UserID) []byte {
	return []byte(string(u))
}

// AddressFromPrivateKey derives the address a node identifies itself
// with from its secp256k1 private key, the same way Recover derives one
// from a signature.
func AddressFromPrivateKey(priv *secp256k1.PrivateKey) address.Address {
	return addressFromPubkey(priv.PubKey())
}

// LoadOrGeneratePrivateKey decodes a hex-encoded secp256k1 key, or
// generates a fresh one if hexKey is empty. The second return value
// reports whether a key was generated rather than loaded.
func LoadOrGeneratePrivateKey(hexKey string) (*secp256k1.PrivateKey, bool, error) {
	if hexKey == "" {
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, false, fmt.Errorf("identity: generate private key: %w", err)
		}
		return priv, true, nil
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, false, fmt.Errorf("identity: decode private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, false, fmt.Errorf("identity: private key must be 32 bytes, got %d", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return priv, false, nil
}

// SignDisplayName produces the hex-encoded 65-byte Ethereum-style
// signature a node publishes as its room-service display name, the
// counterpart EthereumRecovery.Recover expects to validate against u's
// embedded address.
func SignDisplayName(priv *secp256k1.PrivateKey, u UserID) string {
	digest := eip191Digest(DisplayNameMessage(u))
	compact := ecdsa.SignCompact(priv, digest, false)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27
	return "0x" + hex.EncodeToString(sig)
}

// DecodeSignatureHex parses a "0x"-prefixed or bare hex signature.
func DecodeSignatureHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}
