package address

import "golang.org/x/crypto/sha3"

// keccak256 hashes data with the Keccak-256 permutation (not NIST SHA3-256;
// Ethereum-style addresses and signatures use the original Keccak padding).
func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
