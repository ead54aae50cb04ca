// Package address defines the 20-byte node identifier used throughout the
// transport and its encoding into room-service user identifiers.
package address

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Length is the byte length of an Address.
const Length = 20

// Address is a 20-byte node identifier, e.g. an Ethereum-style account address.
type Address [Length]byte

// ErrInvalidLength is returned when decoding a value that is not 20 bytes.
var ErrInvalidLength = errors.New("address: invalid length")

// String returns the checksummed "0x"-prefixed hex form.
func (a Address) String() string {
	return toChecksumHex(a)
}

// Hex returns the same value as String; provided for call sites that prefer
// an explicit name over the Stringer method.
func (a Address) Hex() string {
	return a.String()
}

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Bytes returns a copy of the underlying bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, Length)
	copy(out, a[:])
	return out
}

// FromHex parses a "0x"-prefixed or bare hex string into an Address.
// Checksum casing, if present, is not verified here; use VerifyChecksum
// for that.
func FromHex(s string) (Address, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s) != Length*2 {
		return Address{}, ErrInvalidLength
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: decode hex: %w", err)
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// FromBytes copies b into a new Address, erroring if the length is wrong.
func FromBytes(b []byte) (Address, error) {
	if len(b) != Length {
		return Address{}, ErrInvalidLength
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// Less reports whether a sorts strictly before b as big-endian bytes. Used
// by the room creator-election tie-break.
func (a Address) Less(b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// toChecksumHex implements EIP-55 style mixed-case checksum encoding: the
// case of each hex digit is determined by the corresponding nibble of the
// Keccak256 hash of the lowercase hex string.
func toChecksumHex(a Address) string {
	lower := hex.EncodeToString(a[:])
	hash := keccak256([]byte(lower))
	hashHex := hex.EncodeToString(hash)

	out := make([]byte, len(lower))
	for i, c := range lower {
		if c >= '0' && c <= '9' {
			out[i] = byte(c)
			continue
		}
		// hashHex[i] is a hex digit 0-9/a-f; values >= 8 mean uppercase.
		nibble := hashHex[i]
		var v int
		if nibble >= '0' && nibble <= '9' {
			v = int(nibble - '0')
		} else {
			v = int(nibble-'a') + 10
		}
		if v >= 8 {
			out[i] = byte(strings.ToUpper(string(c))[0])
		} else {
			out[i] = byte(c)
		}
	}
	return "0x" + string(out)
}
