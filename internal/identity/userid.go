// Package identity resolves room-service user identities to node
// addresses and validates the signed display names that vouch for that
// binding.
package identity

import (
	"fmt"
	"strings"

	"github.com/oriys/courier/internal/address"
)

// UserID is a full room-service user identifier, e.g. "@0xabc...:example.org".
type UserID string

// ServerName returns the homeserver part of the user id, or "" if absent.
func (u UserID) ServerName() string {
	s := string(u)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// LocalPart returns the local part (without the leading '@' and the
// trailing ":server").
func (u UserID) LocalPart() string {
	s := strings.TrimPrefix(string(u), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// AddressFromUserID extracts the address encoded in a user id's local
// part. The local part is expected to be the lowercase hex address,
// optionally with additional suffix content after it (ignored).
func AddressFromUserID(u UserID) (address.Address, error) {
	local := u.LocalPart()
	if len(local) < 2 || local[0] != '0' || (local[1] != 'x' && local[1] != 'X') {
		// tolerate a bare hex local part with no 0x prefix
		if len(local) >= address.Length*2 {
			return address.FromHex(local[:address.Length*2])
		}
		return address.Address{}, fmt.Errorf("identity: no address prefix in user id %q", u)
	}
	if len(local) < 2+address.Length*2 {
		return address.Address{}, fmt.Errorf("identity: user id local part too short: %q", u)
	}
	return address.FromHex(local[:2+address.Length*2])
}

// BuildUserID constructs the canonical user id for an address on a given
// server.
func BuildUserID(addr address.Address, serverName string) UserID {
	return UserID(fmt.Sprintf("@%s:%s", strings.ToLower(addr.String()), serverName))
}
