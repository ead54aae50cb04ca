package identity

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/cache"
)

// ErrInvalidSignature is returned when a display name's signature does
// not recover to the address encoded in the user id.
var ErrInvalidSignature = errors.New("identity: display name signature invalid")

// DisplayNameSource fetches a user's current display name from the room
// service; implemented by the RoomClient in production and a fake in tests.
type DisplayNameSource interface {
	DisplayName(ctx context.Context, user UserID) (string, error)
}

// DisplayNameCache memoizes signature validation of room-service display
// names, backed by a generic cache.Cache (in-memory by default, Redis or
// tiered for multi-instance deployments sharing validated identities).
type DisplayNameCache struct {
	cache    cache.Cache
	source   DisplayNameSource
	verifier Recovery
	ttl      time.Duration
}

// NewDisplayNameCache constructs a cache backed by c, fetching misses from
// source and validating signatures with verifier.
func NewDisplayNameCache(c cache.Cache, source DisplayNameSource, verifier Recovery, ttl time.Duration) *DisplayNameCache {
	if verifier == nil {
		verifier = EthereumRecovery{}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DisplayNameCache{cache: c, source: source, verifier: verifier, ttl: ttl}
}

// WarmUsers fetches and validates display names for any users not already
// cached. Fetch failures for individual users are skipped, not fatal.
func (d *DisplayNameCache) WarmUsers(ctx context.Context, users []UserID) {
	for _, u := range users {
		if _, err := d.cache.Get(ctx, string(u)); err == nil {
			continue
		}
		name, err := d.source.DisplayName(ctx, u)
		if err != nil || name == "" {
			continue
		}
		_ = d.cache.Set(ctx, string(u), []byte(name), d.ttl)
	}
}

// ValidatedAddress returns the address encoded in u's local part, but only
// if u's cached display name is a valid signature over u. Returns
// ErrInvalidSignature if validation fails, and a cache.ErrNotFound-wrapped
// error if the display name was never warmed.
func (d *DisplayNameCache) ValidatedAddress(ctx context.Context, u UserID) (address.Address, error) {
	claimed, err := AddressFromUserID(u)
	if err != nil {
		return address.Address{}, err
	}

	raw, err := d.cache.Get(ctx, string(u))
	if err != nil {
		return address.Address{}, err
	}

	sig, err := DecodeSignatureHex(string(raw))
	if err != nil {
		return address.Address{}, ErrInvalidSignature
	}

	recovered, err := d.verifier.Recover(DisplayNameMessage(u), sig)
	if err != nil || recovered != claimed {
		return address.Address{}, ErrInvalidSignature
	}
	return claimed, nil
}
