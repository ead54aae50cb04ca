// Package presence tracks which room-service user ids back a given peer
// address and aggregates their presence into a single reachability
// verdict the retry queues gate sending on.
package presence

import (
	"context"
	"sync"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/metrics"
	"github.com/oriys/courier/internal/roomclient"
)

// Reachability is the aggregate reachability verdict for a peer address.
type Reachability int

const (
	Unknown Reachability = iota
	Reachable
	Unreachable
)

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ReachabilityChangedFunc is called whenever an address's aggregate
// reachability changes.
type ReachabilityChangedFunc func(addr address.Address, r Reachability)

// PresenceChangedFunc is called when a user id's presence is first seen
// or differs from its last recorded state, regardless of whether it
// changes the address's aggregate.
type PresenceChangedFunc func(user identity.UserID, state roomclient.PresenceState)

// UserAddressManager maps peer addresses to the room-service user ids
// that represent them, tracks each user id's presence, and aggregates
// that into a per-address reachability verdict.
type UserAddressManager struct {
	mu sync.Mutex

	usersByAddress map[address.Address]map[identity.UserID]bool
	presenceByUser map[identity.UserID]roomclient.PresenceState
	reachability   map[address.Address]Reachability

	onReachabilityChanged ReachabilityChangedFunc
	onPresenceChanged     PresenceChangedFunc
}

// New constructs an empty UserAddressManager. Either callback may be nil.
func New(onReachabilityChanged ReachabilityChangedFunc, onPresenceChanged PresenceChangedFunc) *UserAddressManager {
	return &UserAddressManager{
		usersByAddress:        make(map[address.Address]map[identity.UserID]bool),
		presenceByUser:        make(map[identity.UserID]roomclient.PresenceState),
		reachability:          make(map[address.Address]Reachability),
		onReachabilityChanged: onReachabilityChanged,
		onPresenceChanged:     onPresenceChanged,
	}
}

// AddAddress registers addr with UNKNOWN reachability if not already known.
func (m *UserAddressManager) AddAddress(addr address.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addAddressLocked(addr)
}

func (m *UserAddressManager) addAddressLocked(addr address.Address) {
	if _, ok := m.usersByAddress[addr]; ok {
		return
	}
	m.usersByAddress[addr] = make(map[identity.UserID]bool)
	m.reachability[addr] = Unknown
}

// TrackAddressPresence bulk-registers users as representing addr and
// recomputes addr's aggregate reachability.
func (m *UserAddressManager) TrackAddressPresence(addr address.Address, users []identity.UserID) {
	m.mu.Lock()
	m.addAddressLocked(addr)
	for _, u := range users {
		m.usersByAddress[addr][u] = true
		if _, ok := m.presenceByUser[u]; !ok {
			m.presenceByUser[u] = roomclient.PresenceOffline
		}
	}
	m.recomputeLocked(addr)
	m.mu.Unlock()
}

// UpdatePresence records a new presence state for user and recomputes the
// reachability of whichever address that user represents, if any.
func (m *UserAddressManager) UpdatePresence(addr address.Address, user identity.UserID, state roomclient.PresenceState) {
	m.mu.Lock()
	m.addAddressLocked(addr)
	m.usersByAddress[addr][user] = true
	prev, had := m.presenceByUser[user]
	m.presenceByUser[user] = state

	changed := !had || prev != state
	m.recomputeLocked(addr)
	m.mu.Unlock()

	if changed && m.onPresenceChanged != nil {
		m.onPresenceChanged(user, state)
	}
}

// recomputeLocked must be called with mu held. It computes the new
// aggregate reachability for addr and fires the changed callback if it
// differs from the previous value.
func (m *UserAddressManager) recomputeLocked(addr address.Address) {
	users := m.usersByAddress[addr]
	newReach := Unknown
	sawDefiniteOffline := false
	for u := range users {
		state := m.presenceByUser[u]
		if roomclient.ReachableStates[state] {
			newReach = Reachable
			break
		}
		if state == roomclient.PresenceOffline {
			sawDefiniteOffline = true
		}
	}
	if newReach != Reachable && sawDefiniteOffline {
		newReach = Unreachable
	}

	prev := m.reachability[addr]
	m.reachability[addr] = newReach

	if prev != newReach {
		metrics.SetReachability(addr.String(), int(newReach))
		if m.onReachabilityChanged != nil {
			cb := m.onReachabilityChanged
			go cb(addr, newReach)
		}
	}
}

// GetUserIDsForAddress returns the known user ids representing addr.
func (m *UserAddressManager) GetUserIDsForAddress(addr address.Address) []identity.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.usersByAddress[addr]
	out := make([]identity.UserID, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out
}

// GetUserIDPresence returns the last known presence for user, or
// PresenceOffline if never observed.
func (m *UserAddressManager) GetUserIDPresence(user identity.UserID) roomclient.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.presenceByUser[user]; ok {
		return s
	}
	return roomclient.PresenceOffline
}

// Reachability returns the current aggregate reachability for addr.
func (m *UserAddressManager) Reachability(addr address.Address) Reachability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachability[addr]
}

// IsReachable is a convenience predicate for retryqueue.ReachabilityFunc.
func (m *UserAddressManager) IsReachable(addr address.Address) bool {
	return m.Reachability(addr) == Reachable
}

// Start exists for lifecycle symmetry with the transport orchestrator's
// startup sequence; the manager holds no background goroutines of its
// own, so this is a no-op.
func (m *UserAddressManager) Start(ctx context.Context) {}

// Stop is the Start counterpart, also a no-op.
func (m *UserAddressManager) Stop() {}
