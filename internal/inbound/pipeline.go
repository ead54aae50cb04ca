// Package inbound validates and decodes messages observed during sync,
// turning them into application-visible Message values and synthesizing
// delivery acknowledgements for retryable ones.
package inbound

import (
	"context"

	"github.com/oriys/courier/internal/address"
	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/logging"
	"github.com/oriys/courier/internal/message"
	"github.com/oriys/courier/internal/metrics"
	"github.com/oriys/courier/internal/roomclient"
)

// RoomLookup reports the room currently registered for peer, if any.
type RoomLookup func(peer address.Address) (roomclient.RoomID, bool)

// Whitelist reports whether peer is allowed to exchange messages with
// this node.
type Whitelist func(peer address.Address) bool

// AckEnqueuer delivers a synthesized Delivered acknowledgement to peer's
// outbound retry queue, unordered.
type AckEnqueuer func(peer address.Address, ack message.Message)

// Handler receives every accepted application message from peer.
type Handler func(peer address.Address, msg message.Message)

// Pipeline turns raw RoomMessage events into validated, decoded
// application messages.
type Pipeline struct {
	self        address.Address
	selfUserID  identity.UserID
	names       *identity.DisplayNameCache
	isBroadcast func(ctx context.Context, room roomclient.RoomID) bool
	roomFor     RoomLookup
	whitelisted Whitelist
	enqueueAck  AckEnqueuer
	handle      Handler
}

// New constructs a Pipeline.
func New(
	self address.Address,
	selfUserID identity.UserID,
	names *identity.DisplayNameCache,
	isBroadcast func(ctx context.Context, room roomclient.RoomID) bool,
	roomFor RoomLookup,
	whitelisted Whitelist,
	enqueueAck AckEnqueuer,
	handle Handler,
) *Pipeline {
	return &Pipeline{
		self:        self,
		selfUserID:  selfUserID,
		names:       names,
		isBroadcast: isBroadcast,
		roomFor:     roomFor,
		whitelisted: whitelisted,
		enqueueAck:  enqueueAck,
		handle:      handle,
	}
}

// HandleRoomMessage validates and decodes a single observed room message,
// dispatching accepted application messages to the Handler and enqueuing
// Delivered acks for retryable ones.
func (p *Pipeline) HandleRoomMessage(ctx context.Context, room roomclient.RoomID, rm roomclient.RoomMessage) {
	if p.isBroadcast(ctx, room) {
		return
	}
	if rm.Sender == p.selfUserID {
		return
	}

	p.names.WarmUsers(ctx, []identity.UserID{rm.Sender})
	peer, err := p.names.ValidatedAddress(ctx, rm.Sender)
	if err != nil {
		logging.Op().Warn("inbound: sender display name invalid", "sender", rm.Sender, "err", err)
		return
	}

	if registered, ok := p.roomFor(peer); !ok || registered != room {
		logging.Op().Warn("inbound: message from unregistered room", "peer", peer, "room", room, "expected", registered)
		return
	}

	if !p.whitelisted(peer) {
		logging.Op().Warn("inbound: peer not whitelisted", "peer", peer)
		return
	}

	msgs, malformed := message.ParseBatch(rm.Body)
	for _, bad := range malformed {
		logging.Op().Warn("inbound: dropped malformed message line", "peer", peer, "line", bad)
	}

	for _, m := range msgs {
		metrics.RecordMessageReceived(string(m.Kind))

		if m.Retryable() {
			ack := message.NewDelivered(m.MessageIdentifier)
			p.enqueueAck(peer, ack)
			metrics.RecordAckSent()
		}

		p.handle(peer, m)
	}
}
