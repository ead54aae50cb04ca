// Package message defines the wire-level message envelope the transport
// exchanges with peers, and the queue identifiers used to route them
// through per-peer retry queues.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/oriys/courier/internal/address"
)

// Kind tags a Message's transport-visible type. The application payload
// itself (Payload, for KindRetryable) is opaque to the transport.
type Kind string

const (
	KindRetryable Kind = "retryable" // carries a message_identifier; resent until acked or dequeued
	KindDelivered Kind = "delivered" // acknowledges receipt of a retryable message; sent once
	KindPing      Kind = "ping"      // liveness probe; sent once
	KindPong      Kind = "pong"      // liveness response; sent once
)

// Message is the envelope exchanged between transport instances.
type Message struct {
	Kind                       Kind            `json:"type"`
	MessageIdentifier          uint64          `json:"message_identifier,omitempty"`
	DeliveredMessageIdentifier uint64          `json:"delivered_message_identifier,omitempty"`
	Payload                    json.RawMessage `json:"payload,omitempty"`
}

// Retryable reports whether m must be resent until acknowledged or
// removed by the application.
func (m Message) Retryable() bool {
	return m.Kind == KindRetryable
}

// NewRetryable wraps an opaque application payload for retried delivery.
func NewRetryable(id uint64, payload json.RawMessage) Message {
	return Message{Kind: KindRetryable, MessageIdentifier: id, Payload: payload}
}

// NewDelivered builds the acknowledgement for a received retryable message.
func NewDelivered(ackedID uint64) Message {
	return Message{Kind: KindDelivered, DeliveredMessageIdentifier: ackedID}
}

// NewPing builds a liveness probe.
func NewPing() Message { return Message{Kind: KindPing} }

// NewPong builds a liveness response.
func NewPong() Message { return Message{Kind: KindPong} }

// QueueIdentifier names the ordered channel a message belongs to: a
// recipient plus a caller-chosen canonical identifier. Two messages with
// equal QueueIdentifier and equal content are deduplicated by the
// RetryQueue.
type QueueIdentifier struct {
	Recipient   address.Address
	CanonicalID string
}

// unorderedCanonicalID is reserved for messages with no ordering
// requirement (acks, pings).
const unorderedCanonicalID = "__unordered__"

// Unordered returns the queue identifier used for messages that carry no
// ordering requirement relative to others sent to the same recipient.
func Unordered(recipient address.Address) QueueIdentifier {
	return QueueIdentifier{Recipient: recipient, CanonicalID: unorderedCanonicalID}
}

func (q QueueIdentifier) String() string {
	return fmt.Sprintf("%s/%s", q.Recipient, q.CanonicalID)
}
