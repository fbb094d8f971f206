package store

import (
	"time"

	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// State is the delivery state of a stored message. States only move forward:
// Queued → Published → Confirmed, or Published → Dropped.
type State int

const (
	// StateQueued messages have never been accepted by the transport.
	StateQueued State = iota

	// StatePublished messages were accepted and await broker confirmation.
	StatePublished

	// StateConfirmed messages were acknowledged by the broker.
	StateConfirmed

	// StateDropped messages were in flight on a session the broker discarded.
	StateDropped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StatePublished:
		return "published"
	case StateConfirmed:
		return "confirmed"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Message is a durably stored outbound message.
type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	QoS      byte
	Priority int
	Retain   bool

	State State

	// Redeliver marks a published message whose token belongs to a previous
	// connection; it is eligible to be sent again.
	Redeliver bool

	CreatedAt   time.Time
	PublishedAt time.Time
	ConfirmedAt time.Time
	DroppedAt   time.Time

	// Token correlates the last send with its confirmation. Nil until
	// published, and for transports that do not issue tokens.
	Token *transport.Token
}

// InFlight reports whether the message awaits a broker confirmation.
func (m *Message) InFlight() bool {
	return m.State == StatePublished
}

// Counts is the number of stored messages per state.
type Counts struct {
	Queued    int
	Published int
	Confirmed int
	Dropped   int
}

// Live returns the number of messages still to be delivered.
func (c Counts) Live() int {
	return c.Queued + c.Published
}
