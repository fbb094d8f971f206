package transport

import (
	"context"
	"fmt"
	"time"
)

// Token correlates a send with the broker acknowledgment that confirms it.
//
// MessageID is only unique within one connection, so it is paired with the
// SessionID of the connection that issued it.
type Token struct {
	MessageID int
	SessionID string
}

// String renders the token as "session/message".
func (t Token) String() string {
	return fmt.Sprintf("%s/%d", t.SessionID, t.MessageID)
}

// SessionInfo describes an established connection.
type SessionInfo struct {
	// SessionPresent is true when the broker resumed state from a previous
	// connection.
	SessionPresent bool

	// SessionID identifies this connection; tokens issued on it carry the same id.
	SessionID string
}

// Message is an inbound message received on a subscription.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Handler receives asynchronous transport notifications.
//
// Implementations must not block: callbacks may run on the transport's
// network goroutines.
type Handler interface {
	// ConnectionLost reports an unsolicited loss of the connection.
	ConnectionLost(err error)

	// MessageConfirmed reports that the broker acknowledged a QoS 1/2 send.
	MessageConfirmed(tok Token)

	// MessageArrived delivers a message received on a subscription.
	MessageArrived(msg Message)
}

// Transport is a single logical connection to the remote endpoint.
//
// Thread Safety:
//   - Implementations must be safe for concurrent use.
type Transport interface {
	// Connect opens the connection. Failures wrap ErrConnectFailed.
	Connect(ctx context.Context) (SessionInfo, error)

	// Disconnect closes the connection, allowing up to quiesce for pending work.
	Disconnect(quiesce time.Duration)

	// Send hands a message to the transport. For QoS 1/2 the returned token
	// identifies the confirmation that will arrive later; a nil token means the
	// transport cannot correlate confirmations. Failures wrap ErrSendFailed or
	// ErrNotConnected.
	Send(topic string, payload []byte, qos byte, retain bool) (*Token, error)

	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error

	IsConnected() bool

	// SetHandler registers the receiver of asynchronous notifications.
	SetHandler(h Handler)
}
