package dispatch

import "github.com/nerrad567/gray-logic-uplink/internal/transport"

// Event is one notification delivered to listeners. The set of events is
// closed; handlers select on the concrete type.
type Event interface {
	// Name returns a stable identifier for logging and metrics.
	Name() string
	event()
}

// ConnectionEstablished is dispatched after the link reaches CONNECTED.
type ConnectionEstablished struct {
	// NewSession is true when the broker did not resume a previous session.
	NewSession bool
}

// Disconnecting is dispatched at the start of a graceful disconnect, while
// sending is still possible.
type Disconnecting struct{}

// Disconnected is dispatched after a graceful disconnect completes.
type Disconnected struct{}

// ConnectionLost is dispatched when the link drops without being asked to.
type ConnectionLost struct {
	Cause error
}

// MessagePublished is dispatched after a message was handed to the transport.
type MessagePublished struct {
	ID    int64
	Topic string
}

// MessageConfirmed is dispatched after the broker acknowledged a message.
type MessageConfirmed struct {
	ID    int64
	Topic string
}

// MessageArrived is dispatched for inbound messages on a subscription.
type MessageArrived struct {
	Message transport.Message
}

func (ConnectionEstablished) Name() string { return "connection_established" }
func (Disconnecting) Name() string         { return "disconnecting" }
func (Disconnected) Name() string          { return "disconnected" }
func (ConnectionLost) Name() string        { return "connection_lost" }
func (MessagePublished) Name() string      { return "message_published" }
func (MessageConfirmed) Name() string      { return "message_confirmed" }
func (MessageArrived) Name() string        { return "message_arrived" }

func (ConnectionEstablished) event() {}
func (Disconnecting) event()         {}
func (Disconnected) event()          {}
func (ConnectionLost) event()        {}
func (MessagePublished) event()      {}
func (MessageConfirmed) event()      {}
func (MessageArrived) event()        {}
