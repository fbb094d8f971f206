package transport

import "errors"

// Domain-specific errors for transport operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrSendFailed is returned when the transport rejects a send. The failure
	// is transient: the message stays queued and is retried.
	ErrSendFailed = errors.New("transport: send failed")

	// ErrConnectFailed is returned when a connection attempt fails. It triggers
	// a backoff reconnect and is never surfaced to publishers.
	ErrConnectFailed = errors.New("transport: connect failed")

	// ErrNotConnected is returned when sending without a live connection.
	ErrNotConnected = errors.New("transport: not connected")
)
