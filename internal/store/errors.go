package store

import "errors"

// Domain-specific errors for message store operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrStoreFull is returned by Enqueue when the store is at capacity and no
	// queued message has a lower priority than the new one.
	ErrStoreFull = errors.New("store: capacity exceeded")

	// ErrNotFound is returned when no message matches the id or token, and by
	// NextEligibleForSend when nothing is eligible.
	ErrNotFound = errors.New("store: message not found")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("store: topic cannot be empty")

	// ErrInvalidQoS is returned for a QoS outside 0..2.
	ErrInvalidQoS = errors.New("store: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidPriority is returned for a negative priority.
	ErrInvalidPriority = errors.New("store: priority must not be negative")

	// ErrInvalidTransition is returned when a state change would move a
	// message backwards.
	ErrInvalidTransition = errors.New("store: invalid state transition")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)
