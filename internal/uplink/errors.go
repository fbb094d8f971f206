package uplink

import "errors"

// Domain-specific errors for the uplink service.
// Store and transport errors are passed through wrapped; use errors.Is() to
// check for store.ErrStoreFull and friends.
var (
	// ErrAlreadyStarted is returned by Start on a running or stopped service.
	ErrAlreadyStarted = errors.New("uplink: already started")

	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("uplink: not started")

	// ErrInvalidVerb is returned for control verbs that are empty or contain
	// topic separators or wildcards.
	ErrInvalidVerb = errors.New("uplink: invalid control verb")

	// ErrInvalidPattern is returned when a topic pattern is not a valid
	// regular expression.
	ErrInvalidPattern = errors.New("uplink: invalid topic pattern")

	// ErrMissingDependency is returned by New when a required option is nil.
	ErrMissingDependency = errors.New("uplink: missing dependency")
)
