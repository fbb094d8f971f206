package connection

import "errors"

// ErrStopped is returned by operations on a machine whose Run loop has exited.
var ErrStopped = errors.New("connection: state machine stopped")
