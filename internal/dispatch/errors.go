package dispatch

import "errors"

// ErrListener wraps an error returned, or a panic raised, by a handler.
// It is logged and never stops delivery to other handlers.
var ErrListener = errors.New("dispatch: listener failed")
