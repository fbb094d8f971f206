// Package dispatch fans uplink events out to registered listeners.
//
// Connection state changes, publish results, confirmations and inbound
// messages are all delivered as Event values through one FIFO queue drained
// by a single goroutine, so listeners observe events in the order they
// happened and never run concurrently with each other.
package dispatch
