// Package publisher drains the message store to the uplink connection.
//
// The Engine is the only component that sends stored messages. Its worker
// wakes on enqueue, on connection establishment, on every confirmation and
// on its own timers, and sends while:
//   - the connection can send (Connected, or Disconnecting for the final flush)
//   - an eligible message exists, in priority then FIFO order
//   - the in-flight window has room (QoS 1/2 only)
//   - the rate limiter grants a token
//
// A failed send leaves the message queued and pauses for RetryInterval.
// QoS 0 messages are deleted once sent; QoS 1/2 messages stay published
// until the broker confirms them. After every reconnect, messages still
// awaiting confirmation are sent again because confirmation tokens do not
// survive the connection that issued them.
//
// The Engine implements connection.Hooks.
package publisher
