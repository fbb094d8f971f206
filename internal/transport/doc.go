// Package transport defines the capability the uplink needs from a wire
// protocol client: connect, send, disconnect, and callbacks for confirmations
// and connection loss.
//
// The MQTT adapter in internal/infrastructure/mqtt is the production
// implementation; transporttest provides an in-memory fake.
package transport
