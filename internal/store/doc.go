// Package store implements the durable outbound message queue.
//
// Every message published by the uplink is written here before any attempt
// to send it, and stays until the broker confirms delivery (QoS 1/2) or the
// send succeeds (QoS 0). A message moves through the states
//
//	Queued -> Published -> Confirmed
//	              \-> Dropped
//
// and never moves backwards. A published message whose confirmation was lost
// with its connection is flagged for redelivery and becomes eligible to send
// again on the next connection.
//
// Ordering:
//
// NextEligibleForSend returns the most urgent message (lowest priority value),
// and within a priority the oldest (lowest id). Ids are assigned by SQLite
// AUTOINCREMENT and are never reused.
//
// Capacity:
//
// The store holds at most Capacity live (queued plus in-flight) messages.
// When full, Enqueue evicts the oldest queued message of a strictly less
// urgent priority, or fails with ErrStoreFull.
//
// Usage:
//
//	s := store.New(db, cfg.Store.Capacity)
//	id, err := s.Enqueue(ctx, "graylogic/uplink/telemetry", payload, 1, 4, false)
package store
