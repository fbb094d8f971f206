// Package connection owns the uplink's link to the remote broker.
//
// A Machine decides when to connect, disconnect and reconnect. All
// transitions happen on the goroutine running Run; Connect and Disconnect
// only record the desired state and wake the loop, so the last request wins.
//
//	Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected
//	                    |              |
//	                    v              v (connection lost)
//	              Disconnected    Disconnected
//
// Failed attempts are retried after a backoff that doubles from MinBackoff up
// to MaxBackoff and resets after a successful connect. Connect failures are
// logged and never reported to publishers.
//
// A graceful disconnect dispatches Disconnecting, waits for listeners and
// for the publishing engine's final flush (each bounded by
// DisconnectingWindow), then closes the transport and dispatches
// Disconnected. Sending remains possible while Disconnecting.
package connection
