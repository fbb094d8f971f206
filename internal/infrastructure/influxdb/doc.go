// Package influxdb provides the optional InfluxDB sink for uplink delivery
// metrics.
//
// It wraps the official influxdb-client-go v2 library: a ping at Connect,
// then non-blocking batched writes.
//
// # Measurements
//
//   - uplink_delivery: one point per delivery or connection event, tagged
//     with the event name
//   - uplink_queue: periodic queue depth and publishing counters
//   - uplink_link: periodic connection counters, tagged with the state
//
// Every point carries the "site" tag given to Connect.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteDeliveryEvent("message_confirmed", map[string]interface{}{"id": int64(42)})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Writes are non-blocking. Failed batches are counted (WriteErrors) and
// reported to the SetOnError callback wrapped in ErrWriteFailed. Connect
// returns its errors directly.
package influxdb
