package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the uplink.
const (
	// MeasurementDelivery holds one point per delivery or connection event.
	MeasurementDelivery = "uplink_delivery"

	// MeasurementQueue holds periodic samples of the message store and
	// publishing engine counters.
	MeasurementQueue = "uplink_queue"

	// MeasurementLink holds periodic samples of the connection counters.
	MeasurementLink = "uplink_link"
)

// QueueSample is one snapshot of the message store and publishing engine.
type QueueSample struct {
	Queued    int
	InFlight  int
	Confirmed int
	Dropped   int

	Sent          uint64
	Confirmations uint64
	SendFailures  uint64
	Redelivered   uint64
	DroppedTotal  uint64
	Congestions   uint64
}

// LinkSample is one snapshot of the connection state machine.
type LinkSample struct {
	State           string
	Connected       bool
	ConnectAttempts uint64
	ConnectFailures uint64
	Connections     uint64
	ConnectionsLost uint64
}

// WriteDeliveryEvent records a single delivery or connection event.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - event: Event name (e.g., "message_confirmed", "connection_lost")
//   - fields: Event details (message id, topic, cause); may be nil
//
// Example:
//
//	client.WriteDeliveryEvent("message_confirmed", map[string]interface{}{"id": int64(42)})
func (c *Client) WriteDeliveryEvent(event string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(deliveryEventPoint(event, fields, time.Now()))
}

// WriteQueueSample records a snapshot of queue depth and engine counters.
func (c *Client) WriteQueueSample(s QueueSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(queueSamplePoint(s, time.Now()))
}

// WriteLinkSample records a snapshot of the connection counters.
func (c *Client) WriteLinkSample(s LinkSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(linkSamplePoint(s, time.Now()))
}

// deliveryEventPoint builds a MeasurementDelivery point. A point needs at
// least one field, so a count of 1 is always present.
func deliveryEventPoint(event string, fields map[string]interface{}, ts time.Time) *write.Point {
	all := map[string]interface{}{"count": 1}
	for k, v := range fields {
		all[k] = v
	}
	return write.NewPoint(MeasurementDelivery, map[string]string{"event": event}, all, ts)
}

func queueSamplePoint(s QueueSample, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementQueue, nil, map[string]interface{}{
		"queued":          s.Queued,
		"in_flight":       s.InFlight,
		"confirmed":       s.Confirmed,
		"dropped":         s.Dropped,
		"sent_total":      s.Sent,
		"confirmed_total": s.Confirmations,
		"send_failures":   s.SendFailures,
		"redelivered":     s.Redelivered,
		"dropped_total":   s.DroppedTotal,
		"congestions":     s.Congestions,
	}, ts)
}

func linkSamplePoint(s LinkSample, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementLink, map[string]string{"state": s.State}, map[string]interface{}{
		"connected":        s.Connected,
		"connect_attempts": s.ConnectAttempts,
		"connect_failures": s.ConnectFailures,
		"connections":      s.Connections,
		"connections_lost": s.ConnectionsLost,
	}, ts)
}
