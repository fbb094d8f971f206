package uplink

import (
	"github.com/nerrad567/gray-logic-uplink/internal/connection"
	"github.com/nerrad567/gray-logic-uplink/internal/dispatch"
	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/influxdb"
)

// MetricsSink receives delivery metrics. influxdb.Client implements it.
type MetricsSink interface {
	WriteDeliveryEvent(event string, fields map[string]interface{})
	WriteQueueSample(s influxdb.QueueSample)
	WriteLinkSample(s influxdb.LinkSample)
}

// metricsRecorder is a listener that writes one point per event.
type metricsRecorder struct {
	sink MetricsSink
}

func newMetricsRecorder(sink MetricsSink) *metricsRecorder {
	return &metricsRecorder{sink: sink}
}

// HandleEvent implements dispatch.Handler.
func (r *metricsRecorder) HandleEvent(ev dispatch.Event) error {
	var fields map[string]interface{}
	switch e := ev.(type) {
	case dispatch.ConnectionEstablished:
		fields = map[string]interface{}{"new_session": e.NewSession}
	case dispatch.ConnectionLost:
		if e.Cause != nil {
			fields = map[string]interface{}{"cause": e.Cause.Error()}
		}
	case dispatch.MessagePublished:
		fields = map[string]interface{}{"id": e.ID, "topic": e.Topic}
	case dispatch.MessageConfirmed:
		fields = map[string]interface{}{"id": e.ID, "topic": e.Topic}
	case dispatch.MessageArrived:
		fields = map[string]interface{}{"topic": e.Message.Topic, "bytes": len(e.Message.Payload)}
	}
	r.sink.WriteDeliveryEvent(ev.Name(), fields)
	return nil
}

func queueSample(st Stats) influxdb.QueueSample {
	return influxdb.QueueSample{
		Queued:        st.Messages.Queued,
		InFlight:      st.Messages.Published,
		Confirmed:     st.Messages.Confirmed,
		Dropped:       st.Messages.Dropped,
		Sent:          st.Publisher.Sent,
		Confirmations: st.Publisher.Confirmed,
		SendFailures:  st.Publisher.SendFailures,
		Redelivered:   st.Publisher.Redelivered,
		DroppedTotal:  st.Publisher.Dropped,
		Congestions:   st.Publisher.Congestions,
	}
}

func linkSample(st Stats) influxdb.LinkSample {
	return influxdb.LinkSample{
		State:           st.State.String(),
		Connected:       st.State == connection.StateConnected,
		ConnectAttempts: st.Connection.ConnectAttempts,
		ConnectFailures: st.Connection.ConnectFailures,
		Connections:     st.Connection.Connections,
		ConnectionsLost: st.Connection.ConnectionsLost,
	}
}
