package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// Subscribe implements transport.Transport. Inbound messages are delivered
// to the handler's MessageArrived.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "graylogic/uplink/control/+/+/response"
//   - # (multi-level): "graylogic/uplink/#"
//
// Subscriptions are not tracked here; the connection state machine restores
// them after every reconnect.
func (t *Transport) Subscribe(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	client, _ := t.current()
	if client == nil || !client.IsConnected() {
		return transport.ErrNotConnected
	}

	token := client.Subscribe(topic, qos, t.wrapHandler())
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe implements transport.Transport.
func (t *Transport) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	client, _ := t.current()
	if client == nil || !client.IsConnected() {
		return transport.ErrNotConnected
	}

	token := client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// wrapHandler returns a paho handler that forwards inbound messages to the
// transport handler with panic recovery.
func (t *Transport) wrapHandler() pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				t.getLogger().Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		h := t.getHandler()
		if h == nil {
			return
		}
		h.MessageArrived(transport.Message{
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			QoS:      msg.Qos(),
			Retained: msg.Retained(),
		})
	}
}
