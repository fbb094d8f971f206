package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// Send implements transport.Transport.
//
// QoS Levels:
//   - 0: Waits for the write and returns a nil token
//   - 1, 2: Returns as soon as paho has queued the message, with a token
//     carrying paho's message id. MessageConfirmed is called on the handler
//     when the broker acknowledges it.
//
// If paho did not assign a message id (it only does so on a live
// connection) the call waits for the acknowledgement and returns a nil
// token, which the caller treats as already confirmed.
//
// Returns:
//   - *transport.Token: Confirmation token, or nil
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrPayloadTooLarge,
//     transport.ErrNotConnected, or a wrapped transport.ErrSendFailed
func (t *Transport) Send(topic string, payload []byte, qos byte, retain bool) (*transport.Token, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if qos > maxQoS {
		return nil, ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}

	client, sessionID := t.current()
	if client == nil || !client.IsConnected() {
		return nil, transport.ErrNotConnected
	}

	ptok := client.Publish(topic, qos, retain, payload)

	// paho fails fast (for example when not connected) by completing the
	// token before returning it.
	select {
	case <-ptok.Done():
		if err := ptok.Error(); err != nil {
			return nil, fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
		}
		if qos == 0 {
			return nil, nil
		}
	default:
	}

	var id uint16
	if m, ok := ptok.(messageIDer); ok {
		id = m.MessageID()
	}
	if qos == 0 || id == 0 {
		if err := waitToken(ptok); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tok := transport.Token{MessageID: int(id), SessionID: sessionID}
	go t.awaitConfirmation(ptok, tok)
	return &tok, nil
}

// waitToken waits for a publish to complete within defaultPublishTimeout.
func waitToken(ptok pahomqtt.Token) error {
	if !ptok.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", transport.ErrSendFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := ptok.Error(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
	}
	return nil
}

// awaitConfirmation reports the broker's acknowledgement of a QoS 1/2
// publish. paho completes the token with an error when the connection
// closes first; the message then stays in flight for redelivery.
func (t *Transport) awaitConfirmation(ptok pahomqtt.Token, tok transport.Token) {
	<-ptok.Done()
	if err := ptok.Error(); err != nil {
		t.getLogger().Debug("publish not acknowledged", "token", tok.String(), "error", err)
		return
	}
	if h := t.getHandler(); h != nil {
		h.MessageConfirmed(tok)
	}
}
