//go:build integration

package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// Integration tests against a real broker.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS:          1,
		CleanSession: true,
		KeepAlive:    10,
		TopicPrefix:  "graylogic/uplink/int",
	}
}

// chanHandler forwards transport notifications to channels.
type chanHandler struct {
	lost      chan error
	confirmed chan transport.Token
	arrived   chan transport.Message
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		lost:      make(chan error, 4),
		confirmed: make(chan transport.Token, 64),
		arrived:   make(chan transport.Message, 64),
	}
}

func (h *chanHandler) ConnectionLost(err error)             { h.lost <- err }
func (h *chanHandler) MessageConfirmed(tok transport.Token) { h.confirmed <- tok }
func (h *chanHandler) MessageArrived(msg transport.Message) { h.arrived <- msg }

func connectIntegration(t *testing.T, clientID string) (*Transport, *chanHandler) {
	t.Helper()
	tr := New(integrationConfig(clientID))
	h := newChanHandler()
	tr.SetHandler(h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tr.Connect(ctx); err != nil {
		t.Skipf("broker not available: %v", err)
	}
	t.Cleanup(func() { tr.Disconnect(100 * time.Millisecond) })
	return tr, h
}

// TestIntegration_PublishConfirmRoundTrip publishes QoS 1 messages to a topic
// the same client subscribes to and checks every token is confirmed.
func TestIntegration_PublishConfirmRoundTrip(t *testing.T) {
	tr, h := connectIntegration(t, "graylogic-int-roundtrip")

	topic := tr.Topics().Prefix() + "/roundtrip"
	require.NoError(t, tr.Subscribe(topic, 1))

	const n = 10
	want := make(map[transport.Token]bool, n)
	for i := 0; i < n; i++ {
		tok, err := tr.Send(topic, []byte{byte(i)}, 1, false)
		require.NoError(t, err, "Send(%d)", i)
		if tok != nil {
			want[*tok] = true
		}
	}

	deadline := time.After(5 * time.Second)
	for len(want) > 0 {
		select {
		case tok := <-h.confirmed:
			delete(want, tok)
		case <-deadline:
			t.Fatalf("%d tokens never confirmed", len(want))
		}
	}

	for i := 0; i < n; i++ {
		select {
		case msg := <-h.arrived:
			assert.Equal(t, topic, msg.Topic)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
}

// TestIntegration_SessionIDs verifies each connection gets a new session id.
func TestIntegration_SessionIDs(t *testing.T) {
	tr := New(integrationConfig("graylogic-int-sessions"))
	tr.SetHandler(newChanHandler())

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		info, err := tr.Connect(ctx)
		cancel()
		if err != nil {
			t.Skipf("broker not available: %v", err)
		}
		assert.False(t, seen[info.SessionID], "session id %q reused", info.SessionID)
		seen[info.SessionID] = true
		tr.Disconnect(50 * time.Millisecond)
	}
}

// TestIntegration_ConcurrentSends exercises Send from several goroutines.
func TestIntegration_ConcurrentSends(t *testing.T) {
	tr, _ := connectIntegration(t, "graylogic-int-concurrent")
	topic := tr.Topics().Prefix() + "/concurrent"

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := tr.Send(topic, []byte("x"), 1, false); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err, "Send()")
	}
}
