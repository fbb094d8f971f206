package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// sessionPresenter is implemented by paho's ConnectToken.
type sessionPresenter interface {
	SessionPresent() bool
}

// messageIDer is implemented by paho's PublishToken.
type messageIDer interface {
	MessageID() uint16
}

// Transport adapts paho.mqtt.golang to transport.Transport.
//
// A fresh paho client is created for every Connect, with paho's own
// auto-reconnect disabled: reconnect decisions belong to the connection
// state machine. Each connection gets a session id of the form
// "<client_id>-<sequence>" that is stamped on the confirmation tokens it
// issues, so a confirmation can never be matched to a send from another
// connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Transport struct {
	cfg    config.MQTTConfig
	topics Topics

	// newClient creates the paho client; replaced in tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	mu        sync.Mutex
	client    pahomqtt.Client
	sessionID string
	seq       int
	handler   transport.Handler

	// setupLoss records a loss reported for sessionID before Connect
	// returned.
	setupLoss error

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a disconnected Transport.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//
// Returns:
//   - *Transport: Transport ready for Connect
func New(cfg config.MQTTConfig) *Transport {
	return &Transport{
		cfg:       cfg,
		topics:    NewTopics(cfg.TopicPrefix),
		newClient: pahomqtt.NewClient,
		logger:    noopLogger{},
	}
}

// Topics returns the topic builder for the configured prefix.
func (t *Transport) Topics() Topics {
	return t.topics
}

// SetLogger sets a logger for error and panic logging.
func (t *Transport) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

func (t *Transport) getLogger() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

// SetHandler implements transport.Transport.
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) getHandler() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Connect establishes a new connection to the broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Configures Last Will and Testament (LWT) on the status topic
//  3. Connects, bounded by ctx and paho's connect timeout
//  4. Publishes the retained online status
//
// Returns:
//   - transport.SessionInfo: Whether the broker resumed a session, and the
//     id stamped on this connection's tokens
//   - error: Wraps transport.ErrConnectFailed
func (t *Transport) Connect(ctx context.Context) (transport.SessionInfo, error) {
	t.mu.Lock()
	if t.client != nil {
		t.client.Disconnect(0)
		t.client = nil
	}
	t.seq++
	sessionID := fmt.Sprintf("%s-%d", t.cfg.Broker.ClientID, t.seq)
	t.sessionID = sessionID
	t.setupLoss = nil
	t.mu.Unlock()

	opts := buildClientOptions(t.cfg)
	configureLWT(opts, t.topics, t.cfg.Broker.ClientID)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.handleConnectionLost(sessionID, err)
	})
	opts.SetDefaultPublishHandler(t.wrapHandler())

	client := t.newClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return transport.SessionInfo{}, fmt.Errorf("%w: %w", transport.ErrConnectFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return transport.SessionInfo{}, fmt.Errorf("%w: %w", transport.ErrConnectFailed, err)
	}

	present := false
	if sp, ok := token.(sessionPresenter); ok {
		present = sp.SessionPresent()
	}

	t.mu.Lock()
	if lost := t.setupLoss; lost != nil {
		t.setupLoss = nil
		t.mu.Unlock()
		client.Disconnect(0)
		return transport.SessionInfo{}, fmt.Errorf("%w: connection lost during setup: %w", transport.ErrConnectFailed, lost)
	}
	t.client = client
	t.mu.Unlock()

	t.publishStatus(client, buildOnlinePayload(t.cfg.Broker.ClientID, sessionID), false)

	return transport.SessionInfo{SessionPresent: present, SessionID: sessionID}, nil
}

// Disconnect publishes the graceful offline status and closes the
// connection, giving paho quiesce to finish pending work.
func (t *Transport) Disconnect(quiesce time.Duration) {
	t.mu.Lock()
	client, sessionID := t.client, t.sessionID
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return
	}
	if client.IsConnected() {
		t.publishStatus(client, buildOfflinePayload(t.cfg.Broker.ClientID, sessionID), true)
	}
	client.Disconnect(uint(quiesce.Milliseconds())) //nolint:gosec // quiesce is a small positive duration
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.IsConnected()
}

// current returns the live client and its session id.
func (t *Transport) current() (pahomqtt.Client, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client, t.sessionID
}

// handleConnectionLost forwards a loss of the current connection. Losses
// reported by clients of earlier connections are ignored; a loss reported
// while Connect is still running makes that Connect fail.
func (t *Transport) handleConnectionLost(sessionID string, err error) {
	t.mu.Lock()
	if t.sessionID != sessionID {
		t.mu.Unlock()
		return
	}
	if t.client == nil {
		if err == nil {
			err = transport.ErrNotConnected
		}
		t.setupLoss = err
		t.mu.Unlock()
		return
	}
	t.client = nil
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h.ConnectionLost(err)
	}
}

// publishStatus publishes a retained status message, optionally waiting for it.
func (t *Transport) publishStatus(client pahomqtt.Client, payload []byte, wait bool) {
	token := client.Publish(t.topics.Status(), byte(t.cfg.QoS), true, payload) //nolint:gosec // QoS validated by config
	if !wait {
		return
	}
	if !token.WaitTimeout(defaultPublishTimeout) {
		t.getLogger().Warn("status publish timed out", "topic", t.topics.Status())
		return
	}
	if err := token.Error(); err != nil {
		t.getLogger().Warn("status publish failed", "topic", t.topics.Status(), "error", err)
	}
}
