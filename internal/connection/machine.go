package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-uplink/internal/dispatch"
	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// Default timings applied when a Config field is zero.
const (
	defaultMinBackoff          = time.Second
	defaultMaxBackoff          = time.Minute
	defaultDisconnectingWindow = time.Second
)

// Logger is the logging interface used by the state machine.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Dispatcher is the subset of dispatch.Dispatcher used by the machine.
type Dispatcher interface {
	Dispatch(ev dispatch.Event)
	Sync(ctx context.Context) error
}

// Hooks lets the publishing engine take part in connection transitions.
type Hooks interface {
	// OnConnected runs after the transport connected and before the machine
	// reports Connected.
	OnConnected(ctx context.Context, newSession bool)

	// OnReady runs once the machine reports Connected.
	OnReady()

	// OnDisconnecting runs during a graceful disconnect while sending is
	// still possible. It must return when ctx is done.
	OnDisconnecting(ctx context.Context)

	// OnMessageConfirmed is called from the transport for every confirmation.
	OnMessageConfirmed(tok transport.Token)
}

type noopHooks struct{}

func (noopHooks) OnConnected(context.Context, bool)  {}
func (noopHooks) OnReady()                           {}
func (noopHooks) OnDisconnecting(context.Context)    {}
func (noopHooks) OnMessageConfirmed(transport.Token) {}

// Config holds the machine's timing and start-up behaviour.
type Config struct {
	// AutoConnect requests a connection as soon as Run starts.
	AutoConnect bool

	// MinBackoff is the first retry delay after a failed attempt or a lost
	// connection. Default: 1 second.
	MinBackoff time.Duration

	// MaxBackoff caps the doubling retry delay. Default: 1 minute.
	MaxBackoff time.Duration

	// ConnectTimeout bounds a single connect attempt. Zero means no limit
	// beyond the transport's own.
	ConnectTimeout time.Duration

	// DisconnectQuiesce is passed to Transport.Disconnect.
	DisconnectQuiesce time.Duration

	// DisconnectingWindow bounds both the listener wait and the final flush
	// of a graceful disconnect. Default: 1 second.
	DisconnectingWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.DisconnectingWindow <= 0 {
		c.DisconnectingWindow = defaultDisconnectingWindow
	}
	return c
}

// Stats holds connection counters.
type Stats struct {
	ConnectAttempts uint64
	ConnectFailures uint64
	Connections     uint64
	ConnectionsLost uint64
}

// Machine is the connection state machine. It implements transport.Handler
// and must be installed with Transport.SetHandler (New does this).
//
// Thread Safety:
//   - All methods are safe for concurrent use. Transitions happen only on
//     the goroutine running Run.
type Machine struct {
	transport  transport.Transport
	dispatcher Dispatcher

	mu            sync.Mutex
	cfg           Config
	state         State
	desired       bool
	connectNow    bool
	bounce        bool
	lost          bool
	lostErr       error
	running       bool
	stopped       bool
	backoff       time.Duration
	subscriptions map[string]byte
	hooks         Hooks
	changed       chan struct{}
	logger        Logger

	// onRetry observes every scheduled retry delay.
	onRetry func(time.Duration)

	wake chan struct{}

	connectAttempts atomic.Uint64
	connectFailures atomic.Uint64
	connections     atomic.Uint64
	connectionsLost atomic.Uint64
}

// New creates a Machine for tr and installs it as tr's handler.
//
// Parameters:
//   - tr: Transport to drive
//   - dispatcher: Receives connection and inbound-message events
//   - cfg: Timings; zero fields take defaults
//
// Returns:
//   - *Machine: Machine in the Disconnected state; call Run to start it
func New(tr transport.Transport, dispatcher Dispatcher, cfg Config) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		transport:     tr,
		dispatcher:    dispatcher,
		cfg:           cfg,
		desired:       cfg.AutoConnect,
		backoff:       cfg.MinBackoff,
		subscriptions: make(map[string]byte),
		hooks:         noopHooks{},
		changed:       make(chan struct{}),
		logger:        noopLogger{},
		wake:          make(chan struct{}, 1),
	}
	tr.SetHandler(m)
	return m
}

// SetLogger sets the logger for connection events. Call before Run.
func (m *Machine) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// SetHooks installs the publishing engine's hooks.
func (m *Machine) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		h = noopHooks{}
	}
	m.hooks = h
}

// Reconfigure replaces the machine's timings. The current backoff is clamped
// into the new range; an established connection is kept.
func (m *Machine) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	if m.backoff < cfg.MinBackoff {
		m.backoff = cfg.MinBackoff
	}
	if m.backoff > cfg.MaxBackoff {
		m.backoff = cfg.MaxBackoff
	}
	m.mu.Unlock()
	m.signal()
}

// Connect requests a connection. It returns immediately; progress is reported
// through ConnectionEstablished events. A pending reconnect timer is
// cancelled and the attempt is made at once.
func (m *Machine) Connect() error {
	return m.request(func() {
		m.desired = true
		m.connectNow = true
	})
}

// Disconnect requests a graceful disconnect and cancels pending retries.
func (m *Machine) Disconnect() error {
	return m.request(func() { m.desired = false })
}

// Reconnect bounces an established connection. It is a no-op when not
// connected.
func (m *Machine) Reconnect() error {
	return m.request(func() {
		if m.state == StateConnected {
			m.bounce = true
		}
	})
}

func (m *Machine) request(apply func()) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	apply()
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Machine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the machine is in the Connected state.
func (m *Machine) IsConnected() bool {
	return m.State() == StateConnected
}

// CanSend reports whether Send may be called: Connected, or Disconnecting
// with the final flush in progress.
func (m *Machine) CanSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.state == StateConnected || m.state == StateDisconnecting) && !m.lost && !m.stopped
}

// WaitForState blocks until the machine is in want or ctx is done.
func (m *Machine) WaitForState(ctx context.Context, want State) error {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns the connection counters.
func (m *Machine) Stats() Stats {
	return Stats{
		ConnectAttempts: m.connectAttempts.Load(),
		ConnectFailures: m.connectFailures.Load(),
		Connections:     m.connections.Load(),
		ConnectionsLost: m.connectionsLost.Load(),
	}
}

// Send hands a message to the transport.
//
// Returns:
//   - *transport.Token: Confirmation token, nil for QoS 0
//   - error: transport.ErrNotConnected when sending is not possible,
//     transport.ErrSendFailed when the transport rejected the message
//
// A transport that reports ErrNotConnected while the machine believes it is
// connected is treated as a lost connection.
func (m *Machine) Send(topic string, payload []byte, qos byte, retain bool) (*transport.Token, error) {
	if !m.CanSend() {
		return nil, transport.ErrNotConnected
	}
	tok, err := m.transport.Send(topic, payload, qos, retain)
	if errors.Is(err, transport.ErrNotConnected) {
		m.ConnectionLost(err)
	}
	return tok, err
}

// Subscribe adds an inbound subscription. It is applied immediately when
// connected and restored after every reconnect.
func (m *Machine) Subscribe(topic string, qos byte) error {
	m.mu.Lock()
	m.subscriptions[topic] = qos
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		return m.transport.Subscribe(topic, qos)
	}
	return nil
}

// Unsubscribe removes an inbound subscription.
func (m *Machine) Unsubscribe(topic string) error {
	m.mu.Lock()
	delete(m.subscriptions, topic)
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		return m.transport.Unsubscribe(topic)
	}
	return nil
}

// ConnectionLost implements transport.Handler. A loss reported while a
// connect attempt is still being set up fails that attempt.
func (m *Machine) ConnectionLost(err error) {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.lost = true
		m.lostErr = err
	}
	m.mu.Unlock()
	m.signal()
}

// MessageConfirmed implements transport.Handler.
func (m *Machine) MessageConfirmed(tok transport.Token) {
	m.currentHooks().OnMessageConfirmed(tok)
}

// MessageArrived implements transport.Handler.
func (m *Machine) MessageArrived(msg transport.Message) {
	m.dispatcher.Dispatch(dispatch.MessageArrived{Message: msg})
}

// Run drives the machine until ctx is cancelled. On cancellation an
// established connection is closed gracefully before Run returns.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	m.running = true
	m.mu.Unlock()

	var retry *time.Timer
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry = nil
		}
	}
	defer func() {
		stopRetry()
		m.shutdown()
	}()

	for {
		m.mu.Lock()
		desired, state, bounce, now := m.desired, m.state, m.bounce, m.connectNow
		lost, lostErr := m.lost, m.lostErr
		m.bounce, m.lost, m.lostErr, m.connectNow = false, false, nil, false
		m.mu.Unlock()

		switch {
		case lost && m.handleLoss(lostErr):
			if desired && retry == nil {
				retry = m.scheduleRetry()
			}
		case state == StateConnected && !desired:
			m.disconnect()
		case state == StateConnected && bounce:
			m.logger.Info("bouncing uplink connection")
			m.disconnect()
			if !m.connect(ctx) {
				retry = m.scheduleRetry()
			}
		case state == StateDisconnected && desired && (retry == nil || now):
			stopRetry()
			if !m.connect(ctx) {
				retry = m.scheduleRetry()
			}
		case !desired && retry != nil:
			stopRetry()
		}

		var retryC <-chan time.Time
		if retry != nil {
			retryC = retry.C
		}
		select {
		case <-m.wake:
		case <-retryC:
			retry = nil
		case <-ctx.Done():
			return nil
		}
	}
}

// shutdown closes an established connection and rejects further requests.
func (m *Machine) shutdown() {
	if m.State() == StateConnected {
		m.disconnect()
	}
	m.mu.Lock()
	m.stopped = true
	m.running = false
	m.mu.Unlock()
}

// connect performs one connect attempt and reports whether it succeeded.
func (m *Machine) connect(ctx context.Context) bool {
	cfg := m.config()
	m.setState(StateConnecting)
	m.connectAttempts.Add(1)

	cctx, cancel := context.WithCancel(ctx)
	if cfg.ConnectTimeout > 0 {
		cancel()
		cctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
	}
	info, err := m.transport.Connect(cctx)
	cancel()
	if err != nil {
		m.failConnect("uplink connect failed", err)
		return false
	}

	m.mu.Lock()
	m.backoff = cfg.MinBackoff
	subs := make(map[string]byte, len(m.subscriptions))
	for topic, qos := range m.subscriptions {
		subs[topic] = qos
	}
	hooks := m.hooks
	m.mu.Unlock()

	for topic, qos := range subs {
		if err := m.transport.Subscribe(topic, qos); err != nil {
			m.logger.Warn("restoring subscription failed", "topic", topic, "error", err)
		}
	}

	newSession := !info.SessionPresent
	hooks.OnConnected(ctx, newSession)

	m.mu.Lock()
	lost, lostErr := m.lost, m.lostErr
	m.mu.Unlock()
	if lost {
		m.transport.Disconnect(0)
		m.failConnect("uplink connection lost during setup", lostErr)
		return false
	}

	m.connections.Add(1)
	m.setState(StateConnected)
	m.logger.Info("uplink connected", "session", info.SessionID, "new_session", newSession)

	m.dispatcher.Dispatch(dispatch.ConnectionEstablished{NewSession: newSession})
	hooks.OnReady()
	return true
}

// disconnect performs a graceful disconnect of an established connection.
func (m *Machine) disconnect() {
	cfg := m.config()
	m.setState(StateDisconnecting)
	m.dispatcher.Dispatch(dispatch.Disconnecting{})

	wctx, cancel := context.WithTimeout(context.Background(), cfg.DisconnectingWindow)
	if err := m.dispatcher.Sync(wctx); err != nil {
		m.logger.Warn("listeners still busy at disconnect", "error", err)
	}
	cancel()

	fctx, cancel := context.WithTimeout(context.Background(), cfg.DisconnectingWindow)
	m.currentHooks().OnDisconnecting(fctx)
	cancel()

	m.transport.Disconnect(cfg.DisconnectQuiesce)
	m.setState(StateDisconnected)
	m.logger.Info("uplink disconnected")
	m.dispatcher.Dispatch(dispatch.Disconnected{})
}

// failConnect ends a connect attempt. A loss recorded for the attempt is
// consumed with it.
func (m *Machine) failConnect(msg string, err error) {
	m.connectFailures.Add(1)
	m.mu.Lock()
	m.lost, m.lostErr = false, nil
	m.mu.Unlock()
	m.setState(StateDisconnected)
	m.logger.Warn(msg, "error", err)
}

// handleLoss moves a connection the transport reported lost to Disconnected
// and reports whether it did.
func (m *Machine) handleLoss(cause error) bool {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.connectionsLost.Add(1)
	m.setState(StateDisconnected)
	m.logger.Warn("uplink connection lost", "error", cause)
	m.dispatcher.Dispatch(dispatch.ConnectionLost{Cause: cause})
	return true
}

// scheduleRetry starts a timer for the current backoff and doubles it for
// the next failure, capped at MaxBackoff.
func (m *Machine) scheduleRetry() *time.Timer {
	m.mu.Lock()
	delay := m.backoff
	next := delay * 2
	if next > m.cfg.MaxBackoff {
		next = m.cfg.MaxBackoff
	}
	m.backoff = next
	observe := m.onRetry
	m.mu.Unlock()

	if observe != nil {
		observe(delay)
	}
	m.logger.Debug("uplink reconnect scheduled", "delay", delay)
	return time.NewTimer(delay)
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == s {
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Machine) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Machine) currentHooks() Hooks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hooks
}
