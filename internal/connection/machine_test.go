package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-uplink/internal/dispatch"
	"github.com/nerrad567/gray-logic-uplink/internal/transport"
	"github.com/nerrad567/gray-logic-uplink/internal/transport/transporttest"
)

const waitTimeout = 2 * time.Second

// recordingHooks records hook calls and what the machine looked like when
// each ran.
type recordingHooks struct {
	m *Machine

	mu             sync.Mutex
	connected      []bool
	stateAtConnect []State
	ready          int
	disconnecting  int
	sendErr        error
	confirmed      []transport.Token
	calls          []string

	// duringConnect, if set, runs inside OnConnected for the given attempt
	// (1-based).
	duringConnect func(attempt int)
}

func (h *recordingHooks) OnConnected(_ context.Context, newSession bool) {
	h.mu.Lock()
	h.connected = append(h.connected, newSession)
	h.stateAtConnect = append(h.stateAtConnect, h.m.State())
	h.calls = append(h.calls, "connected")
	attempt, during := len(h.connected), h.duringConnect
	h.mu.Unlock()

	if during != nil {
		during(attempt)
	}
}

func (h *recordingHooks) OnReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready++
}

func (h *recordingHooks) OnDisconnecting(context.Context) {
	_, err := h.m.Send("final/will", []byte("bye"), 0, false)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnecting++
	h.sendErr = err
	h.calls = append(h.calls, "flush")
}

func (h *recordingHooks) OnMessageConfirmed(tok transport.Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmed = append(h.confirmed, tok)
}

// eventLog records dispatched events.
type eventLog struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (l *eventLog) HandleEvent(ev dispatch.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name()
	}
	return out
}

func (l *eventLog) find(name string) dispatch.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Name() == name {
			return ev
		}
	}
	return nil
}

type harness struct {
	t      *testing.T
	fake   *transporttest.Transport
	disp   *dispatch.Dispatcher
	m      *Machine
	hooks  *recordingHooks
	events *eventLog

	retryMu sync.Mutex
	retries []time.Duration

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		fake:   transporttest.New(),
		disp:   dispatch.New(),
		events: &eventLog{},
	}
	h.disp.Subscribe("log", h.events)
	h.m = New(h.fake, h.disp, cfg)
	h.hooks = &recordingHooks{m: h.m}
	h.m.SetHooks(h.hooks)
	h.m.onRetry = func(d time.Duration) {
		h.retryMu.Lock()
		h.retries = append(h.retries, d)
		h.retryMu.Unlock()
	}
	return h
}

func (h *harness) start() {
	dctx, dcancel := context.WithCancel(context.Background())
	ddone := make(chan struct{})
	go func() {
		defer close(ddone)
		_ = h.disp.Run(dctx)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.m.Run(ctx) }()

	h.t.Cleanup(func() {
		h.stop()
		dcancel()
		<-ddone
	})
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(h.t, err)
	case <-time.After(waitTimeout):
		h.t.Fatal("Run did not return after cancel")
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(h.t, h.m.WaitForState(ctx, want), "waiting for %s", want)
}

func (h *harness) sync() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(h.t, h.disp.Sync(ctx))
}

// waitEvents waits until exactly the named events have been delivered.
func (h *harness) waitEvents(want ...string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return assert.ObjectsAreEqual(want, h.events.names())
	}, waitTimeout, time.Millisecond, "events so far: %v", h.events.names())
}

func (h *harness) retryDelays() []time.Duration {
	h.retryMu.Lock()
	defer h.retryMu.Unlock()
	return append([]time.Duration(nil), h.retries...)
}

func fastConfig() Config {
	return Config{
		AutoConnect:         true,
		MinBackoff:          time.Millisecond,
		MaxBackoff:          8 * time.Millisecond,
		DisconnectingWindow: 200 * time.Millisecond,
	}
}

// =============================================================================
// Connect Tests
// =============================================================================

func TestMachine_AutoConnect(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.start()

	h.waitState(StateConnected)
	h.waitEvents("connection_established")

	ev := h.events.find("connection_established").(dispatch.ConnectionEstablished)
	assert.True(t, ev.NewSession)

	require.Eventually(t, func() bool {
		h.hooks.mu.Lock()
		defer h.hooks.mu.Unlock()
		return h.hooks.ready == 1
	}, waitTimeout, time.Millisecond)

	h.hooks.mu.Lock()
	defer h.hooks.mu.Unlock()
	assert.Equal(t, []bool{true}, h.hooks.connected)
	assert.Equal(t, []State{StateConnecting}, h.hooks.stateAtConnect,
		"OnConnected runs before Connected is reported")
}

func TestMachine_ResumedSession(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.fake.SetSessionPresent(true)
	h.start()

	h.waitState(StateConnected)
	h.waitEvents("connection_established")

	ev := h.events.find("connection_established").(dispatch.ConnectionEstablished)
	assert.False(t, ev.NewSession)
}

func TestMachine_ManualConnect(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoConnect = false
	h := newHarness(t, cfg)
	h.start()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Zero(t, h.fake.ConnectCalls())

	require.NoError(t, h.m.Connect())
	h.waitState(StateConnected)
	assert.True(t, h.m.IsConnected())
}

func TestMachine_ConnectCancelsPendingRetry(t *testing.T) {
	cfg := fastConfig()
	cfg.MinBackoff = 5 * time.Second
	cfg.MaxBackoff = 5 * time.Second
	h := newHarness(t, cfg)
	h.fake.FailConnects(errors.New("refused"))
	h.start()

	require.Eventually(t, func() bool { return len(h.retryDelays()) == 1 }, waitTimeout, time.Millisecond)
	assert.Equal(t, StateDisconnected, h.m.State())

	// An explicit Connect does not wait out the backoff.
	require.NoError(t, h.m.Connect())
	h.waitState(StateConnected)
	assert.Equal(t, 2, h.fake.ConnectCalls())
	assert.Len(t, h.retryDelays(), 1)
}

// =============================================================================
// Backoff Tests
// =============================================================================

func TestMachine_BackoffDoublesCapsAndResets(t *testing.T) {
	h := newHarness(t, fastConfig())
	fail := errors.New("refused")
	h.fake.FailConnects(fail, fail, fail, fail, fail)
	h.start()

	h.waitState(StateConnected)
	assert.Equal(t, []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
		8 * time.Millisecond,
	}, h.retryDelays())
	assert.Equal(t, 6, h.fake.ConnectCalls())

	stats := h.m.Stats()
	assert.Equal(t, uint64(6), stats.ConnectAttempts)
	assert.Equal(t, uint64(5), stats.ConnectFailures)
	assert.Equal(t, uint64(1), stats.Connections)

	// After a successful connect the next retry starts from MinBackoff again.
	h.fake.Lose(errors.New("link down"))
	require.Eventually(t, func() bool { return h.fake.ConnectCalls() == 7 && h.m.IsConnected() },
		waitTimeout, time.Millisecond)

	delays := h.retryDelays()
	require.Len(t, delays, 6)
	assert.Equal(t, time.Millisecond, delays[5])
}

func TestMachine_BackoffMonotonic(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxBackoff = 4 * time.Millisecond
	h := newHarness(t, cfg)
	errs := make([]error, 8)
	for i := range errs {
		errs[i] = errors.New("refused")
	}
	h.fake.FailConnects(errs...)
	h.start()

	h.waitState(StateConnected)
	delays := h.retryDelays()
	require.Len(t, delays, 8)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], cfg.MaxBackoff)
	}
}

func TestMachine_DisconnectCancelsRetry(t *testing.T) {
	cfg := fastConfig()
	cfg.MinBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	h := newHarness(t, cfg)
	h.fake.FailConnects(errors.New("refused"))
	h.start()

	require.Eventually(t, func() bool { return len(h.retryDelays()) == 1 }, waitTimeout, time.Millisecond)
	require.NoError(t, h.m.Disconnect())
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, h.fake.ConnectCalls())
	assert.Equal(t, StateDisconnected, h.m.State())

	// A later Connect attempts immediately rather than waiting out the hour.
	require.NoError(t, h.m.Connect())
	h.waitState(StateConnected)
}

// =============================================================================
// Loss and Disconnect Tests
// =============================================================================

func TestMachine_ConnectionLost(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.start()
	h.waitState(StateConnected)

	cause := errors.New("keepalive timeout")
	h.fake.Lose(cause)
	require.Eventually(t, func() bool { return h.fake.ConnectCalls() == 2 && h.m.IsConnected() },
		waitTimeout, time.Millisecond)
	h.waitEvents("connection_established", "connection_lost", "connection_established")

	lost, ok := h.events.find("connection_lost").(dispatch.ConnectionLost)
	require.True(t, ok)
	assert.ErrorIs(t, lost.Cause, cause)
	assert.Equal(t, uint64(1), h.m.Stats().ConnectionsLost)
}

func TestMachine_LostDuringSetup(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hooks.duringConnect = func(attempt int) {
		if attempt == 1 {
			h.fake.Lose(errors.New("reset during setup"))
		}
	}
	h.start()

	require.Eventually(t, func() bool { return h.fake.ConnectCalls() == 2 && h.m.IsConnected() },
		waitTimeout, time.Millisecond)
	h.waitEvents("connection_established")
	assert.True(t, h.fake.IsConnected(), "machine reports Connected over a live transport")

	stats := h.m.Stats()
	assert.Equal(t, uint64(2), stats.ConnectAttempts)
	assert.Equal(t, uint64(1), stats.ConnectFailures)
	assert.Equal(t, uint64(1), stats.Connections)
	assert.Zero(t, stats.ConnectionsLost)
	assert.Len(t, h.retryDelays(), 1)

	h.hooks.mu.Lock()
	defer h.hooks.mu.Unlock()
	assert.Equal(t, 1, h.hooks.ready, "OnReady only for the established connection")
}

func TestMachine_SendNotConnectedMeansLost(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.start()
	h.waitState(StateConnected)

	h.fake.Drop()
	_, err := h.m.Send("telemetry/meter", []byte("1"), 1, false)
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	require.Eventually(t, func() bool { return h.fake.ConnectCalls() == 2 && h.m.IsConnected() },
		waitTimeout, time.Millisecond)
	h.waitEvents("connection_established", "connection_lost", "connection_established")
	assert.Equal(t, uint64(1), h.m.Stats().ConnectionsLost)

	_, err = h.m.Send("telemetry/meter", []byte("2"), 1, false)
	assert.NoError(t, err)
}

func TestMachine_GracefulDisconnect(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.start()
	h.waitState(StateConnected)

	require.NoError(t, h.m.Disconnect())
	h.waitState(StateDisconnected)
	h.waitEvents("connection_established", "disconnecting", "disconnected")
	assert.Equal(t, 1, h.fake.DisconnectCalls())

	h.hooks.mu.Lock()
	defer h.hooks.mu.Unlock()
	assert.Equal(t, 1, h.hooks.disconnecting)
	assert.NoError(t, h.hooks.sendErr, "sending is allowed during the final flush")

	sent := h.fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "final/will", sent[0].Topic)
}

func TestMachine_SendWhenDisconnected(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoConnect = false
	h := newHarness(t, cfg)
	h.start()

	assert.False(t, h.m.CanSend())
	_, err := h.m.Send("t", nil, 1, false)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestMachine_Reconnect(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.start()
	h.waitState(StateConnected)

	require.NoError(t, h.m.Reconnect())
	require.Eventually(t, func() bool { return h.fake.ConnectCalls() == 2 && h.m.IsConnected() },
		waitTimeout, time.Millisecond)
	assert.Equal(t, 1, h.fake.DisconnectCalls())
}

func TestMachine_StopDisconnectsGracefully(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.start()
	h.waitState(StateConnected)

	h.stop()

	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Equal(t, 1, h.fake.DisconnectCalls())
	assert.ErrorIs(t, h.m.Connect(), ErrStopped)
	assert.ErrorIs(t, h.m.Run(context.Background()), ErrStopped)
}

// =============================================================================
// Subscription and Inbound Tests
// =============================================================================

func TestMachine_SubscriptionsRestored(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoConnect = false
	h := newHarness(t, cfg)
	h.start()

	require.NoError(t, h.m.Subscribe("control/#", 1))
	assert.Empty(t, h.fake.Subscriptions(), "applied only once connected")

	require.NoError(t, h.m.Connect())
	h.waitState(StateConnected)
	assert.Equal(t, map[string]byte{"control/#": 1}, h.fake.Subscriptions())

	h.fake.Lose(errors.New("drop"))
	require.Eventually(t, func() bool { return h.fake.ConnectCalls() == 2 && h.m.IsConnected() },
		waitTimeout, time.Millisecond)
	assert.Equal(t, map[string]byte{"control/#": 1}, h.fake.Subscriptions())

	require.NoError(t, h.m.Unsubscribe("control/#"))
	assert.Empty(t, h.fake.Subscriptions())
}

func TestMachine_InboundAndConfirmations(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.start()
	h.waitState(StateConnected)

	h.fake.Deliver(transport.Message{Topic: "control/ping", Payload: []byte("1"), QoS: 1})
	tok, err := h.m.Send("telemetry", []byte("x"), 1, false)
	require.NoError(t, err)
	require.NotNil(t, tok)
	h.fake.Confirm(*tok)
	h.sync()

	arrived, ok := h.events.find("message_arrived").(dispatch.MessageArrived)
	require.True(t, ok)
	assert.Equal(t, "control/ping", arrived.Message.Topic)

	h.hooks.mu.Lock()
	defer h.hooks.mu.Unlock()
	assert.Equal(t, []transport.Token{*tok}, h.hooks.confirmed)
}

func TestMachine_Reconfigure(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.m.Reconfigure(Config{MinBackoff: 3 * time.Millisecond, MaxBackoff: 6 * time.Millisecond, AutoConnect: true})
	h.fake.FailConnects(errors.New("a"), errors.New("b"), errors.New("c"))
	h.start()

	h.waitState(StateConnected)
	assert.Equal(t, []time.Duration{3 * time.Millisecond, 6 * time.Millisecond, 6 * time.Millisecond}, h.retryDelays())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDisconnecting, "disconnecting"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
