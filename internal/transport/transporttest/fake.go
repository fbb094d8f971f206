// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// Sent records one call to Send that the fake accepted.
type Sent struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Token   *transport.Token
}

// Transport is a scriptable fake implementing transport.Transport.
//
// Connect results are taken from ConnectErrors in order; once exhausted every
// attempt succeeds. Confirmations are only delivered when the test calls
// Confirm or ConfirmAll, unless AutoConfirm is set.
type Transport struct {
	mu sync.Mutex

	handler   transport.Handler
	connected bool
	sessions  int
	msgID     int

	connectErrs    []error
	sessionPresent bool
	sendErr        error
	noTokens       bool
	autoConfirm    bool

	connectCalls    int
	disconnectCalls int
	sent            []Sent
	pending         []transport.Token
	subscriptions   map[string]byte

	connectedCh chan struct{}
}

// New returns a disconnected fake.
func New() *Transport {
	return &Transport{
		subscriptions: make(map[string]byte),
		connectedCh:   make(chan struct{}, 64),
	}
}

// FailConnects makes the next len(errs) Connect calls fail with the given
// errors (nil entries succeed).
func (f *Transport) FailConnects(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
}

// SetSessionPresent controls the resumption flag reported by Connect.
func (f *Transport) SetSessionPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionPresent = present
}

// SetSendError makes Send fail with err until cleared with nil.
func (f *Transport) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetNoTokens makes Send return a nil token for every QoS.
func (f *Transport) SetNoTokens(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noTokens = v
}

// SetAutoConfirm confirms QoS 1/2 sends immediately from a new goroutine.
func (f *Transport) SetAutoConfirm(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoConfirm = v
}

// Connect implements transport.Transport.
func (f *Transport) Connect(ctx context.Context) (transport.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return transport.SessionInfo{}, fmt.Errorf("%w: %w", transport.ErrConnectFailed, err)
	}

	f.mu.Lock()
	f.connectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return transport.SessionInfo{}, fmt.Errorf("%w: %w", transport.ErrConnectFailed, err)
		}
	}
	f.sessions++
	f.connected = true
	f.pending = nil
	info := transport.SessionInfo{
		SessionPresent: f.sessionPresent,
		SessionID:      fmt.Sprintf("fake-%d", f.sessions),
	}
	f.mu.Unlock()

	select {
	case f.connectedCh <- struct{}{}:
	default:
	}
	return info, nil
}

// Disconnect implements transport.Transport.
func (f *Transport) Disconnect(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	f.connected = false
	f.pending = nil
}

// Send implements transport.Transport.
func (f *Transport) Send(topic string, payload []byte, qos byte, retain bool) (*transport.Token, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
	}

	var tok *transport.Token
	if qos > 0 && !f.noTokens {
		f.msgID++
		tok = &transport.Token{MessageID: f.msgID, SessionID: fmt.Sprintf("fake-%d", f.sessions)}
		f.pending = append(f.pending, *tok)
	}
	f.sent = append(f.sent, Sent{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
		Token:   tok,
	})
	auto := f.autoConfirm && tok != nil
	f.mu.Unlock()

	if auto {
		go f.Confirm(*tok)
	}
	return tok, nil
}

// Subscribe implements transport.Transport.
func (f *Transport) Subscribe(topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.subscriptions[topic] = qos
	return nil
}

// Unsubscribe implements transport.Transport.
func (f *Transport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	delete(f.subscriptions, topic)
	return nil
}

// IsConnected implements transport.Transport.
func (f *Transport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetHandler implements transport.Transport.
func (f *Transport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *Transport) getHandler() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// Confirm delivers a confirmation for tok to the handler.
func (f *Transport) Confirm(tok transport.Token) {
	f.mu.Lock()
	for i, p := range f.pending {
		if p == tok {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	if h := f.getHandler(); h != nil {
		h.MessageConfirmed(tok)
	}
}

// ConfirmAll confirms every outstanding token, oldest first, and returns how
// many were confirmed.
func (f *Transport) ConfirmAll() int {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	h := f.getHandler()
	for _, tok := range pending {
		if h != nil {
			h.MessageConfirmed(tok)
		}
	}
	return len(pending)
}

// Lose simulates an unsolicited connection loss.
func (f *Transport) Lose(cause error) {
	f.mu.Lock()
	f.connected = false
	f.pending = nil
	f.mu.Unlock()

	if h := f.getHandler(); h != nil {
		h.ConnectionLost(cause)
	}
}

// Drop marks the link dead without telling the handler, as a transport
// whose loss notification never arrived. Later sends fail with
// transport.ErrNotConnected.
func (f *Transport) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.pending = nil
}

// Deliver simulates an inbound message on a subscription.
func (f *Transport) Deliver(msg transport.Message) {
	if h := f.getHandler(); h != nil {
		h.MessageArrived(msg)
	}
}

// Sent returns a copy of every accepted send.
func (f *Transport) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Pending returns the tokens still awaiting confirmation.
func (f *Transport) Pending() []transport.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Token(nil), f.pending...)
}

// ConnectCalls returns how many times Connect was invoked.
func (f *Transport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// DisconnectCalls returns how many times Disconnect was invoked.
func (f *Transport) DisconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectCalls
}

// Subscriptions returns the current subscriptions.
func (f *Transport) Subscriptions() map[string]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]byte, len(f.subscriptions))
	for k, v := range f.subscriptions {
		out[k] = v
	}
	return out
}

// Connected is signalled (non-blocking, buffered) after every successful Connect.
func (f *Transport) Connected() <-chan struct{} {
	return f.connectedCh
}
