package publisher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-uplink/internal/dispatch"
	"github.com/nerrad567/gray-logic-uplink/internal/ratelimit"
	"github.com/nerrad567/gray-logic-uplink/internal/store"
	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// defaultRetryInterval is the pause after a failed send when Config leaves it zero.
const defaultRetryInterval = time.Second

// minWait is the shortest timer the worker arms, so a rounding-to-zero
// bucket estimate cannot spin.
const minWait = time.Millisecond

// Logger is the logging interface used by the engine.
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

// Store is the subset of store.Store the engine drains.
type Store interface {
	NextEligibleForSend(ctx context.Context, excludeInFlight bool) (*store.Message, error)
	MarkPublished(ctx context.Context, id int64, tok *transport.Token) error
	MarkConfirmed(ctx context.Context, id int64) (*store.Message, error)
	MarkConfirmedByToken(ctx context.Context, tok transport.Token) (*store.Message, error)
	Delete(ctx context.Context, id int64) error
	MarkInFlightForRedelivery(ctx context.Context) (int64, error)
	DropInFlight(ctx context.Context) (int64, error)
	AwaitingConfirmationCount(ctx context.Context) (int, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
	PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error)
	PurgeExceedingCapacity(ctx context.Context, maxCount int) (int64, error)
}

// Sender is the connection the engine sends through. connection.Machine
// implements it.
type Sender interface {
	CanSend() bool
	Send(topic string, payload []byte, qos byte, retain bool) (*transport.Token, error)
	Reconnect() error
}

// Dispatcher receives publish and confirmation events.
type Dispatcher interface {
	Dispatch(ev dispatch.Event)
}

// Config holds the engine's delivery policy.
type Config struct {
	// MaxInFlight caps QoS 1/2 messages awaiting confirmation. Zero means
	// no limit. When the cap is reached the queue head waits, even if
	// QoS 0 messages are queued behind it.
	MaxInFlight int

	// CongestionTimeout bounces the connection when the in-flight window
	// stays full this long. Zero disables it.
	CongestionTimeout time.Duration

	// RetryInterval is the pause after a failed send. Default: 1 second.
	RetryInterval time.Duration

	// RepublishInFlight resends in-flight messages after connecting to a
	// new broker session. When false they are dropped instead.
	RepublishInFlight bool
}

// HousekeepPolicy selects the purges run by Housekeep. Zero fields skip the
// corresponding purge.
type HousekeepPolicy struct {
	PurgeAge           time.Duration
	CompletedRetention time.Duration
	Capacity           int
}

// HousekeepResult counts the messages removed by one Housekeep call.
type HousekeepResult struct {
	Expired   int64
	Completed int64
	Evicted   int64
}

// Stats holds engine counters since creation.
type Stats struct {
	Sent         uint64
	Confirmed    uint64
	SendFailures uint64
	Redelivered  uint64
	Dropped      uint64
	Congestions  uint64
}

// stepResult reports what one drain step did.
type stepResult int

const (
	stepSent stepResult = iota
	stepIdle
	stepWait
)

// Engine drains the message store to the transport.
//
// One worker goroutine (Run) sends messages in store order while the
// connection can send, a rate-limit token is available and the in-flight
// window has room. Every send and the store update that follows it, every
// confirmation and every purge run under one send lock, so a message is
// never purged or confirmed half-way through being sent.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Engine struct {
	store      Store
	sender     Sender
	bucket     *ratelimit.TokenBucket
	dispatcher Dispatcher

	sendMu         sync.Mutex
	retryAt        time.Time
	congestedSince time.Time

	mu     sync.Mutex
	cfg    Config
	logger Logger

	kick chan struct{}
	now  func() time.Time

	sent         atomic.Uint64
	confirmed    atomic.Uint64
	sendFailures atomic.Uint64
	redelivered  atomic.Uint64
	dropped      atomic.Uint64
	congestions  atomic.Uint64
}

// New creates an Engine.
//
// Parameters:
//   - st: Message store to drain
//   - sender: Connection to send through
//   - bucket: Rate limiter; nil disables rate limiting
//   - dispatcher: Receives MessagePublished and MessageConfirmed events
//   - cfg: Delivery policy
//
// Returns:
//   - *Engine: Engine ready to Run; install it with Machine.SetHooks
func New(st Store, sender Sender, bucket *ratelimit.TokenBucket, dispatcher Dispatcher, cfg Config) *Engine {
	if bucket == nil {
		bucket = ratelimit.NewTokenBucket(1, 0)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Engine{
		store:      st,
		sender:     sender,
		bucket:     bucket,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     noopLogger{},
		kick:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// SetLogger sets the logger for send failures and session handling.
func (e *Engine) SetLogger(logger Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	e.logger = logger
}

// Reconfigure replaces the delivery policy.
func (e *Engine) Reconfigure(cfg Config) {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.Kick()
}

// SetRateLimit reconfigures the rate limiter.
func (e *Engine) SetRateLimit(capacity int, period time.Duration) {
	e.bucket.Reconfigure(capacity, period)
	e.Kick()
}

// Kick wakes the worker, for example after a message was enqueued.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sent:         e.sent.Load(),
		Confirmed:    e.confirmed.Load(),
		SendFailures: e.sendFailures.Load(),
		Redelivered:  e.redelivered.Load(),
		Dropped:      e.dropped.Load(),
		Congestions:  e.congestions.Load(),
	}
}

// Run is the worker loop. It returns when ctx is cancelled, after the send
// in progress (if any) completes.
func (e *Engine) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		wait := e.drain(ctx)

		var timerC <-chan time.Time
		if wait > 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerC = timer.C
		}

		select {
		case <-e.kick:
		case <-timerC:
		case <-ctx.Done():
			return nil
		}
	}
}

// drain sends until nothing can be sent now. It returns how long to wait
// before trying again, or zero to wait for a kick.
func (e *Engine) drain(ctx context.Context) time.Duration {
	for ctx.Err() == nil {
		res, wait := e.step(ctx)
		switch res {
		case stepSent:
			continue
		case stepWait:
			return wait
		default:
			return 0
		}
	}
	return 0
}

// Flush sends until nothing is sendable or ctx is done. It runs on the
// caller's goroutine and does not need the worker.
func (e *Engine) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, wait := e.step(ctx)
		switch res {
		case stepSent:
			continue
		case stepIdle:
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// step attempts to send the next eligible message.
func (e *Engine) step(ctx context.Context) (stepResult, time.Duration) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	cfg, logger := e.settings()
	now := e.now()

	if !e.sender.CanSend() {
		return stepIdle, 0
	}
	if now.Before(e.retryAt) {
		return stepWait, e.retryAt.Sub(now)
	}

	msg, err := e.store.NextEligibleForSend(ctx, false)
	if errors.Is(err, store.ErrNotFound) {
		e.congestedSince = time.Time{}
		return stepIdle, 0
	}
	if err != nil {
		logger.Error("reading next message failed", "error", err)
		return stepWait, cfg.RetryInterval
	}

	if msg.QoS > 0 && cfg.MaxInFlight > 0 {
		if res, wait, full := e.checkWindow(ctx, cfg, logger, now); full {
			return res, wait
		}
	}
	e.congestedSince = time.Time{}

	if !e.bucket.TryAcquire() {
		return stepWait, max(e.bucket.TimeUntilNextToken(), minWait)
	}

	tok, err := e.sender.Send(msg.Topic, msg.Payload, msg.QoS, msg.Retain)
	if err != nil {
		e.sendFailures.Add(1)
		e.retryAt = now.Add(cfg.RetryInterval)
		logger.Warn("send failed, message stays queued",
			"id", msg.ID,
			"topic", msg.Topic,
			"retry_in", cfg.RetryInterval,
			"error", err,
		)
		return stepWait, cfg.RetryInterval
	}

	e.sent.Add(1)
	if msg.Redeliver {
		e.redelivered.Add(1)
	}
	e.recordSent(ctx, logger, msg, tok)
	return stepSent, 0
}

// checkWindow reports whether the in-flight window is full and, if so, what
// the worker should do. A window that stays full for CongestionTimeout
// bounces the connection.
func (e *Engine) checkWindow(ctx context.Context, cfg Config, logger Logger, now time.Time) (stepResult, time.Duration, bool) {
	n, err := e.store.AwaitingConfirmationCount(ctx)
	if err != nil {
		logger.Error("counting in-flight messages failed", "error", err)
		return stepWait, cfg.RetryInterval, true
	}
	if n < cfg.MaxInFlight {
		return stepSent, 0, false
	}

	if e.congestedSince.IsZero() {
		e.congestedSince = now
	}
	if cfg.CongestionTimeout <= 0 {
		return stepIdle, 0, true
	}

	stuck := now.Sub(e.congestedSince)
	if stuck < cfg.CongestionTimeout {
		return stepWait, cfg.CongestionTimeout - stuck, true
	}

	e.congestions.Add(1)
	e.congestedSince = time.Time{}
	logger.Warn("in-flight window congested, reconnecting",
		"in_flight", n,
		"stuck_for", stuck,
	)
	if err := e.sender.Reconnect(); err != nil {
		logger.Warn("congestion reconnect failed", "error", err)
	}
	return stepIdle, 0, true
}

// recordSent updates the store after a successful send and dispatches events.
func (e *Engine) recordSent(ctx context.Context, logger Logger, msg *store.Message, tok *transport.Token) {
	if msg.QoS == 0 {
		if err := e.store.Delete(ctx, msg.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("deleting sent message failed", "id", msg.ID, "error", err)
		}
		e.dispatcher.Dispatch(dispatch.MessagePublished{ID: msg.ID, Topic: msg.Topic})
		return
	}

	if err := e.store.MarkPublished(ctx, msg.ID, tok); err != nil {
		logger.Warn("marking message published failed", "id", msg.ID, "error", err)
		return
	}
	e.dispatcher.Dispatch(dispatch.MessagePublished{ID: msg.ID, Topic: msg.Topic})

	if tok == nil {
		if _, err := e.store.MarkConfirmed(ctx, msg.ID); err != nil {
			logger.Warn("confirming tokenless message failed", "id", msg.ID, "error", err)
			return
		}
		e.confirmed.Add(1)
		e.dispatcher.Dispatch(dispatch.MessageConfirmed{ID: msg.ID, Topic: msg.Topic})
	}
}

// OnConnected flags every in-flight message for redelivery, or drops them
// when the broker started a new session and RepublishInFlight is off.
func (e *Engine) OnConnected(ctx context.Context, newSession bool) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	cfg, logger := e.settings()
	e.retryAt = time.Time{}
	e.congestedSince = time.Time{}

	if newSession && !cfg.RepublishInFlight {
		n, err := e.store.DropInFlight(ctx)
		if err != nil {
			logger.Error("dropping in-flight messages failed", "error", err)
			return
		}
		if n > 0 {
			e.dropped.Add(uint64(n)) //nolint:gosec // n is a non-negative row count
			logger.Warn("new broker session, dropped in-flight messages", "count", n)
		}
		return
	}

	n, err := e.store.MarkInFlightForRedelivery(ctx)
	if err != nil {
		logger.Error("flagging in-flight messages for redelivery failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("in-flight messages will be redelivered", "count", n, "new_session", newSession)
	}
}

// OnReady wakes the worker once the connection can send.
func (e *Engine) OnReady() {
	e.Kick()
}

// OnDisconnecting flushes what can be sent before the link closes.
func (e *Engine) OnDisconnecting(ctx context.Context) {
	if err := e.Flush(ctx); err != nil {
		_, logger := e.settings()
		logger.Warn("final flush incomplete", "error", err)
	}
}

// OnMessageConfirmed records a broker confirmation.
func (e *Engine) OnMessageConfirmed(tok transport.Token) {
	e.sendMu.Lock()
	msg, err := e.store.MarkConfirmedByToken(context.Background(), tok)
	e.sendMu.Unlock()

	_, logger := e.settings()
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("confirmation for unknown token", "token", tok.String())
		return
	}
	if err != nil {
		logger.Error("recording confirmation failed", "token", tok.String(), "error", err)
		return
	}

	e.confirmed.Add(1)
	e.dispatcher.Dispatch(dispatch.MessageConfirmed{ID: msg.ID, Topic: msg.Topic})
	e.Kick()
}

// Housekeep runs the purges selected by policy under the send lock.
func (e *Engine) Housekeep(ctx context.Context, policy HousekeepPolicy) (HousekeepResult, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	var (
		res HousekeepResult
		err error
	)
	if policy.PurgeAge > 0 {
		if res.Expired, err = e.store.PurgeOlderThan(ctx, policy.PurgeAge); err != nil {
			return res, err
		}
	}
	if policy.CompletedRetention > 0 {
		if res.Completed, err = e.store.PurgeCompleted(ctx, policy.CompletedRetention); err != nil {
			return res, err
		}
	}
	if policy.Capacity > 0 {
		if res.Evicted, err = e.store.PurgeExceedingCapacity(ctx, policy.Capacity); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) settings() (Config, Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.logger
}
