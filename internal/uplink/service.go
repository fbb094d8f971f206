package uplink

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-uplink/internal/connection"
	"github.com/nerrad567/gray-logic-uplink/internal/dispatch"
	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-uplink/internal/publisher"
	"github.com/nerrad567/gray-logic-uplink/internal/ratelimit"
	"github.com/nerrad567/gray-logic-uplink/internal/reqid"
	"github.com/nerrad567/gray-logic-uplink/internal/store"
	"github.com/nerrad567/gray-logic-uplink/internal/transport"
)

// controlResponseQoS is used for the control response subscription.
const controlResponseQoS = 1

// Logger interface for optional logging support.
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

// ControlTopics builds the topics of control requests and their responses.
// mqtt.Topics implements it.
type ControlTopics interface {
	Control(verb, requestID string) string
	AllControlResponses() string
}

// Options holds the dependencies of a Service.
type Options struct {
	// Store is the durable message queue. Required.
	Store *store.Store

	// Transport carries messages to the remote endpoint. Required.
	Transport transport.Transport

	// Topics builds control topics. Defaults to mqtt.NewTopics("").
	Topics ControlTopics

	// Metrics receives delivery events and periodic samples. Optional.
	Metrics MetricsSink

	// Settings is the initial configuration.
	Settings Settings

	// Logger is an optional structured logger.
	Logger Logger
}

// Stats is a snapshot of the service.
type Stats struct {
	State      connection.State
	Messages   store.Counts
	Publisher  publisher.Stats
	Connection connection.Stats
}

// stage is one background goroutine of a running service.
type stage struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the uplink: it accepts messages from local publishers, keeps
// them in the store and delivers them over the transport as the link allows.
//
// Start runs the listener dispatcher, the publishing engine, the connection
// state machine, the housekeeper and (with Metrics set) the metrics sampler.
// Stop shuts them down in reverse order, so the connection is closed
// gracefully, with a final flush, while events are still delivered.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Service struct {
	store   *store.Store
	disp    *dispatch.Dispatcher
	conn    *connection.Machine
	engine  *publisher.Engine
	topics  ControlTopics
	reqIDs  *reqid.Generator
	metrics MetricsSink
	logger  Logger

	mu       sync.Mutex
	settings Settings
	started  bool
	stopped  bool
	group    *errgroup.Group
	stages   []stage

	housekeepWake chan struct{}
	sampleWake    chan struct{}
}

// New wires a Service from its dependencies. Call Start to begin delivery;
// messages published before Start are stored and sent once connected.
//
// Parameters:
//   - opts: Dependencies and initial settings
//
// Returns:
//   - *Service: Stopped service
//   - error: ErrMissingDependency if Store or Transport is nil
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport", ErrMissingDependency)
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	var topics ControlTopics = mqtt.NewTopics("")
	if opts.Topics != nil {
		topics = opts.Topics
	}

	settings := opts.Settings

	disp := dispatch.New()
	disp.SetLogger(logger)

	conn := connection.New(opts.Transport, disp, settings.Connection)
	conn.SetLogger(logger)

	capacity, period := settings.rateLimit()
	engine := publisher.New(opts.Store, conn, ratelimit.NewTokenBucket(capacity, period), disp, settings.Publisher)
	engine.SetLogger(logger)
	conn.SetHooks(engine)

	opts.Store.SetLogger(logger)
	if settings.Capacity > 0 {
		opts.Store.SetCapacity(settings.Capacity)
	}

	s := &Service{
		store:         opts.Store,
		disp:          disp,
		conn:          conn,
		engine:        engine,
		topics:        topics,
		reqIDs:        reqid.New(),
		metrics:       opts.Metrics,
		logger:        logger,
		settings:      settings,
		housekeepWake: make(chan struct{}, 1),
		sampleWake:    make(chan struct{}, 1),
	}
	if s.metrics != nil {
		disp.Subscribe("metrics", newMetricsRecorder(s.metrics))
	}
	return s, nil
}

// Start runs one housekeeping pass and starts the background goroutines.
// With AutoConnect set, the first connection attempt follows immediately.
//
// Parameters:
//   - ctx: Bounds the initial housekeeping pass only
//
// Returns:
//   - error: ErrAlreadyStarted if called more than once
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	if s.settings.ListenControlResponses {
		// Not connected yet: recorded and applied on connect.
		_ = s.conn.Subscribe(s.topics.AllControlResponses(), controlResponseQoS) //nolint:errcheck // cannot fail while disconnected
	}

	if s.settings.HousekeeperInterval > 0 {
		s.housekeep(ctx, s.settings)
	}

	g := new(errgroup.Group)
	s.group = g
	s.stages = []stage{
		s.spawn(g, "dispatcher", s.disp.Run),
		s.spawn(g, "publisher", s.engine.Run),
		s.spawn(g, "connection", s.conn.Run),
		s.spawn(g, "housekeeper", s.runHousekeeper),
		s.spawn(g, "metrics", s.runSampler),
	}

	s.logger.Info("uplink started",
		"auto_connect", s.settings.Connection.AutoConnect,
		"capacity", s.store.Capacity(),
	)
	return nil
}

func (s *Service) spawn(g *errgroup.Group, name string, fn func(context.Context) error) stage {
	ctx, cancel := context.WithCancel(context.Background())
	st := stage{name: name, cancel: cancel, done: make(chan struct{})}
	g.Go(func() error {
		defer close(st.done)
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
	return st
}

// Stop shuts the service down: sampling and housekeeping stop, the
// connection is closed gracefully (including the final flush), the engine
// finishes its current send and the dispatcher delivers the remaining
// events. The store is closed last.
//
// Parameters:
//   - ctx: Bounds the whole shutdown
//
// Returns:
//   - error: ErrNotStarted, ctx's error on timeout, or a goroutine's error
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stages, g := s.stages, s.group
	s.mu.Unlock()

	var timeout error
	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		st.cancel()
		if timeout != nil {
			continue
		}
		select {
		case <-st.done:
		case <-ctx.Done():
			timeout = ctx.Err()
			s.logger.Warn("uplink stop timed out", "stage", st.name, "error", timeout)
		}
	}
	if timeout != nil {
		return fmt.Errorf("stopping uplink: %w", timeout)
	}

	err := g.Wait()
	s.store.Close()
	s.logger.Info("uplink stopped")
	return err
}

// Reconfigure applies new settings to a running or stopped service. An
// established connection is kept; rate limit, window and retention changes
// take effect on the next send or housekeeping pass.
func (s *Service) Reconfigure(settings Settings) {
	s.mu.Lock()
	prev := s.settings
	s.settings = settings
	s.mu.Unlock()

	s.conn.Reconfigure(settings.Connection)
	s.engine.Reconfigure(settings.Publisher)
	capacity, period := settings.rateLimit()
	s.engine.SetRateLimit(capacity, period)
	if settings.Capacity > 0 {
		s.store.SetCapacity(settings.Capacity)
	}

	if settings.ListenControlResponses != prev.ListenControlResponses {
		topic := s.topics.AllControlResponses()
		var err error
		if settings.ListenControlResponses {
			err = s.conn.Subscribe(topic, controlResponseQoS)
		} else {
			err = s.conn.Unsubscribe(topic)
		}
		if err != nil {
			s.logger.Warn("updating control response subscription failed", "topic", topic, "error", err)
		}
	}

	if settings.Connection.AutoConnect && !prev.Connection.AutoConnect {
		if err := s.conn.Connect(); err != nil {
			s.logger.Debug("auto-connect after reconfigure ignored", "error", err)
		}
	}

	wake(s.housekeepWake)
	wake(s.sampleWake)
	s.logger.Info("uplink reconfigured")
}

// Publish stores a message for delivery and returns its id. It never waits
// for the network.
//
// Parameters:
//   - ctx: Context for the store write
//   - topic: Destination topic
//   - payload: Message body
//   - qos: 0 (deleted once sent) or 1, 2 (kept until confirmed)
//   - priority: Lower values are sent first
//   - retain: Broker retain flag
//
// Returns:
//   - int64: Message id
//   - error: Wraps store.ErrStoreFull, store.ErrInvalidTopic,
//     store.ErrInvalidQoS or store.ErrClosed
func (s *Service) Publish(ctx context.Context, topic string, payload []byte, qos byte, priority int, retain bool) (int64, error) {
	id, err := s.store.Enqueue(ctx, topic, payload, qos, priority, retain)
	if err != nil {
		return 0, fmt.Errorf("publishing to %q: %w", topic, err)
	}
	s.engine.Kick()
	return id, nil
}

// PublishControl publishes a control request on the control topic for verb
// under a fresh request id. Peers answer on the matching response topic.
//
// Returns:
//   - string: Request id, also the last topic level
//   - int64: Message id
//   - error: ErrInvalidVerb, or as Publish
func (s *Service) PublishControl(ctx context.Context, verb string, payload []byte) (string, int64, error) {
	if verb == "" || strings.ContainsAny(verb, "/+#") {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidVerb, verb)
	}
	settings := s.currentSettings()
	requestID := s.reqIDs.Next()
	id, err := s.Publish(ctx, s.topics.Control(verb, requestID), payload, settings.ControlQoS, settings.ControlPriority, false)
	if err != nil {
		return "", 0, err
	}
	return requestID, id, nil
}

// Connect requests a connection to the remote endpoint.
func (s *Service) Connect() error {
	return s.conn.Connect()
}

// Disconnect requests a graceful disconnect. Stored messages are kept.
func (s *Service) Disconnect() error {
	return s.conn.Disconnect()
}

// Reconnect bounces an established connection.
func (s *Service) Reconnect() error {
	return s.conn.Reconnect()
}

// IsConnected reports whether the uplink is connected.
func (s *Service) IsConnected() bool {
	return s.conn.IsConnected()
}

// State returns the connection state.
func (s *Service) State() connection.State {
	return s.conn.State()
}

// WaitForState blocks until the connection reaches want or ctx is done.
func (s *Service) WaitForState(ctx context.Context, want connection.State) error {
	return s.conn.WaitForState(ctx, want)
}

// Subscribe adds an inbound subscription, kept across reconnects. Inbound
// messages are delivered to listeners as dispatch.MessageArrived.
func (s *Service) Subscribe(topic string, qos byte) error {
	return s.conn.Subscribe(topic, qos)
}

// Unsubscribe removes an inbound subscription.
func (s *Service) Unsubscribe(topic string) error {
	return s.conn.Unsubscribe(topic)
}

// Listen registers a listener for connection and delivery events. Listeners
// run on the dispatcher goroutine and must not block for long.
//
// Returns:
//   - func(): Removes the listener
func (s *Service) Listen(name string, h dispatch.Handler) (cancel func()) {
	return s.disp.Subscribe(name, h)
}

// Flush sends everything currently sendable, waiting at most until ctx is
// done.
func (s *Service) Flush(ctx context.Context) error {
	return s.engine.Flush(ctx)
}

// UnpublishedMessageIDs returns the ids of messages not yet sent whose topic
// matches topicPattern (a regular expression; empty matches all).
func (s *Service) UnpublishedMessageIDs(ctx context.Context, topicPattern string) ([]int64, error) {
	re, err := compilePattern(topicPattern)
	if err != nil {
		return nil, err
	}
	return s.store.UnpublishedIDs(ctx, re)
}

// InFlightMessageIDs returns the ids of sent, unconfirmed messages whose
// topic matches topicPattern.
func (s *Service) InFlightMessageIDs(ctx context.Context, topicPattern string) ([]int64, error) {
	re, err := compilePattern(topicPattern)
	if err != nil {
		return nil, err
	}
	return s.store.InFlightIDs(ctx, re)
}

// DroppedInFlightMessageIDs returns the ids of in-flight messages dropped
// after a new broker session, whose topic matches topicPattern.
func (s *Service) DroppedInFlightMessageIDs(ctx context.Context, topicPattern string) ([]int64, error) {
	re, err := compilePattern(topicPattern)
	if err != nil {
		return nil, err
	}
	return s.store.DroppedIDs(ctx, re)
}

// Stats returns a snapshot of message counts and counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("reading message counts: %w", err)
	}
	return Stats{
		State:      s.conn.State(),
		Messages:   counts,
		Publisher:  s.engine.Stats(),
		Connection: s.conn.Stats(),
	}, nil
}

func (s *Service) currentSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// runHousekeeper purges the store every HousekeeperInterval.
func (s *Service) runHousekeeper(ctx context.Context) error {
	every(ctx, func() time.Duration { return s.currentSettings().HousekeeperInterval }, s.housekeepWake, func(ctx context.Context) {
		s.housekeep(ctx, s.currentSettings())
	})
	return nil
}

func (s *Service) housekeep(ctx context.Context, settings Settings) {
	res, err := s.engine.Housekeep(ctx, settings.housekeepPolicy())
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, store.ErrClosed) {
			s.logger.Warn("housekeeping failed", "error", err)
		}
		return
	}
	if res.Expired+res.Completed+res.Evicted > 0 {
		s.logger.Info("housekeeping removed messages",
			"expired", res.Expired,
			"completed", res.Completed,
			"evicted", res.Evicted,
		)
	}
}

// runSampler writes metrics samples every StatsInterval.
func (s *Service) runSampler(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	every(ctx, func() time.Duration { return s.currentSettings().StatsInterval }, s.sampleWake, s.sample)
	return nil
}

func (s *Service) sample(ctx context.Context) {
	st, err := s.Stats(ctx)
	if err != nil {
		s.logger.Debug("metrics sample skipped", "error", err)
		return
	}
	s.metrics.WriteQueueSample(queueSample(st))
	s.metrics.WriteLinkSample(linkSample(st))
}

// every calls fn once per interval() until ctx is done. A non-positive
// interval pauses the loop until wakeup fires; wakeup also restarts the
// current interval.
func every(ctx context.Context, interval func() time.Duration, wakeup <-chan struct{}, fn func(context.Context)) {
	for {
		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if d := interval(); d > 0 {
			timer = time.NewTimer(d)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
		case <-wakeup:
		case <-tick:
			fn(ctx)
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	return re, nil
}
