package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// Logger is the logging interface used by the dispatcher.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handler receives events. Handlers run on the dispatcher goroutine one at a
// time and must not block for long.
type Handler interface {
	HandleEvent(Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event) error

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) error {
	return f(ev)
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// item is either an event or a Sync barrier.
type item struct {
	event   Event
	barrier chan struct{}
}

// Dispatcher delivers events to every subscribed handler in the order they
// were dispatched.
//
// Dispatch never blocks: events are appended to an unbounded FIFO that a
// single goroutine (Run) drains. A handler's error or panic is logged and
// delivery continues with the next handler.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []item
	subs    []subscription
	nextID  uint64
	stopped bool

	wake   chan struct{}
	logger Logger
}

// New creates a Dispatcher. Call Run to start delivery.
func New() *Dispatcher {
	return &Dispatcher{
		wake:   make(chan struct{}, 1),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for handler failures.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// Subscribe registers handler under name and returns a function that removes
// it. Events already queued are delivered to the new handler.
func (d *Dispatcher) Subscribe(name string, handler Handler) (cancel func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	subs := make([]subscription, len(d.subs), len(d.subs)+1)
	copy(subs, d.subs)
	d.subs = append(subs, subscription{id: id, name: name, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(id) })
	}
}

func (d *Dispatcher) unsubscribe(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := make([]subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	d.subs = subs
}

// Dispatch queues ev for delivery. Events dispatched after Run has returned
// are discarded.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, item{event: ev})
	d.mu.Unlock()
	d.signal()
}

// Sync waits until every event dispatched before the call has been delivered,
// or ctx is done.
func (d *Dispatcher) Sync(ctx context.Context) error {
	done := make(chan struct{})

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.queue = append(d.queue, item{barrier: done})
	d.mu.Unlock()
	d.signal()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run delivers events until ctx is cancelled, then delivers whatever is still
// queued and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.drain()

		select {
		case <-d.wake:
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			d.drain()
			return nil
		}
	}
}

// drain delivers queued items until the queue is empty.
func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		it := d.queue[0]
		d.queue[0] = item{}
		d.queue = d.queue[1:]
		subs := d.subs
		logger := d.logger
		d.mu.Unlock()

		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		for _, s := range subs {
			d.deliver(logger, s, it.event)
		}
	}
}

// deliver calls one handler, recovering from panics.
func (d *Dispatcher) deliver(logger Logger, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("listener panic recovered",
				"listener", s.name,
				"event", ev.Name(),
				"error", fmt.Errorf("%w: panic: %v", ErrListener, r),
			)
		}
	}()

	if err := s.handler.HandleEvent(ev); err != nil {
		logger.Warn("listener returned error",
			"listener", s.name,
			"event", ev.Name(),
			"error", fmt.Errorf("%w: %w", ErrListener, err),
		)
	}
}

// Pending returns the number of queued, undelivered events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.queue {
		if it.event != nil {
			n++
		}
	}
	return n
}
