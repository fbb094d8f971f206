package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects event names in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// captureLogger records warnings and errors.
type captureLogger struct {
	mu   sync.Mutex
	msgs []string
	errs []error
}

func (l *captureLogger) Debug(string, ...any) {}
func (l *captureLogger) Warn(msg string, args ...any) {
	l.record(msg, args)
}
func (l *captureLogger) Error(msg string, args ...any) {
	l.record(msg, args)
}

func (l *captureLogger) record(msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
	for i := 0; i+1 < len(args); i += 2 {
		if err, ok := args[i+1].(error); ok {
			l.errs = append(l.errs, err)
		}
	}
}

func startDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func syncDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Sync(ctx))
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	d := startDispatcher(t)
	rec := &recorder{}
	d.Subscribe("rec", rec)

	want := []Event{
		ConnectionEstablished{NewSession: true},
		MessagePublished{ID: 1, Topic: "a"},
		MessageConfirmed{ID: 1, Topic: "a"},
		Disconnecting{},
		Disconnected{},
	}
	for _, ev := range want {
		d.Dispatch(ev)
	}
	syncDispatcher(t, d)

	assert.Equal(t, want, rec.all())
}

func TestDispatcher_AllHandlersReceive(t *testing.T) {
	d := startDispatcher(t)
	a, b := &recorder{}, &recorder{}
	d.Subscribe("a", a)
	d.Subscribe("b", b)

	d.Dispatch(MessagePublished{ID: 7, Topic: "x"})
	syncDispatcher(t, d)

	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}

func TestDispatcher_Cancel(t *testing.T) {
	d := startDispatcher(t)
	rec := &recorder{}
	cancel := d.Subscribe("rec", rec)

	d.Dispatch(Disconnected{})
	syncDispatcher(t, d)
	cancel()
	cancel() // idempotent
	d.Dispatch(Disconnected{})
	syncDispatcher(t, d)

	assert.Len(t, rec.all(), 1)
}

func TestDispatcher_ErrorAndPanicIsolated(t *testing.T) {
	d := startDispatcher(t)
	logger := &captureLogger{}
	d.SetLogger(logger)

	rec := &recorder{}
	d.Subscribe("failing", HandlerFunc(func(Event) error {
		return errors.New("boom")
	}))
	d.Subscribe("panicking", HandlerFunc(func(Event) error {
		panic("kaboom")
	}))
	d.Subscribe("rec", rec)

	d.Dispatch(ConnectionLost{Cause: errors.New("eof")})
	d.Dispatch(Disconnected{})
	syncDispatcher(t, d)

	assert.Len(t, rec.all(), 2, "later handlers still receive every event")

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.errs, 4)
	for _, err := range logger.errs {
		assert.ErrorIs(t, err, ErrListener)
	}
}

func TestDispatcher_DispatchNeverBlocks(t *testing.T) {
	d := startDispatcher(t)
	release := make(chan struct{})
	var count int
	var mu sync.Mutex
	d.Subscribe("slow", HandlerFunc(func(Event) error {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Dispatch(MessagePublished{ID: int64(i), Topic: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked behind a slow handler")
	}

	close(release)
	syncDispatcher(t, d)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1000, count)
}

func TestDispatcher_SyncHonoursContext(t *testing.T) {
	d := startDispatcher(t)
	release := make(chan struct{})
	defer close(release)
	d.Subscribe("blocked", HandlerFunc(func(Event) error {
		<-release
		return nil
	}))
	d.Dispatch(Disconnecting{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Sync(ctx), context.DeadlineExceeded)
}

func TestDispatcher_RunDrainsOnStop(t *testing.T) {
	d := New()
	rec := &recorder{}
	d.Subscribe("rec", rec)
	for i := 0; i < 5; i++ {
		d.Dispatch(MessageConfirmed{ID: int64(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Len(t, rec.all(), 5)

	// After Run returns, new events are discarded and Sync does not wait.
	d.Dispatch(Disconnected{})
	assert.Zero(t, d.Pending())
	assert.NoError(t, d.Sync(context.Background()))
}

func TestDispatcher_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	d := startDispatcher(t)
	rec := &recorder{}
	d.Subscribe("rec", rec)

	const producers, each = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				d.Dispatch(MessagePublished{ID: int64(i), Topic: fmt.Sprint(p)})
			}
		}(p)
	}
	wg.Wait()
	syncDispatcher(t, d)

	last := map[string]int64{}
	for _, ev := range rec.all() {
		pub := ev.(MessagePublished)
		if prev, ok := last[pub.Topic]; ok {
			require.Greater(t, pub.ID, prev)
		}
		last[pub.Topic] = pub.ID
	}
	assert.Len(t, rec.all(), producers*each)
}
