// Package host runs an OTA engine on a single goroutine and connects it to
// real timers and transports.
//
// The engine is single-threaded by contract. Loop serializes every call into
// it: timer expiries, received payloads and operator commands are posted as
// events and executed in order.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the default capacity of the event queue.
const DefaultQueueSize = 64

// ErrStopped is returned when posting to a stopped loop.
var ErrStopped = errors.New("event loop stopped")

// LoopConfig configures a Loop.
type LoopConfig struct {
	// QueueSize is the event queue capacity. Default: 64.
	QueueSize int
	// Logger for loop events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Loop executes posted events one at a time on its own goroutine. Events
// posted before Start are queued and run once the loop starts.
type Loop struct {
	log     *slog.Logger
	events  chan func()
	stopped chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopOne sync.Once
}

// NewLoop creates a stopped loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		log:     logger.WithGroup("loop"),
		events:  make(chan func(), cfg.QueueSize),
		stopped: make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Stop ends the loop and waits for the running event to finish. Queued
// events are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	l.stopOne.Do(func() { close(l.stopped) })
}

// Running reports whether the loop was started and has not stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	started := l.cancel != nil
	l.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-l.stopped:
		return false
	default:
		return true
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.stopOne.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.events:
			fn()
		}
	}
}

// Post queues fn for execution. It blocks while the queue is full and
// returns ErrStopped once the loop has stopped. Post must not be called
// from inside an event when the queue may be full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.stopped:
		return ErrStopped
	default:
	}
	select {
	case l.events <- fn:
		return nil
	case <-l.stopped:
		return ErrStopped
	}
}

// Do runs fn on the loop and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := l.Post(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
