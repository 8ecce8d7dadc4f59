package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/dedupe"
	"github.com/kabili207/meshcore-ota/core/schedule"
	"github.com/kabili207/meshcore-ota/device/ota"
	"github.com/kabili207/meshcore-ota/transport"
)

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	Loop LoopConfig
	// DedupeWindow drops payloads repeated from the same source within the
	// window. Zero uses dedupe.DefaultWindow, negative disables the filter.
	DedupeWindow time.Duration
	// Logger for runtime events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Runtime owns an engine together with the loop, timers and transports
// that drive it.
type Runtime struct {
	engine *ota.Engine
	loop   *Loop
	timers *Timers
	dedupe *dedupe.Deduplicator
	log    *slog.Logger

	mu         sync.Mutex
	transports []transport.Transport
	started    []transport.Transport
}

// NewRuntime creates a runtime with an unconfigured engine.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Loop.Logger == nil {
		cfg.Loop.Logger = logger
	}

	r := &Runtime{
		engine: ota.New(),
		loop:   NewLoop(cfg.Loop),
		log:    logger.WithGroup("host"),
	}
	if cfg.DedupeWindow >= 0 {
		r.dedupe = dedupe.NewWithCapacity(dedupe.DefaultMaxHashes, cfg.DedupeWindow)
	}
	r.timers = NewTimers(r.loop, r.onTimer)
	return r
}

// Timers returns the timer service to hand to the engine.
func (r *Runtime) Timers() *Timers {
	return r.timers
}

// AddTransport registers t. Payloads it receives are delivered to the
// engine on the loop. Transports are started by Start.
func (r *Runtime) AddTransport(t transport.Transport) {
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()

	t.SetPayloadHandler(func(payload []byte, src core.Endpoint, source transport.Source) {
		if r.dedupe != nil && r.dedupe.HasSeen(src, payload) {
			r.log.Debug("dropping duplicate payload", "src", src, "source", source)
			return
		}
		err := r.loop.Post(func() {
			if err := r.engine.OnPayloadReceived(payload, src); err != nil {
				r.log.Warn("handling payload failed", "src", src, "source", source, "error", err)
			}
		})
		if err != nil {
			r.log.Debug("dropping payload", "src", src, "source", source, "error", err)
		}
	})
}

// Start runs the loop and starts every registered transport. If a
// transport fails to start, the ones already started are stopped again.
func (r *Runtime) Start(ctx context.Context) error {
	r.loop.Start(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transports {
		if err := t.Start(ctx); err != nil {
			r.stopTransportsLocked()
			return fmt.Errorf("starting transport: %w", err)
		}
		r.started = append(r.started, t)
	}
	return nil
}

// Configure configures the engine on the loop. A nil col.Timers is
// replaced by the runtime's timers.
func (r *Runtime) Configure(ctx context.Context, cfg ota.Config, col ota.Collaborators) error {
	if col.Timers == nil {
		col.Timers = r.timers
	}
	return r.loop.Do(ctx, func() error {
		return r.engine.Configure(cfg, col)
	})
}

// Do runs fn with the engine on the loop and returns its error.
func (r *Runtime) Do(ctx context.Context, fn func(e *ota.Engine) error) error {
	return r.loop.Do(ctx, func() error { return fn(r.engine) })
}

// Stop stops the transports, resets the engine and ends the loop.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	errs := r.stopTransportsLocked()
	r.mu.Unlock()

	var err error
	if r.loop.Running() {
		err = r.loop.Do(context.Background(), r.engine.Reset)
	} else {
		// Nothing else runs the engine without a loop.
		err = r.engine.Reset()
	}
	if err != nil && !errors.Is(err, ErrStopped) {
		errs = append(errs, err)
	}
	r.timers.StopAll()
	r.loop.Stop()
	return errors.Join(errs...)
}

func (r *Runtime) stopTransportsLocked() []error {
	var errs []error
	for _, t := range r.started {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	r.started = nil
	return errs
}

func (r *Runtime) onTimer(kind schedule.TimerKind) {
	if err := r.engine.OnTimerExpired(kind); err != nil {
		r.log.Warn("timer handling failed", "timer", kind, "error", err)
	}
}
