package host

import (
	"sync"
	"time"

	"github.com/kabili207/meshcore-ota/core/schedule"
)

// Compile-time assertion that Timers implements the host timer service.
var _ schedule.Host = (*Timers)(nil)

// ExpiryHandler is called on the loop when a timer of kind expires.
type ExpiryHandler func(kind schedule.TimerKind)

// Timers implements one-shot host timers, one per kind, on top of
// time.AfterFunc. Expiries are delivered through the loop so they never run
// concurrently with other engine calls.
type Timers struct {
	loop     *Loop
	onExpire ExpiryHandler

	mu     sync.Mutex
	timers map[schedule.TimerKind]*time.Timer
	gen    map[schedule.TimerKind]uint64
}

// NewTimers creates a timer service that posts expiries to loop.
func NewTimers(loop *Loop, onExpire ExpiryHandler) *Timers {
	return &Timers{
		loop:     loop,
		onExpire: onExpire,
		timers:   make(map[schedule.TimerKind]*time.Timer),
		gen:      make(map[schedule.TimerKind]uint64),
	}
}

// RequestTimer arms the timer of kind to expire after d, replacing any
// pending one.
func (t *Timers) RequestTimer(kind schedule.TimerKind, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked(kind)
	gen := t.gen[kind]
	t.timers[kind] = time.AfterFunc(d, func() {
		err := t.loop.Post(func() {
			if t.claim(kind, gen) {
				t.onExpire(kind)
			}
		})
		if err != nil {
			t.loop.log.Debug("dropping timer expiry", "timer", kind, "error", err)
		}
	})
}

// CancelTimer stops the timer of kind. An expiry already queued on the
// loop is discarded.
func (t *Timers) CancelTimer(kind schedule.TimerKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(kind)
}

// Armed reports whether the timer of kind is pending.
func (t *Timers) Armed(kind schedule.TimerKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[kind]
	return ok
}

// StopAll stops every timer.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for kind := range t.timers {
		t.stopLocked(kind)
	}
}

func (t *Timers) stopLocked(kind schedule.TimerKind) {
	if tm, ok := t.timers[kind]; ok {
		tm.Stop()
		delete(t.timers, kind)
	}
	t.gen[kind]++
}

// claim consumes the expiry of generation gen. It fails when the timer was
// cancelled or re-armed after the expiry was queued.
func (t *Timers) claim(kind schedule.TimerKind, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen[kind] != gen {
		return false
	}
	delete(t.timers, kind)
	return true
}
