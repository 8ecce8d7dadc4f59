// Package schedule computes OTA timer deadlines and multiplexes them onto a
// small, fixed set of host timers.
//
// The host exposes one timer per TimerKind. Several processes may need the
// same kind of deadline at once (a border router runs many processes), so the
// Scheduler keeps every (kind, process) deadline itself and keeps the host
// timer of each kind armed for the earliest one. When the host reports that a
// timer expired, Expired returns the processes whose deadlines were due and
// re-arms the host timer for the rest.
package schedule

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/kabili207/meshcore-ota/core"
)

// TimerKind is a host-visible timer ID.
type TimerKind uint8

const (
	// TimerResponseDelay fires when a randomized response delay has passed
	// and a missing-fragment request may be sent.
	TimerResponseDelay TimerKind = iota + 1
	// TimerFallback fires when a process stalled for its fallback timeout.
	TimerFallback
	// TimerReport fires once per download report period.
	TimerReport
	// TimerChecksum fires when a completed image should be verified.
	TimerChecksum
	// TimerCompletionNotice fires when the completion status may be sent.
	TimerCompletionNotice
	// TimerFragmentDelivery paces fragments sent by a border router.
	TimerFragmentDelivery
)

// Kinds lists every timer kind.
var Kinds = []TimerKind{
	TimerResponseDelay,
	TimerFallback,
	TimerReport,
	TimerChecksum,
	TimerCompletionNotice,
	TimerFragmentDelivery,
}

func (k TimerKind) String() string {
	switch k {
	case TimerResponseDelay:
		return "response-delay"
	case TimerFallback:
		return "fallback"
	case TimerReport:
		return "report"
	case TimerChecksum:
		return "checksum"
	case TimerCompletionNotice:
		return "completion-notice"
	case TimerFragmentDelivery:
		return "fragment-delivery"
	default:
		return "unknown"
	}
}

// IsValid returns true for the defined timer kinds.
func (k TimerKind) IsValid() bool {
	return k >= TimerResponseDelay && k <= TimerFragmentDelivery
}

// Host is the timer service provided by the application. Requesting a timer
// that is already running restarts it with the new timeout.
type Host interface {
	RequestTimer(kind TimerKind, timeout time.Duration)
	CancelTimer(kind TimerKind)
}

// Config configures a Scheduler.
type Config struct {
	// Rand returns a uniform value in [0, n). Defaults to math/rand/v2.
	Rand func(n int64) int64

	// Logger for scheduler events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type deadline struct {
	process core.ProcessID
	due     time.Time
}

// Scheduler owns the mapping from logical deadlines to host timers.
type Scheduler struct {
	host      Host
	log       *slog.Logger
	randFn    func(n int64) int64
	deadlines map[TimerKind][]deadline

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Scheduler driving host.
func New(host Host, cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	randFn := cfg.Rand
	if randFn == nil {
		randFn = rand.Int64N
	}
	return &Scheduler{
		host:      host,
		log:       logger.WithGroup("schedule"),
		randFn:    randFn,
		deadlines: make(map[TimerKind][]deadline),
		nowFn:     time.Now,
	}
}

// Schedule sets the (kind, id) deadline to after from now, replacing any
// existing one.
func (s *Scheduler) Schedule(kind TimerKind, id core.ProcessID, after time.Duration) {
	if after < 0 {
		after = 0
	}
	list := s.remove(s.deadlines[kind], id)
	d := deadline{process: id, due: s.nowFn().Add(after)}
	pos, _ := slices.BinarySearchFunc(list, d.due, func(e deadline, t time.Time) int {
		// Equal deadlines keep insertion order.
		if e.due.After(t) {
			return 1
		}
		return -1
	})
	list = slices.Insert(list, pos, d)
	s.deadlines[kind] = list
	s.log.Debug("deadline scheduled", "timer", kind, "process", id, "after", after)
	s.arm(kind)
}

// Cancel removes the (kind, id) deadline if present.
func (s *Scheduler) Cancel(kind TimerKind, id core.ProcessID) {
	list := s.deadlines[kind]
	if !slices.ContainsFunc(list, func(d deadline) bool { return d.process == id }) {
		return
	}
	s.deadlines[kind] = s.remove(list, id)
	s.arm(kind)
}

// CancelProcess removes every deadline of process id.
func (s *Scheduler) CancelProcess(id core.ProcessID) {
	for _, kind := range Kinds {
		s.Cancel(kind, id)
	}
}

// CancelAll removes every deadline and cancels all host timers.
func (s *Scheduler) CancelAll() {
	for _, kind := range Kinds {
		if len(s.deadlines[kind]) > 0 {
			s.host.CancelTimer(kind)
		}
	}
	clear(s.deadlines)
}

// Pending returns the due time of the (kind, id) deadline.
func (s *Scheduler) Pending(kind TimerKind, id core.ProcessID) (time.Time, bool) {
	for _, d := range s.deadlines[kind] {
		if d.process == id {
			return d.due, true
		}
	}
	return time.Time{}, false
}

// Expired is called when the host timer of kind fires. It pops the deadline
// the host timer was armed for, plus any other deadline already due, and
// re-arms the host timer for the remainder.
func (s *Scheduler) Expired(kind TimerKind) []core.ProcessID {
	list := s.deadlines[kind]
	if len(list) == 0 {
		return nil
	}
	now := s.nowFn()
	cutoff := list[0].due
	if now.After(cutoff) {
		cutoff = now
	}
	n := 0
	for n < len(list) && !list[n].due.After(cutoff) {
		n++
	}
	due := make([]core.ProcessID, 0, n)
	for _, d := range list[:n] {
		due = append(due, d.process)
	}
	s.deadlines[kind] = slices.Delete(list, 0, n)
	if len(s.deadlines[kind]) > 0 {
		s.arm(kind)
	}
	return due
}

func (s *Scheduler) remove(list []deadline, id core.ProcessID) []deadline {
	return slices.DeleteFunc(list, func(d deadline) bool { return d.process == id })
}

// arm points the host timer of kind at the earliest deadline, or cancels it
// when nothing is pending.
func (s *Scheduler) arm(kind TimerKind) {
	list := s.deadlines[kind]
	if len(list) == 0 {
		delete(s.deadlines, kind)
		s.host.CancelTimer(kind)
		return
	}
	timeout := list[0].due.Sub(s.nowFn())
	if timeout < 0 {
		timeout = 0
	}
	s.host.RequestTimer(kind, timeout)
}
