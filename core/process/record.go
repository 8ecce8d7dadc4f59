// Package process holds the per-download aggregate of parameters, state and
// fragment bitmask, and the bounded table that owns them.
package process

import (
	"errors"
	"fmt"
	"slices"

	"github.com/looplab/fsm"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/bitmask"
)

// Event names a state transition of a process.
type Event string

const (
	EventAbort          Event = "abort"
	EventResume         Event = "resume"
	EventRequestMissing Event = "request_missing"
	EventDownloadDone   Event = "download_done"
	EventChecksumMatch  Event = "checksum_match"
	EventChecksumFail   Event = "checksum_fail"
	EventRetryDownload  Event = "retry_download"
	EventPulled         Event = "pulled"
	EventUpdateFirmware Event = "update_firmware"
	EventInvalidate     Event = "invalidate"
)

// ErrTransition is returned when an event is not allowed in the current state.
var ErrTransition = errors.New("state transition not allowed")

func st(s core.State) string { return s.String() }

var transitions = fsm.Events{
	{Name: string(EventAbort), Src: []string{
		st(core.StateStarted),
		st(core.StateMissingFragmentsRequesting),
		st(core.StateChecksumCalculating),
		st(core.StateChecksumFailed),
	}, Dst: st(core.StateAborted)},
	{Name: string(EventResume), Src: []string{st(core.StateAborted)}, Dst: st(core.StateStarted)},
	{Name: string(EventRequestMissing), Src: []string{st(core.StateStarted)}, Dst: st(core.StateMissingFragmentsRequesting)},
	{Name: string(EventDownloadDone), Src: []string{
		st(core.StateStarted),
		st(core.StateMissingFragmentsRequesting),
	}, Dst: st(core.StateChecksumCalculating)},
	{Name: string(EventChecksumMatch), Src: []string{st(core.StateChecksumCalculating)}, Dst: st(core.StateProcessCompleted)},
	{Name: string(EventChecksumFail), Src: []string{st(core.StateChecksumCalculating)}, Dst: st(core.StateChecksumFailed)},
	{Name: string(EventRetryDownload), Src: []string{st(core.StateChecksumFailed)}, Dst: st(core.StateMissingFragmentsRequesting)},
	{Name: string(EventPulled), Src: []string{st(core.StateStarted)}, Dst: st(core.StateProcessCompleted)},
	{Name: string(EventUpdateFirmware), Src: []string{st(core.StateProcessCompleted)}, Dst: st(core.StateUpdateFW)},
	{Name: string(EventInvalidate), Src: []string{
		st(core.StateStarted),
		st(core.StateAborted),
		st(core.StateMissingFragmentsRequesting),
		st(core.StateChecksumCalculating),
		st(core.StateChecksumFailed),
		st(core.StateProcessCompleted),
		st(core.StateUpdateFW),
	}, Dst: st(core.StateInvalid)},
}

// Record is one firmware download: its parameters, the endpoint that started
// it, its state and the fragment bitmask.
type Record struct {
	Params  core.Parameters
	Origin  core.Endpoint
	Bitmask *bitmask.Bitmask

	machine *fsm.FSM

	// fragments written since the state was last persisted
	unpersisted int

	requested    int
	hasRequested bool

	delivery []delivery
}

// delivery is one fragment queued for a destination.
type delivery struct {
	dst core.Endpoint
	idx uint16
}

// NewRecord creates a record in STARTED state. buf backs the bitmask and must
// be core.BitmaskLength(p.FragmentCount) bytes, or nil to allocate.
func NewRecord(p *core.Parameters, origin core.Endpoint, buf []byte) (*Record, error) {
	bm, err := bitmask.New(p.FragmentCount, buf)
	if err != nil {
		return nil, err
	}
	return &Record{
		Params:  *p,
		Origin:  origin,
		Bitmask: bm,
		machine: fsm.NewFSM(st(core.StateStarted), transitions, fsm.Callbacks{}),
	}, nil
}

// ID returns the process id.
func (r *Record) ID() core.ProcessID {
	return r.Params.ProcessID
}

// State returns the current process state.
func (r *Record) State() core.State {
	s, err := core.ParseState(r.machine.Current())
	if err != nil {
		return core.StateInvalid
	}
	return s
}

// Can reports whether ev is allowed in the current state.
func (r *Record) Can(ev Event) bool {
	return r.machine.Can(string(ev))
}

// Fire applies ev. It returns ErrTransition if ev is not allowed from the
// current state; the state is left unchanged.
func (r *Record) Fire(ev Event) error {
	from := r.State()
	if !r.machine.Can(string(ev)) {
		return fmt.Errorf("%w: %s in %s", ErrTransition, ev, from)
	}
	if err := r.machine.Event(string(ev)); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("%w: %s in %s: %v", ErrTransition, ev, from, err)
	}
	return nil
}

// Invalidate moves the record to INVALID. It is a no-op if it already is.
func (r *Record) Invalidate() {
	if r.State() != core.StateInvalid {
		r.machine.SetState(st(core.StateInvalid))
	}
}

// Snapshot returns the persistable download state. The bitmask is copied.
func (r *Record) Snapshot() core.DownloadState {
	return core.DownloadState{
		ProcessID: r.ID(),
		State:     r.State(),
		Bitmask:   slices.Clone(r.Bitmask.Bytes()),
	}
}

// Restore loads a persisted download state into the record.
func (r *Record) Restore(ds *core.DownloadState) error {
	if ds.ProcessID != r.ID() {
		return fmt.Errorf("state for process %v restored into %v", ds.ProcessID, r.ID())
	}
	if !ds.State.IsValid() {
		return fmt.Errorf("invalid persisted state %d", ds.State)
	}
	if err := r.Bitmask.Load(ds.Bitmask); err != nil {
		return err
	}
	r.machine.SetState(st(ds.State))
	r.unpersisted = 0
	return nil
}

// FragmentWritten counts a written fragment and reports whether the state
// should be persisted now, given a cadence of every interval fragments.
func (r *Record) FragmentWritten(interval int) bool {
	r.unpersisted++
	if interval <= 1 || r.unpersisted >= interval {
		r.unpersisted = 0
		return true
	}
	return false
}

// Persisted resets the fragment cadence counter.
func (r *Record) Persisted() {
	r.unpersisted = 0
}

// SetRequested records the segment of the outstanding missing-fragment request.
func (r *Record) SetRequested(segment int) {
	r.requested = segment
	r.hasRequested = true
}

// Requested returns the segment of the outstanding request, if any.
func (r *Record) Requested() (int, bool) {
	return r.requested, r.hasRequested
}

// ClearRequested forgets the outstanding request.
func (r *Record) ClearRequested() {
	r.hasRequested = false
}

// QueueDelivery queues fragments to be sent to dst. Fragments already queued
// for dst are not duplicated and each destination holds at most one segment
// worth of indices. Queues of other destinations are kept and served in
// arrival order.
func (r *Record) QueueDelivery(dst core.Endpoint, fragments []uint16) int {
	pending := 0
	for _, d := range r.delivery {
		if d.dst == dst {
			pending++
		}
	}
	added := 0
	for _, idx := range fragments {
		if pending >= core.FragmentsPerSegment {
			break
		}
		if idx >= r.Params.FragmentCount || r.queued(dst, idx) {
			continue
		}
		r.delivery = append(r.delivery, delivery{dst: dst, idx: idx})
		pending++
		added++
	}
	return added
}

func (r *Record) queued(dst core.Endpoint, idx uint16) bool {
	return slices.Contains(r.delivery, delivery{dst: dst, idx: idx})
}

// NextDelivery pops the next queued fragment.
func (r *Record) NextDelivery() (idx uint16, dst core.Endpoint, ok bool) {
	if len(r.delivery) == 0 {
		return 0, core.Endpoint{}, false
	}
	d := r.delivery[0]
	r.delivery = r.delivery[1:]
	return d.idx, d.dst, true
}

// PendingDeliveries returns the number of queued fragments.
func (r *Record) PendingDeliveries() int {
	return len(r.delivery)
}

// ClearDeliveries drops all queued fragments.
func (r *Record) ClearDeliveries() {
	r.delivery = nil
}
