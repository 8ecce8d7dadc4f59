package ota

import (
	"errors"
	"fmt"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/bitmask"
	"github.com/kabili207/meshcore-ota/core/codec"
	"github.com/kabili207/meshcore-ota/core/process"
	"github.com/kabili207/meshcore-ota/core/schedule"
)

// OnPayloadReceived handles an OTA payload received from src.
//
// Malformed payloads, payloads for unknown or invalid processes and
// fragments that do not fit the process are dropped without changing any
// state; on a shared multicast group they are expected. Only storage
// failures and internal inconsistencies are returned.
func (e *Engine) OnPayloadReceived(payload []byte, src core.Endpoint) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	msg, err := codec.Decode(payload)
	if err != nil {
		e.log.Debug("dropping payload", "src", src, "len", len(payload), "error", err)
		return nil
	}
	rec, err := e.table.Get(msg.Process())
	if err != nil {
		e.log.Debug("dropping payload for unknown process", "src", src, "cmd", msg.Command(), "process", msg.Process())
		return nil
	}
	if rec.State() == core.StateInvalid {
		e.log.Debug("dropping payload for invalid process", "src", src, "cmd", msg.Command(), "process", msg.Process())
		return nil
	}

	switch m := msg.(type) {
	case *codec.Fragment:
		return e.handleFragment(rec, m)
	case *codec.EndFragments:
		return e.handleEndFragments(rec)
	case *codec.UpdateFirmware:
		if rec.State() != core.StateProcessCompleted {
			e.log.Debug("ignoring update command", "process", rec.ID(), "state", rec.State())
			return nil
		}
		return e.updateFirmware(rec, m.Delay)
	case *codec.FragmentsRequest:
		e.handleFragmentsRequest(rec, m, src)
		return nil
	case *codec.Status:
		e.log.Debug("status received", "src", src, "process", m.ProcessID,
			"state", m.State, "received", m.Received, "total", m.Total)
		return nil
	}
	return nil
}

func (e *Engine) handleFragment(rec *process.Record, f *codec.Fragment) error {
	p := &rec.Params
	if !rec.State().AcceptsFragments() {
		e.log.Debug("dropping fragment", "process", rec.ID(), "index", f.Index, "state", rec.State())
		return nil
	}
	if f.Index >= p.FragmentCount || len(f.Data) != p.FragmentLength(f.Index) {
		e.log.Debug("dropping malformed fragment", "process", rec.ID(), "index", f.Index, "len", len(f.Data))
		return nil
	}
	if rec.Bitmask.IsMarked(f.Index) {
		return nil
	}

	n, err := e.col.Firmware.WriteFirmware(rec.ID(), p.FragmentOffset(f.Index), f.Data)
	if err != nil {
		e.log.Error("writing fragment failed", "process", rec.ID(), "index", f.Index, "error", err)
		return fmt.Errorf("%w: writing fragment %d of %v: %w", ErrStorage, f.Index, rec.ID(), err)
	}
	if n != len(f.Data) {
		return fmt.Errorf("%w: short write of fragment %d of %v: %d of %d bytes", ErrStorage, f.Index, rec.ID(), n, len(f.Data))
	}

	prev := rec.Snapshot()
	rec.Bitmask.Mark(f.Index)
	if fallback := schedule.FallbackDelay(p); fallback > 0 {
		e.sched.Schedule(schedule.TimerFallback, rec.ID(), fallback)
	}

	if rec.Bitmask.IsComplete() {
		err := e.downloadDone(rec)
		if errors.Is(err, ErrStorage) {
			_ = rec.Restore(&prev)
		}
		return err
	}
	if rec.FragmentWritten(e.cfg.PersistInterval) {
		if err := e.storeState(rec); err != nil {
			_ = rec.Restore(&prev)
			return err
		}
	}

	if seg, ok := rec.Requested(); ok && rec.State() == core.StateMissingFragmentsRequesting && rec.Bitmask.SegmentComplete(seg) {
		rec.ClearRequested()
		e.scheduleRequest(rec)
	}
	return nil
}

// downloadDone moves a complete download to CHECKSUM_CALCULATING and
// schedules verification.
func (e *Engine) downloadDone(rec *process.Record) error {
	if err := e.advance(rec, process.EventDownloadDone); err != nil {
		return err
	}
	id := rec.ID()
	e.sched.Cancel(schedule.TimerFallback, id)
	e.sched.Cancel(schedule.TimerResponseDelay, id)
	rec.ClearRequested()
	e.sched.Schedule(schedule.TimerChecksum, id, e.cfg.ChecksumDelay)
	e.log.Info("all fragments received", "process", id, "fragments", rec.Params.FragmentCount)
	return nil
}

func (e *Engine) handleEndFragments(rec *process.Record) error {
	if rec.State() != core.StateStarted {
		e.log.Debug("ignoring end of fragments", "process", rec.ID(), "state", rec.State())
		return nil
	}
	if rec.Bitmask.IsComplete() {
		return e.downloadDone(rec)
	}
	return e.startRequesting(rec)
}

// startRequesting enters MISSING_FRAGMENTS_REQUESTING if needed and
// schedules a missing-fragment request.
func (e *Engine) startRequesting(rec *process.Record) error {
	if rec.State() == core.StateStarted {
		if err := e.advance(rec, process.EventRequestMissing); err != nil {
			return err
		}
		e.log.Info("requesting missing fragments", "process", rec.ID(),
			"received", rec.Bitmask.Count(), "total", rec.Params.FragmentCount)
	}
	e.scheduleRequest(rec)
	return nil
}

// scheduleRequest sends the next missing-fragment request after a response
// delay.
func (e *Engine) scheduleRequest(rec *process.Record) {
	e.sched.Schedule(schedule.TimerResponseDelay, rec.ID(), e.sched.ResponseDelay(&rec.Params))
}

// armDownloadTimers starts the fallback and report timers of rec.
func (e *Engine) armDownloadTimers(rec *process.Record) {
	if d := schedule.FallbackDelay(&rec.Params); d > 0 {
		e.sched.Schedule(schedule.TimerFallback, rec.ID(), d)
	}
	if d := schedule.ReportPeriod(&rec.Params); d > 0 {
		e.sched.Schedule(schedule.TimerReport, rec.ID(), d)
	}
}

// handleFragmentsRequest queues the fragments a node asked for. Only
// routers serve requests, and only with fragments they hold.
func (e *Engine) handleFragmentsRequest(rec *process.Record, req *codec.FragmentsRequest, src core.Endpoint) {
	if e.cfg.Role != RoleRouter {
		e.log.Debug("ignoring fragments request on node", "src", src, "process", rec.ID())
		return
	}
	if int(req.Segment) >= int(rec.Params.SegmentCount) {
		e.log.Debug("dropping fragments request", "src", src, "process", rec.ID(), "segment", req.Segment)
		return
	}

	var held []uint16
	for _, idx := range bitmask.MissingInSegment(rec.Params.FragmentCount, int(req.Segment), req.Bitmask) {
		if rec.Bitmask.IsMarked(idx) {
			held = append(held, idx)
		}
	}
	if len(held) == 0 {
		return
	}

	dst := src
	if rec.Params.Multicast && e.cfg.MPLMulticast.IsSet() {
		dst = e.cfg.MPLMulticast
	}
	added := rec.QueueDelivery(dst, held)
	e.log.Debug("fragments queued", "process", rec.ID(), "dst", dst, "segment", req.Segment, "queued", added)
	if _, pending := e.sched.Pending(schedule.TimerFragmentDelivery, rec.ID()); !pending {
		e.sched.Schedule(schedule.TimerFragmentDelivery, rec.ID(), schedule.FragmentInterval(&rec.Params))
	}
}

func statusMessage(rec *process.Record) *codec.Status {
	return &codec.Status{
		ProcessID: rec.ID(),
		State:     rec.State(),
		Received:  uint16(rec.Bitmask.Count()),
		Total:     rec.Params.FragmentCount,
	}
}
