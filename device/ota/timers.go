package ota

import (
	"errors"
	"fmt"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/checksum"
	"github.com/kabili207/meshcore-ota/core/codec"
	"github.com/kabili207/meshcore-ota/core/process"
	"github.com/kabili207/meshcore-ota/core/schedule"
)

// OnTimerExpired handles the expiry of the host timer of kind. Every process
// whose deadline of that kind is due is served; their errors are joined.
func (e *Engine) OnTimerExpired(kind schedule.TimerKind) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	if !kind.IsValid() {
		return fmt.Errorf("%w: %d", ErrUnknownTimer, kind)
	}

	var errs []error
	for _, id := range e.sched.Expired(kind) {
		rec, err := e.table.Get(id)
		if err != nil {
			e.log.Debug("timer for unknown process", "timer", kind, "process", id)
			continue
		}
		if rec.State() == core.StateInvalid {
			continue
		}
		if err := e.onDeadline(kind, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) onDeadline(kind schedule.TimerKind, rec *process.Record) error {
	switch kind {
	case schedule.TimerResponseDelay:
		e.sendRequest(rec)
	case schedule.TimerFallback:
		return e.onFallback(rec)
	case schedule.TimerReport:
		e.sendReport(rec)
	case schedule.TimerChecksum:
		return e.verify(rec)
	case schedule.TimerCompletionNotice:
		e.sendCompletionNotice(rec)
	case schedule.TimerFragmentDelivery:
		e.deliverFragment(rec)
	}
	return nil
}

// sendRequest asks for the first incomplete segment of rec.
func (e *Engine) sendRequest(rec *process.Record) {
	if rec.State() != core.StateMissingFragmentsRequesting {
		return
	}
	seg, ok := rec.Bitmask.FirstMissingSegment()
	if !ok {
		return
	}
	req := &codec.FragmentsRequest{
		ProcessID: rec.ID(),
		Segment:   uint16(seg),
		Bitmask:   rec.Bitmask.SegmentBitmask(seg),
	}
	rec.SetRequested(seg)
	if fallback := schedule.FallbackDelay(&rec.Params); fallback > 0 {
		e.sched.Schedule(schedule.TimerFallback, rec.ID(), fallback)
	}

	dst := requestEndpoint(rec)
	if !dst.IsSet() {
		e.log.Warn("no endpoint for fragments request", "process", rec.ID(), "segment", seg)
		return
	}
	if err := e.col.Sender.Send(dst, req.Encode()); err != nil {
		e.log.Warn("sending fragments request failed", "process", rec.ID(), "dst", dst,
			"segment", seg, "retryable", IsRetryable(err), "error", err)
		return
	}
	e.log.Debug("fragments requested", "process", rec.ID(), "dst", dst, "segment", seg,
		"received", rec.Bitmask.Count(), "total", rec.Params.FragmentCount)
}

// onFallback restarts requesting when a download stalled.
func (e *Engine) onFallback(rec *process.Record) error {
	if !rec.State().AcceptsFragments() {
		return nil
	}
	if rec.Bitmask.IsComplete() {
		return e.downloadDone(rec)
	}
	e.log.Info("download stalled", "process", rec.ID(), "received", rec.Bitmask.Count(),
		"total", rec.Params.FragmentCount)
	return e.startRequesting(rec)
}

// sendReport publishes the download progress of rec and re-arms the report
// timer while the download runs.
func (e *Engine) sendReport(rec *process.Record) {
	if !rec.State().AcceptsFragments() {
		return
	}
	msgID, err := e.col.Sender.SendNotification(e.cfg.StatusTopic, statusMessage(rec).Encode())
	if err != nil {
		e.log.Warn("sending download report failed", "process", rec.ID(), "error", err)
	} else {
		e.log.Debug("download report sent", "process", rec.ID(), "message_id", msgID)
	}
	if period := schedule.ReportPeriod(&rec.Params); period > 0 {
		e.sched.Schedule(schedule.TimerReport, rec.ID(), period)
	}
}

// verify checks the stored image of rec against its checksum.
func (e *Engine) verify(rec *process.Record) error {
	if rec.State() != core.StateChecksumCalculating {
		return nil
	}
	if !rec.Bitmask.IsComplete() {
		return e.invalidate(rec, fmt.Errorf("checksum requested with %d of %d fragments",
			rec.Bitmask.Count(), rec.Params.FragmentCount))
	}

	result, err := e.verifier.Verify(e.col.Firmware, rec.ID(), rec.Params.TotalBytes, rec.Params.Checksum, e.chunk)
	if err != nil {
		e.log.Error("reading image for checksum failed", "process", rec.ID(), "error", err)
		return fmt.Errorf("%w: verifying %v: %w", ErrStorage, rec.ID(), err)
	}

	if result == checksum.Match {
		if err := e.advance(rec, process.EventChecksumMatch); err != nil {
			return err
		}
		e.completed(rec)
		return nil
	}

	e.log.Warn("checksum mismatch, downloading image again", "process", rec.ID(),
		"algorithm", e.verifier.Algorithm())
	if err := e.advance(rec, process.EventChecksumFail); err != nil {
		return err
	}
	prev := rec.Snapshot()
	rec.Bitmask.Reset()
	if err := e.advance(rec, process.EventRetryDownload); err != nil {
		if errors.Is(err, ErrStorage) {
			_ = rec.Restore(&prev)
		}
		return err
	}
	e.armDownloadTimers(rec)
	e.scheduleRequest(rec)
	return nil
}

// sendCompletionNotice tells the request endpoint that rec completed.
func (e *Engine) sendCompletionNotice(rec *process.Record) {
	if rec.State() != core.StateProcessCompleted {
		return
	}
	dst := requestEndpoint(rec)
	if !dst.IsSet() {
		return
	}
	if err := e.col.Sender.Send(dst, statusMessage(rec).Encode()); err != nil {
		e.log.Warn("sending completion notice failed", "process", rec.ID(), "dst", dst, "error", err)
	}
}

// deliverFragment sends the next queued fragment of a router process.
func (e *Engine) deliverFragment(rec *process.Record) {
	idx, dst, ok := rec.NextDelivery()
	if !ok {
		return
	}
	defer func() {
		if rec.PendingDeliveries() > 0 {
			e.sched.Schedule(schedule.TimerFragmentDelivery, rec.ID(), schedule.FragmentInterval(&rec.Params))
		}
	}()

	data := make([]byte, rec.Params.FragmentLength(idx))
	n, err := e.col.Firmware.ReadFirmware(rec.ID(), rec.Params.FragmentOffset(idx), data)
	if err != nil || n != len(data) {
		e.log.Warn("reading fragment for delivery failed", "process", rec.ID(), "index", idx, "error", err)
		return
	}
	frag := &codec.Fragment{ProcessID: rec.ID(), Index: idx, Data: data}
	if err := e.col.Sender.Send(dst, frag.Encode()); err != nil {
		if IsRetryable(err) {
			rec.QueueDelivery(dst, []uint16{idx})
		}
		e.log.Warn("delivering fragment failed", "process", rec.ID(), "index", idx, "dst", dst, "error", err)
	}
}
