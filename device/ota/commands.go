package ota

import (
	"errors"
	"fmt"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/process"
	"github.com/kabili207/meshcore-ota/core/schedule"
)

// Start creates a process for p, received from origin. Missing-fragment
// requests go to p.RequestEndpoint, or to origin when it is unset.
//
// A Start for the id of an ABORTED process with the same image resumes it
// with the fragments already received.
func (e *Engine) Start(p *core.Parameters, origin core.Endpoint) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	if err := p.Validate(); err != nil {
		return err
	}
	params := *p
	if !params.RequestEndpoint.IsSet() {
		params.RequestEndpoint = origin
	}

	if rec, err := e.table.Get(params.ProcessID); err == nil {
		return e.restart(rec, &params)
	}
	if e.table.Len() >= e.table.Cap() {
		return fmt.Errorf("%w: %d processes active", ErrCapacity, e.table.Len())
	}
	if err := e.col.Notifier.StartReceived(&params); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if capacity := e.col.Firmware.Capacity(); params.TotalBytes > capacity {
		return fmt.Errorf("%w: image %d bytes, storage %d bytes", ErrOutOfSpace, params.TotalBytes, capacity)
	}

	rec, err := e.newRecord(&params, origin)
	if err != nil {
		return err
	}
	if err := e.table.Insert(rec); err != nil {
		e.releaseRecord(rec)
		return err
	}
	if err := e.persistNew(rec); err != nil {
		e.table.Remove(rec.ID())
		e.releaseRecord(rec)
		return err
	}

	if !params.IsPull() {
		e.armDownloadTimers(rec)
	}
	e.log.Info("process started",
		"process", rec.ID(),
		"fw", params.FwName,
		"version", params.FwVersion,
		"bytes", params.TotalBytes,
		"fragments", params.FragmentCount,
		"multicast", params.Multicast,
		"pull", params.IsPull())
	return nil
}

// persistNew stores id, parameters and state of a new process. On failure
// the partially stored process is removed again.
func (e *Engine) persistNew(rec *process.Record) error {
	id := rec.ID()
	if err := e.col.Processes.StoreNewProcess(id); err != nil {
		return fmt.Errorf("%w: process %v: %w", ErrStorage, id, err)
	}
	err := e.col.Parameters.StoreParameters(&rec.Params)
	if err != nil {
		err = fmt.Errorf("%w: parameters of %v: %w", ErrStorage, id, err)
	} else {
		err = e.storeState(rec)
	}
	if err != nil {
		if rmErr := e.col.Processes.RemoveStoredProcess(id); rmErr != nil {
			e.log.Warn("could not remove partially stored process", "process", id, "error", rmErr)
		}
		return err
	}
	return nil
}

// restart handles a Start for an id already in the table.
func (e *Engine) restart(rec *process.Record, p *core.Parameters) error {
	if rec.State() != core.StateAborted {
		return fmt.Errorf("%w: %v is %v", ErrProcessExists, rec.ID(), rec.State())
	}
	if !sameImage(&rec.Params, p) {
		return fmt.Errorf("%w: %v was aborted with a different image", ErrProcessExists, rec.ID())
	}
	if err := e.advance(rec, process.EventResume); err != nil {
		return err
	}
	e.log.Info("process resumed", "process", rec.ID(),
		"received", rec.Bitmask.Count(), "total", rec.Params.FragmentCount)
	return e.continueDownload(rec)
}

// continueDownload re-arms the download timers of a STARTED process. A
// process whose fragments are all stored moves on to verification.
func (e *Engine) continueDownload(rec *process.Record) error {
	if rec.Params.IsPull() {
		return nil
	}
	if rec.Bitmask.IsComplete() {
		return e.downloadDone(rec)
	}
	e.armDownloadTimers(rec)
	return nil
}

func sameImage(a, b *core.Parameters) bool {
	return a.Checksum == b.Checksum &&
		a.TotalBytes == b.TotalBytes &&
		a.FragmentSize == b.FragmentSize
}

// Abort stops process id. Its timers are cancelled and fragments for it are
// ignored until it is resumed by a new Start.
func (e *Engine) Abort(id core.ProcessID) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	rec, err := e.activeRecord(id)
	if err != nil {
		return err
	}
	if !rec.Can(process.EventAbort) {
		return fmt.Errorf("%w: cannot abort %v in %v", ErrInvalidState, id, rec.State())
	}
	if err := e.advance(rec, process.EventAbort); err != nil {
		return err
	}
	e.sched.CancelProcess(id)
	rec.ClearRequested()
	rec.ClearDeliveries()
	e.log.Info("process aborted", "process", id)
	return nil
}

// Remove deletes process id locally and from storage. Processes that are
// still downloading must be aborted first.
func (e *Engine) Remove(id core.ProcessID) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	rec, err := e.table.Get(id)
	if err != nil {
		return err
	}
	switch rec.State() {
	case core.StateAborted, core.StateProcessCompleted, core.StateUpdateFW, core.StateInvalid:
	default:
		return fmt.Errorf("%w: cannot remove %v in %v", ErrInvalidState, id, rec.State())
	}

	if err := e.col.Processes.RemoveStoredProcess(id); err != nil {
		return fmt.Errorf("%w: removing %v: %w", ErrStorage, id, err)
	}
	if eraser, ok := e.col.Firmware.(FirmwareEraser); ok {
		if err := eraser.EraseFirmware(id); err != nil {
			e.log.Warn("erasing firmware failed", "process", id, "error", err)
		}
	}
	e.sched.CancelProcess(id)
	e.table.Remove(id)
	e.releaseRecord(rec)
	e.log.Info("process removed", "process", id)
	return nil
}

// ConfirmUpdate tells the engine the host is ready to take the verified
// image of process id in use after delaySeconds.
func (e *Engine) ConfirmUpdate(id core.ProcessID, delaySeconds uint16) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	rec, err := e.activeRecord(id)
	if err != nil {
		return err
	}
	return e.updateFirmware(rec, delaySeconds)
}

func (e *Engine) updateFirmware(rec *process.Record, delaySeconds uint16) error {
	if !rec.Can(process.EventUpdateFirmware) {
		return fmt.Errorf("%w: cannot update %v in %v", ErrInvalidState, rec.ID(), rec.State())
	}
	if err := e.advance(rec, process.EventUpdateFirmware); err != nil {
		return err
	}
	e.sched.CancelProcess(rec.ID())
	e.log.Info("firmware ready", "process", rec.ID(), "delay", delaySeconds)
	e.col.Notifier.FirmwareReady(rec.ID(), delaySeconds)
	return nil
}

// OnFirmwarePulled reports that the host fetched the image of a pull-mode
// process. The process completes directly.
func (e *Engine) OnFirmwarePulled(id core.ProcessID) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	rec, err := e.activeRecord(id)
	if err != nil {
		return err
	}
	if !rec.Params.IsPull() {
		return fmt.Errorf("%w: %v is not a pull process", ErrInvalidState, id)
	}
	if !rec.Can(process.EventPulled) {
		return fmt.Errorf("%w: cannot complete %v in %v", ErrInvalidState, id, rec.State())
	}
	if err := e.advance(rec, process.EventPulled); err != nil {
		return err
	}
	e.completed(rec)
	return nil
}

// activeRecord returns the record of id unless it is INVALID.
func (e *Engine) activeRecord(id core.ProcessID) (*process.Record, error) {
	rec, err := e.table.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.State() == core.StateInvalid {
		return nil, fmt.Errorf("%w: %v", ErrProcessInvalid, id)
	}
	return rec, nil
}

// completed runs the side effects of reaching PROCESS_COMPLETED.
func (e *Engine) completed(rec *process.Record) {
	id := rec.ID()
	for _, kind := range []schedule.TimerKind{schedule.TimerFallback, schedule.TimerReport, schedule.TimerResponseDelay} {
		e.sched.Cancel(kind, id)
	}
	rec.ClearRequested()

	e.log.Info("process completed", "process", id, "fw", rec.Params.FwName, "version", rec.Params.FwVersion)
	e.col.Notifier.ProcessFinished(id)

	if e.cfg.Role == RoleRouter && rec.Params.DeliveredImageResource != "" {
		if err := e.registerImage(rec); err != nil {
			e.log.Warn("registering delivered image failed", "process", id,
				"resource", rec.Params.DeliveredImageResource, "error", err)
		} else {
			e.col.Registrar.RefreshRegistration()
		}
	}
	e.sched.Schedule(schedule.TimerCompletionNotice, id, e.sched.ResponseDelay(&rec.Params))
}

func (e *Engine) registerImage(rec *process.Record) error {
	status := statusMessage(rec).Encode()
	return e.col.Registrar.CreateResource(Resource{
		Path:       rec.Params.DeliveredImageResource,
		Type:       "ota-image",
		MaxAge:     e.cfg.ResourceMaxAge,
		Observable: true,
		Publish:    true,
		Content:    func() []byte { return status },
	})
}

// IsNotFound reports whether err refers to an unknown process.
func IsNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
