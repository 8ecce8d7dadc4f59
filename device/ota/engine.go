// Package ota implements the OTA process engine: the per-device state machine
// that receives firmware fragments, tracks them in a bitmask, requests
// missing ones, verifies the assembled image and reports completion.
//
// The engine does no I/O of its own. Storage, transport, timers, memory and
// application notifications are collaborators supplied to Configure. The
// engine never blocks or waits: it schedules host timers and returns, and
// the host reports expiries through OnTimerExpired.
//
// The engine is single threaded. The host must serialize calls (see the
// host package); a call made while another is still running, including one
// made from inside a collaborator, fails with ErrReentrant.
package ota

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/checksum"
	"github.com/kabili207/meshcore-ota/core/process"
	"github.com/kabili207/meshcore-ota/core/schedule"
)

// Engine runs the OTA processes of one device.
type Engine struct {
	busy atomic.Bool

	configured bool
	cfg        Config
	col        Collaborators
	log        *slog.Logger

	table    *process.Table
	sched    *schedule.Scheduler
	verifier *checksum.Verifier
	chunk    []byte
	buffers  map[core.ProcessID][]byte
}

// New returns an unconfigured engine. Every call other than Configure fails
// with ErrNotConfigured until Configure succeeds.
func New() *Engine {
	return &Engine{log: slog.Default().WithGroup("ota")}
}

// Configure validates cfg and the collaborators, then rebuilds the process
// table from the process, state and parameter stores. Any existing
// configuration is dropped first. On failure nothing is retained and the
// engine stays unconfigured.
func (e *Engine) Configure(cfg Config, col Collaborators) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer e.busy.Store(false)

	e.teardown()

	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	if err := col.validate(cfg.Role); err != nil {
		return err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e.cfg = cfg
	e.col = col
	e.log = logger.WithGroup("ota")
	e.table = process.NewTable(cfg.MaxProcesses)
	e.buffers = make(map[core.ProcessID][]byte, cfg.MaxProcesses)
	e.verifier = checksum.NewVerifier(cfg.ChecksumAlgorithm)
	e.sched = schedule.New(col.Timers, schedule.Config{Rand: cfg.Rand, Logger: logger})

	chunk, err := col.Allocator.Alloc(cfg.ChecksumChunk)
	if err != nil {
		e.teardown()
		return fmt.Errorf("%w: checksum buffer: %v", ErrOutOfMemory, err)
	}
	e.chunk = chunk

	if err := e.rehydrate(); err != nil {
		e.teardown()
		return err
	}

	e.configured = true
	e.log.Info("configured",
		"role", cfg.Role,
		"max_processes", cfg.MaxProcesses,
		"processes", e.table.Len())
	return nil
}

// Reset cancels all timers, releases all memory and returns the engine to
// the unconfigured state. Stored processes are kept and are restored by the
// next Configure.
func (e *Engine) Reset() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer e.busy.Store(false)
	e.teardown()
	return nil
}

func (e *Engine) teardown() {
	if e.sched != nil {
		e.sched.CancelAll()
	}
	if e.col.Allocator != nil {
		for id, buf := range e.buffers {
			e.col.Allocator.Free(buf)
			delete(e.buffers, id)
		}
		if e.chunk != nil {
			e.col.Allocator.Free(e.chunk)
		}
	}
	if e.table != nil {
		e.table.Clear()
	}
	e.chunk = nil
	e.sched = nil
	e.table = nil
	e.verifier = nil
	e.buffers = nil
	e.col = Collaborators{}
	e.configured = false
}

// enter claims the engine for one call.
func (e *Engine) enter() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	if !e.configured {
		e.busy.Store(false)
		return ErrNotConfigured
	}
	return nil
}

func (e *Engine) leave() {
	e.busy.Store(false)
}

// Process returns the download state of process id.
func (e *Engine) Process(id core.ProcessID) (core.DownloadState, error) {
	if err := e.enter(); err != nil {
		return core.DownloadState{}, err
	}
	defer e.leave()
	rec, err := e.table.Get(id)
	if err != nil {
		return core.DownloadState{}, err
	}
	return rec.Snapshot(), nil
}

// Parameters returns the parameters of process id.
func (e *Engine) Parameters(id core.ProcessID) (core.Parameters, error) {
	if err := e.enter(); err != nil {
		return core.Parameters{}, err
	}
	defer e.leave()
	rec, err := e.table.Get(id)
	if err != nil {
		return core.Parameters{}, err
	}
	return rec.Params, nil
}

// Processes returns the download state of every process in id order.
func (e *Engine) Processes() ([]core.DownloadState, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()
	out := make([]core.DownloadState, 0, e.table.Len())
	e.table.ForEach(func(rec *process.Record) bool {
		out = append(out, rec.Snapshot())
		return true
	})
	return out, nil
}

// rehydrate rebuilds the table from storage and re-arms the timers each
// restored process needs.
func (e *Engine) rehydrate() error {
	ids, err := e.col.Processes.ListStoredProcesses()
	if err != nil {
		return fmt.Errorf("%w: listing processes: %w", ErrStorage, err)
	}
	for _, id := range ids {
		if _, err := e.table.Get(id); err == nil {
			e.log.Warn("stored process listed twice", "process", id)
			continue
		}
		params, err := e.col.Parameters.ReadParameters(id)
		if errors.Is(err, core.ErrNotFound) {
			e.log.Warn("dropping stored process without parameters", "process", id)
			if err := e.col.Processes.RemoveStoredProcess(id); err != nil {
				return fmt.Errorf("%w: removing process %v: %w", ErrStorage, id, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: reading parameters of %v: %w", ErrStorage, id, err)
		}
		if err := params.Validate(); err != nil {
			return fmt.Errorf("stored process %v: %w", id, err)
		}
		state, err := e.col.States.ReadState(id)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: reading state of %v: %w", ErrStorage, id, err)
		}

		rec, err := e.newRecord(params, params.RequestEndpoint)
		if err != nil {
			return err
		}
		if state != nil {
			if err := rec.Restore(state); err != nil {
				e.releaseRecord(rec)
				return fmt.Errorf("stored process %v: %w", id, err)
			}
		}
		if err := e.table.Insert(rec); err != nil {
			e.releaseRecord(rec)
			return fmt.Errorf("%w: restoring process %v: %w", ErrInvalidConfig, id, err)
		}
		if err := e.resume(rec); err != nil {
			return err
		}
		e.log.Info("process restored", "process", id, "state", rec.State(),
			"received", rec.Bitmask.Count(), "total", rec.Params.FragmentCount)
	}
	return nil
}

// resume re-arms the timers of a restored process.
func (e *Engine) resume(rec *process.Record) error {
	switch rec.State() {
	case core.StateStarted:
		return e.continueDownload(rec)
	case core.StateMissingFragmentsRequesting:
		if rec.Bitmask.IsComplete() {
			return e.downloadDone(rec)
		}
		e.armDownloadTimers(rec)
		e.scheduleRequest(rec)
	case core.StateChecksumCalculating:
		e.sched.Schedule(schedule.TimerChecksum, rec.ID(), e.cfg.ChecksumDelay)
	case core.StateChecksumFailed:
		rec.Bitmask.Reset()
		if err := e.advance(rec, process.EventRetryDownload); err != nil {
			return err
		}
		e.armDownloadTimers(rec)
		e.scheduleRequest(rec)
	case core.StateProcessCompleted:
		e.sched.Schedule(schedule.TimerCompletionNotice, rec.ID(), e.sched.ResponseDelay(&rec.Params))
	}
	return nil
}

// newRecord allocates the bitmask of p and builds a record outside the table.
func (e *Engine) newRecord(p *core.Parameters, origin core.Endpoint) (*process.Record, error) {
	buf, err := e.col.Allocator.Alloc(core.BitmaskLength(p.FragmentCount))
	if err != nil {
		return nil, fmt.Errorf("%w: bitmask of %v: %v", ErrOutOfMemory, p.ProcessID, err)
	}
	rec, err := process.NewRecord(p, origin, buf)
	if err != nil {
		e.col.Allocator.Free(buf)
		return nil, err
	}
	e.buffers[p.ProcessID] = buf
	return rec, nil
}

func (e *Engine) releaseRecord(rec *process.Record) {
	if buf, ok := e.buffers[rec.ID()]; ok {
		e.col.Allocator.Free(buf)
		delete(e.buffers, rec.ID())
	}
}

// storeState persists the download state of rec.
func (e *Engine) storeState(rec *process.Record) error {
	snap := rec.Snapshot()
	if err := e.col.States.StoreState(&snap); err != nil {
		e.log.Error("storing state failed", "process", rec.ID(), "state", snap.State, "error", err)
		return fmt.Errorf("%w: state of %v: %w", ErrStorage, rec.ID(), err)
	}
	rec.Persisted()
	return nil
}

// advance applies ev to rec and persists the result. If storing fails the
// record is rolled back to its previous state. An event the state machine
// refuses is an internal inconsistency and invalidates the process.
func (e *Engine) advance(rec *process.Record, ev process.Event) error {
	prev := rec.Snapshot()
	from := rec.State()
	if err := rec.Fire(ev); err != nil {
		return e.invalidate(rec, err)
	}
	if err := e.storeState(rec); err != nil {
		_ = rec.Restore(&prev)
		return err
	}
	e.log.Debug("state changed", "process", rec.ID(), "from", from, "to", rec.State())
	return nil
}

// invalidate moves rec to INVALID, stops its timers and reports cause.
func (e *Engine) invalidate(rec *process.Record, cause error) error {
	rec.Invalidate()
	rec.ClearDeliveries()
	rec.ClearRequested()
	e.sched.CancelProcess(rec.ID())
	if err := e.storeState(rec); err != nil {
		e.log.Warn("could not persist invalid process", "process", rec.ID(), "error", err)
	}
	e.log.Error("process invalidated", "process", rec.ID(), "cause", cause)
	return fmt.Errorf("%w: %v: %w", ErrProcessInvalid, rec.ID(), cause)
}

// requestEndpoint returns where missing-fragment requests and completion
// notices of rec are sent.
func requestEndpoint(rec *process.Record) core.Endpoint {
	if rec.Params.RequestEndpoint.IsSet() {
		return rec.Params.RequestEndpoint
	}
	return rec.Origin
}
