package ota

import (
	"errors"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/process"
)

var (
	// ErrInvalidConfig is returned by Configure for inconsistent limits,
	// roles or addresses.
	ErrInvalidConfig = errors.New("invalid OTA configuration")
	// ErrMissingCollaborator is returned by Configure when a required
	// collaborator is nil.
	ErrMissingCollaborator = errors.New("missing collaborator")
	// ErrNotConfigured is returned by every call made before a successful
	// Configure.
	ErrNotConfigured = errors.New("OTA engine not configured")
	// ErrReentrant is returned when the engine is called while another call
	// is still running.
	ErrReentrant = errors.New("OTA engine called concurrently")

	// ErrCapacity is returned by Start when the process table is full.
	ErrCapacity = process.ErrCapacity
	// ErrProcessExists is returned by Start for an id already in use.
	ErrProcessExists = process.ErrExists
	// ErrNotFound is returned for unknown process ids.
	ErrNotFound = process.ErrNotFound
	// ErrInvalidParameters is returned by Start for malformed parameters.
	ErrInvalidParameters = core.ErrInvalidParameters
	// ErrInvalidState is returned when a command does not apply to the
	// current state of a process.
	ErrInvalidState = process.ErrTransition
	// ErrOutOfSpace is returned by Start when the image does not fit the
	// firmware storage.
	ErrOutOfSpace = errors.New("firmware storage too small")
	// ErrRejected is returned by Start when the application refused the
	// process.
	ErrRejected = errors.New("process rejected by application")
	// ErrOutOfMemory is returned when the allocator cannot serve a buffer.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrStorage wraps failures of the storage collaborators. The process is
	// left in its last persisted state.
	ErrStorage = errors.New("storage failure")
	// ErrProcessInvalid is returned when a process hit an internal
	// inconsistency and was moved to INVALID.
	ErrProcessInvalid = errors.New("process invalid")
	// ErrUnknownTimer is returned by OnTimerExpired for undefined kinds.
	ErrUnknownTimer = errors.New("unknown timer kind")
)

// IsRetryable reports whether err is a transient collaborator condition
// (storage or transport busy) and the operation may be retried later.
func IsRetryable(err error) bool {
	return errors.Is(err, core.ErrBusy)
}
