package core

import (
	"errors"
	"fmt"
)

// State is the OTA process state. The numeric values are persisted and sent
// in status reports.
type State uint8

const (
	// StateStarted: START received, fragments can be received.
	StateStarted State = iota + 1
	// StateAborted: ABORT received; a new START with the same ID resumes.
	StateAborted
	// StateMissingFragmentsRequesting: the device is requesting missing fragments.
	StateMissingFragmentsRequesting
	// StateChecksumCalculating: the whole-image checksum is being verified.
	StateChecksumCalculating
	// StateChecksumFailed: the whole-image checksum did not match.
	StateChecksumFailed
	// StateProcessCompleted: the image is complete and verified.
	StateProcessCompleted
	// StateUpdateFW: waiting for the application to reset into the new image.
	StateUpdateFW
	// StateInvalid: internal error, the process takes no further events.
	StateInvalid
)

var stateNames = map[State]string{
	StateStarted:                    "STARTED",
	StateAborted:                    "ABORTED",
	StateMissingFragmentsRequesting: "MISSING_FRAGMENTS_REQUESTING",
	StateChecksumCalculating:        "CHECKSUM_CALCULATING",
	StateChecksumFailed:             "CHECKSUM_FAILED",
	StateProcessCompleted:           "PROCESS_COMPLETED",
	StateUpdateFW:                   "UPDATE_FW",
	StateInvalid:                    "INVALID",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// IsValid returns true for the defined states.
func (s State) IsValid() bool {
	_, ok := stateNames[s]
	return ok
}

// AcceptsFragments returns true if fragments are written in this state.
func (s State) AcceptsFragments() bool {
	return s == StateStarted || s == StateMissingFragmentsRequesting
}

// ParseState parses a state name as returned by String.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown OTA state %q", name)
}

// DownloadState is the persisted download progress of one process.
// Bitmask holds one bit per fragment, fragment i at byte i/8, bit i%8.
type DownloadState struct {
	ProcessID ProcessID `json:"process_id"`
	State     State     `json:"state"`
	Bitmask   []byte    `json:"bitmask"`
}

// BitmaskLength returns the persisted bitmask length for fragmentCount
// fragments, ceil(fragmentCount/8).
func BitmaskLength(fragmentCount uint16) int {
	return (int(fragmentCount) + 7) / 8
}

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned by collaborators that cannot serve a request right
	// now. Operations failing with ErrBusy can be retried later.
	ErrBusy = errors.New("busy")
)
