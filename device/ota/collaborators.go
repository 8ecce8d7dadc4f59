package ota

import (
	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/schedule"
)

// Allocator hands out the buffers the engine keeps per process (fragment
// bitmasks) and for checksum verification.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(buf []byte)
}

// TimerService is the host timer service. One timer exists per kind.
type TimerService = schedule.Host

// ProcessStore persists the set of known process ids.
type ProcessStore interface {
	StoreNewProcess(id core.ProcessID) error
	ListStoredProcesses() ([]core.ProcessID, error)
	// RemoveStoredProcess deletes the id together with its state and
	// parameters.
	RemoveStoredProcess(id core.ProcessID) error
}

// StateStore persists download states.
type StateStore interface {
	StoreState(s *core.DownloadState) error
	ReadState(id core.ProcessID) (*core.DownloadState, error)
}

// ParameterStore persists process parameters.
type ParameterStore interface {
	StoreParameters(p *core.Parameters) error
	ReadParameters(id core.ProcessID) (*core.Parameters, error)
}

// FirmwareStorage stores image bytes.
type FirmwareStorage interface {
	// Capacity returns the largest image size in bytes that can be stored.
	Capacity() uint32
	WriteFirmware(id core.ProcessID, offset uint32, data []byte) (int, error)
	ReadFirmware(id core.ProcessID, offset uint32, buf []byte) (int, error)
}

// FirmwareEraser is implemented by firmware storages that can drop the
// image of a removed process.
type FirmwareEraser interface {
	EraseFirmware(id core.ProcessID) error
}

// Notifier informs the application about process milestones.
type Notifier interface {
	// StartReceived is asked before a process is created. A non-nil error
	// rejects the process.
	StartReceived(p *core.Parameters) error
	// ProcessFinished is called once when the image was verified.
	ProcessFinished(id core.ProcessID)
	// FirmwareReady asks the application to take the image in use after
	// delaySeconds.
	FirmwareReady(id core.ProcessID, delaySeconds uint16)
}

// Sender transmits engine payloads.
type Sender interface {
	Send(dst core.Endpoint, payload []byte) error
	// SendNotification publishes payload to observers of topic and returns
	// the message id.
	SendNotification(topic string, payload []byte) (uint16, error)
}

// Resource is a device resource created through the ResourceRegistrar.
type Resource struct {
	Path       string
	Type       string
	MaxAge     uint32
	Observable bool
	Publish    bool
	// Content returns the current representation of the resource.
	Content func() []byte
}

// ResourceRegistrar creates device resources and refreshes their
// registration with the resource directory.
type ResourceRegistrar interface {
	CreateResource(r Resource) error
	RefreshRegistration()
}
