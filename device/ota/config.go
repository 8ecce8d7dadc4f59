package ota

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/checksum"
)

const (
	// DefaultRouterProcesses is the process table size of a border router
	// when Config.MaxProcesses is zero.
	DefaultRouterProcesses = 8

	// DefaultChecksumChunk is the read size used while verifying an image.
	DefaultChecksumChunk = 256

	// DefaultStatusTopic is the notification topic of download reports.
	DefaultStatusTopic = "ota/status"

	// DefaultResourceMaxAge is the max-age in seconds of the delivered
	// image resource.
	DefaultResourceMaxAge = 60
)

// Role is the part a device plays in firmware delivery.
type Role uint8

const (
	// RoleNode receives one image at a time.
	RoleNode Role = iota
	// RoleRouter is a border router: it runs several processes and relays
	// fragments to nodes.
	RoleRouter
)

func (r Role) String() string {
	switch r {
	case RoleNode:
		return "node"
	case RoleRouter:
		return "router"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Config configures an Engine.
type Config struct {
	Role Role

	// MaxProcesses bounds the process table. A node must use 1.
	// Default: 1 for nodes, DefaultRouterProcesses for routers.
	MaxProcesses int

	// DeviceType is this device's OTA device type. Optional; when set it
	// must agree with Role (1-2 router, 3-5 node).
	DeviceType core.DeviceType

	// Own addresses. MPLMulticast is where a router sends fragments of
	// multicast sessions.
	UnicastEndpoint    core.Endpoint
	LinkLocalMulticast core.Endpoint
	MPLMulticast       core.Endpoint

	// PersistInterval stores the download state every PersistInterval
	// fragments. Default: 1 (every fragment).
	PersistInterval int

	// ChecksumAlgorithm is the whole-image digest. Default: SHA-256.
	ChecksumAlgorithm checksum.Algorithm

	// ChecksumChunk is the buffer size for image verification.
	// Default: DefaultChecksumChunk.
	ChecksumChunk int

	// ChecksumDelay postpones verification after the last fragment.
	ChecksumDelay time.Duration

	// StatusTopic is where download reports are published.
	// Default: DefaultStatusTopic.
	StatusTopic string

	// ResourceMaxAge is the max-age of the delivered image resource.
	// Default: DefaultResourceMaxAge.
	ResourceMaxAge uint32

	// Rand returns a uniform value in [0, n) for response delay jitter.
	// Defaults to math/rand/v2.
	Rand func(n int64) int64

	// Logger for engine events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Collaborators are the backends the engine drives.
type Collaborators struct {
	Allocator  Allocator
	Timers     TimerService
	Processes  ProcessStore
	States     StateStore
	Parameters ParameterStore
	Firmware   FirmwareStorage
	Notifier   Notifier
	Sender     Sender
	// Registrar is required for routers only.
	Registrar ResourceRegistrar
}

// withDefaults validates cfg and fills in zero values.
func (cfg Config) withDefaults() (Config, error) {
	switch cfg.Role {
	case RoleNode:
		if cfg.MaxProcesses == 0 {
			cfg.MaxProcesses = 1
		}
		if cfg.MaxProcesses != 1 {
			return cfg, fmt.Errorf("%w: node supports exactly 1 process, got %d", ErrInvalidConfig, cfg.MaxProcesses)
		}
	case RoleRouter:
		if cfg.MaxProcesses == 0 {
			cfg.MaxProcesses = DefaultRouterProcesses
		}
		if cfg.MaxProcesses < 1 {
			return cfg, fmt.Errorf("%w: max processes %d", ErrInvalidConfig, cfg.MaxProcesses)
		}
	default:
		return cfg, fmt.Errorf("%w: unknown role %v", ErrInvalidConfig, cfg.Role)
	}

	if cfg.DeviceType != 0 {
		if !cfg.DeviceType.IsValid() {
			return cfg, fmt.Errorf("%w: device type %d", ErrInvalidConfig, cfg.DeviceType)
		}
		if isRouterType(cfg.DeviceType) != (cfg.Role == RoleRouter) {
			return cfg, fmt.Errorf("%w: device type %d does not match role %v", ErrInvalidConfig, cfg.DeviceType, cfg.Role)
		}
	}

	for _, ep := range []struct {
		name      string
		ep        core.Endpoint
		multicast bool
	}{
		{"unicast endpoint", cfg.UnicastEndpoint, false},
		{"link-local multicast endpoint", cfg.LinkLocalMulticast, true},
		{"MPL multicast endpoint", cfg.MPLMulticast, true},
	} {
		if !ep.ep.IsSet() {
			continue
		}
		if !ep.ep.IsValid() {
			return cfg, fmt.Errorf("%w: malformed %s %v", ErrInvalidConfig, ep.name, ep.ep)
		}
		if ep.ep.IsMulticast() != ep.multicast {
			return cfg, fmt.Errorf("%w: %s %v has wrong address scope", ErrInvalidConfig, ep.name, ep.ep)
		}
	}

	if cfg.PersistInterval < 0 {
		return cfg, fmt.Errorf("%w: persist interval %d", ErrInvalidConfig, cfg.PersistInterval)
	}
	if cfg.PersistInterval == 0 {
		cfg.PersistInterval = 1
	}
	if cfg.ChecksumChunk < 0 {
		return cfg, fmt.Errorf("%w: checksum chunk %d", ErrInvalidConfig, cfg.ChecksumChunk)
	}
	if cfg.ChecksumChunk == 0 {
		cfg.ChecksumChunk = DefaultChecksumChunk
	}
	if cfg.ChecksumAlgorithm != checksum.SHA256 && cfg.ChecksumAlgorithm != checksum.BLAKE2s256 {
		return cfg, fmt.Errorf("%w: checksum algorithm %v", ErrInvalidConfig, cfg.ChecksumAlgorithm)
	}
	if cfg.ChecksumDelay < 0 {
		return cfg, fmt.Errorf("%w: negative checksum delay", ErrInvalidConfig)
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = DefaultStatusTopic
	}
	if cfg.ResourceMaxAge == 0 {
		cfg.ResourceMaxAge = DefaultResourceMaxAge
	}
	return cfg, nil
}

func (c *Collaborators) validate(role Role) error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s", ErrMissingCollaborator, name)
	}
	switch {
	case c.Allocator == nil:
		return missing("allocator")
	case c.Timers == nil:
		return missing("timer service")
	case c.Processes == nil:
		return missing("process store")
	case c.States == nil:
		return missing("state store")
	case c.Parameters == nil:
		return missing("parameter store")
	case c.Firmware == nil:
		return missing("firmware storage")
	case c.Notifier == nil:
		return missing("notifier")
	case c.Sender == nil:
		return missing("sender")
	case role == RoleRouter && c.Registrar == nil:
		return missing("resource registrar")
	}
	return nil
}

func isRouterType(d core.DeviceType) bool {
	return d == core.DeviceType1 || d == core.DeviceType2
}
