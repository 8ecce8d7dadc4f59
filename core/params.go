package core

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// MaxNameLength is the maximum length in bytes of a firmware name,
	// firmware version, pull URL or delivered image resource name.
	MaxNameLength = 64

	// ChecksumSize is the size of the whole-image checksum.
	ChecksumSize = 32

	// FragmentsPerSegment is the number of fragments covered by one
	// missing-fragment request bitmask.
	FragmentsPerSegment = 128

	// SegmentBitmaskSize is the size in bytes of one segment bitmask.
	SegmentBitmaskSize = FragmentsPerSegment / 8
)

// ProcessID identifies one firmware delivery session. IDs are assigned by the
// OTA server and are unique within a device's process table.
type ProcessID uint32

func (id ProcessID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// DeviceType is the OTA device class. Types 1 and 2 are border routers,
// 3 to 5 are nodes.
type DeviceType uint8

const (
	DeviceType1 DeviceType = iota + 1
	DeviceType2
	DeviceType3
	DeviceType4
	DeviceType5
)

// IsValid returns true for the defined device types 1..5.
func (d DeviceType) IsValid() bool {
	return d >= DeviceType1 && d <= DeviceType5
}

// Checksum is a 32-byte whole-firmware digest.
type Checksum [ChecksumSize]byte

// String returns the hex-encoded checksum.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// MarshalText encodes the checksum as hex.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a hex checksum.
func (c *Checksum) UnmarshalText(b []byte) error {
	parsed, err := ParseChecksum(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseChecksum parses a hex-encoded 32-byte checksum.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	raw, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(raw) != ChecksumSize {
		return c, fmt.Errorf("invalid length: expected %d bytes, got %d", ChecksumSize, len(raw))
	}
	copy(c[:], raw)
	return c, nil
}

// Parameters identifies one firmware image and its delivery policy. They are
// received with the START command and persisted for the lifetime of the
// process.
type Parameters struct {
	ProcessID  ProcessID  `json:"process_id"`
	DeviceType DeviceType `json:"device_type"`

	// Response sending random delay bounds in seconds.
	ResponseDelayStart uint16 `json:"response_delay_start"`
	ResponseDelayEnd   uint16 `json:"response_delay_end"`

	// ReportPeriod is the download state report period in seconds.
	// 0 disables automatic reporting.
	ReportPeriod uint16 `json:"report_period"`

	// Multicast is set when fragments are delivered over multicast.
	Multicast bool `json:"multicast"`

	FwName    string `json:"fw_name"`
	FwVersion string `json:"fw_version"`

	SegmentCount uint16 `json:"segment_count"`
	TotalBytes   uint32 `json:"total_bytes"`

	FragmentCount uint16 `json:"fragment_count"`
	FragmentSize  uint16 `json:"fragment_size"`

	// Fragment sending intervals in milliseconds for unicast/link-local
	// multicast and for MPL multicast.
	FragmentIntervalUnicast uint16 `json:"fragment_interval_unicast"`
	FragmentIntervalMPL     uint16 `json:"fragment_interval_mpl"`

	Checksum Checksum `json:"checksum"`

	// FallbackTimeout in hours. After it expires the device starts requesting
	// its missing fragments on its own. 0 disables the fallback.
	FallbackTimeout uint8 `json:"fallback_timeout"`

	// RequestEndpoint optionally overrides where missing fragment requests
	// are sent.
	RequestEndpoint Endpoint `json:"request_endpoint"`

	// DeliveredImageResource is the router-only resource name under which
	// the received image is published.
	DeliveredImageResource string `json:"delivered_image_resource,omitempty"`

	// PullURL instructs the device to fetch the image itself.
	PullURL string `json:"pull_url,omitempty"`
}

// ErrInvalidParameters is returned by Validate.
var ErrInvalidParameters = errors.New("invalid OTA parameters")

// FragmentCountFor returns ceil(totalBytes/fragmentSize).
func FragmentCountFor(totalBytes uint32, fragmentSize uint16) uint32 {
	if fragmentSize == 0 {
		return 0
	}
	return uint32((uint64(totalBytes) + uint64(fragmentSize) - 1) / uint64(fragmentSize))
}

// SegmentCountFor returns the number of 128-fragment segments needed to
// cover fragmentCount fragments.
func SegmentCountFor(fragmentCount uint16) uint16 {
	return uint16((uint32(fragmentCount) + FragmentsPerSegment - 1) / FragmentsPerSegment)
}

// Validate checks the structural invariants of the parameters.
func (p *Parameters) Validate() error {
	if p.FragmentSize == 0 {
		return fmt.Errorf("%w: fragment size is zero", ErrInvalidParameters)
	}
	if p.TotalBytes == 0 {
		return fmt.Errorf("%w: total byte count is zero", ErrInvalidParameters)
	}
	if want := FragmentCountFor(p.TotalBytes, p.FragmentSize); uint32(p.FragmentCount) != want {
		return fmt.Errorf("%w: fragment count %d, want %d", ErrInvalidParameters, p.FragmentCount, want)
	}
	if want := SegmentCountFor(p.FragmentCount); p.SegmentCount != want {
		return fmt.Errorf("%w: segment count %d, want %d", ErrInvalidParameters, p.SegmentCount, want)
	}
	if p.ResponseDelayStart > p.ResponseDelayEnd {
		return fmt.Errorf("%w: response delay start %d > end %d",
			ErrInvalidParameters, p.ResponseDelayStart, p.ResponseDelayEnd)
	}
	for _, f := range []struct{ name, value string }{
		{"firmware name", p.FwName},
		{"firmware version", p.FwVersion},
		{"pull url", p.PullURL},
		{"delivered image resource", p.DeliveredImageResource},
	} {
		if len(f.value) > MaxNameLength {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidParameters, f.name, MaxNameLength)
		}
	}
	if p.RequestEndpoint.IsSet() && !p.RequestEndpoint.IsValid() {
		return fmt.Errorf("%w: malformed request endpoint", ErrInvalidParameters)
	}
	return nil
}

// FragmentOffset returns the byte offset of fragment i in the image.
func (p *Parameters) FragmentOffset(i uint16) uint32 {
	return uint32(i) * uint32(p.FragmentSize)
}

// FragmentLength returns the byte length of fragment i. Every fragment but
// the last is FragmentSize long. Out-of-range indices return 0.
func (p *Parameters) FragmentLength(i uint16) int {
	if i >= p.FragmentCount {
		return 0
	}
	off := p.FragmentOffset(i)
	remaining := p.TotalBytes - off
	if remaining < uint32(p.FragmentSize) {
		return int(remaining)
	}
	return int(p.FragmentSize)
}

// IsPull returns true when the image is fetched by the device from PullURL.
func (p *Parameters) IsPull() bool {
	return p.PullURL != ""
}
