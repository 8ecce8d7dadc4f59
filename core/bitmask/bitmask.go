// Package bitmask tracks which firmware fragments have been received.
//
// One bit is kept per fragment: fragment i lives at byte i/8, bit i%8 of the
// backing buffer, which is exactly what is persisted in DownloadState. The
// wire form used in missing-fragment requests is different: each 128-fragment
// segment is sent as 16 bytes where bit 127 (MSB of byte 0) is the highest
// fragment index in the segment and bit 0 (LSB of byte 15) the lowest.
// A 0 bit means "not received, please resend".
package bitmask

import (
	"errors"
	"fmt"

	"github.com/kabili207/meshcore-ota/core"
)

// ErrBufferSize is returned when a caller-supplied buffer does not match the
// fragment count.
var ErrBufferSize = errors.New("bitmask buffer size mismatch")

// Bitmask is a fixed-capacity fragment receipt tracker.
type Bitmask struct {
	bits  []byte
	count uint16
	set   int
}

// New creates a tracker for fragmentCount fragments. If buf is non-nil it is
// used as backing storage and must be exactly core.BitmaskLength bytes long;
// it is cleared. A nil buf allocates.
func New(fragmentCount uint16, buf []byte) (*Bitmask, error) {
	size := core.BitmaskLength(fragmentCount)
	if buf == nil {
		buf = make([]byte, size)
	}
	if len(buf) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBufferSize, len(buf), size)
	}
	clear(buf)
	return &Bitmask{bits: buf, count: fragmentCount}, nil
}

// SegmentCount returns the number of 128-fragment segments covering
// fragmentCount fragments.
func SegmentCount(fragmentCount uint16) int {
	return int(core.SegmentCountFor(fragmentCount))
}

// FragmentCount returns the number of tracked fragments.
func (b *Bitmask) FragmentCount() uint16 {
	return b.count
}

// Mark records fragment i as received. Out-of-range indices are ignored.
// Returns true if the bit was newly set.
func (b *Bitmask) Mark(i uint16) bool {
	if i >= b.count {
		return false
	}
	mask := byte(1) << (i % 8)
	if b.bits[i/8]&mask != 0 {
		return false
	}
	b.bits[i/8] |= mask
	b.set++
	return true
}

// IsMarked returns true if fragment i has been received.
func (b *Bitmask) IsMarked(i uint16) bool {
	if i >= b.count {
		return false
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// Count returns the number of received fragments.
func (b *Bitmask) Count() int {
	return b.set
}

// IsComplete returns true once every fragment has been received.
func (b *Bitmask) IsComplete() bool {
	return b.set == int(b.count)
}

// FirstMissingSegment returns the lowest segment index that still contains
// an unreceived fragment. ok is false when the image is complete.
func (b *Bitmask) FirstMissingSegment() (segment int, ok bool) {
	if b.IsComplete() {
		return 0, false
	}
	for i := uint16(0); i < b.count; {
		// Skip whole received bytes.
		if i%8 == 0 && b.bits[i/8] == 0xFF {
			i += 8
			continue
		}
		if !b.IsMarked(i) {
			return int(i) / core.FragmentsPerSegment, true
		}
		i++
	}
	return 0, false
}

// SegmentComplete returns true if every fragment of the segment is received.
func (b *Bitmask) SegmentComplete(segment int) bool {
	first, last := b.segmentRange(segment)
	for i := first; i < last; i++ {
		if !b.IsMarked(uint16(i)) {
			return false
		}
	}
	return true
}

// SegmentBitmask returns the 16-byte wire bitmask for segment. Fragments past
// the end of the image are reported as received so they are never requested.
func (b *Bitmask) SegmentBitmask(segment int) [core.SegmentBitmaskSize]byte {
	var out [core.SegmentBitmaskSize]byte
	base := segment * core.FragmentsPerSegment
	for k := 0; k < core.FragmentsPerSegment; k++ {
		idx := base + k
		if idx >= int(b.count) || b.IsMarked(uint16(idx)) {
			setWireBit(&out, k)
		}
	}
	return out
}

// MissingInSegment decodes a wire bitmask for segment and returns the
// fragment indices it marks as missing. Indices beyond fragmentCount are
// never returned.
func MissingInSegment(fragmentCount uint16, segment int, wire [core.SegmentBitmaskSize]byte) []uint16 {
	var missing []uint16
	base := segment * core.FragmentsPerSegment
	for k := 0; k < core.FragmentsPerSegment; k++ {
		idx := base + k
		if idx >= int(fragmentCount) {
			break
		}
		if !wireBit(&wire, k) {
			missing = append(missing, uint16(idx))
		}
	}
	return missing
}

// Reset clears every bit.
func (b *Bitmask) Reset() {
	clear(b.bits)
	b.set = 0
}

// Bytes returns the backing buffer in persisted form. The slice aliases the
// tracker's storage.
func (b *Bitmask) Bytes() []byte {
	return b.bits
}

// Load replaces the tracker contents with a persisted bitmask. Bits beyond
// the fragment count are dropped.
func (b *Bitmask) Load(persisted []byte) error {
	if len(persisted) != len(b.bits) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBufferSize, len(persisted), len(b.bits))
	}
	copy(b.bits, persisted)
	if tail := b.count % 8; tail != 0 {
		b.bits[len(b.bits)-1] &= byte(1)<<tail - 1
	}
	b.set = 0
	for i := uint16(0); i < b.count; i++ {
		if b.IsMarked(i) {
			b.set++
		}
	}
	return nil
}

func (b *Bitmask) segmentRange(segment int) (first, last int) {
	first = segment * core.FragmentsPerSegment
	last = min(first+core.FragmentsPerSegment, int(b.count))
	if first > last {
		first = last
	}
	return first, last
}

// setWireBit sets bit k (0 = lowest fragment of the segment) of a wire
// bitmask. Bit 0 is the LSB of the last byte.
func setWireBit(w *[core.SegmentBitmaskSize]byte, k int) {
	w[core.SegmentBitmaskSize-1-k/8] |= 1 << (k % 8)
}

func wireBit(w *[core.SegmentBitmaskSize]byte, k int) bool {
	return w[core.SegmentBitmaskSize-1-k/8]&(1<<(k%8)) != 0
}
