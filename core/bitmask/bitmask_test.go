package bitmask

import (
	"errors"
	"slices"
	"testing"

	"github.com/kabili207/meshcore-ota/core"
)

func mustNew(t *testing.T, count uint16) *Bitmask {
	t.Helper()
	b, err := New(count, nil)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", count, err)
	}
	return b
}

func TestNew_BufferSize(t *testing.T) {
	if _, err := New(20, make([]byte, 3)); err != nil {
		t.Fatalf("New with exact buffer failed: %v", err)
	}
	_, err := New(20, make([]byte, 2))
	if !errors.Is(err, ErrBufferSize) {
		t.Errorf("err = %v, want ErrBufferSize", err)
	}
}

func TestMark_Completeness(t *testing.T) {
	for _, count := range []uint16{1, 4, 7, 8, 9, 127, 128, 129, 300} {
		for missing := uint16(0); missing < count; missing++ {
			b := mustNew(t, count)
			for i := uint16(0); i < count; i++ {
				if i != missing {
					b.Mark(i)
				}
			}
			if b.IsComplete() {
				t.Fatalf("count=%d: complete with fragment %d missing", count, missing)
			}
			b.Mark(missing)
			if !b.IsComplete() {
				t.Fatalf("count=%d: not complete after marking %d", count, missing)
			}
		}
	}
}

func TestMark_Idempotent(t *testing.T) {
	b := mustNew(t, 10)
	if !b.Mark(3) {
		t.Error("first Mark(3) = false, want true")
	}
	before := slices.Clone(b.Bytes())
	if b.Mark(3) {
		t.Error("second Mark(3) = true, want false")
	}
	if !slices.Equal(before, b.Bytes()) {
		t.Errorf("bitmask changed on repeated mark: %x -> %x", before, b.Bytes())
	}
	if b.Count() != 1 {
		t.Errorf("Count() = %d, want 1", b.Count())
	}
}

func TestMark_OutOfRange(t *testing.T) {
	b := mustNew(t, 4)
	if b.Mark(4) || b.Mark(1000) {
		t.Error("Mark out of range returned true")
	}
	if b.Count() != 0 {
		t.Errorf("Count() = %d, want 0", b.Count())
	}
	if b.IsMarked(4) {
		t.Error("IsMarked(4) = true for 4 fragments")
	}
}

func TestScenario_FourFragments(t *testing.T) {
	b := mustNew(t, 4)
	for _, i := range []uint16{0, 1, 3} {
		b.Mark(i)
	}
	if got := b.Bytes()[0]; got != 0b1011 {
		t.Errorf("bitmask = %04b, want 1011", got)
	}
	if b.IsComplete() {
		t.Error("IsComplete() = true with fragment 2 missing")
	}
	b.Mark(2)
	if got := b.Bytes()[0]; got != 0b1111 {
		t.Errorf("bitmask = %04b, want 1111", got)
	}
	if !b.IsComplete() {
		t.Error("IsComplete() = false after all fragments")
	}
}

func TestFirstMissingSegment(t *testing.T) {
	b := mustNew(t, 300)
	seg, ok := b.FirstMissingSegment()
	if !ok || seg != 0 {
		t.Fatalf("FirstMissingSegment() = %d, %v, want 0, true", seg, ok)
	}

	for i := uint16(0); i < 128; i++ {
		b.Mark(i)
	}
	seg, ok = b.FirstMissingSegment()
	if !ok || seg != 1 {
		t.Fatalf("FirstMissingSegment() = %d, %v, want 1, true", seg, ok)
	}

	for i := uint16(128); i < 299; i++ {
		b.Mark(i)
	}
	seg, ok = b.FirstMissingSegment()
	if !ok || seg != 2 {
		t.Fatalf("FirstMissingSegment() = %d, %v, want 2, true", seg, ok)
	}

	b.Mark(299)
	if _, ok := b.FirstMissingSegment(); ok {
		t.Error("FirstMissingSegment() ok = true on complete image")
	}
}

func TestSegmentBitmask_BitOrder(t *testing.T) {
	b := mustNew(t, 256)
	b.Mark(128) // lowest fragment of segment 1 -> bit 0
	b.Mark(255) // highest fragment of segment 1 -> bit 127

	w := b.SegmentBitmask(1)
	if w[15] != 0x01 {
		t.Errorf("byte 15 = %02x, want 01", w[15])
	}
	if w[0] != 0x80 {
		t.Errorf("byte 0 = %02x, want 80", w[0])
	}
	for i := 1; i < 15; i++ {
		if w[i] != 0 {
			t.Errorf("byte %d = %02x, want 00", i, w[i])
		}
	}
}

func TestSegmentBitmask_PastEndReportedReceived(t *testing.T) {
	b := mustNew(t, 4)
	w := b.SegmentBitmask(0)
	// Fragments 0..3 missing (bits 0..3 clear), everything above set.
	if w[15] != 0xF0 {
		t.Errorf("byte 15 = %02x, want f0", w[15])
	}
	for i := 0; i < 15; i++ {
		if w[i] != 0xFF {
			t.Errorf("byte %d = %02x, want ff", i, w[i])
		}
	}
	missing := MissingInSegment(4, 0, w)
	if !slices.Equal(missing, []uint16{0, 1, 2, 3}) {
		t.Errorf("MissingInSegment = %v, want [0 1 2 3]", missing)
	}
}

func TestSegmentBitmask_RoundTrip(t *testing.T) {
	const count = 400
	marked := []uint16{0, 5, 127, 128, 129, 200, 255, 256, 300, 399}
	b := mustNew(t, count)
	for _, i := range marked {
		b.Mark(i)
	}

	for seg := 0; seg < SegmentCount(count); seg++ {
		w := b.SegmentBitmask(seg)
		missing := MissingInSegment(count, seg, w)

		first := seg * core.FragmentsPerSegment
		last := min(first+core.FragmentsPerSegment, count)
		for i := first; i < last; i++ {
			wantMissing := !slices.Contains(marked, uint16(i))
			gotMissing := slices.Contains(missing, uint16(i))
			if wantMissing != gotMissing {
				t.Errorf("segment %d fragment %d: missing = %v, want %v", seg, i, gotMissing, wantMissing)
			}
		}
	}
}

func TestSegmentComplete(t *testing.T) {
	b := mustNew(t, 130)
	for i := uint16(0); i < 128; i++ {
		b.Mark(i)
	}
	if !b.SegmentComplete(0) {
		t.Error("SegmentComplete(0) = false")
	}
	if b.SegmentComplete(1) {
		t.Error("SegmentComplete(1) = true")
	}
}

func TestReset(t *testing.T) {
	b := mustNew(t, 9)
	for i := uint16(0); i < 9; i++ {
		b.Mark(i)
	}
	b.Reset()
	if b.Count() != 0 || b.IsComplete() {
		t.Errorf("after Reset: Count=%d complete=%v", b.Count(), b.IsComplete())
	}
	for _, v := range b.Bytes() {
		if v != 0 {
			t.Fatalf("bitmask not cleared: %x", b.Bytes())
		}
	}
}

func TestLoad(t *testing.T) {
	b := mustNew(t, 10)
	if err := b.Load([]byte{0xFF, 0xFF}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Bits past fragment 9 are dropped.
	if b.Count() != 10 {
		t.Errorf("Count() = %d, want 10", b.Count())
	}
	if b.Bytes()[1] != 0x03 {
		t.Errorf("tail byte = %02x, want 03", b.Bytes()[1])
	}
	if err := b.Load([]byte{0xFF}); !errors.Is(err, ErrBufferSize) {
		t.Errorf("Load short: err = %v, want ErrBufferSize", err)
	}
}
