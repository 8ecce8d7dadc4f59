package dedupe

import (
	"testing"
	"time"

	"github.com/kabili207/meshcore-ota/core"
)

var (
	srcA = core.Endpoint{Kind: core.AddressIPv6, Address: [16]byte{0xfd, 15: 1}, Port: 5683}
	srcB = core.Endpoint{Kind: core.AddressIPv6, Address: [16]byte{0xfd, 15: 2}, Port: 5683}
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestDeduplicator(maxHashes int, window time.Duration) (*Deduplicator, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	d := NewWithCapacity(maxHashes, window)
	d.now = clk.now
	return d, clk
}

func TestHasSeen_NewDatagram(t *testing.T) {
	d := New()
	if d.HasSeen(srcA, []byte{0x01, 0x02}) {
		t.Error("new datagram should not be marked as seen")
	}
}

func TestHasSeen_Duplicate(t *testing.T) {
	d, _ := newTestDeduplicator(8, time.Second)
	d.HasSeen(srcA, []byte{0x01, 0x02})
	if !d.HasSeen(srcA, []byte{0x01, 0x02}) {
		t.Error("duplicate datagram should be marked as seen")
	}
}

func TestHasSeen_DifferentSource(t *testing.T) {
	d, _ := newTestDeduplicator(8, time.Second)
	d.HasSeen(srcA, []byte{0x01, 0x02})
	if d.HasSeen(srcB, []byte{0x01, 0x02}) {
		t.Error("same payload from another source should not be marked as seen")
	}
}

func TestHasSeen_DifferentPayload(t *testing.T) {
	d, _ := newTestDeduplicator(8, time.Second)
	d.HasSeen(srcA, []byte{0x01, 0x02})
	if d.HasSeen(srcA, []byte{0x01, 0x03}) {
		t.Error("different payload should not be marked as seen")
	}
}

func TestHasSeen_WindowExpires(t *testing.T) {
	d, clk := newTestDeduplicator(8, time.Second)
	d.HasSeen(srcA, []byte{0x07})

	clk.t = clk.t.Add(999 * time.Millisecond)
	if !d.HasSeen(srcA, []byte{0x07}) {
		t.Error("repeat inside the window should be a duplicate")
	}
	clk.t = clk.t.Add(2 * time.Second)
	if d.HasSeen(srcA, []byte{0x07}) {
		t.Error("repeat after the window should not be a duplicate")
	}
}

func TestHasSeen_CircularEviction(t *testing.T) {
	d, _ := newTestDeduplicator(2, time.Minute)
	d.HasSeen(srcA, []byte{1})
	d.HasSeen(srcA, []byte{2})
	d.HasSeen(srcA, []byte{3}) // evicts {1}

	if d.HasSeen(srcA, []byte{1}) {
		t.Error("evicted datagram should not be marked as seen")
	}
}

func TestClear(t *testing.T) {
	d, _ := newTestDeduplicator(8, time.Minute)
	d.HasSeen(srcA, []byte{1})
	d.Clear()
	if d.HasSeen(srcA, []byte{1}) {
		t.Error("cleared datagram should not be marked as seen")
	}
}

func TestHash_Deterministic(t *testing.T) {
	if Hash(srcA, []byte{1, 2}) != Hash(srcA, []byte{1, 2}) {
		t.Error("hash should be deterministic")
	}
	if Hash(srcA, []byte{1, 2}) == Hash(srcB, []byte{1, 2}) {
		t.Error("hash should depend on the source")
	}
}
