// Package dedupe drops datagrams that arrive more than once within a short
// window, as happens when a gateway mirrors multicast traffic over several
// transports.
//
// Recently seen datagrams are tracked in a circular buffer of truncated
// SHA256 hashes over source endpoint and payload.
package dedupe

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/kabili207/meshcore-ota/core"
)

const (
	// DefaultMaxHashes is the default capacity of the hash table.
	DefaultMaxHashes = 128
	// DefaultWindow is how long a datagram counts as a duplicate.
	DefaultWindow = 500 * time.Millisecond
	// HashSize is the truncated SHA256 hash size.
	HashSize = 8
)

type entry struct {
	hash [HashSize]byte
	seen time.Time
}

// Deduplicator tracks recently seen datagrams. It is safe for concurrent
// use.
type Deduplicator struct {
	mu      sync.Mutex
	entries []entry
	next    int
	window  time.Duration
	now     func() time.Time
}

// New creates a Deduplicator with the default capacity and window.
func New() *Deduplicator {
	return NewWithCapacity(DefaultMaxHashes, DefaultWindow)
}

// NewWithCapacity creates a Deduplicator holding maxHashes entries that
// treats repeats within window as duplicates.
func NewWithCapacity(maxHashes int, window time.Duration) *Deduplicator {
	if maxHashes <= 0 {
		maxHashes = DefaultMaxHashes
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{
		entries: make([]entry, maxHashes),
		window:  window,
		now:     time.Now,
	}
}

// HasSeen reports whether payload from src was seen within the window. If
// not, it records the datagram and returns false.
func (d *Deduplicator) HasSeen(src core.Endpoint, payload []byte) bool {
	hash := Hash(src, payload)
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for i := range d.entries {
		e := &d.entries[i]
		if e.hash == hash && !e.seen.IsZero() && now.Sub(e.seen) < d.window {
			return true
		}
	}

	d.entries[d.next] = entry{hash: hash, seen: now}
	d.next = (d.next + 1) % len(d.entries)
	return false
}

// Clear forgets every datagram seen so far.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.entries)
	d.next = 0
}

// Hash computes the deduplication hash of payload from src.
func Hash(src core.Endpoint, payload []byte) [HashSize]byte {
	h := sha256.New()
	h.Write([]byte{byte(src.Kind)})
	h.Write(src.Address[:])
	h.Write([]byte{byte(src.Port >> 8), byte(src.Port)})
	h.Write(payload)
	var result [HashSize]byte
	copy(result[:], h.Sum(nil))
	return result
}
