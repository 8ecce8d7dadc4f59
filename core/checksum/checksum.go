// Package checksum verifies assembled firmware images against the 32-byte
// whole-image checksum carried in the OTA parameters.
//
// The image is read back from firmware storage in bounded chunks so that
// verification never needs the whole image in memory.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2s"

	"github.com/kabili207/meshcore-ota/core"
)

// Algorithm selects the whole-image digest.
type Algorithm uint8

const (
	// SHA256 is the default digest.
	SHA256 Algorithm = iota
	// BLAKE2s256 is an alternative 32-byte digest.
	BLAKE2s256
)

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case BLAKE2s256:
		return "blake2s-256"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses an algorithm name. The empty string selects SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "sha256":
		return SHA256, nil
	case "blake2s", "blake2s-256":
		return BLAKE2s256, nil
	default:
		return 0, fmt.Errorf("unknown checksum algorithm %q", name)
	}
}

// Result is the outcome of a verification.
type Result uint8

const (
	Mismatch Result = iota
	Match
)

func (r Result) String() string {
	if r == Match {
		return "match"
	}
	return "mismatch"
}

var (
	// ErrShortRead is returned when storage returns fewer bytes than the
	// image length.
	ErrShortRead = errors.New("short firmware read")

	// ErrNoBuffer is returned when Verify is given an empty chunk buffer.
	ErrNoBuffer = errors.New("empty chunk buffer")
)

// Reader reads stored firmware bytes. It is satisfied by the firmware
// storage collaborator.
type Reader interface {
	ReadFirmware(id core.ProcessID, offset uint32, buf []byte) (int, error)
}

// New returns a fresh hash for the algorithm.
func New(alg Algorithm) hash.Hash {
	if alg == BLAKE2s256 {
		// New256 only fails for keys longer than 32 bytes.
		h, _ := blake2s.New256(nil)
		return h
	}
	return sha256.New()
}

// Sum computes the whole-image digest of data.
func Sum(alg Algorithm, data []byte) core.Checksum {
	if alg == BLAKE2s256 {
		return blake2s.Sum256(data)
	}
	return sha256.Sum256(data)
}

// Verifier checks stored images against their expected checksum.
type Verifier struct {
	alg Algorithm
}

// NewVerifier creates a Verifier using alg.
func NewVerifier(alg Algorithm) *Verifier {
	return &Verifier{alg: alg}
}

// Algorithm returns the verifier's digest algorithm.
func (v *Verifier) Algorithm() Algorithm {
	return v.alg
}

// Verify reads totalBytes of process id's image through r, len(buf) bytes at
// a time, and compares the digest against want. Storage failures are
// returned as errors and never reported as a mismatch.
func (v *Verifier) Verify(r Reader, id core.ProcessID, totalBytes uint32, want core.Checksum, buf []byte) (Result, error) {
	if len(buf) == 0 {
		return Mismatch, ErrNoBuffer
	}
	h := New(v.alg)
	for off := uint32(0); off < totalBytes; {
		chunk := buf[:min(uint32(len(buf)), totalBytes-off)]
		n, err := r.ReadFirmware(id, off, chunk)
		if err != nil {
			return Mismatch, fmt.Errorf("reading firmware at offset %d: %w", off, err)
		}
		if n != len(chunk) {
			return Mismatch, fmt.Errorf("%w: offset %d got %d of %d bytes", ErrShortRead, off, n, len(chunk))
		}
		h.Write(chunk)
		off += uint32(n)
	}
	if subtle.ConstantTimeCompare(h.Sum(nil), want[:]) == 1 {
		return Match, nil
	}
	return Mismatch, nil
}
