// Package mem provides an in-memory implementation of every OTA storage
// collaborator. It is intended for tests, simulations and devices without
// persistent storage.
package mem

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/device/ota"
)

// DefaultCapacity is the default firmware storage capacity in bytes.
const DefaultCapacity = 1 << 20

// Compile-time assertions that Store implements the storage collaborators.
var (
	_ ota.ProcessStore    = (*Store)(nil)
	_ ota.StateStore      = (*Store)(nil)
	_ ota.ParameterStore  = (*Store)(nil)
	_ ota.FirmwareStorage = (*Store)(nil)
	_ ota.FirmwareEraser  = (*Store)(nil)
)

// Store keeps processes, parameters, download states and firmware images in
// memory.
type Store struct {
	mu       sync.RWMutex
	capacity uint32
	ids      map[core.ProcessID]struct{}
	params   map[core.ProcessID]core.Parameters
	states   map[core.ProcessID]core.DownloadState
	images   map[core.ProcessID][]byte
}

// New creates an empty store with the given firmware capacity in bytes.
// If capacity is 0, DefaultCapacity is used.
func New(capacity uint32) *Store {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		ids:      make(map[core.ProcessID]struct{}),
		params:   make(map[core.ProcessID]core.Parameters),
		states:   make(map[core.ProcessID]core.DownloadState),
		images:   make(map[core.ProcessID][]byte),
	}
}

// StoreNewProcess records id as a stored process.
func (s *Store) StoreNewProcess(id core.ProcessID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
	return nil
}

// ListStoredProcesses returns the stored process ids in ascending order.
func (s *Store) ListStoredProcesses() ([]core.ProcessID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Collect(maps.Keys(s.ids))
	slices.Sort(ids)
	return ids, nil
}

// RemoveStoredProcess forgets id with its parameters and state. The image
// is kept until EraseFirmware.
func (s *Store) RemoveStoredProcess(id core.ProcessID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
	delete(s.params, id)
	delete(s.states, id)
	return nil
}

// StoreState saves a copy of st.
func (s *Store) StoreState(st *core.DownloadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	cp.Bitmask = slices.Clone(st.Bitmask)
	s.states[st.ProcessID] = cp
	return nil
}

// ReadState returns a copy of the state of id, or core.ErrNotFound.
func (s *Store) ReadState(id core.ProcessID) (*core.DownloadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, fmt.Errorf("state of %v: %w", id, core.ErrNotFound)
	}
	st.Bitmask = slices.Clone(st.Bitmask)
	return &st, nil
}

// StoreParameters saves a copy of p.
func (s *Store) StoreParameters(p *core.Parameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[p.ProcessID] = *p
	return nil
}

// ReadParameters returns a copy of the parameters of id, or core.ErrNotFound.
func (s *Store) ReadParameters(id core.ProcessID) (*core.Parameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[id]
	if !ok {
		return nil, fmt.Errorf("parameters of %v: %w", id, core.ErrNotFound)
	}
	return &p, nil
}

// Capacity returns the firmware capacity in bytes.
func (s *Store) Capacity() uint32 {
	return s.capacity
}

// WriteFirmware writes data at offset of the image of id.
func (s *Store) WriteFirmware(id core.ProcessID, offset uint32, data []byte) (int, error) {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(s.capacity) {
		return 0, fmt.Errorf("write of %d bytes at %d exceeds capacity %d", len(data), offset, s.capacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.images[id]
	if int(end) > len(img) {
		img = append(img, make([]byte, int(end)-len(img))...)
	}
	copy(img[offset:], data)
	s.images[id] = img
	return len(data), nil
}

// ReadFirmware reads the image of id at offset into buf. It returns io.EOF
// at or past the end of the written image.
func (s *Store) ReadFirmware(id core.ProcessID, offset uint32, buf []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return 0, fmt.Errorf("image of %v: %w", id, core.ErrNotFound)
	}
	if int(offset) >= len(img) {
		return 0, io.EOF
	}
	return copy(buf, img[offset:]), nil
}

// EraseFirmware deletes the image of id.
func (s *Store) EraseFirmware(id core.ProcessID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, id)
	return nil
}

// Image returns a copy of the written image of id.
func (s *Store) Image(id core.ProcessID) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.images[id])
}
