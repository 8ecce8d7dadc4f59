package mem

import (
	"errors"
	"io"
	"testing"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcesses(t *testing.T) {
	s := New(0)
	require.NoError(t, s.StoreNewProcess(3))
	require.NoError(t, s.StoreNewProcess(1))
	require.NoError(t, s.StoreParameters(&core.Parameters{ProcessID: 1, FwName: "fw"}))
	require.NoError(t, s.StoreState(&core.DownloadState{ProcessID: 1, State: core.StateStarted, Bitmask: []byte{1}}))

	ids, err := s.ListStoredProcesses()
	require.NoError(t, err)
	assert.Equal(t, []core.ProcessID{1, 3}, ids)

	require.NoError(t, s.RemoveStoredProcess(1))
	ids, err = s.ListStoredProcesses()
	require.NoError(t, err)
	assert.Equal(t, []core.ProcessID{3}, ids)

	_, err = s.ReadParameters(1)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	_, err = s.ReadState(1)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestStateIsCopied(t *testing.T) {
	s := New(0)
	st := &core.DownloadState{ProcessID: 7, State: core.StateStarted, Bitmask: []byte{0x01}}
	require.NoError(t, s.StoreState(st))
	st.Bitmask[0] = 0xFF

	got, err := s.ReadState(7)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, got.Bitmask)

	got.Bitmask[0] = 0xAA
	again, err := s.ReadState(7)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, again.Bitmask)
}

func TestFirmware(t *testing.T) {
	s := New(16)
	assert.Equal(t, uint32(16), s.Capacity())

	n, err := s.WriteFirmware(1, 4, []byte{4, 5, 6, 7})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = s.WriteFirmware(1, 0, []byte{0, 1, 2, 3})
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err = s.ReadFirmware(1, 2, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4, 5, 6, 7}, buf[:n])

	_, err = s.ReadFirmware(1, 8, buf)
	assert.ErrorIs(t, err, io.EOF)

	_, err = s.WriteFirmware(1, 14, []byte{1, 2, 3})
	assert.Error(t, err)

	require.NoError(t, s.EraseFirmware(1))
	_, err = s.ReadFirmware(1, 0, buf)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
