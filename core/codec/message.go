// Package codec encodes and decodes the OTA payloads owned by the engine and
// the framing used to carry them over a serial radio bridge.
//
// Message layout (all integers big endian):
//
//	Fragment          0x02 | process u32 | index u16 | data | crc32a u32
//	EndFragments      0x04 | process u32
//	UpdateFirmware    0x05 | process u32 | delay u16
//	FragmentsRequest  0x06 | process u32 | segment u16 | bitmask [16]
//	Status            0x07 | process u32 | state u8 | received u16 | total u16
//
// The fragment CRC covers every preceding byte of the message and uses the
// ITU I.363.5 CRC-32 (crc32a).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/boguslaw-wojcik/crc32a"

	"github.com/kabili207/meshcore-ota/core"
)

// Command is the first byte of every OTA payload.
type Command uint8

const (
	CmdFragment         Command = 0x02
	CmdEndFragments     Command = 0x04
	CmdUpdateFirmware   Command = 0x05
	CmdFragmentsRequest Command = 0x06
	CmdStatus           Command = 0x07
)

func (c Command) String() string {
	switch c {
	case CmdFragment:
		return "fragment"
	case CmdEndFragments:
		return "end-fragments"
	case CmdUpdateFirmware:
		return "update-firmware"
	case CmdFragmentsRequest:
		return "fragments-request"
	case CmdStatus:
		return "status"
	default:
		return fmt.Sprintf("command(0x%02x)", uint8(c))
	}
}

const (
	// HeaderSize is command(1) + process id(4).
	HeaderSize = 5
	// FragmentOverhead is header + index(2) + crc(4).
	FragmentOverhead = HeaderSize + 2 + 4
	// EndFragmentsSize is the size of an END_FRAGMENTS message.
	EndFragmentsSize = HeaderSize
	// UpdateFirmwareSize is header + delay(2).
	UpdateFirmwareSize = HeaderSize + 2
	// FragmentsRequestSize is header + segment(2) + bitmask(16).
	FragmentsRequestSize = HeaderSize + 2 + core.SegmentBitmaskSize
	// StatusSize is header + state(1) + received(2) + total(2).
	StatusSize = HeaderSize + 1 + 2 + 2
)

var (
	ErrMessageTooShort = errors.New("message too short")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrFragmentCRC     = errors.New("fragment crc mismatch")
	ErrTrailingData    = errors.New("unexpected trailing data")
)

// Message is a decoded OTA payload.
type Message interface {
	Command() Command
	Process() core.ProcessID
	Encode() []byte
}

// Fragment carries one slice of the firmware image.
type Fragment struct {
	ProcessID core.ProcessID
	Index     uint16
	Data      []byte
}

func (f *Fragment) Command() Command        { return CmdFragment }
func (f *Fragment) Process() core.ProcessID { return f.ProcessID }

// Encode serializes the fragment including its CRC trailer.
func (f *Fragment) Encode() []byte {
	buf := make([]byte, FragmentOverhead+len(f.Data))
	putHeader(buf, CmdFragment, f.ProcessID)
	binary.BigEndian.PutUint16(buf[5:7], f.Index)
	copy(buf[7:], f.Data)
	crcOff := len(buf) - 4
	binary.BigEndian.PutUint32(buf[crcOff:], crc32a.Checksum(buf[:crcOff]))
	return buf
}

// EndFragments tells receivers that the sender finished sending fragments;
// receivers then request what they are missing.
type EndFragments struct {
	ProcessID core.ProcessID
}

func (m *EndFragments) Command() Command        { return CmdEndFragments }
func (m *EndFragments) Process() core.ProcessID { return m.ProcessID }

func (m *EndFragments) Encode() []byte {
	buf := make([]byte, EndFragmentsSize)
	putHeader(buf, CmdEndFragments, m.ProcessID)
	return buf
}

// UpdateFirmware tells a device to take a completed image in use after
// Delay seconds.
type UpdateFirmware struct {
	ProcessID core.ProcessID
	Delay     uint16
}

func (m *UpdateFirmware) Command() Command        { return CmdUpdateFirmware }
func (m *UpdateFirmware) Process() core.ProcessID { return m.ProcessID }

func (m *UpdateFirmware) Encode() []byte {
	buf := make([]byte, UpdateFirmwareSize)
	putHeader(buf, CmdUpdateFirmware, m.ProcessID)
	binary.BigEndian.PutUint16(buf[5:7], m.Delay)
	return buf
}

// FragmentsRequest asks for the fragments whose bits are clear in Bitmask.
type FragmentsRequest struct {
	ProcessID core.ProcessID
	Segment   uint16
	Bitmask   [core.SegmentBitmaskSize]byte
}

func (m *FragmentsRequest) Command() Command        { return CmdFragmentsRequest }
func (m *FragmentsRequest) Process() core.ProcessID { return m.ProcessID }

func (m *FragmentsRequest) Encode() []byte {
	buf := make([]byte, FragmentsRequestSize)
	putHeader(buf, CmdFragmentsRequest, m.ProcessID)
	binary.BigEndian.PutUint16(buf[5:7], m.Segment)
	copy(buf[7:], m.Bitmask[:])
	return buf
}

// Status reports the download state of a process.
type Status struct {
	ProcessID core.ProcessID
	State     core.State
	Received  uint16
	Total     uint16
}

func (m *Status) Command() Command        { return CmdStatus }
func (m *Status) Process() core.ProcessID { return m.ProcessID }

func (m *Status) Encode() []byte {
	buf := make([]byte, StatusSize)
	putHeader(buf, CmdStatus, m.ProcessID)
	buf[5] = byte(m.State)
	binary.BigEndian.PutUint16(buf[6:8], m.Received)
	binary.BigEndian.PutUint16(buf[8:10], m.Total)
	return buf
}

// Decode parses an OTA payload. Fragments with a bad CRC and messages with
// the wrong length are rejected.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return nil, ErrMessageTooShort
	}
	cmd := Command(data[0])
	id := core.ProcessID(binary.BigEndian.Uint32(data[1:5]))

	switch cmd {
	case CmdFragment:
		if len(data) < FragmentOverhead {
			return nil, fmt.Errorf("%w: fragment %d bytes", ErrMessageTooShort, len(data))
		}
		crcOff := len(data) - 4
		want := binary.BigEndian.Uint32(data[crcOff:])
		if got := crc32a.Checksum(data[:crcOff]); got != want {
			return nil, fmt.Errorf("%w: got %08x, want %08x", ErrFragmentCRC, got, want)
		}
		frag := &Fragment{
			ProcessID: id,
			Index:     binary.BigEndian.Uint16(data[5:7]),
			Data:      make([]byte, crcOff-7),
		}
		copy(frag.Data, data[7:crcOff])
		return frag, nil

	case CmdEndFragments:
		if err := checkSize(data, EndFragmentsSize); err != nil {
			return nil, err
		}
		return &EndFragments{ProcessID: id}, nil

	case CmdUpdateFirmware:
		if err := checkSize(data, UpdateFirmwareSize); err != nil {
			return nil, err
		}
		return &UpdateFirmware{ProcessID: id, Delay: binary.BigEndian.Uint16(data[5:7])}, nil

	case CmdFragmentsRequest:
		if err := checkSize(data, FragmentsRequestSize); err != nil {
			return nil, err
		}
		req := &FragmentsRequest{ProcessID: id, Segment: binary.BigEndian.Uint16(data[5:7])}
		copy(req.Bitmask[:], data[7:])
		return req, nil

	case CmdStatus:
		if err := checkSize(data, StatusSize); err != nil {
			return nil, err
		}
		return &Status{
			ProcessID: id,
			State:     core.State(data[5]),
			Received:  binary.BigEndian.Uint16(data[6:8]),
			Total:     binary.BigEndian.Uint16(data[8:10]),
		}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, data[0])
	}
}

func putHeader(buf []byte, cmd Command, id core.ProcessID) {
	buf[0] = byte(cmd)
	binary.BigEndian.PutUint32(buf[1:5], uint32(id))
}

func checkSize(data []byte, size int) error {
	if len(data) < size {
		return fmt.Errorf("%w: %s %d bytes, want %d", ErrMessageTooShort, Command(data[0]), len(data), size)
	}
	if len(data) > size {
		return fmt.Errorf("%w: %s %d bytes, want %d", ErrTrailingData, Command(data[0]), len(data), size)
	}
	return nil
}
