package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kabili207/meshcore-ota/core"
)

const (
	// FrameMagic starts every serial bridge frame.
	FrameMagic uint16 = 0xC03E
	// MaxFramePayload is the largest datagram a frame can carry, endpoint
	// header included. It matches the IPv6 minimum link MTU.
	MaxFramePayload = 1280
	// FrameHeaderSize is magic(2) + length(2).
	FrameHeaderSize = 4
	// FrameChecksumSize is the trailing Fletcher-16.
	FrameChecksumSize = 2
	// MinFrameSize is the size of a frame with an empty body.
	MinFrameSize = FrameHeaderSize + FrameChecksumSize
	// EndpointHeaderSize is kind(1) + address(16) + port(2).
	EndpointHeaderSize = 1 + 16 + 2
)

var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrInvalidMagic    = errors.New("invalid frame magic")
	ErrFrameTooLarge   = errors.New("frame payload exceeds maximum size")
	ErrFrameChecksum   = errors.New("frame checksum mismatch")
	ErrIncompleteFrame = errors.New("incomplete frame")
	ErrMissingEndpoint = errors.New("frame body shorter than endpoint header")
	ErrInvalidAddrKind = errors.New("invalid endpoint address kind")
)

// Datagram is an OTA payload together with the remote endpoint it was
// received from or is addressed to. Serial bridges carry one datagram per
// frame.
type Datagram struct {
	Endpoint core.Endpoint
	Payload  []byte
}

// DecodeFrame decodes one frame from data and returns the datagram and the
// bytes following the frame. On error data is returned unchanged so the
// caller can resynchronize.
//
// Frame format: [0xC03E][length u16][kind u8][addr 16][port u16][payload][fletcher16 u16]
func DecodeFrame(data []byte) (*Datagram, []byte, error) {
	if len(data) < MinFrameSize {
		return nil, data, ErrFrameTooShort
	}
	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic {
		return nil, data, ErrInvalidMagic
	}

	bodyLen := int(binary.BigEndian.Uint16(data[2:4]))
	if bodyLen > MaxFramePayload {
		return nil, data, ErrFrameTooLarge
	}
	total := FrameHeaderSize + bodyLen + FrameChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	body := data[FrameHeaderSize : FrameHeaderSize+bodyLen]
	received := binary.BigEndian.Uint16(data[FrameHeaderSize+bodyLen : total])
	if !ValidateFletcher16(body, received) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x", ErrFrameChecksum, Fletcher16(body), received)
	}
	if bodyLen < EndpointHeaderSize {
		return nil, data[total:], ErrMissingEndpoint
	}

	ep, err := decodeEndpoint(body[:EndpointHeaderSize])
	if err != nil {
		return nil, data[total:], err
	}
	dg := &Datagram{
		Endpoint: ep,
		Payload:  make([]byte, bodyLen-EndpointHeaderSize),
	}
	copy(dg.Payload, body[EndpointHeaderSize:])
	return dg, data[total:], nil
}

// EncodeFrame wraps a datagram into a serial bridge frame.
func EncodeFrame(dg *Datagram) ([]byte, error) {
	bodyLen := EndpointHeaderSize + len(dg.Payload)
	if bodyLen > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, FrameHeaderSize+bodyLen+FrameChecksumSize)
	binary.BigEndian.PutUint16(frame[0:2], FrameMagic)
	binary.BigEndian.PutUint16(frame[2:4], uint16(bodyLen))

	body := frame[FrameHeaderSize : FrameHeaderSize+bodyLen]
	encodeEndpoint(body[:EndpointHeaderSize], dg.Endpoint)
	copy(body[EndpointHeaderSize:], dg.Payload)

	binary.BigEndian.PutUint16(frame[FrameHeaderSize+bodyLen:], Fletcher16(body))
	return frame, nil
}

func encodeEndpoint(b []byte, ep core.Endpoint) {
	b[0] = byte(ep.Kind)
	copy(b[1:17], ep.Address[:])
	binary.BigEndian.PutUint16(b[17:19], ep.Port)
}

func decodeEndpoint(b []byte) (core.Endpoint, error) {
	var ep core.Endpoint
	ep.Kind = core.AddressKind(b[0])
	switch ep.Kind {
	case core.AddressUnset, core.AddressIPv4, core.AddressIPv6:
	default:
		return ep, fmt.Errorf("%w: %d", ErrInvalidAddrKind, b[0])
	}
	copy(ep.Address[:], b[1:17])
	ep.Port = binary.BigEndian.Uint16(b[17:19])
	return ep, nil
}
