// Package serial provides a serial transport for radio bridges that carry
// OTA datagrams.
//
// Each datagram travels in one frame with a Fletcher-16 checksum and an
// endpoint header naming the remote peer. This transport handles the frame
// assembly from raw serial data and exposes the same Transport interface as
// the UDP and MQTT transports.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/codec"
	"github.com/kabili207/meshcore-ota/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for radio bridge connections.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg            Config
	port           io.ReadWriteCloser
	log            *slog.Logger
	mu             sync.RWMutex
	writeMu        sync.Mutex
	connected      bool
	cancel         context.CancelFunc
	done           chan struct{}
	payloadHandler transport.PayloadHandler
	stateHandler   transport.StateHandler
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// Start opens the serial port and begins reading frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}
	t.attach(ctx, port)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)
	return nil
}

// attach starts the read loop on an open port.
func (t *Transport) attach(ctx context.Context, port io.ReadWriteCloser) {
	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx, port)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	handler := t.stateHandler
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	// Wait for read loop to finish
	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetPayloadHandler sets the callback for incoming OTA payloads.
func (t *Transport) SetPayloadHandler(fn transport.PayloadHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.payloadHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// Send wraps payload and dst in a frame and writes it to the serial port.
func (t *Transport) Send(dst core.Endpoint, payload []byte) error {
	if !dst.IsValid() {
		return transport.ErrInvalidEndpoint
	}

	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return transport.ErrNotConnected
	}

	frame, err := codec.EncodeFrame(&codec.Datagram{Endpoint: dst, Payload: payload})
	if err != nil {
		if errors.Is(err, codec.ErrFrameTooLarge) {
			return fmt.Errorf("%w: %d bytes", transport.ErrPayloadTooLarge, len(payload))
		}
		return fmt.Errorf("encoding frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}

	return nil
}

// readLoop continuously reads from the serial port and assembles frames.
func (t *Transport) readLoop(ctx context.Context, port io.Reader) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Error("serial read error", "error", err)
			}
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete frames from the buffer and dispatches
// their payloads. Returns any remaining bytes that don't form a complete
// frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinFrameSize {
		dg, remaining, err := codec.DecodeFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data // wait for more data
			}
			if len(remaining) < len(data) {
				// Intact frame with an unusable body.
				t.log.Debug("dropping frame", "error", err)
				data = remaining
				continue
			}
			// Bad frame, try to find the next magic bytes
			if idx := findMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			// Keep a trailing first magic byte, it may be completed by the next read.
			if data[len(data)-1] == byte(codec.FrameMagic>>8) {
				return data[len(data)-1:]
			}
			return nil
		}

		data = remaining

		if !dg.Endpoint.IsValid() || len(dg.Payload) == 0 {
			t.log.Debug("dropping frame without source", "src", dg.Endpoint, "len", len(dg.Payload))
			continue
		}

		t.mu.RLock()
		handler := t.payloadHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(dg.Payload, dg.Endpoint, transport.SourceSerial)
		}
	}

	return data
}

// findMagic searches for the frame magic bytes in data.
// Returns the index of the first byte of the magic, or -1 if not found.
func findMagic(data []byte) int {
	magic := [2]byte{byte(codec.FrameMagic >> 8), byte(codec.FrameMagic & 0xFF)}
	for i := 0; i+1 < len(data); i++ {
		if data[i] == magic[0] && data[i+1] == magic[1] {
			return i
		}
	}
	return -1
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
