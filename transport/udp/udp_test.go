package udp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/transport"
)

func newLoopback(t *testing.T) *Transport {
	t.Helper()
	tr := New(Config{Listen: "127.0.0.1:0", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{})
	if tr.cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q, want %q", tr.cfg.Listen, DefaultListen)
	}
	if tr.cfg.HopLimit != DefaultHopLimit {
		t.Errorf("HopLimit = %d, want %d", tr.cfg.HopLimit, DefaultHopLimit)
	}
	if tr.cfg.MaxPayload != DefaultMaxPayload {
		t.Errorf("MaxPayload = %d, want %d", tr.cfg.MaxPayload, DefaultMaxPayload)
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
}

func TestStart_RejectsUnicastGroup(t *testing.T) {
	unicast := core.Endpoint{Kind: core.AddressIPv6, Address: [16]byte{0xfd, 15: 1}, Port: 5683}
	tr := New(Config{Listen: "127.0.0.1:0", Groups: []core.Endpoint{unicast}})
	if err := tr.Start(context.Background()); !errors.Is(err, transport.ErrInvalidEndpoint) {
		t.Fatalf("Start() error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestSend_Errors(t *testing.T) {
	tr := New(Config{})
	dst := core.Endpoint{Kind: core.AddressIPv4, Address: [16]byte{127, 0, 0, 1}, Port: 5683}

	if err := tr.Send(core.Endpoint{}, []byte{1}); !errors.Is(err, transport.ErrInvalidEndpoint) {
		t.Errorf("Send(unset) error = %v, want ErrInvalidEndpoint", err)
	}
	if err := tr.Send(dst, make([]byte, DefaultMaxPayload+1)); !errors.Is(err, transport.ErrPayloadTooLarge) {
		t.Errorf("Send(oversized) error = %v, want ErrPayloadTooLarge", err)
	}
	if err := tr.Send(dst, []byte{1}); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestLoopbackExchange(t *testing.T) {
	a := newLoopback(t)
	b := newLoopback(t)

	type delivery struct {
		payload []byte
		src     core.Endpoint
		source  transport.Source
	}
	got := make(chan delivery, 1)
	b.SetPayloadHandler(func(p []byte, src core.Endpoint, source transport.Source) {
		got <- delivery{p, src, source}
	})

	payload := []byte{0x04, 0, 0, 0, 1}
	if err := a.Send(b.LocalEndpoint(), payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case d := <-got:
		if !bytes.Equal(d.payload, payload) {
			t.Errorf("payload = %x, want %x", d.payload, payload)
		}
		if d.src != a.LocalEndpoint() {
			t.Errorf("src = %v, want %v", d.src, a.LocalEndpoint())
		}
		if d.source != transport.SourceUDP {
			t.Errorf("source = %v, want %v", d.source, transport.SourceUDP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload not received")
	}
}

func TestStop(t *testing.T) {
	tr := New(Config{Listen: "127.0.0.1:0", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	var events []transport.Event
	tr.SetStateHandler(func(_ transport.Transport, ev transport.Event) { events = append(events, ev) })

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !tr.IsConnected() || !tr.LocalEndpoint().IsValid() {
		t.Fatal("expected bound transport after Start")
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if tr.IsConnected() {
		t.Error("expected disconnected after Stop")
	}
	if len(events) != 2 || events[0] != transport.EventConnected || events[1] != transport.EventDisconnected {
		t.Errorf("events = %v, want [connected disconnected]", events)
	}
}
