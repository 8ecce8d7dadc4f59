// Package udp provides a UDP transport for OTA payloads with IPv6 and IPv4
// multicast group membership.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/transport"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultListen is the default listen address.
	DefaultListen = "[::]:5683"
	// DefaultMaxPayload is the IPv6 minimum MTU less IPv6 and UDP headers.
	DefaultMaxPayload = 1232
	// DefaultHopLimit is the multicast hop limit used for outgoing group
	// traffic.
	DefaultHopLimit = 8
)

// Config holds the configuration for a UDP transport.
type Config struct {
	// Listen is the local address to bind (default: "[::]:5683").
	Listen string
	// Interface names the network interface used for multicast. Empty
	// lets the system choose.
	Interface string
	// Groups are multicast endpoints to join, typically the link-local
	// and MPL groups of the OTA configuration.
	Groups []core.Endpoint
	// HopLimit is the multicast hop limit (default: 8).
	HopLimit int
	// MaxPayload is the largest payload Send accepts (default: 1232).
	MaxPayload int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a UDP socket.
type Transport struct {
	cfg            Config
	log            *slog.Logger
	mu             sync.RWMutex
	conn           *net.UDPConn
	p6             *ipv6.PacketConn
	p4             *ipv4.PacketConn
	connected      bool
	cancel         context.CancelFunc
	done           chan struct{}
	payloadHandler transport.PayloadHandler
	stateHandler   transport.StateHandler
}

// New creates a new UDP transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.HopLimit <= 0 {
		cfg.HopLimit = DefaultHopLimit
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("udp"),
	}
}

// Start binds the socket, joins the configured groups and begins reading.
func (t *Transport) Start(ctx context.Context) error {
	for _, g := range t.cfg.Groups {
		if !g.IsValid() || !g.IsMulticast() {
			return fmt.Errorf("%w: %v is not a multicast group", transport.ErrInvalidEndpoint, g)
		}
	}

	addr, err := net.ResolveUDPAddr("udp", t.cfg.Listen)
	if err != nil {
		return fmt.Errorf("resolving listen address: %w", err)
	}
	var ifi *net.Interface
	if t.cfg.Interface != "" {
		if ifi, err = net.InterfaceByName(t.cfg.Interface); err != nil {
			return fmt.Errorf("multicast interface: %w", err)
		}
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.cfg.Listen, err)
	}
	if err := t.setupMulticast(conn, ifi); err != nil {
		conn.Close()
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	// Unblock the read loop when ctx ends.
	context.AfterFunc(readCtx, func() { _ = conn.SetReadDeadline(time.Now()) })
	go t.readLoop(readCtx, conn)

	t.log.Info("listening", "addr", conn.LocalAddr(), "groups", len(t.cfg.Groups))

	if handler != nil {
		handler(t, transport.EventConnected)
	}
	return nil
}

// setupMulticast joins the configured groups on conn.
func (t *Transport) setupMulticast(conn *net.UDPConn, ifi *net.Interface) error {
	var has4, has6 bool
	for _, g := range t.cfg.Groups {
		if g.Kind == core.AddressIPv4 {
			has4 = true
		} else {
			has6 = true
		}
	}

	if has6 || ifi != nil {
		t.p6 = ipv6.NewPacketConn(conn)
		if ifi != nil {
			if err := t.p6.SetMulticastInterface(ifi); err != nil {
				t.log.Debug("setting IPv6 multicast interface failed", "error", err)
			}
		}
		if err := t.p6.SetMulticastHopLimit(t.cfg.HopLimit); err != nil {
			t.log.Debug("setting IPv6 hop limit failed", "error", err)
		}
		if err := t.p6.SetMulticastLoopback(false); err != nil {
			t.log.Debug("disabling IPv6 multicast loopback failed", "error", err)
		}
	}
	if has4 {
		t.p4 = ipv4.NewPacketConn(conn)
		if ifi != nil {
			if err := t.p4.SetMulticastInterface(ifi); err != nil {
				t.log.Debug("setting IPv4 multicast interface failed", "error", err)
			}
		}
		if err := t.p4.SetMulticastTTL(t.cfg.HopLimit); err != nil {
			t.log.Debug("setting IPv4 multicast TTL failed", "error", err)
		}
		if err := t.p4.SetMulticastLoopback(false); err != nil {
			t.log.Debug("disabling IPv4 multicast loopback failed", "error", err)
		}
	}

	for _, g := range t.cfg.Groups {
		group := &net.UDPAddr{IP: g.Addr().AsSlice()}
		var err error
		if g.Kind == core.AddressIPv4 {
			err = t.p4.JoinGroup(ifi, group)
		} else {
			err = t.p6.JoinGroup(ifi, group)
		}
		if err != nil {
			return fmt.Errorf("joining %v: %w", g, err)
		}
		t.log.Debug("joined multicast group", "group", g)
	}
	return nil
}

// Stop leaves the groups, closes the socket and stops the read loop.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connected = false
	done := t.done
	handler := t.stateHandler
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	for _, g := range t.cfg.Groups {
		group := &net.UDPAddr{IP: g.Addr().AsSlice()}
		if g.Kind == core.AddressIPv4 && t.p4 != nil {
			_ = t.p4.LeaveGroup(nil, group)
		} else if t.p6 != nil {
			_ = t.p6.LeaveGroup(nil, group)
		}
	}
	err := conn.Close()
	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
	return err
}

// IsConnected returns true while the socket is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// LocalEndpoint returns the bound address, or an unset endpoint before Start.
func (t *Transport) LocalEndpoint() core.Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return core.Endpoint{}
	}
	return core.EndpointFromUDPAddr(t.conn.LocalAddr().(*net.UDPAddr))
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

// Send writes payload to dst. Full socket buffers are reported as
// transport.ErrBusy.
func (t *Transport) Send(dst core.Endpoint, payload []byte) error {
	if !dst.IsValid() {
		return transport.ErrInvalidEndpoint
	}
	if len(payload) > t.cfg.MaxPayload {
		return fmt.Errorf("%w: %d bytes", transport.ErrPayloadTooLarge, len(payload))
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return transport.ErrNotConnected
	}

	_, err := conn.WriteToUDPAddrPort(payload, netip.AddrPortFrom(dst.Addr(), dst.Port))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.EAGAIN):
		return fmt.Errorf("%w: %w", transport.ErrBusy, err)
	case errors.Is(err, net.ErrClosed):
		return transport.ErrNotConnected
	default:
		return fmt.Errorf("sending to %v: %w", dst, err)
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer close(t.done)

	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Error("UDP read error", "error", err)
			t.handleError()
			continue
		}
		if n == 0 {
			continue
		}

		t.mu.RLock()
		handler := t.payloadHandler
		t.mu.RUnlock()
		if handler == nil {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(payload, core.EndpointFromAddrPort(src), transport.SourceUDP)
	}
}

func (t *Transport) handleError() {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(t, transport.EventError)
	}
}
