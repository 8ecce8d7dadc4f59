package core

import (
	"fmt"
	"net"
	"net/netip"
)

// AddressKind identifies the IP family of an Endpoint.
type AddressKind uint8

const (
	// AddressUnset marks an endpoint that has not been configured.
	AddressUnset AddressKind = iota
	// AddressIPv6 is a 16-byte IPv6 address.
	AddressIPv6
	// AddressIPv4 is a 4-byte IPv4 address stored in the first four bytes.
	AddressIPv4
)

func (k AddressKind) String() string {
	switch k {
	case AddressUnset:
		return "unset"
	case AddressIPv6:
		return "ipv6"
	case AddressIPv4:
		return "ipv4"
	default:
		return "unknown"
	}
}

// Endpoint is a UDP endpoint as carried in OTA parameters and library
// configuration. The zero value is an unset endpoint. Endpoints marshal to
// text in "host:port" form so they read naturally in JSON and YAML.
type Endpoint struct {
	Kind    AddressKind
	Address [16]byte
	Port    uint16
}

// IsSet returns true if the endpoint carries an address.
func (e Endpoint) IsSet() bool {
	return e.Kind != AddressUnset
}

// IsValid returns true if the endpoint has a known address kind and a
// non-zero port.
func (e Endpoint) IsValid() bool {
	if e.Kind != AddressIPv6 && e.Kind != AddressIPv4 {
		return false
	}
	return e.Port != 0
}

// Addr returns the endpoint's IP address. It returns the zero netip.Addr for
// unset endpoints.
func (e Endpoint) Addr() netip.Addr {
	switch e.Kind {
	case AddressIPv6:
		return netip.AddrFrom16(e.Address)
	case AddressIPv4:
		return netip.AddrFrom4([4]byte(e.Address[:4]))
	default:
		return netip.Addr{}
	}
}

// IsMulticast returns true if the endpoint address is a multicast group.
func (e Endpoint) IsMulticast() bool {
	a := e.Addr()
	return a.IsValid() && a.IsMulticast()
}

// UDPAddr converts the endpoint to a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	if !e.IsSet() {
		return nil
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(e.Addr(), e.Port))
}

// String returns "[addr]:port" for IPv6 and "addr:port" for IPv4.
func (e Endpoint) String() string {
	if !e.IsSet() {
		return "unset"
	}
	return netip.AddrPortFrom(e.Addr(), e.Port).String()
}

// EndpointFromAddrPort builds an Endpoint from a netip.AddrPort. IPv4-mapped
// IPv6 addresses are unmapped to IPv4.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	addr := ap.Addr().Unmap()
	var e Endpoint
	switch {
	case addr.Is4():
		e.Kind = AddressIPv4
		a4 := addr.As4()
		copy(e.Address[:], a4[:])
	case addr.Is6():
		e.Kind = AddressIPv6
		e.Address = addr.As16()
	default:
		return Endpoint{}
	}
	e.Port = ap.Port()
	return e
}

// EndpointFromUDPAddr builds an Endpoint from a *net.UDPAddr.
func EndpointFromUDPAddr(a *net.UDPAddr) Endpoint {
	if a == nil {
		return Endpoint{}
	}
	return EndpointFromAddrPort(a.AddrPort())
}

// ParseEndpoint parses "host:port" (IPv6 hosts in brackets).
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	e := EndpointFromAddrPort(ap)
	if !e.IsValid() {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: port must be non-zero", s)
	}
	return e, nil
}

// MarshalText encodes the endpoint in ParseEndpoint form. Unset endpoints
// encode as an empty string.
func (e Endpoint) MarshalText() ([]byte, error) {
	if !e.IsSet() {
		return []byte{}, nil
	}
	return []byte(e.String()), nil
}

// UnmarshalText decodes an endpoint written by MarshalText.
func (e *Endpoint) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*e = Endpoint{}
		return nil
	}
	parsed, err := ParseEndpoint(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
