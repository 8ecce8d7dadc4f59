// Package transport provides the byte carriers that move OTA payloads
// between the engine and the network.
package transport

import (
	"context"
	"errors"

	"github.com/kabili207/meshcore-ota/core"
)

// Send errors. ErrBusy is core.ErrBusy so the engine can tell a transient
// condition from a permanent one.
var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrAllocation      = errors.New("buffer allocation failed")
	ErrNotConnected    = errors.New("not connected")
	ErrBusy            = core.ErrBusy
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrNoNotifications is returned by a Link without a notification
	// publisher.
	ErrNoNotifications = errors.New("notifications not supported")
)

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start begins the transport's connection and message handling.
	// The provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// SetPayloadHandler sets the callback for incoming OTA payloads.
	SetPayloadHandler(fn PayloadHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// Send transmits payload to dst.
	Send(dst core.Endpoint, payload []byte) error
}

// NotificationPublisher publishes observable notifications.
type NotificationPublisher interface {
	// SendNotification publishes payload to observers of topic and returns
	// the message id, or 0 when it could not be sent.
	SendNotification(topic string, payload []byte) (uint16, error)
}

// PayloadHandler is called when an OTA payload is received from src.
type PayloadHandler func(payload []byte, src core.Endpoint, source Source)

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Source indicates which transport a payload came from.
type Source int

const (
	// SourceUDP indicates the payload came from a UDP socket.
	SourceUDP Source = iota
	// SourceMQTT indicates the payload came from MQTT.
	SourceMQTT
	// SourceSerial indicates the payload came from a serial radio bridge.
	SourceSerial
)

func (s Source) String() string {
	switch s {
	case SourceUDP:
		return "udp"
	case SourceMQTT:
		return "mqtt"
	case SourceSerial:
		return "serial"
	default:
		return "unknown"
	}
}

// Link combines a Transport and an optional NotificationPublisher into the
// sender the OTA engine expects.
type Link struct {
	Transport     Transport
	Notifications NotificationPublisher
}

// Send transmits payload to dst over the link's transport.
func (l *Link) Send(dst core.Endpoint, payload []byte) error {
	if !dst.IsValid() {
		return ErrInvalidEndpoint
	}
	if !l.Transport.IsConnected() {
		return ErrNotConnected
	}
	return l.Transport.Send(dst, payload)
}

// SendNotification publishes payload through the link's publisher.
func (l *Link) SendNotification(topic string, payload []byte) (uint16, error) {
	if l.Notifications == nil {
		return 0, ErrNoNotifications
	}
	return l.Notifications.SendNotification(topic, payload)
}
