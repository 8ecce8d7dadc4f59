// Package mqtt provides an MQTT transport for OTA payloads.
//
// Payloads are published as JSON envelopes carrying source and destination
// endpoints to "{prefix}/{meshID}/data". The transport also publishes
// observable notifications, keeps registered resources as retained messages
// and accepts operator commands on "{prefix}/{meshID}/cmd".
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/device/ota"
	"github.com/kabili207/meshcore-ota/transport"
)

// Compile-time interface checks.
var (
	_ transport.Transport             = (*Transport)(nil)
	_ transport.NotificationPublisher = (*Transport)(nil)
	_ ota.ResourceRegistrar           = (*Transport)(nil)
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "meshota"
	// DefaultMaxPayload is the largest payload Send accepts by default.
	DefaultMaxPayload = 1280
	// DefaultPublishTimeout bounds how long a publish may block.
	DefaultPublishTimeout = 10 * time.Second
)

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "meshota").
	TopicPrefix string
	// MeshID identifies the mesh network the device belongs to.
	MeshID string
	// Local is the endpoint this device answers to. Payloads addressed to
	// other unicast endpoints are ignored and sent payloads carry it as
	// their source.
	Local core.Endpoint
	// MaxPayload is the largest payload Send accepts (default: 1280).
	MaxPayload int
	// PublishTimeout bounds each publish (default: 10s).
	PublishTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg            Config
	client         paho.Client
	log            *slog.Logger
	mu             sync.RWMutex
	connected      bool
	payloadHandler transport.PayloadHandler
	stateHandler   transport.StateHandler
	commandHandler CommandHandler
	resources      map[string]ota.Resource
	messageID      uint16
}

// envelope is the JSON form of a payload on the data topic.
type envelope struct {
	Src  core.Endpoint `json:"src"`
	Dst  core.Endpoint `json:"dst"`
	Data []byte        `json:"data"`
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:       cfg,
		log:       cfg.Logger.WithGroup("mqtt"),
		resources: make(map[string]ota.Resource),
	}
}

// Start connects to the MQTT broker and begins listening for payloads.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.MeshID == "" {
		return errors.New("mesh ID is required")
	}
	if !t.cfg.Local.IsValid() {
		return fmt.Errorf("local endpoint: %w", transport.ErrInvalidEndpoint)
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "meshota-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	t.client = paho.NewClient(opts)

	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
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

// SetCommandHandler sets the callback for operator commands.
func (t *Transport) SetCommandHandler(fn CommandHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commandHandler = fn
}

// Send publishes payload addressed to dst on the data topic.
func (t *Transport) Send(dst core.Endpoint, payload []byte) error {
	if !dst.IsValid() {
		return transport.ErrInvalidEndpoint
	}
	if len(payload) > t.cfg.MaxPayload {
		return fmt.Errorf("%w: %d bytes", transport.ErrPayloadTooLarge, len(payload))
	}
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}

	data, err := json.Marshal(envelope{Src: t.cfg.Local, Dst: dst, Data: payload})
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrAllocation, err)
	}
	_, err = t.publish(t.dataTopic(), 0, false, data)
	return err
}

// SendNotification publishes payload to observers of topic with QoS 1 and
// returns the message id.
func (t *Transport) SendNotification(topic string, payload []byte) (uint16, error) {
	if !t.IsConnected() {
		return 0, transport.ErrNotConnected
	}
	return t.publish(t.notifyTopic(topic), 1, false, payload)
}

// CreateResource registers r and publishes its description as a retained
// message. Resources registered while disconnected are published on the
// next connect.
func (t *Transport) CreateResource(r ota.Resource) error {
	if r.Path == "" {
		return errors.New("resource path is required")
	}
	t.mu.Lock()
	t.resources[r.Path] = r
	t.mu.Unlock()

	if !t.IsConnected() {
		return nil
	}
	return t.publishResource(r)
}

// RefreshRegistration republishes every registered resource.
func (t *Transport) RefreshRegistration() {
	if !t.IsConnected() {
		return
	}
	for _, r := range t.registered() {
		if err := t.publishResource(r); err != nil {
			t.log.Warn("refreshing resource failed", "path", r.Path, "error", err)
		}
	}
}

func (t *Transport) registered() []ota.Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ota.Resource, 0, len(t.resources))
	for _, r := range t.resources {
		out = append(out, r)
	}
	return out
}

func (t *Transport) publishResource(r ota.Resource) error {
	if !r.Publish {
		return nil
	}
	data, err := json.Marshal(describeResource(r))
	if err != nil {
		return err
	}
	_, err = t.publish(t.resourceTopic(r.Path), 1, true, data)
	return err
}

// publish sends data and waits for the broker within PublishTimeout. A
// timeout is reported as transport.ErrBusy.
func (t *Transport) publish(topic string, qos byte, retained bool, data []byte) (uint16, error) {
	token := t.client.Publish(topic, qos, retained, data)
	if !token.WaitTimeout(t.cfg.PublishTimeout) {
		return 0, fmt.Errorf("%w: publish to %s timed out", transport.ErrBusy, topic)
	}
	if err := token.Error(); err != nil {
		return 0, err
	}
	return t.nextMessageID(token), nil
}

// nextMessageID returns the broker message id of a QoS 1 publish, or a
// local non-zero counter for QoS 0.
func (t *Transport) nextMessageID(token paho.Token) uint16 {
	if pt, ok := token.(*paho.PublishToken); ok && pt.MessageID() != 0 {
		return pt.MessageID()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageID++
	if t.messageID == 0 {
		t.messageID = 1
	}
	return t.messageID
}

func (t *Transport) base() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.MeshID
}

func (t *Transport) dataTopic() string {
	return t.base() + "/data"
}

func (t *Transport) commandTopic() string {
	return t.base() + "/cmd"
}

func (t *Transport) notifyTopic(topic string) string {
	return t.base() + "/notify/" + topic
}

func (t *Transport) resourceTopic(path string) string {
	return t.base() + "/rd/" + path
}

func (t *Transport) subscribe() {
	t.client.Subscribe(t.dataTopic(), 0, t.handleMessage)
	t.client.Subscribe(t.commandTopic(), 1, t.handleCommand)
	t.log.Debug("subscribed to mesh topics", "data", t.dataTopic(), "cmd", t.commandTopic())
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.payloadHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	var env envelope
	if err := json.Unmarshal(message.Payload(), &env); err != nil {
		t.log.Debug("failed to decode envelope", "error", err)
		return
	}
	if env.Src == t.cfg.Local {
		return
	}
	if !env.Dst.IsMulticast() && env.Dst != t.cfg.Local {
		return
	}
	if !env.Src.IsValid() || len(env.Data) == 0 {
		t.log.Debug("dropping malformed envelope", "src", env.Src, "len", len(env.Data))
		return
	}

	handler(env.Data, env.Src, transport.SourceMQTT)
}

func (t *Transport) handleCommand(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.commandHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	cmd, err := ParseCommand(message.Payload())
	if err != nil {
		t.log.Warn("rejecting command", "error", err)
		return
	}
	handler(cmd)
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)
	t.RefreshRegistration()

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
