package main

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/checksum"
	"github.com/kabili207/meshcore-ota/device/ota"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration file.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Device DeviceConfig `yaml:"device"`
	Store  StoreConfig  `yaml:"store"`
	UDP    UDPConfig    `yaml:"udp"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Serial SerialConfig `yaml:"serial"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DeviceConfig describes the OTA role of this device.
type DeviceConfig struct {
	Role               string        `yaml:"role"`
	DeviceType         uint8         `yaml:"device_type"`
	MaxProcesses       int           `yaml:"max_processes"`
	Unicast            core.Endpoint `yaml:"unicast"`
	LinkLocalMulticast core.Endpoint `yaml:"link_local_multicast"`
	MPLMulticast       core.Endpoint `yaml:"mpl_multicast"`
	PersistInterval    int           `yaml:"persist_interval"`
	Checksum           string        `yaml:"checksum"`
	ChecksumDelay      time.Duration `yaml:"checksum_delay"`
	StatusTopic        string        `yaml:"status_topic"`
	MemoryBudget       int           `yaml:"memory_budget"`
	// AcceptDeviceTypes restricts the images this device starts. Empty
	// accepts every device type.
	AcceptDeviceTypes []uint8 `yaml:"accept_device_types"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	Capacity  uint32 `yaml:"capacity"`
	BlockSize int    `yaml:"block_size"`
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Interface string `yaml:"interface"`
	HopLimit  int    `yaml:"hop_limit"`
}

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TLS         bool   `yaml:"tls"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	MeshID      string `yaml:"mesh_id"`
}

// SerialConfig configures the serial bridge transport.
type SerialConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
}

// defaultConfig is the configuration used for missing keys.
func defaultConfig() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Device: DeviceConfig{Role: "node", Checksum: "sha256"},
		Store:  StoreConfig{Backend: "bolt", Path: "meshota.db"},
		UDP:    UDPConfig{Enabled: true},
	}
}

// LoadConfig reads a YAML configuration file and applies environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MESHOTA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MESHOTA_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MESHOTA_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MESHOTA_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
}

func (c *Config) validate() error {
	if _, err := c.role(); err != nil {
		return err
	}
	if _, err := checksum.ParseAlgorithm(c.Device.Checksum); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the bolt backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if !c.UDP.Enabled && !c.Serial.Enabled && !c.MQTT.Enabled {
		return fmt.Errorf("no transport enabled")
	}
	if c.MQTT.Enabled && (c.MQTT.Broker == "" || c.MQTT.MeshID == "") {
		return fmt.Errorf("mqtt.broker and mqtt.mesh_id are required")
	}
	if c.MQTT.Enabled && !c.Device.Unicast.IsValid() {
		return fmt.Errorf("device.unicast is required with mqtt")
	}
	if c.Serial.Enabled && c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Device.Role == "router" && !c.MQTT.Enabled {
		return fmt.Errorf("router role needs mqtt for resource registration")
	}
	return nil
}

func (c *Config) role() (ota.Role, error) {
	switch c.Device.Role {
	case "node":
		return ota.RoleNode, nil
	case "router":
		return ota.RoleRouter, nil
	default:
		return 0, fmt.Errorf("unknown device role %q", c.Device.Role)
	}
}

// engineConfig builds the engine configuration.
func (c *Config) engineConfig(logger *slog.Logger) (ota.Config, error) {
	role, err := c.role()
	if err != nil {
		return ota.Config{}, err
	}
	alg, err := checksum.ParseAlgorithm(c.Device.Checksum)
	if err != nil {
		return ota.Config{}, err
	}
	return ota.Config{
		Role:               role,
		MaxProcesses:       c.Device.MaxProcesses,
		DeviceType:         core.DeviceType(c.Device.DeviceType),
		UnicastEndpoint:    c.Device.Unicast,
		LinkLocalMulticast: c.Device.LinkLocalMulticast,
		MPLMulticast:       c.Device.MPLMulticast,
		PersistInterval:    c.Device.PersistInterval,
		ChecksumAlgorithm:  alg,
		ChecksumDelay:      c.Device.ChecksumDelay,
		StatusTopic:        c.Device.StatusTopic,
		Logger:             logger,
	}, nil
}

// acceptDeviceType returns the start policy of the device.
func (c *Config) acceptDeviceType(p *core.Parameters) error {
	if len(c.Device.AcceptDeviceTypes) == 0 {
		return nil
	}
	if !slices.Contains(c.Device.AcceptDeviceTypes, uint8(p.DeviceType)) {
		return fmt.Errorf("device type %d not accepted", p.DeviceType)
	}
	return nil
}

// groups returns the multicast groups the UDP transport joins.
func (c *Config) groups() []core.Endpoint {
	var out []core.Endpoint
	for _, ep := range []core.Endpoint{c.Device.LinkLocalMulticast, c.Device.MPLMulticast} {
		if ep.IsSet() {
			out = append(out, ep)
		}
	}
	return out
}
