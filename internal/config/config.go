package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dyluth/burrow/internal/logging"
	"gopkg.in/yaml.v3"
)

// MinHeartbeatInterval is the smallest accepted heartbeat interval in seconds.
const MinHeartbeatInterval = 10

// DefaultInstantiationTimeout is how long, in seconds, a start request waits
// for a device to come up.
const DefaultInstantiationTimeout = 10

// KnownServerFlags maps server flag names to their bit in the serverFlags
// bitmask announced in the instance info.
var KnownServerFlags = map[string]int{
	"Development": 1,
}

// ServerConfig represents the device server configuration file plus
// command-line overrides.
type ServerConfig struct {
	ServerID             string         `yaml:"serverId" toml:"serverId"`
	HostName             string         `yaml:"hostName" toml:"hostName"`
	DeviceClasses        []string       `yaml:"deviceClasses" toml:"deviceClasses"`               // Empty = every registered class
	Init                 string         `yaml:"init" toml:"init"`                                 // JSON: {"<deviceId>": {"classId": ..., ...}}
	TimeServerID         string         `yaml:"timeServerId" toml:"timeServerId"`
	HeartbeatInterval    int            `yaml:"heartbeatInterval" toml:"heartbeatInterval"`       // Seconds
	InstantiationTimeout int            `yaml:"instantiationTimeout" toml:"instantiationTimeout"` // Seconds a start request waits for initialization
	ServerFlags          []string       `yaml:"serverFlags" toml:"serverFlags"`
	Broker               BrokerConfig   `yaml:"broker" toml:"broker"`
	Log                  logging.Config `yaml:"log" toml:"log"`
	Health               HealthConfig   `yaml:"health" toml:"health"`

	// AutoStart is the obsolete auto-start syntax. It is only read so that
	// Validate can reject it.
	AutoStart any `yaml:"autoStart,omitempty" toml:"autoStart,omitempty"`
}

// BrokerConfig selects the message broker.
type BrokerConfig struct {
	URL   string `yaml:"url" toml:"url"`     // redis://, rediss://, unix:// or nats://
	Topic string `yaml:"topic" toml:"topic"` // Channel namespace shared by all cooperating processes
}

// HealthConfig configures the HTTP health endpoint.
type HealthConfig struct {
	Addr string `yaml:"addr" toml:"addr"` // Empty disables the endpoint
}

// Default returns the configuration used when no file is given.
func Default() *ServerConfig {
	return &ServerConfig{
		HeartbeatInterval:    MinHeartbeatInterval,
		InstantiationTimeout: DefaultInstantiationTimeout,
		Broker: BrokerConfig{
			URL:   "redis://localhost:6379",
			Topic: "burrow",
		},
		Log: logging.Config{Level: "info"},
	}
}

// Load reads a YAML (.yml, .yaml) or TOML (.toml) configuration file on top
// of the defaults. The result is not validated; call Validate after applying
// overrides.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (expected .yml, .yaml or .toml)", ext)
	}

	return config, nil
}

// ApplyOverrides applies key=value arguments such as
// "serverId=cam_server" or "deviceClasses=Echo,TrainCounter".
func (c *ServerConfig) ApplyOverrides(args []string) error {
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("invalid override %q (expected key=value)", arg)
		}
		if err := c.set(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}
	return nil
}

func (c *ServerConfig) set(key, value string) error {
	switch key {
	case "serverId":
		c.ServerID = value
	case "hostName":
		c.HostName = value
	case "deviceClasses":
		c.DeviceClasses = splitList(value)
	case "init":
		c.Init = value
	case "timeServerId":
		c.TimeServerID = value
	case "heartbeatInterval":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("heartbeatInterval must be an integer, got %q", value)
		}
		c.HeartbeatInterval = n
	case "instantiationTimeout":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("instantiationTimeout must be an integer, got %q", value)
		}
		c.InstantiationTimeout = n
	case "serverFlags":
		c.ServerFlags = splitList(value)
	case "broker.url":
		c.Broker.URL = value
	case "broker.topic":
		c.Broker.Topic = value
	case "log.level":
		c.Log.Level = value
	case "log.output":
		c.Log.Output = value
	case "health.addr":
		c.Health.Addr = value
	case "autoStart":
		c.AutoStart = value
	default:
		return fmt.Errorf("unknown configuration key %q", key)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate performs strict validation on the configuration.
func (c *ServerConfig) Validate() error {
	if c.AutoStart != nil {
		return fmt.Errorf("'autoStart' syntax not supported anymore, use 'init'")
	}

	if c.HeartbeatInterval < MinHeartbeatInterval {
		return fmt.Errorf("heartbeatInterval must be >= %d seconds, got %d", MinHeartbeatInterval, c.HeartbeatInterval)
	}

	if c.InstantiationTimeout <= 0 {
		return fmt.Errorf("instantiationTimeout must be > 0 seconds, got %d", c.InstantiationTimeout)
	}

	if _, err := c.ServerFlagsMask(); err != nil {
		return err
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker.topic is required")
	}

	if c.Log.Level != "" {
		if _, err := logging.ParseLevel(c.Log.Level); err != nil {
			return err
		}
	}

	if _, err := ParseInit(c.Init); err != nil {
		return err
	}

	return nil
}

// ServerFlagsMask ORs the configured server flags into a bitmask. Unknown
// flags are an error.
func (c *ServerConfig) ServerFlagsMask() (int, error) {
	mask := 0
	for _, flag := range c.ServerFlags {
		bit, ok := KnownServerFlags[flag]
		if !ok {
			return 0, fmt.Errorf("unknown server flag '%s'", flag)
		}
		mask |= bit
	}
	return mask, nil
}
