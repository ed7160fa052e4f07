// Package config holds stepble settings: the target peripheral, its GATT
// profile, the step payload layout, phase timeouts and reconnect policy.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/channel"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/registry"
	"github.com/srg/stepble/internal/session"
	"github.com/srg/stepble/internal/writes"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Peripheral PeripheralConfig `yaml:"peripheral"`
	Profile    ProfileConfig    `yaml:"profile"`
	Codec      CodecConfig      `yaml:"codec"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Buffers    BufferConfig     `yaml:"buffers"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// PeripheralConfig selects the peripheral to connect to. Empty fields match anything.
type PeripheralConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// ProfileConfig names the step service and its characteristics
type ProfileConfig struct {
	Service               string `yaml:"service" default:"fff0"`
	StepCharacteristic    string `yaml:"step_characteristic" default:"fff1"`
	ControlCharacteristic string `yaml:"control_characteristic" default:"fff2"`
}

// CodecConfig is the step-count payload layout
type CodecConfig struct {
	Width     int    `yaml:"width" default:"4"`
	ByteOrder string `yaml:"byte_order" default:"little"`
}

type TimeoutConfig struct {
	// Scan bounds peripheral discovery; 0 scans until a match is found
	Scan                    time.Duration `yaml:"scan" default:"0s"`
	Connect                 time.Duration `yaml:"connect" default:"10s"`
	ServiceDiscovery        time.Duration `yaml:"service_discovery" default:"5s"`
	CharacteristicDiscovery time.Duration `yaml:"characteristic_discovery" default:"5s"`
	Write                   time.Duration `yaml:"write" default:"5s"`
}

type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled" default:"false"`
	MaxAttempts    int           `yaml:"max_attempts" default:"5"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
}

type BufferConfig struct {
	Events    int           `yaml:"events" default:"32"`
	Stream    uint32        `yaml:"stream" default:"64"`
	Discovery int           `yaml:"discovery" default:"64"`
	EntryTTL  time.Duration `yaml:"entry_ttl" default:"60s"`
}

// MQTTConfig enables step publishing when Broker is set
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic" default:"stepble/steps"`
	ClientID string `yaml:"client_id" default:"stepble"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns configuration with every tag default applied
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	for field, uuid := range map[string]string{
		"profile.service":                c.Profile.Service,
		"profile.step_characteristic":    c.Profile.StepCharacteristic,
		"profile.control_characteristic": c.Profile.ControlCharacteristic,
	} {
		if _, err := device.ValidateUUID(uuid); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if device.SameUUID(c.Profile.StepCharacteristic, c.Profile.ControlCharacteristic) {
		return fmt.Errorf("profile.step_characteristic and profile.control_characteristic must differ")
	}

	if _, err := c.StepCodec(); err != nil {
		return fmt.Errorf("codec: %w", err)
	}

	if c.Timeouts.Scan < 0 {
		return fmt.Errorf("timeouts.scan must be >= 0")
	}
	for field, d := range map[string]time.Duration{
		"timeouts.connect":                  c.Timeouts.Connect,
		"timeouts.service_discovery":        c.Timeouts.ServiceDiscovery,
		"timeouts.characteristic_discovery": c.Timeouts.CharacteristicDiscovery,
		"timeouts.write":                    c.Timeouts.Write,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", field, d)
		}
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.Enabled && c.Reconnect.InitialBackoff > c.Reconnect.MaxBackoff {
		return fmt.Errorf("reconnect.initial_backoff (%s) exceeds reconnect.max_backoff (%s)",
			c.Reconnect.InitialBackoff, c.Reconnect.MaxBackoff)
	}

	if c.Buffers.Events <= 0 || c.Buffers.Stream == 0 || c.Buffers.Discovery <= 0 {
		return fmt.Errorf("buffers.events, buffers.stream and buffers.discovery must be > 0")
	}

	if c.MQTT.Broker != "" && strings.TrimSpace(c.MQTT.Topic) == "" {
		return fmt.Errorf("mqtt.topic must not be empty when mqtt.broker is set")
	}
	return nil
}

// DeviceProfile returns the GATT profile a session must resolve before Ready
func (c *Config) DeviceProfile() device.Profile {
	return device.Profile{
		Service:         c.Profile.Service,
		Characteristics: []string{c.Profile.StepCharacteristic, c.Profile.ControlCharacteristic},
	}.Normalized()
}

// Target returns the discovery filter for the configured peripheral
func (c *Config) Target() registry.Filter {
	return registry.Filter{
		Address: c.Peripheral.Address,
		Name:    c.Peripheral.Name,
		Services: []string{c.Profile.Service},
	}
}

func (c *Config) StepCodec() (channel.StepCodec, error) {
	return channel.NewStepCodec(c.Codec.Width, c.Codec.ByteOrder)
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Profile:                        c.DeviceProfile(),
		ConnectTimeout:                 c.Timeouts.Connect,
		ServiceDiscoveryTimeout:        c.Timeouts.ServiceDiscovery,
		CharacteristicDiscoveryTimeout: c.Timeouts.CharacteristicDiscovery,
		ScanTimeout:                    c.Timeouts.Scan,
		Reconnect: session.ReconnectPolicy{
			Enabled:        c.Reconnect.Enabled,
			MaxAttempts:    c.Reconnect.MaxAttempts,
			InitialBackoff: c.Reconnect.InitialBackoff,
			MaxBackoff:     c.Reconnect.MaxBackoff,
		},
		EventBuffer: c.Buffers.Events,
	}
}

func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{TTL: c.Buffers.EntryTTL, BufferSize: c.Buffers.Discovery}
}

// ChannelOptions fails only on an invalid codec
func (c *Config) ChannelOptions() (channel.Options, error) {
	codec, err := c.StepCodec()
	if err != nil {
		return channel.Options{}, err
	}
	return channel.Options{Codec: codec, StreamSize: c.Buffers.Stream}, nil
}

func (c *Config) WriteOptions() writes.Options {
	return writes.Options{Timeout: c.Timeouts.Write}
}

// NewLogger creates a configured logger instance. An unparsable level falls back to Info.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
