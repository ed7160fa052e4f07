//go:build test

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "fff0", cfg.Profile.Service)
	assert.Equal(t, "fff1", cfg.Profile.StepCharacteristic)
	assert.Equal(t, "fff2", cfg.Profile.ControlCharacteristic)
	assert.Equal(t, 4, cfg.Codec.Width)
	assert.Equal(t, "little", cfg.Codec.ByteOrder)
	assert.Equal(t, time.Duration(0), cfg.Timeouts.Scan)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.ServiceDiscovery)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.CharacteristicDiscovery)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Write)
	assert.False(t, cfg.Reconnect.Enabled, "reconnect MUST be opt-in")
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reconnect.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, uint32(64), cfg.Buffers.Stream)
	assert.Equal(t, "stepble/steps", cfg.MQTT.Topic)
	assert.Empty(t, cfg.MQTT.Broker)

	assert.NoError(t, cfg.Validate(), "defaults MUST validate")
}

func TestLoad(t *testing.T) {
	// GOAL: Verify a YAML file overrides only the fields it names
	//
	// TEST SCENARIO: Write a partial config → Load → overridden fields applied, the rest keep defaults

	path := filepath.Join(t.TempDir(), "stepble.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
peripheral:
  address: AA:BB:CC:DD:EE:FF
codec:
  width: 2
  byte_order: big
timeouts:
  connect: 3s
reconnect:
  enabled: true
  max_backoff: 10s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Peripheral.Address)
	assert.Equal(t, 2, cfg.Codec.Width)
	assert.Equal(t, "big", cfg.Codec.ByteOrder)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.ServiceDiscovery, "unnamed fields MUST keep defaults")
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, "fff1", cfg.Profile.StepCharacteristic)
	assert.NoError(t, cfg.Validate())

	codec, err := cfg.StepCodec()
	require.NoError(t, err)
	assert.Equal(t, channel.StepCodec{Width: 2, Order: channel.BigEndian}, codec)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts: [not, a, map]"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"empty service", func(c *Config) { c.Profile.Service = "" }, "profile.service"},
		{"malformed characteristic", func(c *Config) { c.Profile.StepCharacteristic = "zz1" }, "profile.step_characteristic"},
		{"same characteristics", func(c *Config) { c.Profile.ControlCharacteristic = "FFF1" }, "must differ"},
		{"zero width", func(c *Config) { c.Codec.Width = 0 }, "codec"},
		{"wide width", func(c *Config) { c.Codec.Width = 9 }, "codec"},
		{"bad byte order", func(c *Config) { c.Codec.ByteOrder = "middle" }, "codec"},
		{"negative scan", func(c *Config) { c.Timeouts.Scan = -time.Second }, "timeouts.scan"},
		{"zero connect timeout", func(c *Config) { c.Timeouts.Connect = 0 }, "timeouts.connect"},
		{"zero write timeout", func(c *Config) { c.Timeouts.Write = 0 }, "timeouts.write"},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }, "reconnect.max_attempts"},
		{"inverted backoff", func(c *Config) {
			c.Reconnect.Enabled = true
			c.Reconnect.InitialBackoff = time.Minute
		}, "exceeds"},
		{"zero stream", func(c *Config) { c.Buffers.Stream = 0 }, "buffers"},
		{"mqtt without topic", func(c *Config) {
			c.MQTT.Broker = "tcp://localhost:1883"
			c.MQTT.Topic = " "
		}, "mqtt.topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestComponentOptions(t *testing.T) {
	cfg := Default()
	cfg.Profile.Service = "0000FFF0-0000-1000-8000-00805F9B34FB"
	cfg.Peripheral.Name = "Pedometer"
	cfg.Reconnect.Enabled = true

	profile := cfg.DeviceProfile()
	assert.Equal(t, "fff0", profile.Service, "profile UUIDs MUST be normalized")
	assert.Equal(t, []string{"fff1", "fff2"}, profile.Characteristics)

	target := cfg.Target()
	assert.Equal(t, "Pedometer", target.Name)
	assert.Equal(t, []string{cfg.Profile.Service}, target.Services)

	so := cfg.SessionOptions()
	assert.Equal(t, profile, so.Profile)
	assert.Equal(t, 10*time.Second, so.ConnectTimeout)
	assert.True(t, so.Reconnect.Enabled)
	assert.Equal(t, 5, so.Reconnect.MaxAttempts)
	assert.Equal(t, 32, so.EventBuffer)

	co, err := cfg.ChannelOptions()
	require.NoError(t, err)
	assert.Equal(t, channel.DefaultStepCodec(), co.Codec)
	assert.Equal(t, uint32(64), co.StreamSize)

	assert.Equal(t, 5*time.Second, cfg.WriteOptions().Timeout)
	assert.Equal(t, 60*time.Second, cfg.RegistryOptions().TTL)
	assert.Equal(t, 64, cfg.RegistryOptions().BufferSize)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
		{"unknown level falls back to info", "loud", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			require.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
