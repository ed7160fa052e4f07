package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srg/stepble/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// settings binds flags, STEPBLE_* environment variables and the config file path
var settings = viper.New()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stepble",
	Short: "Step counter over Bluetooth Low Energy",
	Long: `Connects to a BLE step counter and streams its step count:

- Scan for step counter peripherals
- Monitor live step updates, optionally publishing them to MQTT
- Write commands to the control characteristic

Settings come from --config (YAML), STEPBLE_* environment variables and flags,
in increasing order of precedence.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("stepble %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(writeCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("address", "", "Peripheral address to connect to")
	flags.String("name", "", "Advertised peripheral name to connect to")
	flags.Bool("reconnect", false, "Reconnect automatically after the link drops")

	settings.SetEnvPrefix("STEPBLE")
	settings.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	settings.AutomaticEnv()
	_ = settings.BindPFlag("config", flags.Lookup("config"))
	_ = settings.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = settings.BindPFlag("peripheral.address", flags.Lookup("address"))
	_ = settings.BindPFlag("peripheral.name", flags.Lookup("name"))
	_ = settings.BindPFlag("reconnect.enabled", flags.Lookup("reconnect"))

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}

// loadConfig builds the effective configuration: file (or defaults), then
// environment and flag overrides
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := settings.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if settings.IsSet("log_level") {
		cfg.LogLevel = settings.GetString("log_level")
	}
	if settings.IsSet("peripheral.address") {
		cfg.Peripheral.Address = settings.GetString("peripheral.address")
	}
	if settings.IsSet("peripheral.name") {
		cfg.Peripheral.Name = settings.GetString("peripheral.name")
	}
	if settings.IsSet("reconnect.enabled") {
		cfg.Reconnect.Enabled = settings.GetBool("reconnect.enabled")
	}
	if settings.IsSet("mqtt.broker") {
		cfg.MQTT.Broker = settings.GetString("mqtt.broker")
	}
	if settings.IsSet("mqtt.topic") {
		cfg.MQTT.Topic = settings.GetString("mqtt.topic")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
