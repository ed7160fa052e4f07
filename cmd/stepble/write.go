package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/session"
	"github.com/srg/stepble/pkg/stepsession"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <payload>",
	Short: "Write a command to the peripheral",
	Long: `Connect to the configured step counter, write one payload and wait for the
peripheral to acknowledge it.

The payload is sent as text unless it starts with 0x or --hex is given, in which
case it is decoded as hex (spaces and colons are ignored).`,
	Example: `  stepble write --name Pedometer 0x01
  stepble write --address 12:34:56:78:9a:bc --hex "01 00"
  stepble write --char fff3 reset`,
	Args: cobra.ExactArgs(1),
	RunE: runWrite,
}

var (
	writeChar    string
	writeHex     bool
	writeTimeout time.Duration
)

func init() {
	writeCmd.Flags().StringVarP(&writeChar, "char", "c", "", "Characteristic UUID (defaults to the control characteristic)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Decode the payload as hex")
	writeCmd.Flags().DurationVarP(&writeTimeout, "timeout", "t", 30*time.Second, "Overall timeout for connecting and writing")
}

// parsePayload decodes a command-line payload
func parsePayload(arg string, asHex bool) ([]byte, error) {
	trimmed := strings.TrimSpace(arg)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		asHex = true
		trimmed = trimmed[2:]
	}
	if !asHex {
		if arg == "" {
			return nil, fmt.Errorf("payload must not be empty")
		}
		return []byte(arg), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(trimmed)
	if cleaned == "" {
		return nil, fmt.Errorf("payload must not be empty")
	}
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", arg, err)
	}
	return data, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload(args[0], writeHex)
	if err != nil {
		return err
	}
	if writeChar != "" {
		if _, err := device.ValidateUUID(writeChar); err != nil {
			return fmt.Errorf("invalid --char: %w", err)
		}
	}
	if writeTimeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	if err := stepsession.Configure(cfg); err != nil {
		return err
	}
	m, err := stepsession.Shared()
	if err != nil {
		return err
	}
	defer stepsession.Teardown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, "Connecting", "scanning")
	progress.Start()

	if err := m.Connect(); err != nil {
		progress.Stop()
		return err
	}
	err = m.WaitReady(ctx)
	progress.Stop()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && m.State() == session.Scanning {
			return fmt.Errorf("%w within %s", ErrNoPeripheral, writeTimeout)
		}
		return err
	}

	uuid := writeChar
	if uuid == "" {
		uuid = cfg.Profile.ControlCharacteristic
	}
	completion, err := m.Write(payload, uuid)
	if err != nil {
		return err
	}
	if err := completion.Wait(ctx); err != nil {
		return err
	}

	peripheral, _ := m.ActivePeripheral()
	fmt.Fprintf(out, "%s %d byte(s) to %s on %s\n",
		color.GreenString("Wrote"), len(payload), device.NormalizeUUID(uuid), peripheral)
	return m.Disconnect()
}
