package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/registry"
	"github.com/srg/stepble/pkg/stepsession"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for step counter peripherals",
	Long: `Scan for peripherals advertising the configured step service and list
their names, addresses, signal strength and advertised services.

--address and --name narrow the results; --any drops the service filter.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAny      bool
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAny, "any", false, "List peripherals regardless of advertised services")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Include non-connectable peripherals")
}

// scanResult is one row of scan output
type scanResult struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	RSSI        int       `json:"rssi"`
	Services    []string  `json:"services"`
	Connectable bool      `json:"connectable"`
	LastSeen    time.Time `json:"last_seen"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("--duration must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := commandLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	stack, err := stepsession.StackFactory(logger)
	if err != nil {
		return err
	}
	reg := registry.New(stack, cfg.RegistryOptions(), logger)
	defer reg.Stop()

	filter := cfg.Target()
	if scanAny {
		filter.Services = nil
	}
	filter.IncludeNonConnectable = scanAll

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, scanDuration)
	defer cancel()

	discovery, err := reg.Discover(ctx, filter)
	if err != nil {
		return err
	}

	progress := NewCountdownProgressPrinter(cmd.OutOrStdout(), "Scanning for step counters", "scanning", scanDuration)
	progress.Start()

	var found []device.PeripheralIdentity
	for id := range discovery.C() {
		found = append(found, id)
		progress.SetPhase(fmt.Sprintf("%d found", len(found)))
	}
	progress.Stop()

	if err := discovery.Err(); err != nil {
		return err
	}

	results := make([]scanResult, 0, len(found))
	for _, id := range found {
		entry, ok := reg.Lookup(id.Address)
		if !ok {
			continue
		}
		results = append(results, scanResult{
			Name:        entry.Identity.Name,
			Address:     entry.Identity.ID(),
			RSSI:        entry.RSSI,
			Services:    entry.Services,
			Connectable: entry.Connectable,
			LastSeen:    entry.LastSeen,
		})
	}

	if scanFormat == "json" {
		return writeScanJSON(cmd.OutOrStdout(), results)
	}
	return writeScanTable(cmd.OutOrStdout(), results)
}

func writeScanJSON(out io.Writer, results []scanResult) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func writeScanTable(out io.Writer, results []scanResult) error {
	if len(results) == 0 {
		fmt.Fprintln(out, "No step counters found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, r.Address, formatRSSI(r.RSSI), strings.Join(r.Services, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d peripheral(s) found\n", len(results))
	return nil
}

// formatRSSI colors the signal strength: green is strong, red is weak
func formatRSSI(rssi int) string {
	s := fmt.Sprintf("%d dBm", rssi)
	switch {
	case rssi >= -60:
		return color.GreenString(s)
	case rssi >= -80:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}
