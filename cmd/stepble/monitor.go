package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/stepble/internal/channel"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/session"
	"github.com/srg/stepble/internal/sink/mqtt"
	"github.com/srg/stepble/pkg/stepsession"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream live step counts from a peripheral",
	Long: `Connect to the configured step counter and print every step update until
interrupted with Ctrl+C.

With --mqtt-broker (or mqtt.broker in the config file) every sample is also
published as JSON to the configured topic.`,
	Example: `  stepble monitor --name Pedometer
  stepble monitor --address 12:34:56:78:9a:bc --reconnect
  stepble monitor --mqtt-broker tcp://localhost:1883 --mqtt-topic home/steps`,
	RunE: runMonitor,
}

var (
	monitorRaw      bool
	monitorDuration time.Duration
)

func init() {
	monitorCmd.Flags().BoolVar(&monitorRaw, "raw", false, "Also print raw notification payloads in hex")
	monitorCmd.Flags().DurationVar(&monitorDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	monitorCmd.Flags().String("mqtt-broker", "", "MQTT broker URL to publish samples to")
	monitorCmd.Flags().String("mqtt-topic", "", "MQTT topic for published samples")

	_ = settings.BindPFlag("mqtt.broker", monitorCmd.Flags().Lookup("mqtt-broker"))
	_ = settings.BindPFlag("mqtt.topic", monitorCmd.Flags().Lookup("mqtt-topic"))
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	if monitorDuration < 0 {
		return fmt.Errorf("--duration must not be negative")
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

	out := cmd.OutOrStdout()
	logger := cfg.NewLogger()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		publisher, err = mqtt.NewPublisher(mqtt.Options{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if monitorDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, monitorDuration)
		defer cancel()
	}

	printer := &stepPrinter{out: out}
	progress := NewProgressPrinter(out, "Connecting", session.Scanning.String())
	printer.progress = progress

	steps := m.OnStepUpdate(func(sample channel.StepSample) {
		printer.step(sample)
		if publisher == nil {
			return
		}
		peripheral, _ := m.ActivePeripheral()
		if err := publisher.Publish(sample, peripheral); err != nil {
			logger.WithField("error", err).Warn("Failed to publish step sample")
		}
	})
	defer steps.Remove()

	failures := m.OnError(func(err error) {
		printer.errorf("%s", FormatUserError(err))
	})
	defer failures.Remove()

	progress.Start()
	defer progress.Stop()

	if err := m.Connect(); err != nil {
		return err
	}

	err = watchSession(ctx, m, printer, cfg.Reconnect.Enabled, logger)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Interrupt or --duration elapsed
		if sample, ok := m.LatestSample(); ok {
			progress.Stop()
			fmt.Fprintf(out, "\nLast reading: %d steps\n", sample.Steps)
		}
		return nil
	}
	return err
}

// watchSession follows session events until ctx ends or the session gives up
func watchSession(ctx context.Context, m *stepsession.Manager, printer *stepPrinter, reconnect bool, logger *logrus.Logger) error {
	events := m.Events()
	echo := &rawEcho{run: func(ctx context.Context) { printRaw(ctx, m, printer) }}
	defer echo.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return device.ErrLinkLost
			}
			logger.WithFields(logrus.Fields{
				"event": ev.Type.String(),
				"state": ev.To.String(),
			}).Debug("Session event")

			switch ev.Type {
			case session.EventStateChanged:
				printer.state(ev)
				if ev.To == session.Disconnected && !reconnect && ev.From == session.Ready {
					if ev.Err != nil {
						return ev.Err
					}
					return device.ErrLinkLost
				}

			case session.EventReady:
				printer.ready(ev.Peripheral)
				if monitorRaw {
					echo.restart(ctx)
				}

			case session.EventFailed:
				if !reconnect {
					return ev.Err
				}
			}
		}
	}
}

// rawEcho runs one raw payload printer per Ready generation
type rawEcho struct {
	run    func(ctx context.Context)
	cancel context.CancelFunc
}

// restart stops the previous printer and starts a new one bound to ctx
func (r *rawEcho) restart(ctx context.Context) {
	r.stop()
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(runCtx)
}

func (r *rawEcho) stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// printRaw waits for the step subscription and echoes its payloads
func printRaw(ctx context.Context, m *stepsession.Manager, printer *stepPrinter) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var stream *channel.Stream
	for stream == nil {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s, ok := m.RawStream(); ok {
				stream = s
			}
		}
	}

	for {
		payload, err := stream.Recv(ctx)
		if err != nil {
			return
		}
		printer.raw(payload)
	}
}

// stepPrinter serializes terminal output from observers and the event loop
type stepPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	progress *ProgressPrinter
	linked   bool
}

func (p *stepPrinter) state(ev session.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.To == session.Ready {
		return
	}
	if p.linked {
		p.linked = false
		fmt.Fprintf(p.out, "%s %s\n", color.YellowString("Link %s:", ev.To), ev.Peripheral)
	}
	p.progress.SetPhase(ev.To.String())
}

func (p *stepPrinter) ready(peripheral device.PeripheralIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress.Stop()
	p.linked = true
	fmt.Fprintf(p.out, "%s %s\n", color.GreenString("Connected to"), peripheral)
}

func (p *stepPrinter) step(sample channel.StepSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s  %s\n",
		sample.ReceivedAt.Format("15:04:05.000"),
		color.CyanString("%d steps", sample.Steps))
}

func (p *stepPrinter) raw(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "  raw % x\n", payload)
}

func (p *stepPrinter) errorf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", color.RedString("Error:"), fmt.Sprintf(format, args...))
}
