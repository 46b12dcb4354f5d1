package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/vnsensor/internal/config"
	"github.com/shaunagostinho/vnsensor/internal/metrics"
	"github.com/shaunagostinho/vnsensor/internal/sensor"
	"github.com/shaunagostinho/vnsensor/internal/transport"
)

var (
	configPath string
	verbose    bool
	demo       bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "vnsensor",
		Short:        "talk to VectorNav inertial sensors",
		Long:         "vnsensor reads, configures and records VectorNav inertial sensors over serial, from capture files, or against a built-in simulator.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "vnsensor.yaml", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&demo, "demo", false, "use the simulated sensor")

	root.AddCommand(
		newInfoCmd(),
		newReadCmd(),
		newWriteCmd(),
		newSendCmd(),
		newBaudCmd(),
		newPortsCmd(),
		newScanCmd(),
		newRecordCmd(),
		newMonitorCmd(),
	)
	return root
}

// app bundles what every subcommand needs.
type app struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	sensor  *sensor.Sensor
}

func loadApp() *app {
	cfg := config.LoadConfig(configPath)
	if demo {
		cfg.Sensor.Type = "demo"
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	cfg.ApplyLogLevel()

	m := metrics.New()
	return &app{
		cfg:     cfg,
		metrics: m,
		sensor:  sensor.New(cfg.EngineConfig(), sensor.WithMetrics(m)),
	}
}

// connect opens the configured source once.
func (a *app) connect(ctx context.Context) error {
	sc := a.cfg.Sensor
	switch sc.Type {
	case "demo":
		log.Printf("[main] using simulated %s", a.cfg.Demo.Model)
		return a.sensor.ConnectTransport(transport.NewSimulator(a.cfg.SimConfig()))
	case "file":
		log.Printf("[main] replaying %s", sc.File)
		return a.sensor.ConnectFile(sc.File)
	case "serial":
		if sc.AutoBaud {
			baud, err := a.sensor.AutoConnect(ctx, sc.PortPath)
			if err != nil {
				return err
			}
			log.Printf("[main] found sensor on %s at %d baud", sc.PortPath, baud)
			return nil
		}
		return a.sensor.Connect(ctx, sc.PortPath, sc.BaudRate)
	}
	return fmt.Errorf("unknown sensor type %q", sc.Type)
}

// connectVerified connects and checks that a sensor answers. Used by the
// one-shot commands.
func (a *app) connectVerified(ctx context.Context) error {
	if a.cfg.Sensor.Type == "file" {
		return errors.New("a capture file cannot answer commands")
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	model, err := a.sensor.VerifyConnectivity(ctx)
	if err != nil {
		a.sensor.Close()
		return err
	}
	log.Debugf("[main] connected to %s", model)
	return nil
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, connect func(context.Context) error, maxAttempts int) error {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return nil
		}
		if errors.Is(err, sensor.ErrAlreadyConnected) {
			return err
		}

		attempt++
		if attempt <= maxAttempts {
			log.Warnf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Warnf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// supervise keeps the sensor connected until ctx is done. A replayed file
// ends the run when it is exhausted.
func (a *app) supervise(ctx context.Context) error {
	for {
		if err := connectWithRetry(ctx, "sensor", a.connect, 10); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-a.sensor.Done():
		}

		err := a.sensor.Err()
		if a.cfg.Sensor.Type == "file" {
			log.Printf("[sensor] replay finished: %v", err)
			return nil
		}
		log.Warnf("[sensor] connection lost: %v", err)
		a.sensor.Disconnect()
	}
}

// logAsyncErrors reports sensor errors that arrive outside any command.
func (a *app) logAsyncErrors(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ae := <-a.sensor.AsyncErrors():
			log.Warnf("[sensor] async error at %s: %v", ae.Time.Format(time.TimeOnly), ae.Err)
		}
	}
}
