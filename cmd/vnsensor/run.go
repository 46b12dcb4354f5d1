package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/vnsensor/internal/dispatch"
	"github.com/shaunagostinho/vnsensor/internal/export"
	"github.com/shaunagostinho/vnsensor/internal/monitor"
	"github.com/shaunagostinho/vnsensor/internal/protocol"
	"github.com/shaunagostinho/vnsensor/web"
)

// attachExporters wires every output enabled in the export and nats
// sections.
func (a *app) attachExporters() error {
	ec := a.cfg.Export
	policy := a.cfg.OverflowPolicy()
	stamp := time.Now().Format("20060102_150405")

	attach := func(name string, f dispatch.Filter, sink export.Sink) error {
		if _, err := a.sensor.AttachExporter(name, f, sink, policy); err != nil {
			sink.Close()
			return fmt.Errorf("attach %s: %w", name, err)
		}
		log.Printf("[export] %s -> %s", name, f)
		return nil
	}

	if ec.CSV {
		ascii := export.NewCSVSink(export.CSVConfig{Dir: ec.Dir, Prefix: "vn", MaxRowsPerFile: ec.MaxRowsPerFile})
		if err := attach("csv", dispatch.MatchPrefix(ec.Prefix), ascii); err != nil {
			return err
		}
		binary := export.NewCSVSink(export.CSVConfig{Dir: ec.Dir, Prefix: "vnbin", MaxRowsPerFile: ec.MaxRowsPerFile})
		if err := attach("csv-binary", dispatch.MatchAny(protocol.Header{}), binary); err != nil {
			return err
		}
	}
	if ec.ASCII {
		f, err := export.CreateFile(ec.Dir, "ascii_"+stamp+".txt")
		if err != nil {
			return err
		}
		if err := attach("ascii", dispatch.MatchPrefix(ec.Prefix), export.NewASCIISink(f)); err != nil {
			return err
		}
	}
	if ec.Skipped {
		f, err := export.CreateFile(ec.Dir, "skipped_"+stamp+".bin")
		if err != nil {
			return err
		}
		if err := attach("skipped", dispatch.MatchSkipped(), export.NewRawSink(f)); err != nil {
			return err
		}
	}
	if ec.Raw {
		f, err := export.CreateFile(ec.Dir, "raw_"+stamp+".bin")
		if err != nil {
			return err
		}
		sink := export.NewRawSink(f)
		if _, err := a.sensor.AttachReceivedBytesExporter("raw", sink, policy); err != nil {
			sink.Close()
			return fmt.Errorf("attach raw: %w", err)
		}
		log.Printf("[export] raw -> %s", f.Name())
	}

	if nc := a.cfg.NATS; nc.Enabled {
		// One connection per exporter; each sink owns and closes its own.
		for _, out := range []struct {
			name   string
			filter dispatch.Filter
		}{
			{"nats", dispatch.MatchPrefix("VN")},
			{"nats-binary", dispatch.MatchAny(protocol.Header{})},
		} {
			sink, err := export.DialNATS(nc.URL, nc.Subject)
			if err != nil {
				return err
			}
			if err := attach(out.name, out.filter, sink); err != nil {
				return err
			}
		}
	}
	return nil
}

// reportStats logs the engine counters every interval.
func (a *app) reportStats(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			st := a.sensor.Stats()
			log.Printf("[stats] rx=%dB skipped=%dB dropped=%dB crc=%d measurements=%d",
				st.Parser.ReceivedBytes, st.Parser.SkippedBytes, st.Parser.DroppedBytes,
				st.Parser.ChecksumErrors, st.Measurements)
			for _, e := range st.Exporters {
				log.Debugf("[stats] %s %s written=%d bytes=%d dropped=%d",
					e.Name, e.State, e.Written, e.BytesLogged, e.Dropped)
			}
		}
	}
}

func newRecordCmd() *cobra.Command {
	var statsEvery time.Duration
	cmd := &cobra.Command{
		Use:   "record",
		Short: "record sensor output to the configured exporters",
		Long: `record connects to the sensor and writes its output to every exporter
enabled in the config (CSV, ASCII, skipped bytes, raw bytes, NATS) until
interrupted. With sensor type "file" it replays the capture and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := loadApp()
			defer a.sensor.Close()
			if err := a.attachExporters(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				// Supervisor end means a finished replay or shutdown.
				defer cancel()
				return a.supervise(ctx)
			})
			g.Go(func() error { return a.logAsyncErrors(ctx) })
			g.Go(func() error { return a.reportStats(ctx, statsEvery) })
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&statsEvery, "stats", 5*time.Second, "stats log interval")
	return cmd
}

func newMonitorCmd() *cobra.Command {
	var (
		listen     string
		withExport bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "serve a live web view of the sensor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := loadApp()
			defer a.sensor.Close()
			if listen != "" {
				a.cfg.Monitor.ListenAddr = listen
			}
			if withExport {
				if err := a.attachExporters(); err != nil {
					return err
				}
			}

			srv := monitor.New(a.cfg, a.sensor, a.metrics, web.FS)

			// The page starts regardless; the sensor connects in the background.
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.supervise(ctx) })
			g.Go(func() error { return a.logAsyncErrors(ctx) })
			g.Go(func() error { return srv.Run(ctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen address (e.g. :8080)")
	cmd.Flags().BoolVar(&withExport, "export", false, "also record to the configured exporters")
	return cmd
}
