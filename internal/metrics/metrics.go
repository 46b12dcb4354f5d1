// Package metrics holds the Prometheus collectors for the sensor engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vnsensor"

// Metrics bundles every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	BytesReceived   prometheus.Counter
	BytesSkipped    prometheus.Counter
	BytesDropped    prometheus.Counter
	PacketsParsed   *prometheus.CounterVec
	ChecksumErrors  *prometheus.CounterVec
	QueueDrops      *prometheus.CounterVec
	CommandsSent    *prometheus.CounterVec
	CommandOutcomes *prometheus.CounterVec
	CommandLatency  prometheus.Histogram
	AsyncErrors     prometheus.Counter
	ExportBytes     *prometheus.CounterVec
	ExportFailures  *prometheus.CounterVec
	Connected       prometheus.Gauge
	MonitorClients  prometheus.Gauge
}

// New creates the collectors and registers them, plus the Go runtime
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "parser", Name: "received_bytes_total",
			Help: "Bytes read from the transport.",
		}),
		BytesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "parser", Name: "skipped_bytes_total",
			Help: "Bytes that belonged to no valid frame.",
		}),
		BytesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "parser", Name: "dropped_bytes_total",
			Help: "Bytes of frames that failed checksum verification.",
		}),
		PacketsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "parser", Name: "packets_total",
			Help: "Valid frames parsed, by kind.",
		}, []string{"kind"}),
		ChecksumErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "parser", Name: "checksum_errors_total",
			Help: "Frames rejected by checksum, by kind.",
		}, []string{"kind"}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "dropped_total",
			Help: "Packets a full subscriber queue refused.",
		}, []string{"queue"}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "command", Name: "sent_total",
			Help: "Commands written, by mnemonic.",
		}, []string{"command"}),
		CommandOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "command", Name: "outcomes_total",
			Help: "Finished blocking commands, by result.",
		}, []string{"command", "result"}),
		CommandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "command", Name: "latency_seconds",
			Help:    "Time from write to matched response.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		AsyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "async_errors_total",
			Help: "Errors reported on the asynchronous error channel.",
		}),
		ExportBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "bytes_total",
			Help: "Bytes written by exporters.",
		}, []string{"exporter"}),
		ExportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "failures_total",
			Help: "Packets an exporter failed to write.",
		}, []string{"exporter"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "connected",
			Help: "1 while a sensor connection is open.",
		}),
		MonitorClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "clients",
			Help: "Connected websocket monitor clients.",
		}),
	}
	m.registry.MustRegister(
		m.BytesReceived, m.BytesSkipped, m.BytesDropped, m.PacketsParsed,
		m.ChecksumErrors, m.QueueDrops, m.CommandsSent, m.CommandOutcomes,
		m.CommandLatency, m.AsyncErrors, m.ExportBytes, m.ExportFailures,
		m.Connected, m.MonitorClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ParserDelta adds parser counter increments.
func (m *Metrics) ParserDelta(received, skipped, dropped uint64) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(received))
	m.BytesSkipped.Add(float64(skipped))
	m.BytesDropped.Add(float64(dropped))
}

func (m *Metrics) PacketParsed(kind string) {
	if m != nil {
		m.PacketsParsed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ChecksumError(kind string) {
	if m != nil {
		m.ChecksumErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) QueueDropped(queue string) {
	if m != nil {
		m.QueueDrops.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) CommandSent(cmd string) {
	if m != nil {
		m.CommandsSent.WithLabelValues(cmd).Inc()
	}
}

// CommandFinished records the result of a blocking command.
func (m *Metrics) CommandFinished(cmd, result string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandOutcomes.WithLabelValues(cmd, result).Inc()
	if result == "ok" {
		m.CommandLatency.Observe(seconds)
	}
}

func (m *Metrics) AsyncError() {
	if m != nil {
		m.AsyncErrors.Inc()
	}
}

func (m *Metrics) ExportWrite(exporter string, n int) {
	if m != nil {
		m.ExportBytes.WithLabelValues(exporter).Add(float64(n))
	}
}

func (m *Metrics) ExportFailure(exporter string) {
	if m != nil {
		m.ExportFailures.WithLabelValues(exporter).Inc()
	}
}

func (m *Metrics) SetConnected(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) SetMonitorClients(n int) {
	if m != nil {
		m.MonitorClients.Set(float64(n))
	}
}
