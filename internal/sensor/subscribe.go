package sensor

import (
	"context"
	"fmt"

	"github.com/shaunagostinho/vnsensor/internal/dispatch"
	"github.com/shaunagostinho/vnsensor/internal/export"
	"github.com/shaunagostinho/vnsensor/internal/measurement"
	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// Subscribe delivers packets matching f to q.
func (s *Sensor) Subscribe(q *dispatch.Queue, f dispatch.Filter) dispatch.SubscriptionID {
	return s.dispatcher.Subscribe(q, f)
}

func (s *Sensor) Unsubscribe(id dispatch.SubscriptionID) bool {
	return s.dispatcher.Unsubscribe(id)
}

// UnsubscribeQueue removes every subscription feeding q.
func (s *Sensor) UnsubscribeQueue(q *dispatch.Queue) int {
	return s.dispatcher.UnsubscribeQueue(q)
}

// TapReceivedBytes copies every chunk read from the transport into q
// before parsing, as Unrecognized packets.
func (s *Sensor) TapReceivedBytes(q *dispatch.Queue) dispatch.SubscriptionID {
	return s.taps.Subscribe(q, dispatch.MatchSkipped())
}

func (s *Sensor) UntapReceivedBytes(q *dispatch.Queue) int {
	return s.taps.UnsubscribeQueue(q)
}

// AttachExporter subscribes a new exporter to packets matching f and
// starts it.
func (s *Sensor) AttachExporter(name string, f dispatch.Filter, sink export.Sink, policy dispatch.OverflowPolicy) (*export.Exporter, error) {
	return s.attachExporter(name, s.dispatcher, f, sink, policy)
}

// AttachReceivedBytesExporter logs the raw received stream.
func (s *Sensor) AttachReceivedBytesExporter(name string, sink export.Sink, policy dispatch.OverflowPolicy) (*export.Exporter, error) {
	return s.attachExporter(name, s.taps, dispatch.MatchSkipped(), sink, policy)
}

func (s *Sensor) attachExporter(name string, from *dispatch.Dispatcher, f dispatch.Filter, sink export.Sink, policy dispatch.OverflowPolicy) (*export.Exporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exporters[name]; ok {
		return nil, fmt.Errorf("sensor: exporter %q already attached", name)
	}
	q := dispatch.NewQueue(name, s.cfg.ExportQueue, policy)
	e := export.New(name, q, sink, export.WithMetrics(s.metrics))
	if err := e.Start(); err != nil {
		return nil, err
	}
	from.Subscribe(q, f)
	s.exporters[name] = &exporterEntry{exp: e, from: from}
	return e, nil
}

// DetachExporter unsubscribes the exporter, drains what it has queued and
// closes its sink.
func (s *Sensor) DetachExporter(name string) error {
	s.mu.Lock()
	ent, ok := s.exporters[name]
	delete(s.exporters, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sensor: no exporter %q", name)
	}
	ent.from.UnsubscribeQueue(ent.exp.Queue())
	return ent.exp.Stop()
}

// Exporters lists the attached exporters.
func (s *Sensor) Exporters() []*export.Exporter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*export.Exporter, 0, len(s.exporters))
	for _, e := range s.exporters {
		out = append(out, e.exp)
	}
	return out
}

func (s *Sensor) aggregator() (*measurement.Aggregator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agg == nil {
		return nil, ErrNotConnected
	}
	return s.agg, nil
}

// GetNextMeasurement returns the oldest pending snapshot. Measurements
// queued before a disconnect can still be drained afterwards.
func (s *Sensor) GetNextMeasurement(ctx context.Context, block bool) (*measurement.Snapshot, error) {
	agg, err := s.aggregator()
	if err != nil {
		return nil, err
	}
	return agg.Next(ctx, block)
}

// GetMostRecentMeasurement returns the newest pending snapshot and discards
// older ones. It returns nil when none is pending.
func (s *Sensor) GetMostRecentMeasurement() *measurement.Snapshot {
	agg, err := s.aggregator()
	if err != nil {
		return nil
	}
	snap, _ := agg.MostRecent()
	return snap
}

// Current is a copy of the latest merged measurement state.
func (s *Sensor) Current() measurement.CompositeData {
	agg, err := s.aggregator()
	if err != nil {
		return measurement.CompositeData{}
	}
	return agg.Current()
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	Parser              protocol.Stats  `json:"parser"`
	Connected           bool            `json:"connected"`
	OutstandingCommands int             `json:"outstandingCommands"`
	Measurements        uint64          `json:"measurements"`
	MeasurementsDropped uint64          `json:"measurementsDropped"`
	Subscriptions       int             `json:"subscriptions"`
	Exporters           []ExporterStats `json:"exporters"`
}

type ExporterStats struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Written     uint64 `json:"written"`
	BytesLogged uint64 `json:"bytesLogged"`
	Dropped     uint64 `json:"dropped"`
}

func (s *Sensor) Stats() Stats {
	st := Stats{Connected: s.IsConnected(), Subscriptions: s.dispatcher.Len()}

	s.mu.Lock()
	c, agg := s.conn, s.agg
	for _, e := range s.exporters {
		st.Exporters = append(st.Exporters, ExporterStats{
			Name:        e.exp.Name(),
			State:       e.exp.State().String(),
			Written:     e.exp.Written(),
			BytesLogged: e.exp.BytesLogged(),
			Dropped:     e.exp.Dropped(),
		})
	}
	s.mu.Unlock()

	if c != nil {
		c.mu.Lock()
		st.Parser = c.stats
		c.mu.Unlock()
		st.OutstandingCommands = c.corr.Outstanding()
	}
	if agg != nil {
		st.Measurements = agg.Merged()
		st.MeasurementsDropped = agg.Dropped()
	}
	return st
}
