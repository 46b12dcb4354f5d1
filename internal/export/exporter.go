// Package export drains dispatcher queues into files and message buses.
//
// An Exporter owns one consumer goroutine. Bytes logged only ever grow and
// count what the sink reported writing; packets the queue refused and writes
// the sink failed are counted as dropped.
package export

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/vnsensor/internal/dispatch"
	"github.com/shaunagostinho/vnsensor/internal/metrics"
	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

var (
	ErrExporterStopped   = errors.New("export: exporter stopped")
	ErrUnsupportedPacket = errors.New("export: packet kind not supported by sink")
)

// Sink writes one packet and reports the bytes it produced.
type Sink interface {
	Write(pkt *protocol.Packet) (int, error)
	Close() error
}

// State is the exporter lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return "created"
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithMetrics reports written bytes and failures to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

// Exporter moves packets from a queue into a sink.
type Exporter struct {
	name    string
	queue   *dispatch.Queue
	sink    Sink
	runID   uuid.UUID
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
	err   error

	bytes   atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// New creates an exporter in the Created state.
func New(name string, queue *dispatch.Queue, sink Sink, opts ...Option) *Exporter {
	e := &Exporter{
		name:  name,
		queue: queue,
		sink:  sink,
		runID: uuid.New(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Exporter) Name() string           { return e.name }
func (e *Exporter) RunID() uuid.UUID       { return e.runID }
func (e *Exporter) Queue() *dispatch.Queue { return e.queue }

// Start launches the consumer goroutine. Starting twice is a no-op; starting
// after Stop fails.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateStarted:
		return nil
	case StateStopped:
		return ErrExporterStopped
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.state = StateStarted
	go e.run()
	log.Printf("[export] %s started (run %s)", e.name, e.runID)
	return nil
}

// Stop closes the queue, drains every packet it accepted, then closes the
// sink. Packets offered after Stop count as dropped. Stop before Start does
// nothing.
func (e *Exporter) Stop() error {
	e.mu.Lock()
	if e.state != StateStarted {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	stop, done := e.stop, e.done
	e.mu.Unlock()

	// Closing first lets a blocked Retry offer land while the consumer still
	// runs; nothing can arrive after the drain below.
	e.queue.Close()
	close(stop)
	<-done
	if err := e.sink.Close(); err != nil {
		e.setErr(err)
		return fmt.Errorf("export: close %s: %w", e.name, err)
	}
	log.Printf("[export] %s stopped: %d packets, %d bytes, %d dropped",
		e.name, e.Written(), e.BytesLogged(), e.Dropped())
	return nil
}

func (e *Exporter) run() {
	defer close(e.done)
	for {
		select {
		case pkt := <-e.queue.C():
			e.write(pkt)
		case <-e.stop:
			for {
				pkt, ok := e.queue.TryGet()
				if !ok {
					return
				}
				e.write(pkt)
			}
		}
	}
}

func (e *Exporter) write(pkt *protocol.Packet) {
	n, err := e.sink.Write(pkt)
	if err != nil {
		e.failed.Add(1)
		e.metrics.ExportFailure(e.name)
		e.setErr(err)
		log.Debugf("[export] %s: write failed: %v", e.name, err)
		return
	}
	e.bytes.Add(uint64(n))
	e.written.Add(1)
	e.metrics.ExportWrite(e.name, n)
}

func (e *Exporter) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// State returns the lifecycle state.
func (e *Exporter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// BytesLogged is the total the sink reported writing.
func (e *Exporter) BytesLogged() uint64 { return e.bytes.Load() }

// Written is the number of packets the sink accepted.
func (e *Exporter) Written() uint64 { return e.written.Load() }

// Dropped counts packets refused by the queue plus failed sink writes.
func (e *Exporter) Dropped() uint64 { return e.queue.Dropped() + e.failed.Load() }

// Err returns the most recent sink error.
func (e *Exporter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
