// Package sensor ties a transport to the frame parser, the dispatcher, the
// command correlator and the measurement aggregator.
//
// Each connection runs one reader goroutine. It parses every byte read,
// offers ASCII responses to the correlator, merges measurements into the
// aggregator and fans every packet out to subscribers. Errors that belong
// to no caller are published on AsyncErrors.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/vnsensor/internal/command"
	"github.com/shaunagostinho/vnsensor/internal/dispatch"
	"github.com/shaunagostinho/vnsensor/internal/export"
	"github.com/shaunagostinho/vnsensor/internal/measurement"
	"github.com/shaunagostinho/vnsensor/internal/metrics"
	"github.com/shaunagostinho/vnsensor/internal/protocol"
	"github.com/shaunagostinho/vnsensor/internal/transport"
)

var (
	ErrNotConnected     = errors.New("sensor: not connected")
	ErrAlreadyConnected = errors.New("sensor: already connected")
	ErrNotSupported     = errors.New("sensor: not supported by this transport")
	ErrNoResponse       = errors.New("sensor: no response at any baud rate")
)

// DefaultAutoBaudRates is the order AutoConnect tries.
var DefaultAutoBaudRates = []int{115200, 921600, 9600, 19200, 38400, 57600, 128000, 230400, 460800}

// Config tunes the engine.
type Config struct {
	Driver          transport.Driver      `yaml:"driver" json:"driver"`
	ReadTimeout     time.Duration         `yaml:"read_timeout" json:"readTimeout"`
	ResponseTimeout time.Duration         `yaml:"response_timeout" json:"responseTimeout"`
	Retries         int                   `yaml:"retries" json:"retries"`
	RemovalTimeout  time.Duration         `yaml:"removal_timeout" json:"removalTimeout"`
	ProbeTimeout    time.Duration         `yaml:"probe_timeout" json:"probeTimeout"`
	Checksum        protocol.ChecksumMode `yaml:"checksum" json:"checksum"`
	SyncByte        byte                  `yaml:"sync_byte" json:"syncByte"`
	MaxPacketLength int                   `yaml:"max_packet_length" json:"maxPacketLength"`

	MeasurementQueue int                   `yaml:"measurement_queue" json:"measurementQueue"`
	MeasurementMode  measurement.QueueMode `yaml:"measurement_mode" json:"measurementMode"`
	AsyncErrorQueue  int                   `yaml:"async_error_queue" json:"asyncErrorQueue"`
	ExportQueue      int                   `yaml:"export_queue" json:"exportQueue"`
	AutoBaudRates    []int                 `yaml:"auto_baud_rates" json:"autoBaudRates"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Driver:           transport.DriverBugst,
		ReadTimeout:      transport.DefaultReadTimeout,
		ResponseTimeout:  500 * time.Millisecond,
		Retries:          2,
		RemovalTimeout:   command.DefaultRemovalTimeout,
		ProbeTimeout:     250 * time.Millisecond,
		Checksum:         protocol.Checksum8Bit,
		SyncByte:         protocol.DefaultSyncByte,
		MaxPacketLength:  protocol.DefaultMaxPacketLength,
		MeasurementQueue: measurement.DefaultQueueCapacity,
		MeasurementMode:  measurement.DropOldest,
		AsyncErrorQueue:  64,
		ExportQueue:      4096,
		AutoBaudRates:    DefaultAutoBaudRates,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RemovalTimeout <= 0 {
		c.RemovalTimeout = d.RemovalTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.SyncByte == 0 {
		c.SyncByte = d.SyncByte
	}
	if c.MaxPacketLength <= 0 {
		c.MaxPacketLength = d.MaxPacketLength
	}
	if c.MeasurementQueue <= 0 {
		c.MeasurementQueue = d.MeasurementQueue
	}
	if c.AsyncErrorQueue <= 0 {
		c.AsyncErrorQueue = d.AsyncErrorQueue
	}
	if c.ExportQueue <= 0 {
		c.ExportQueue = d.ExportQueue
	}
	if len(c.AutoBaudRates) == 0 {
		c.AutoBaudRates = d.AutoBaudRates
	}
}

// AsyncError is a failure that no caller was waiting for.
type AsyncError struct {
	Err  error
	Time time.Time
}

func (e AsyncError) Error() string { return e.Err.Error() }
func (e AsyncError) Unwrap() error { return e.Err }

// Opener opens a serial port; tests replace it.
type Opener func(cfg transport.Config) (transport.Port, error)

// Option configures a Sensor.
type Option func(*Sensor)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sensor) { s.metrics = m } }
func WithOpener(o Opener) Option            { return func(s *Sensor) { s.open = o } }

// Sensor is one sensor endpoint. Subscriptions and exporters outlive
// individual connections.
type Sensor struct {
	cfg     Config
	metrics *metrics.Metrics
	open    Opener

	dispatcher *dispatch.Dispatcher
	taps       *dispatch.Dispatcher
	asyncErrs  chan AsyncError

	mu        sync.Mutex
	conn      *connection
	agg       *measurement.Aggregator
	exporters map[string]*exporterEntry
}

type exporterEntry struct {
	exp  *export.Exporter
	from *dispatch.Dispatcher
}

// New creates a disconnected sensor.
func New(cfg Config, opts ...Option) *Sensor {
	cfg.applyDefaults()
	s := &Sensor{
		cfg:        cfg,
		open:       transport.Open,
		dispatcher: dispatch.New(),
		taps:       dispatch.New(),
		asyncErrs:  make(chan AsyncError, cfg.AsyncErrorQueue),
		exporters:  make(map[string]*exporterEntry),
	}
	for _, o := range opts {
		o(s)
	}
	s.dispatcher.OnDrop(s.metrics.QueueDropped)
	s.taps.OnDrop(s.metrics.QueueDropped)
	return s
}

// Config returns the effective configuration.
func (s *Sensor) Config() Config { return s.cfg }

// Connect opens a serial port at baud and starts reading.
func (s *Sensor) Connect(ctx context.Context, path string, baud int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := s.open(transport.Config{
		Path:        path,
		BaudRate:    baud,
		Driver:      s.cfg.Driver,
		ReadTimeout: s.cfg.ReadTimeout,
	})
	if err != nil {
		return err
	}
	if err := s.attach(port, port); err != nil {
		port.Close()
		return err
	}
	log.Printf("[sensor] connected to %s at %d baud", path, baud)
	return nil
}

// ConnectFile replays a recorded stream. The file is read-only, so commands
// fail with a *command.TransportError.
func (s *Sensor) ConnectFile(path string) error {
	f, err := transport.OpenFile(path)
	if err != nil {
		return err
	}
	if err := s.attach(f, nil); err != nil {
		f.Close()
		return err
	}
	return nil
}

// ConnectTransport uses an already open transport.
func (s *Sensor) ConnectTransport(t transport.Transport) error {
	port, _ := t.(transport.Port)
	return s.attach(t, port)
}

// AutoConnect opens path and tries each configured baud rate until the
// sensor answers. It returns the baud rate that worked.
func (s *Sensor) AutoConnect(ctx context.Context, path string) (int, error) {
	rates := s.cfg.AutoBaudRates
	port, err := s.open(transport.Config{
		Path:        path,
		BaudRate:    rates[0],
		Driver:      s.cfg.Driver,
		ReadTimeout: s.cfg.ReadTimeout,
	})
	if err != nil {
		return 0, err
	}
	for _, baud := range rates {
		if err := ctx.Err(); err != nil {
			port.Close()
			return 0, err
		}
		if err := port.SetBaudRate(baud); err != nil {
			port.Close()
			return 0, fmt.Errorf("sensor: set baud %d: %w", baud, err)
		}
		if err := s.attach(port, port); err != nil {
			port.Close()
			return 0, err
		}
		if err := s.probe(ctx); err == nil {
			log.Printf("[sensor] found sensor on %s at %d baud", path, baud)
			return baud, nil
		}
		log.Debugf("[sensor] no answer at %d baud", baud)
		s.detach(false)
	}
	port.Close()
	return 0, fmt.Errorf("%w on %s", ErrNoResponse, path)
}

func (s *Sensor) probe(ctx context.Context) error {
	_, err := s.SendCommand(ctx, readModel(), command.Blocking(s.cfg.ProbeTimeout))
	return err
}

// Disconnect stops the reader, closes the transport and fails every
// outstanding command with ErrDisconnected.
func (s *Sensor) Disconnect() error {
	c := s.detach(true)
	if c == nil {
		return ErrNotConnected
	}
	log.Printf("[sensor] disconnected")
	return nil
}

// Close disconnects and stops every exporter.
func (s *Sensor) Close() error {
	s.detach(true)
	s.mu.Lock()
	names := make([]string, 0, len(s.exporters))
	for name := range s.exporters {
		names = append(names, name)
	}
	s.mu.Unlock()

	var first error
	for _, name := range names {
		if err := s.DetachExporter(name); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// IsConnected reports whether a reader is running.
func (s *Sensor) IsConnected() bool {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the current connection's reader exits, for example
// at the end of a replayed file.
func (s *Sensor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.conn.done
}

// Err returns why the last reader stopped, nil while it runs.
func (s *Sensor) Err() error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Err()
}

// Port returns the serial port of the current connection, if any.
func (s *Sensor) Port() (transport.Port, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.port == nil {
		return nil, false
	}
	return s.conn.port, true
}

func (s *Sensor) attach(t transport.Transport, port transport.Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		select {
		case <-s.conn.done:
		default:
			return ErrAlreadyConnected
		}
	}

	c := &connection{
		t:    t,
		port: port,
		parser: protocol.NewParser(protocol.ParserConfig{
			SyncByte:        s.cfg.SyncByte,
			MaxPacketLength: s.cfg.MaxPacketLength,
		}),
		agg:  measurement.NewAggregator(s.cfg.MeasurementQueue, s.cfg.MeasurementMode),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.corr = command.NewCorrelator(c.transmit, command.Config{
		RemovalTimeout: s.cfg.RemovalTimeout,
		Checksum:       s.cfg.Checksum,
	})
	s.conn = c
	s.agg = c.agg
	s.metrics.SetConnected(true)
	go s.readLoop(c)
	return nil
}

// detach stops the current reader. The transport is closed only when
// closeTransport is set; AutoConnect keeps the port open between rates.
func (s *Sensor) detach(closeTransport bool) *connection {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	c.stopOnce.Do(func() { close(c.stop) })
	if closeTransport {
		c.t.Close()
	}
	<-c.done
	s.metrics.SetConnected(false)
	return c
}

func (s *Sensor) current() (*connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *Sensor) readLoop(c *connection) {
	buf := make([]byte, 4096)
	var reason error
	for {
		select {
		case <-c.stop:
			reason = command.ErrDisconnected
		default:
		}
		if reason != nil {
			break
		}

		n, err := c.t.Read(buf)
		c.corr.Sweep(time.Now())
		if n > 0 {
			s.process(c, buf[:n])
		}
		if err == nil {
			continue
		}

		select {
		case <-c.stop:
			reason = command.ErrDisconnected
		default:
			if errors.Is(err, io.EOF) {
				log.Printf("[sensor] end of stream")
				c.parser.Flush()
				s.process(c, nil)
				reason = io.EOF
			} else {
				log.Warnf("[sensor] read failed: %v", err)
				s.asyncError(&command.TransportError{Op: "read", Err: err})
				reason = err
			}
			c.t.Close()
			s.metrics.SetConnected(false)
		}
	}

	c.setErr(reason)
	c.corr.Cancel(command.ErrDisconnected)
	c.agg.Close(command.ErrDisconnected)
	close(c.done)
}

// process parses b and routes every resulting packet.
func (s *Sensor) process(c *connection, b []byte) {
	now := time.Now()
	if len(b) > 0 {
		if s.taps.Len() > 0 {
			raw := append([]byte(nil), b...)
			s.taps.Dispatch(&protocol.Packet{Kind: protocol.KindUnrecognized, Raw: raw, Timestamp: now})
		}
		c.parser.Write(b)
	}

	for {
		pkt, err := c.parser.Next()
		if err != nil {
			var cerr *protocol.ChecksumError
			if errors.As(err, &cerr) {
				s.metrics.ChecksumError(cerr.Kind.String())
			}
			log.Debugf("[sensor] %v", err)
			continue
		}
		if pkt == nil {
			break
		}
		s.route(c, pkt)
	}

	st := c.parser.Stats()
	c.mu.Lock()
	prev := c.stats
	c.stats = st
	c.mu.Unlock()
	s.metrics.ParserDelta(st.ReceivedBytes-prev.ReceivedBytes, st.SkippedBytes-prev.SkippedBytes, st.DroppedBytes-prev.DroppedBytes)
}

func (s *Sensor) route(c *connection, pkt *protocol.Packet) {
	if !pkt.IsSkipped() {
		s.metrics.PacketParsed(pkt.Kind.String())
	}
	if command.IsResponse(pkt, measurement.IsASCIIMeasurement) {
		if !c.corr.Match(pkt) {
			if serr, ok := command.ParseSensorError(pkt); ok {
				s.asyncError(serr)
			} else {
				s.asyncError(fmt.Errorf("%w: %s", command.ErrUnexpectedResponse, pkt.Body()))
			}
		}
	} else if !pkt.IsSkipped() {
		if err := c.agg.OnPacket(pkt); err != nil && !errors.Is(err, measurement.ErrNotMeasurement) {
			log.Debugf("[sensor] %s: %v", pkt, err)
		}
	}
	s.dispatcher.Dispatch(pkt)
}

// asyncError publishes err, evicting the oldest entry when full.
func (s *Sensor) asyncError(err error) {
	s.metrics.AsyncError()
	ae := AsyncError{Err: err, Time: time.Now()}
	for {
		select {
		case s.asyncErrs <- ae:
			return
		default:
		}
		select {
		case <-s.asyncErrs:
		default:
		}
	}
}

// AsyncErrors delivers errors not tied to a call: unsolicited $VNERR
// sentences, unmatched responses and read failures.
func (s *Sensor) AsyncErrors() <-chan AsyncError { return s.asyncErrs }

type connection struct {
	t      transport.Transport
	port   transport.Port
	parser *protocol.Parser
	corr   *command.Correlator
	agg    *measurement.Aggregator

	writeMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	stats protocol.Stats
	err   error
}

func (c *connection) transmit(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.t.Write(b)
	return err
}

func (c *connection) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
