package transport

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
	"github.com/shaunagostinho/vnsensor/internal/register"
)

// imuRate is the internal sample rate binary outputs divide down from.
const imuRate = 800

// SimConfig seeds a Simulator.
type SimConfig struct {
	Model    string
	BaudRate int
	// AsyncType and AsyncFreq preset registers 6 and 7.
	AsyncType uint32
	AsyncFreq uint32
	// BinaryOutput presets register 75, e.g. "1,16,01,0129".
	BinaryOutput string
	// SplitPayload, when set, sends binary frames longer than this many
	// bytes as 0xFB split parts.
	SplitPayload int
	ReadTimeout  time.Duration
}

// Simulator is an in-memory sensor. It answers register and generic
// commands and streams async output. When the host baud rate differs from
// the sensor's, both directions turn to noise.
type Simulator struct {
	mu          sync.Mutex
	cfg         SimConfig
	regs        map[int]string
	parser      *protocol.Parser
	out         []byte
	hostBaud    int
	sensorBaud  int
	asyncOn     bool
	closed      bool
	start       time.Time
	lastASCII   time.Time
	lastBinary  [3]time.Time
	notify      chan struct{}
	readTimeout time.Duration
	rng         *rand.Rand
	splitID     uint8
}

// NewSimulator creates a simulated sensor listening at cfg.BaudRate.
func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.Model == "" {
		cfg.Model = "VN-100T"
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.AsyncType != 0 && cfg.AsyncFreq == 0 {
		cfg.AsyncFreq = 40
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Millisecond
	}
	now := time.Now()
	s := &Simulator{
		cfg:         cfg,
		parser:      protocol.NewParser(protocol.ParserConfig{}),
		hostBaud:    cfg.BaudRate,
		sensorBaud:  cfg.BaudRate,
		asyncOn:     true,
		start:       now,
		lastASCII:   now,
		notify:      make(chan struct{}, 1),
		readTimeout: cfg.ReadTimeout,
		rng:         rand.New(rand.NewSource(now.UnixNano())),
	}
	s.lastBinary = [3]time.Time{now, now, now}
	s.restoreDefaults()
	return s
}

func (s *Simulator) restoreDefaults() {
	s.regs = map[int]string{
		0:  "",
		1:  s.cfg.Model,
		2:  "2",
		3:  "0100012345",
		4:  "2.1.0.0",
		5:  strconv.Itoa(s.sensorBaud),
		6:  strconv.FormatUint(uint64(s.cfg.AsyncType), 10),
		7:  strconv.FormatUint(uint64(s.cfg.AsyncFreq), 10),
		8:  "+000.000,+000.000,+000.000",
		9:  "+0.000000,+0.000000,+0.000000,+1.000000",
		50: "0,0,0",
		75: "0,0,00",
		76: "0,0,00",
		77: "0,0,00",
	}
	if s.cfg.BinaryOutput != "" {
		s.regs[75] = s.cfg.BinaryOutput
	}
}

// SetSensorBaud changes the sensor side rate, as if the unit had been
// configured earlier to a different speed.
func (s *Simulator) SetSensorBaud(baud int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensorBaud = baud
	s.regs[5] = strconv.Itoa(baud)
}

// Register returns the stored value string of a register.
func (s *Simulator) Register(id int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.regs[id]
	return v, ok
}

// Inject queues raw bytes for the host to read.
func (s *Simulator) Inject(b []byte) {
	s.mu.Lock()
	s.out = append(s.out, b...)
	s.mu.Unlock()
	s.wake()
}

func (s *Simulator) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Simulator) Name() string { return "simulator" }

func (s *Simulator) BaudRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostBaud
}

func (s *Simulator) SetBaudRate(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.hostBaud = baud
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.wake()
	return nil
}

// Read returns pending output, waiting up to the read timeout for some.
func (s *Simulator) Read(p []byte) (int, error) {
	deadline := time.Now().Add(s.readTimeout)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		s.generate(time.Now())
		if len(s.out) > 0 {
			n := copy(p, s.out)
			s.out = s.out[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		if wait > 5*time.Millisecond {
			wait = 5 * time.Millisecond
		}
		select {
		case <-s.notify:
		case <-time.After(wait):
		}
	}
}

// Write feeds command bytes to the simulated unit.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.wake()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.hostBaud != s.sensorBaud {
		return len(p), nil
	}
	s.parser.Write(p)
	for {
		pkt, err := s.parser.Next()
		if err != nil {
			s.reply("VNERR,03")
			continue
		}
		if pkt == nil {
			break
		}
		if pkt.Kind == protocol.KindASCII {
			s.handle(pkt)
		}
	}
	return len(p), nil
}

// emit queues b as the host would receive it.
func (s *Simulator) emit(b []byte) {
	if s.hostBaud != s.sensorBaud {
		noise := make([]byte, len(b))
		for i := range noise {
			noise[i] = byte(s.rng.Intn(0x20))
		}
		b = noise
	}
	s.out = append(s.out, b...)
}

func (s *Simulator) reply(body string) {
	s.emit(protocol.EncodeASCII(body, protocol.Checksum8Bit))
}

func (s *Simulator) handle(pkt *protocol.Packet) {
	if !strings.HasPrefix(pkt.MessageID, "VN") {
		s.reply("VNERR,04")
		return
	}
	cmd := strings.TrimPrefix(pkt.MessageID, "VN")
	switch cmd {
	case "RRG":
		id, ok := s.registerID(pkt.Fields)
		if !ok {
			return
		}
		s.reply(fmt.Sprintf("VNRRG,%02d,%s", id, s.regs[id]))
	case "WRG":
		s.writeRegister(pkt.Fields)
	case "RFS":
		s.restoreDefaults()
		s.reply("VNRFS")
	case "ASY":
		if len(pkt.Fields) == 0 {
			s.reply("VNERR,05")
			return
		}
		s.asyncOn = pkt.Fields[0] == "1"
		s.reply(pkt.Body())
	case "WNV", "RST", "SFB", "KMD", "KAD", "SIH":
		s.reply(pkt.Body())
	default:
		s.reply("VNERR,04")
	}
}

func (s *Simulator) registerID(fields []string) (int, bool) {
	if len(fields) == 0 {
		s.reply("VNERR,05")
		return 0, false
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		s.reply("VNERR,07")
		return 0, false
	}
	if _, ok := s.regs[id]; !ok {
		s.reply("VNERR,08")
		return 0, false
	}
	return id, true
}

func (s *Simulator) writeRegister(fields []string) {
	id, ok := s.registerID(fields)
	if !ok {
		return
	}
	if (id >= 1 && id <= 4) || id == 8 || id == 9 {
		s.reply("VNERR,09")
		return
	}
	if len(fields) < 2 {
		s.reply("VNERR,05")
		return
	}
	values := strings.Join(fields[1:], ",")
	reg := register.Lookup(id)
	if err := reg.Decode(fields[1:]); err != nil {
		s.reply("VNERR,07")
		return
	}
	if b, ok := reg.(*register.BaudRate); ok && !register.IsSupportedBaud(b.Baud) {
		s.reply("VNERR,07")
		return
	}
	s.regs[id] = values
	s.reply(fmt.Sprintf("VNWRG,%02d,%s", id, values))

	switch id {
	case 5:
		baud, _ := strconv.Atoi(fields[1])
		s.sensorBaud = baud
	case 6, 7:
		s.lastASCII = time.Now()
	}
}

func (s *Simulator) generate(now time.Time) {
	if !s.asyncOn {
		return
	}
	s.generateASCII(now)
	for i := range s.lastBinary {
		s.generateBinary(i, now)
	}
}

func (s *Simulator) generateASCII(now time.Time) {
	ador, _ := strconv.ParseUint(s.regs[6], 10, 32)
	freq, _ := strconv.ParseUint(s.regs[7], 10, 32)
	id, ok := register.AsyncMessageID(uint32(ador))
	if !ok || id == "" || freq == 0 {
		return
	}
	interval := time.Second / time.Duration(freq)
	if now.Sub(s.lastASCII) > 10*interval {
		s.lastASCII = now.Add(-interval)
	}
	for !s.lastASCII.Add(interval).After(now) {
		s.lastASCII = s.lastASCII.Add(interval)
		s.reply(id + "," + s.asciiValues(id, s.lastASCII))
	}
}

func (s *Simulator) generateBinary(idx int, now time.Time) {
	bo := register.NewBinaryOutput(idx + 1)
	if err := bo.Decode(strings.Split(s.regs[bo.ID()], ",")); err != nil {
		return
	}
	if bo.AsyncMode == 0 || bo.RateDivisor == 0 || bo.Header.PayloadLen() <= 0 {
		return
	}
	interval := time.Second * time.Duration(bo.RateDivisor) / imuRate
	if now.Sub(s.lastBinary[idx]) > 10*interval {
		s.lastBinary[idx] = now.Add(-interval)
	}
	for !s.lastBinary[idx].Add(interval).After(now) {
		s.lastBinary[idx] = s.lastBinary[idx].Add(interval)
		frame, err := protocol.EncodeBinary(protocol.DefaultSyncByte, bo.Header, s.payload(bo.Header, s.lastBinary[idx]))
		if err != nil {
			continue
		}
		if s.cfg.SplitPayload <= 0 || len(frame) <= s.cfg.SplitPayload {
			s.emit(frame)
			continue
		}
		s.splitID++
		parts, err := protocol.SplitFrame(frame, s.splitID, s.cfg.SplitPayload)
		if err != nil {
			continue
		}
		for _, part := range parts {
			s.emit(part)
		}
	}
}

type motion struct {
	ypr, accel, gyro, mag [3]float64
	quat                  [4]float64
}

func (s *Simulator) sample(at time.Time) motion {
	t := at.Sub(s.start).Seconds()
	var m motion
	m.ypr = [3]float64{math.Mod(t*20, 360) - 180, 5 * math.Sin(t), 3 * math.Cos(t*0.7)}
	m.accel = [3]float64{0.1 * math.Sin(t), 0.1 * math.Cos(t), -9.81 + s.rng.Float64()*0.02}
	m.gyro = [3]float64{0.01 * math.Cos(t), 0.01 * math.Sin(t), 20 * math.Pi / 180}
	m.mag = [3]float64{0.2, 0.05, 0.45}
	half := m.ypr[0] * math.Pi / 360
	m.quat = [4]float64{0, 0, math.Sin(half), math.Cos(half)}
	return m
}

func joinFloats(format string, vs ...float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf(format, v)
	}
	return strings.Join(parts, ",")
}

func (s *Simulator) asciiValues(id string, at time.Time) string {
	m := s.sample(at)
	switch id {
	case "VNYPR":
		return joinFloats("%+08.3f", m.ypr[:]...)
	case "VNQTN":
		return joinFloats("%+09.6f", m.quat[:]...)
	case "VNMAG":
		return joinFloats("%+08.4f", m.mag[:]...)
	case "VNACC":
		return joinFloats("%+07.3f", m.accel[:]...)
	case "VNGYR":
		return joinFloats("%+08.4f", m.gyro[:]...)
	case "VNYMR":
		return joinFloats("%+08.3f", m.ypr[:]...) + "," + joinFloats("%+08.4f", m.mag[:]...) + "," +
			joinFloats("%+07.3f", m.accel[:]...) + "," + joinFloats("%+08.4f", m.gyro[:]...)
	case "VNYBA":
		return joinFloats("%+08.3f", m.ypr[:]...) + "," + joinFloats("%+07.3f", m.accel[:]...) + "," +
			joinFloats("%+08.4f", m.gyro[:]...)
	case "VNIMU":
		return joinFloats("%+08.4f", m.mag[:]...) + "," + joinFloats("%+07.3f", m.accel[:]...) + "," +
			joinFloats("%+08.4f", m.gyro[:]...) + ",+025.1,+101.325"
	}
	return ""
}

func (s *Simulator) payload(h protocol.Header, at time.Time) []byte {
	m := s.sample(at)
	out := make([]byte, 0, h.PayloadLen())
	f32 := func(vs ...float64) {
		for _, v := range vs {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
		}
	}
	for _, f := range h.Fields() {
		switch protocol.FieldName(f) {
		case "TimeStartup":
			out = binary.LittleEndian.AppendUint64(out, uint64(at.Sub(s.start).Nanoseconds()))
		case "Ypr":
			f32(m.ypr[:]...)
		case "Quaternion":
			f32(m.quat[:]...)
		case "AngularRate", "UncompGyro":
			f32(m.gyro[:]...)
		case "Accel", "UncompAccel":
			f32(m.accel[:]...)
		case "Mag", "UncompMag":
			f32(m.mag[:]...)
		default:
			out = append(out, make([]byte, protocol.FieldSize(f))...)
		}
	}
	return out
}
