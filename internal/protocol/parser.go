package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame matches every ChecksumError via errors.Is.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ChecksumError reports a frame whose structure was complete but whose
// checksum did not verify. The frame's bytes are counted as dropped.
type ChecksumError struct {
	Kind     Kind
	Raw      []byte
	Expected uint16
	Actual   uint16
	Reason   string
}

func (e *ChecksumError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol: %s frame (%d bytes): %s", e.Kind, len(e.Raw), e.Reason)
	}
	return fmt.Sprintf("protocol: %s frame (%d bytes): checksum 0x%X, computed 0x%X",
		e.Kind, len(e.Raw), e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrMalformedFrame }

// Stats are cumulative parser counters.
type Stats struct {
	ReceivedBytes  uint64
	SkippedBytes   uint64
	DroppedBytes   uint64
	ValidASCII     uint64
	ValidBinary    uint64
	ChecksumErrors uint64

	// Split parts accepted for reassembly, and their wire bytes.
	SplitParts uint64
	SplitBytes uint64
}

// ParserConfig tunes the parser. Zero values select the defaults.
type ParserConfig struct {
	SyncByte        byte
	MaxPacketLength int
}

// Parser turns an arbitrary byte stream into frames. It is not safe for
// concurrent use; the sensor reader goroutine owns it.
type Parser struct {
	sync    byte
	maxLen  int
	buf     []byte
	flushed bool
	stats   Stats
	split   splitState
	now     func() time.Time
}

type scanResult int

const (
	scanInvalid scanResult = iota
	scanIncomplete
	scanValid
	scanBadChecksum
)

// NewParser creates a parser.
func NewParser(cfg ParserConfig) *Parser {
	if cfg.SyncByte == 0 {
		cfg.SyncByte = DefaultSyncByte
	}
	if cfg.MaxPacketLength <= 0 {
		cfg.MaxPacketLength = DefaultMaxPacketLength
	}
	return &Parser{sync: cfg.SyncByte, maxLen: cfg.MaxPacketLength, now: time.Now}
}

// Write appends received bytes. It never fails.
func (p *Parser) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	p.stats.ReceivedBytes += uint64(len(b))
	p.flushed = false
	return len(b), nil
}

// Flush marks the end of the stream: candidates still waiting for bytes are
// treated as invalid so the remaining buffer drains as skipped bytes.
func (p *Parser) Flush() { p.flushed = true }

// Buffered is the number of bytes not yet released.
func (p *Parser) Buffered() int { return len(p.buf) }

// Stats returns a copy of the counters.
func (p *Parser) Stats() Stats { return p.stats }

// Next returns the next item in the stream. It yields a packet (a frame or
// a run of skipped bytes), a *ChecksumError for a frame that failed
// verification, or (nil, nil) when more bytes are needed.
func (p *Parser) Next() (*Packet, error) {
	for {
		pkt, more, err := p.next()
		if !more {
			return pkt, err
		}
	}
}

// next does one step of Next. more reports that a split part was absorbed
// and scanning should go on.
func (p *Parser) next() (*Packet, bool, error) {
	for i := 0; i < len(p.buf); i++ {
		if !p.isStart(p.buf[i]) {
			continue
		}
		res, n := p.scan(p.buf[i:])
		if res == scanInvalid {
			continue
		}
		if i > 0 {
			return p.skip(i), false, nil
		}
		switch res {
		case scanIncomplete:
			return nil, false, nil
		case scanBadChecksum:
			j, wait := p.resync(n)
			if wait {
				return nil, false, nil
			}
			if j > 0 {
				return p.skip(j), false, nil
			}
			return nil, false, p.reject(n)
		default:
			if p.buf[0] == SplitSyncByte && p.sync != SplitSyncByte {
				pkt, err := p.absorbSplit(n)
				return pkt, pkt == nil && err == nil, err
			}
			return p.emit(n), false, nil
		}
	}
	if len(p.buf) > 0 {
		return p.skip(len(p.buf)), false, nil
	}
	return nil, false, nil
}

func (p *Parser) isStart(c byte) bool {
	return c == AsciiStart || c == p.sync || c == SplitSyncByte
}

// resync looks inside a binary candidate of n bytes that failed its CRC for
// the start of a real frame. It returns that offset (0 when there is none)
// or wait when the frame found there still needs bytes.
func (p *Parser) resync(n int) (int, bool) {
	if p.buf[0] == AsciiStart {
		return 0, false
	}
	for j := 1; j < n; j++ {
		if !p.isStart(p.buf[j]) {
			continue
		}
		switch res, _ := p.scan(p.buf[j:]); res {
		case scanValid:
			return j, false
		case scanIncomplete:
			return 0, true
		}
	}
	return 0, false
}

func (p *Parser) scan(buf []byte) (scanResult, int) {
	switch {
	case buf[0] == AsciiStart:
		return p.scanASCII(buf)
	case buf[0] == p.sync:
		return p.scanBinary(buf)
	}
	return p.scanSplit(buf)
}

func (p *Parser) scanASCII(buf []byte) (scanResult, int) {
	for j := 1; j < len(buf); j++ {
		if j >= p.maxLen {
			return scanInvalid, 0
		}
		switch c := buf[j]; {
		case c == '\r':
			if j+1 >= len(buf) {
				return p.incomplete()
			}
			if buf[j+1] != '\n' || j == 1 {
				return scanInvalid, 0
			}
			if verifyASCII(buf[:j+2]) != nil {
				return scanBadChecksum, j + 2
			}
			return scanValid, j + 2
		case c == AsciiStart || !isPrintable(c):
			return scanInvalid, 0
		}
	}
	return p.incomplete()
}

func (p *Parser) scanBinary(buf []byte) (scanResult, int) {
	total, need, ok := binaryLength(buf, p.maxLen)
	if !ok {
		return scanInvalid, 0
	}
	if need > 0 || len(buf) < total {
		return p.incomplete()
	}
	want := binary.BigEndian.Uint16(buf[total-2:])
	if CRC16(buf[:total-2]) != want {
		return scanBadChecksum, total
	}
	return scanValid, total
}

func (p *Parser) incomplete() (scanResult, int) {
	if p.flushed {
		return scanInvalid, 0
	}
	return scanIncomplete, 0
}

func (p *Parser) take(n int) []byte {
	out := make([]byte, n)
	copy(out, p.buf[:n])
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

func (p *Parser) skip(n int) *Packet {
	p.stats.SkippedBytes += uint64(n)
	return &Packet{Kind: KindUnrecognized, Raw: p.take(n), Timestamp: p.now()}
}

func (p *Parser) reject(n int) error {
	p.stats.ChecksumErrors++
	p.stats.DroppedBytes += uint64(n)
	if p.buf[0] == AsciiStart {
		frame := p.take(n)
		if err := verifyASCII(frame); err != nil {
			return err
		}
		return &ChecksumError{Kind: KindASCII, Raw: frame}
	}
	frame := p.take(n)
	if frame[0] == SplitSyncByte && p.sync != SplitSyncByte {
		p.split.reset()
	}
	return &ChecksumError{
		Kind:     KindBinary,
		Raw:      frame,
		Expected: binary.BigEndian.Uint16(frame[n-2:]),
		Actual:   CRC16(frame[:n-2]),
	}
}

func (p *Parser) emit(n int) *Packet {
	raw := p.take(n)
	pkt := &Packet{Raw: raw, Timestamp: p.now()}
	if raw[0] == AsciiStart {
		p.stats.ValidASCII++
		pkt.Kind = KindASCII
		pkt.MessageID, pkt.Fields = SplitSentence(string(raw))
		return pkt
	}
	p.stats.ValidBinary++
	pkt.Kind = KindBinary
	pkt.SyncByte = raw[0]
	pkt.Header = parseHeader(raw)
	hdrLen := 2 + 2*pkt.Header.Groups()
	pkt.Payload = raw[hdrLen : n-2]
	return pkt
}

// ParseAll feeds b to a fresh parser, flushes it and collects every packet
// and error in stream order. Useful for files and tests.
func ParseAll(b []byte, cfg ParserConfig) ([]*Packet, []error) {
	p := NewParser(cfg)
	p.Write(b)
	p.Flush()
	var pkts []*Packet
	var errs []error
	for {
		pkt, err := p.Next()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if pkt == nil {
			return pkts, errs
		}
		pkts = append(pkts, pkt)
	}
}
