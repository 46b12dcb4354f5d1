package protocol

import (
	"fmt"
	"time"
)

// Kind classifies a frame pulled off the wire.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindASCII
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindASCII:
		return "ascii"
	case KindBinary:
		return "binary"
	default:
		return "unrecognized"
	}
}

const (
	// AsciiStart opens every ASCII sentence.
	AsciiStart byte = '$'
	// DefaultSyncByte opens every binary frame.
	DefaultSyncByte byte = 0xFA
	// DefaultMaxPacketLength bounds a single frame of either kind.
	DefaultMaxPacketLength = 600
)

// Packet is one framed unit delivered by the Parser. Packets are never
// modified after they leave the parser, so they can be shared between
// subscribers.
type Packet struct {
	Kind      Kind
	Raw       []byte
	Timestamp time.Time

	// ASCII only.
	MessageID string
	Fields    []string

	// Binary only.
	SyncByte byte
	Header   Header
	Payload  []byte

	// Reassembled is set on frames rebuilt from split parts; Raw is then
	// the rebuilt frame, not the wire bytes.
	Reassembled bool
}

// Len is the number of wire bytes the packet occupied.
func (p *Packet) Len() int { return len(p.Raw) }

// IsSkipped reports whether the packet holds bytes that did not belong to
// any valid frame.
func (p *Packet) IsSkipped() bool { return p.Kind == KindUnrecognized }

// Body returns the sentence text between '$' and the checksum delimiter.
func (p *Packet) Body() string {
	if p.Kind != KindASCII {
		return ""
	}
	return asciiBody(p.Raw)
}

// FieldData returns the payload slice belonging to one output field.
func (p *Packet) FieldData(id FieldID) ([]byte, bool) {
	if p.Kind != KindBinary || !p.Header.Has(id) {
		return nil, false
	}
	off := 0
	for _, f := range p.Header.Fields() {
		size := FieldSize(f)
		if f == id {
			if off+size > len(p.Payload) {
				return nil, false
			}
			return p.Payload[off : off+size], true
		}
		off += size
	}
	return nil, false
}

func (p *Packet) String() string {
	switch p.Kind {
	case KindASCII:
		return fmt.Sprintf("ascii %s (%d fields)", p.MessageID, len(p.Fields))
	case KindBinary:
		return fmt.Sprintf("binary sync=0x%02X %s (%d bytes)", p.SyncByte, p.Header, len(p.Raw))
	default:
		return fmt.Sprintf("skipped %d bytes", len(p.Raw))
	}
}
