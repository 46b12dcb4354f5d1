package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SplitSyncByte opens one part of a binary message too long for a single
// frame.
const SplitSyncByte byte = 0xFB

// splitHeaderLen covers message id, part count, part index and payload
// length (LE u16).
const splitHeaderLen = 5

// ErrSplitSequence is returned when a split part does not continue the
// message being reassembled, or the parts do not form a valid frame. The
// part is counted as dropped and the partial message discarded.
var ErrSplitSequence = errors.New("protocol: split part out of sequence")

// SplitHeader describes one split part.
type SplitHeader struct {
	MessageID  uint8
	TotalParts uint8
	Part       uint8 // 1-based
	PayloadLen uint16
}

// A split part on the wire:
//
//	0xFB | message id | total parts | part | payload length (LE u16) | payload | CRC16 (BE)
//
// Concatenating the payloads of parts 1..total gives the group mask, field
// masks and payload of an ordinary binary frame, without sync byte or CRC.
func (p *Parser) scanSplit(buf []byte) (scanResult, int) {
	if len(buf) < 1+splitHeaderLen {
		return p.incomplete()
	}
	h := parseSplitHeader(buf)
	if h.TotalParts == 0 || h.Part == 0 || h.Part > h.TotalParts || h.PayloadLen == 0 {
		return scanInvalid, 0
	}
	total := 1 + splitHeaderLen + int(h.PayloadLen) + 2
	if total > p.maxLen {
		return scanInvalid, 0
	}
	if len(buf) < total {
		return p.incomplete()
	}
	want := binary.BigEndian.Uint16(buf[total-2:])
	if CRC16(buf[:total-2]) != want {
		return scanBadChecksum, total
	}
	return scanValid, total
}

func parseSplitHeader(buf []byte) SplitHeader {
	return SplitHeader{
		MessageID:  buf[1],
		TotalParts: buf[2],
		Part:       buf[3],
		PayloadLen: binary.LittleEndian.Uint16(buf[4:6]),
	}
}

type splitState struct {
	active bool
	last   SplitHeader
	data   []byte
}

func (s *splitState) reset() {
	s.active = false
	s.data = s.data[:0]
}

// absorbSplit consumes a verified split part of n bytes. It returns the
// reassembled frame after the final part, an error when the part is out of
// sequence, or (nil, nil) while the message is still incomplete.
func (p *Parser) absorbSplit(n int) (*Packet, error) {
	raw := p.take(n)
	h := parseSplitHeader(raw)

	st := &p.split
	if h.Part == 1 {
		st.reset()
		st.active = true
	} else if !st.active || h.MessageID != st.last.MessageID || h.Part != st.last.Part+1 || h.TotalParts != st.last.TotalParts {
		p.stats.DroppedBytes += uint64(n)
		prev := st.last
		st.reset()
		return nil, fmt.Errorf("%w: message %d part %d/%d after message %d part %d",
			ErrSplitSequence, h.MessageID, h.Part, h.TotalParts, prev.MessageID, prev.Part)
	}
	st.last = h
	st.data = append(st.data, raw[1+splitHeaderLen:n-2]...)
	if h.Part < h.TotalParts {
		p.stats.SplitParts++
		p.stats.SplitBytes += uint64(n)
		return nil, nil
	}

	frame := make([]byte, 0, 1+len(st.data)+2)
	frame = append(frame, p.sync)
	frame = append(frame, st.data...)
	frame = binary.BigEndian.AppendUint16(frame, CRC16(frame))
	st.reset()

	total, need, ok := binaryLength(frame, len(frame))
	if !ok || need > 0 || total != len(frame) {
		p.stats.DroppedBytes += uint64(n)
		return nil, fmt.Errorf("%w: message %d reassembled to %d bytes, header declares %d",
			ErrSplitSequence, h.MessageID, len(frame), total)
	}
	p.stats.SplitParts++
	p.stats.SplitBytes += uint64(n)
	p.stats.ValidBinary++
	hdr := parseHeader(frame)
	return &Packet{
		Kind:        KindBinary,
		Raw:         frame,
		Timestamp:   p.now(),
		SyncByte:    p.sync,
		Header:      hdr,
		Payload:     frame[2+2*hdr.Groups() : len(frame)-2],
		Reassembled: true,
	}, nil
}

// SplitFrame cuts a binary frame into split parts carrying at most
// maxPayload bytes each.
func SplitFrame(frame []byte, messageID uint8, maxPayload int) ([][]byte, error) {
	if len(frame) < 4 || maxPayload <= 0 {
		return nil, fmt.Errorf("protocol: cannot split %d byte frame", len(frame))
	}
	body := frame[1 : len(frame)-2]
	count := (len(body) + maxPayload - 1) / maxPayload
	if count > 255 || maxPayload > 0xFFFF {
		return nil, fmt.Errorf("protocol: %d byte frame needs too many parts", len(frame))
	}
	parts := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		chunk := body[i*maxPayload : min((i+1)*maxPayload, len(body))]
		part := make([]byte, 0, 1+splitHeaderLen+len(chunk)+2)
		part = append(part, SplitSyncByte, messageID, uint8(count), uint8(i+1))
		part = binary.LittleEndian.AppendUint16(part, uint16(len(chunk)))
		part = append(part, chunk...)
		part = binary.BigEndian.AppendUint16(part, CRC16(part))
		parts = append(parts, part)
	}
	return parts, nil
}
