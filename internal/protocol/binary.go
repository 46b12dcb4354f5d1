package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeBinary builds a complete binary frame:
//
//	sync | group mask | field mask (LE u16) per group | payload | CRC16 (BE)
//
// The CRC covers everything from the sync byte through the payload.
func EncodeBinary(sync byte, h Header, payload []byte) ([]byte, error) {
	want := h.PayloadLen()
	if want < 0 {
		return nil, fmt.Errorf("protocol: invalid header %s", h)
	}
	if len(payload) != want {
		return nil, fmt.Errorf("protocol: payload is %d bytes, header needs %d", len(payload), want)
	}
	frame := make([]byte, 0, 2+2*h.Groups()+len(payload)+2)
	frame = append(frame, sync, h.GroupMask)
	for g := 0; g < maxGroups; g++ {
		if h.GroupMask&(1<<g) != 0 {
			frame = binary.LittleEndian.AppendUint16(frame, h.FieldMasks[g])
		}
	}
	frame = append(frame, payload...)
	return binary.BigEndian.AppendUint16(frame, CRC16(frame)), nil
}

// binaryLength inspects a candidate frame starting at buf[0] and returns the
// total frame length it declares. ok is false when the header is invalid;
// need > 0 means more bytes are required before the length is known.
func binaryLength(buf []byte, maxLen int) (total int, need int, ok bool) {
	if len(buf) < 2 {
		return 0, 2, true
	}
	var h Header
	h.GroupMask = buf[1]
	if h.GroupMask == 0 {
		return 0, 0, false
	}
	hdrLen := 2 + 2*h.Groups()
	if len(buf) < hdrLen {
		return 0, hdrLen, true
	}
	h = parseHeader(buf)
	payload := h.PayloadLen()
	if payload < 0 {
		return 0, 0, false
	}
	total = hdrLen + payload + 2
	if total > maxLen {
		return 0, 0, false
	}
	return total, 0, true
}

func parseHeader(buf []byte) Header {
	var h Header
	h.GroupMask = buf[1]
	off := 2
	for g := 0; g < maxGroups; g++ {
		if h.GroupMask&(1<<g) != 0 {
			h.FieldMasks[g] = binary.LittleEndian.Uint16(buf[off:])
			off += 2
		}
	}
	return h
}
