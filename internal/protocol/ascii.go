package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ChecksumMode selects the checksum appended to outgoing sentences.
type ChecksumMode int

const (
	Checksum8Bit ChecksumMode = iota
	ChecksumCRC16
	// ChecksumOff sends the literal "XX", which the sensor accepts as
	// "no checksum".
	ChecksumOff
)

// EncodeASCII frames a sentence body as "$<body>*<checksum>\r\n".
func EncodeASCII(body string, mode ChecksumMode) []byte {
	var sb strings.Builder
	sb.Grow(len(body) + 10)
	sb.WriteByte(AsciiStart)
	sb.WriteString(body)
	sb.WriteByte('*')
	switch mode {
	case ChecksumCRC16:
		fmt.Fprintf(&sb, "%04X", CRC16([]byte(body)))
	case ChecksumOff:
		sb.WriteString("XX")
	default:
		fmt.Fprintf(&sb, "%02X", Checksum8([]byte(body)))
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// SplitSentence splits a sentence into its message id and fields after
// stripping the leading '$', the checksum suffix and the line ending.
func SplitSentence(line string) (string, []string) {
	line = strings.TrimRight(line, "\r\n")
	if idx := strings.IndexByte(line, '*'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	parts := strings.Split(line, ",")
	return parts[0], parts[1:]
}

func asciiBody(raw []byte) string {
	raw = bytes.TrimRight(raw, "\r\n")
	raw = bytes.TrimPrefix(raw, []byte{AsciiStart})
	if idx := bytes.IndexByte(raw, '*'); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}

// verifyASCII checks the optional checksum of a complete sentence
// ("$...\r\n"). A missing suffix or the literal "XX" skips verification.
func verifyASCII(frame []byte) error {
	content := frame[1 : len(frame)-2]
	idx := bytes.IndexByte(content, '*')
	if idx < 0 {
		return nil
	}
	body, sum := content[:idx], string(content[idx+1:])
	switch len(sum) {
	case 2:
		if sum == "XX" {
			return nil
		}
		want, err := strconv.ParseUint(sum, 16, 8)
		if err != nil {
			return &ChecksumError{Kind: KindASCII, Raw: frame, Reason: "bad checksum digits"}
		}
		if got := Checksum8(body); byte(want) != got {
			return &ChecksumError{Kind: KindASCII, Raw: frame, Expected: uint16(want), Actual: uint16(got)}
		}
	case 4:
		want, err := strconv.ParseUint(sum, 16, 16)
		if err != nil {
			return &ChecksumError{Kind: KindASCII, Raw: frame, Reason: "bad checksum digits"}
		}
		if got := CRC16(body); uint16(want) != got {
			return &ChecksumError{Kind: KindASCII, Raw: frame, Expected: uint16(want), Actual: got}
		}
	default:
		return &ChecksumError{Kind: KindASCII, Raw: frame, Reason: "checksum must be 2 or 4 hex digits"}
	}
	return nil
}

func isPrintable(b byte) bool { return b >= 0x20 && b <= 0x7E }
