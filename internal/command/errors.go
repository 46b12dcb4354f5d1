package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

var (
	ErrResponseTimeout = errors.New("command: response timeout")
	ErrDisconnected    = errors.New("command: sensor disconnected")
	ErrEvicted         = errors.New("command: record no longer retained")
	// ErrUnexpectedResponse tags a response that matched no outstanding
	// command.
	ErrUnexpectedResponse = errors.New("command: unexpected response")
)

// TransportError wraps a failed write of a command frame.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("command: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ErrorCode is a sensor-reported error number from a $VNERR sentence.
type ErrorCode uint16

const (
	HardFault            ErrorCode = 0x01
	SerialBufferOverflow ErrorCode = 0x02
	InvalidChecksum      ErrorCode = 0x03
	InvalidCommand       ErrorCode = 0x04
	NotEnoughParameters  ErrorCode = 0x05
	TooManyParameters    ErrorCode = 0x06
	InvalidParameter     ErrorCode = 0x07
	InvalidRegister      ErrorCode = 0x08
	UnauthorizedAccess   ErrorCode = 0x09
	WatchdogReset        ErrorCode = 0x0A
	OutputBufferOverflow ErrorCode = 0x0B
	InsufficientBaudRate ErrorCode = 0x0C
	ErrorBufferOverflow  ErrorCode = 0xFF
)

var errorCodeNames = map[ErrorCode]string{
	HardFault:            "hard fault",
	SerialBufferOverflow: "serial buffer overflow",
	InvalidChecksum:      "invalid checksum",
	InvalidCommand:       "invalid command",
	NotEnoughParameters:  "not enough parameters",
	TooManyParameters:    "too many parameters",
	InvalidParameter:     "invalid parameter",
	InvalidRegister:      "invalid register",
	UnauthorizedAccess:   "unauthorized access",
	WatchdogReset:        "watchdog reset",
	OutputBufferOverflow: "output buffer overflow",
	InsufficientBaudRate: "insufficient baud rate",
	ErrorBufferOverflow:  "error buffer overflow",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error 0x%02X", uint16(c))
}

// Synchronous reports whether the code answers a command, as opposed to
// being raised by the sensor on its own.
func (c ErrorCode) Synchronous() bool {
	return (c >= InvalidChecksum && c <= UnauthorizedAccess) || c == InsufficientBaudRate
}

// SensorError is a $VNERR reported by the sensor.
type SensorError struct {
	Code ErrorCode
}

func (e *SensorError) Error() string { return "sensor error: " + e.Code.String() }

// ParseSensorError decodes a $VNERR packet. ok is false for any other packet.
func ParseSensorError(pkt *protocol.Packet) (*SensorError, bool) {
	if pkt == nil || pkt.Kind != protocol.KindASCII || pkt.MessageID != "VNERR" || len(pkt.Fields) == 0 {
		return nil, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(pkt.Fields[0]), 16, 16)
	if err != nil {
		return nil, false
	}
	return &SensorError{Code: ErrorCode(v)}, true
}
