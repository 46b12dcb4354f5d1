// Package command correlates commands written to the sensor with the ASCII
// responses that come back.
package command

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// DefaultMatchLength is how many leading body characters a response must
// share with its command.
const DefaultMatchLength = 3

// Command is one ASCII request. Body excludes the "$VN" prefix and the
// checksum, e.g. "RRG,05" or "WNV".
type Command struct {
	Body        string
	MatchLength int
}

// New creates a command matched on its first three characters.
func New(body string) Command {
	return Command{Body: body, MatchLength: DefaultMatchLength}
}

// Frame renders the bytes to send.
func (c Command) Frame(mode protocol.ChecksumMode) []byte {
	return protocol.EncodeASCII("VN"+c.Body, mode)
}

// Key is the prefix a response body must start with after "VN".
func (c Command) Key() string {
	n := c.MatchLength
	if n <= 0 {
		n = DefaultMatchLength
	}
	if n > len(c.Body) {
		n = len(c.Body)
	}
	return c.Body[:n]
}

// Kind is the three letter command mnemonic.
func (c Command) Kind() string {
	if len(c.Body) < 3 {
		return c.Body
	}
	return c.Body[:3]
}

// Matches reports whether pkt answers this command.
func (c Command) Matches(pkt *protocol.Packet) bool {
	if pkt == nil || pkt.Kind != protocol.KindASCII {
		return false
	}
	body := pkt.Body()
	if !strings.HasPrefix(body, "VN") {
		return false
	}
	return strings.HasPrefix(body[2:], c.Key())
}

func (c Command) String() string { return "VN" + c.Body }

// IsResponse reports whether pkt could be the answer to some command: a VN
// sentence that is not an asynchronous measurement.
func IsResponse(pkt *protocol.Packet, isMeasurement func(id string) bool) bool {
	if pkt == nil || pkt.Kind != protocol.KindASCII || !strings.HasPrefix(pkt.MessageID, "VN") {
		return false
	}
	return isMeasurement == nil || !isMeasurement(pkt.MessageID)
}

func WriteSettings() Command          { return New("WNV") }
func RestoreFactorySettings() Command { return New("RFS") }
func Reset() Command                  { return New("RST") }
func SetFilterBias() Command          { return New("SFB") }

func KnownMagneticDisturbance(present bool) Command {
	return New("KMD," + boolDigit(present))
}

func KnownAccelerationDisturbance(present bool) Command {
	return New("KAD," + boolDigit(present))
}

// AsyncOutputEnable pauses or resumes asynchronous output on the port.
func AsyncOutputEnable(enable bool) Command {
	return New("ASY," + boolDigit(enable))
}

// SetInitialHeading seeds the filter heading, in degrees.
func SetInitialHeading(deg float64) Command {
	return New(fmt.Sprintf("SIH,%+08.3f", deg))
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
