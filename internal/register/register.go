// Package register encodes sensor registers into read/write commands and
// decodes their responses.
package register

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/vnsensor/internal/command"
	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

var (
	// ErrEncoding means a register's values cannot form a valid command.
	ErrEncoding = errors.New("register: invalid field values")
	// ErrResponse means a response did not carry this register.
	ErrResponse = errors.New("register: response does not match register")
	// ErrReadOnly is returned when writing a register the sensor does not
	// accept writes for.
	ErrReadOnly = errors.New("register: read-only")
)

// Register is any readable register.
type Register interface {
	ID() int
	Name() string
	// Decode fills the register from response fields (without the id).
	Decode(fields []string) error
}

// Configurable registers can also be written.
type Configurable interface {
	Register
	// Encode renders the fields of a write command.
	Encode() ([]string, error)
}

func matchLength(id int) int {
	if id > 99 {
		return 7
	}
	return 6
}

// ReadCommand builds the RRG command for r.
func ReadCommand(r Register) command.Command {
	return command.Command{Body: fmt.Sprintf("RRG,%02d", r.ID()), MatchLength: matchLength(r.ID())}
}

// WriteCommand builds the WRG command for r. It fails with ErrEncoding when
// the current values are invalid and ErrReadOnly for read-only registers.
func WriteCommand(r Register) (command.Command, error) {
	c, ok := r.(Configurable)
	if !ok {
		return command.Command{}, fmt.Errorf("%w: %s", ErrReadOnly, r.Name())
	}
	fields, err := c.Encode()
	if err != nil {
		return command.Command{}, err
	}
	for _, f := range fields {
		if f == "" || strings.ContainsAny(f, ",*$\r\n") {
			return command.Command{}, fmt.Errorf("%w: %s field %q", ErrEncoding, r.Name(), f)
		}
	}
	body := fmt.Sprintf("WRG,%02d", r.ID())
	if len(fields) > 0 {
		body += "," + strings.Join(fields, ",")
	}
	return command.Command{Body: body, MatchLength: matchLength(r.ID())}, nil
}

// FromResponse decodes a $VNRRG or $VNWRG response into r.
func FromResponse(r Register, pkt *protocol.Packet) error {
	if pkt == nil || pkt.Kind != protocol.KindASCII {
		return ErrResponse
	}
	if pkt.MessageID != "VNRRG" && pkt.MessageID != "VNWRG" {
		return fmt.Errorf("%w: %s", ErrResponse, pkt.MessageID)
	}
	if len(pkt.Fields) == 0 {
		return ErrResponse
	}
	id, err := strconv.Atoi(pkt.Fields[0])
	if err != nil || id != r.ID() {
		return fmt.Errorf("%w: got register %s, want %d", ErrResponse, pkt.Fields[0], r.ID())
	}
	return r.Decode(pkt.Fields[1:])
}

// ResponseID extracts the register id from a RRG/WRG response.
func ResponseID(pkt *protocol.Packet) (int, bool) {
	if pkt == nil || (pkt.MessageID != "VNRRG" && pkt.MessageID != "VNWRG") || len(pkt.Fields) == 0 {
		return 0, false
	}
	id, err := strconv.Atoi(pkt.Fields[0])
	return id, err == nil
}

func need(name string, fields []string, n int) error {
	if len(fields) < n {
		return fmt.Errorf("register: %s expects %d fields, got %d", name, n, len(fields))
	}
	return nil
}

func parseFloats(name string, fields []string, out ...*float32) error {
	if err := need(name, fields, len(out)); err != nil {
		return err
	}
	for i, p := range out {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 32)
		if err != nil {
			return fmt.Errorf("register: %s field %d: %w", name, i, err)
		}
		*p = float32(v)
	}
	return nil
}

func parseUint(name string, s string, base, bits int) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), base, bits)
	if err != nil {
		return 0, fmt.Errorf("register: %s: %w", name, err)
	}
	return v, nil
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}
