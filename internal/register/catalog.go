package register

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// UserTag (0) is a free-form label stored on the sensor.
type UserTag struct{ Tag string }

func (*UserTag) ID() int      { return 0 }
func (*UserTag) Name() string { return "UserTag" }
func (r *UserTag) Decode(f []string) error {
	r.Tag = ""
	if len(f) > 0 {
		r.Tag = f[0]
	}
	return nil
}
func (r *UserTag) Encode() ([]string, error) {
	if len(r.Tag) == 0 || len(r.Tag) > 20 {
		return nil, fmt.Errorf("%w: user tag must be 1-20 characters", ErrEncoding)
	}
	return []string{r.Tag}, nil
}

// Model (1) is the product name, e.g. "VN-100T".
type Model struct{ Model string }

func (*Model) ID() int      { return 1 }
func (*Model) Name() string { return "Model" }
func (r *Model) Decode(f []string) error {
	if err := need(r.Name(), f, 1); err != nil {
		return err
	}
	r.Model = f[0]
	return nil
}

// HwVer (2) is the hardware revision.
type HwVer struct{ HwVer uint32 }

func (*HwVer) ID() int      { return 2 }
func (*HwVer) Name() string { return "HwVer" }
func (r *HwVer) Decode(f []string) error {
	if err := need(r.Name(), f, 1); err != nil {
		return err
	}
	v, err := parseUint(r.Name(), f[0], 10, 32)
	r.HwVer = uint32(v)
	return err
}

// Serial (3) is the unit serial number.
type Serial struct{ SerialNum uint32 }

func (*Serial) ID() int      { return 3 }
func (*Serial) Name() string { return "Serial" }
func (r *Serial) Decode(f []string) error {
	if err := need(r.Name(), f, 1); err != nil {
		return err
	}
	v, err := parseUint(r.Name(), f[0], 10, 32)
	r.SerialNum = uint32(v)
	return err
}

// FwVer (4) is the firmware version string.
type FwVer struct{ FwVer string }

func (*FwVer) ID() int      { return 4 }
func (*FwVer) Name() string { return "FwVer" }
func (r *FwVer) Decode(f []string) error {
	if err := need(r.Name(), f, 1); err != nil {
		return err
	}
	r.FwVer = f[0]
	return nil
}

// SupportedBaudRates lists the rates the sensor accepts on its serial ports.
var SupportedBaudRates = []uint32{9600, 19200, 38400, 57600, 115200, 128000, 230400, 460800, 921600}

// BaudRate (5) sets the serial port speed. SerialPort 0 means "the port
// this command arrives on".
type BaudRate struct {
	Baud       uint32
	SerialPort int
}

func (*BaudRate) ID() int      { return 5 }
func (*BaudRate) Name() string { return "BaudRate" }
func (r *BaudRate) Decode(f []string) error {
	if err := need(r.Name(), f, 1); err != nil {
		return err
	}
	v, err := parseUint(r.Name(), f[0], 10, 32)
	if err != nil {
		return err
	}
	r.Baud = uint32(v)
	r.SerialPort = 0
	if len(f) > 1 {
		p, err := strconv.Atoi(f[1])
		if err != nil {
			return fmt.Errorf("register: %s port: %w", r.Name(), err)
		}
		r.SerialPort = p
	}
	return nil
}
func (r *BaudRate) Encode() ([]string, error) {
	if !IsSupportedBaud(r.Baud) {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrEncoding, r.Baud)
	}
	out := []string{strconv.FormatUint(uint64(r.Baud), 10)}
	if r.SerialPort != 0 {
		if r.SerialPort < 1 || r.SerialPort > 2 {
			return nil, fmt.Errorf("%w: serial port %d", ErrEncoding, r.SerialPort)
		}
		out = append(out, strconv.Itoa(r.SerialPort))
	}
	return out, nil
}

// IsSupportedBaud reports whether b is a valid sensor baud rate.
func IsSupportedBaud(b uint32) bool {
	for _, s := range SupportedBaudRates {
		if s == b {
			return true
		}
	}
	return false
}

// Async data output types (register 6).
const (
	AsyncOff uint32 = 0
	AsyncYPR uint32 = 1
	AsyncQTN uint32 = 2
	AsyncMAG uint32 = 10
	AsyncACC uint32 = 11
	AsyncGYR uint32 = 12
	AsyncYMR uint32 = 14
	AsyncYBA uint32 = 16
	AsyncIMU uint32 = 19
)

var asyncTypeIDs = map[uint32]string{
	AsyncOff: "", AsyncYPR: "VNYPR", AsyncQTN: "VNQTN", AsyncMAG: "VNMAG", AsyncACC: "VNACC",
	AsyncGYR: "VNGYR", AsyncYMR: "VNYMR", AsyncYBA: "VNYBA", AsyncIMU: "VNIMU",
}

// AsyncMessageID maps an output type to the sentence it produces.
func AsyncMessageID(ador uint32) (string, bool) {
	id, ok := asyncTypeIDs[ador]
	return id, ok
}

// AsyncOutputType (6) picks the ASCII sentence streamed by the sensor.
type AsyncOutputType struct {
	Ador       uint32
	SerialPort int
}

func (*AsyncOutputType) ID() int      { return 6 }
func (*AsyncOutputType) Name() string { return "AsyncOutputType" }
func (r *AsyncOutputType) Decode(f []string) error {
	if err := need(r.Name(), f, 1); err != nil {
		return err
	}
	v, err := parseUint(r.Name(), f[0], 10, 32)
	if err != nil {
		return err
	}
	r.Ador = uint32(v)
	r.SerialPort = 0
	if len(f) > 1 {
		port, err := parseUint(r.Name()+" port", f[1], 10, 8)
		if err != nil {
			return err
		}
		r.SerialPort = int(port)
	}
	return nil
}
func (r *AsyncOutputType) Encode() ([]string, error) {
	if _, ok := asyncTypeIDs[r.Ador]; !ok {
		return nil, fmt.Errorf("%w: unknown async output type %d", ErrEncoding, r.Ador)
	}
	out := []string{strconv.FormatUint(uint64(r.Ador), 10)}
	if r.SerialPort != 0 {
		out = append(out, strconv.Itoa(r.SerialPort))
	}
	return out, nil
}

// SupportedOutputRates lists the valid async output frequencies in Hz.
var SupportedOutputRates = []uint32{1, 2, 4, 5, 10, 20, 25, 40, 50, 100, 200}

// AsyncOutputFreq (7) sets the ASCII output rate.
type AsyncOutputFreq struct {
	Adof       uint32
	SerialPort int
}

func (*AsyncOutputFreq) ID() int      { return 7 }
func (*AsyncOutputFreq) Name() string { return "AsyncOutputFreq" }
func (r *AsyncOutputFreq) Decode(f []string) error {
	if err := need(r.Name(), f, 1); err != nil {
		return err
	}
	v, err := parseUint(r.Name(), f[0], 10, 32)
	if err != nil {
		return err
	}
	r.Adof = uint32(v)
	r.SerialPort = 0
	if len(f) > 1 {
		port, err := parseUint(r.Name()+" port", f[1], 10, 8)
		if err != nil {
			return err
		}
		r.SerialPort = int(port)
	}
	return nil
}
func (r *AsyncOutputFreq) Encode() ([]string, error) {
	valid := false
	for _, hz := range SupportedOutputRates {
		valid = valid || hz == r.Adof
	}
	if !valid {
		return nil, fmt.Errorf("%w: unsupported output rate %d Hz", ErrEncoding, r.Adof)
	}
	out := []string{strconv.FormatUint(uint64(r.Adof), 10)}
	if r.SerialPort != 0 {
		out = append(out, strconv.Itoa(r.SerialPort))
	}
	return out, nil
}

// YawPitchRoll (8) is the current attitude in degrees.
type YawPitchRoll struct{ Yaw, Pitch, Roll float32 }

func (*YawPitchRoll) ID() int      { return 8 }
func (*YawPitchRoll) Name() string { return "YawPitchRoll" }
func (r *YawPitchRoll) Decode(f []string) error {
	return parseFloats(r.Name(), f, &r.Yaw, &r.Pitch, &r.Roll)
}

// Quaternion (9) is the current attitude quaternion, scalar last.
type Quaternion struct{ X, Y, Z, W float32 }

func (*Quaternion) ID() int      { return 9 }
func (*Quaternion) Name() string { return "Quaternion" }
func (r *Quaternion) Decode(f []string) error {
	return parseFloats(r.Name(), f, &r.X, &r.Y, &r.Z, &r.W)
}

// VelAidingMeas (50) feeds an external body-frame velocity to the filter.
type VelAidingMeas struct{ VelocityX, VelocityY, VelocityZ float32 }

func (*VelAidingMeas) ID() int      { return 50 }
func (*VelAidingMeas) Name() string { return "VelAidingMeas" }
func (r *VelAidingMeas) Decode(f []string) error {
	return parseFloats(r.Name(), f, &r.VelocityX, &r.VelocityY, &r.VelocityZ)
}
func (r *VelAidingMeas) Encode() ([]string, error) {
	return []string{formatFloat(r.VelocityX), formatFloat(r.VelocityY), formatFloat(r.VelocityZ)}, nil
}

// BinaryOutput (75-77) configures one binary output message.
type BinaryOutput struct {
	Index       int // 1..3
	AsyncMode   uint16
	RateDivisor uint16
	Header      protocol.Header
}

// NewBinaryOutput returns the register for output message n (1..3).
func NewBinaryOutput(n int) *BinaryOutput { return &BinaryOutput{Index: n} }

func (r *BinaryOutput) ID() int      { return 74 + r.Index }
func (r *BinaryOutput) Name() string { return fmt.Sprintf("BinaryOutput%d", r.Index) }

func (r *BinaryOutput) Decode(f []string) error {
	if err := need(r.Name(), f, 3); err != nil {
		return err
	}
	mode, err := parseUint(r.Name(), f[0], 10, 16)
	if err != nil {
		return err
	}
	div, err := parseUint(r.Name(), f[1], 10, 16)
	if err != nil {
		return err
	}
	groups, err := parseUint(r.Name(), f[2], 16, 8)
	if err != nil {
		return err
	}
	var h protocol.Header
	h.GroupMask = uint8(groups)
	idx := 3
	for g := 0; g < 8; g++ {
		if h.GroupMask&(1<<g) == 0 {
			continue
		}
		if idx >= len(f) {
			return fmt.Errorf("register: %s missing field mask for group %d", r.Name(), g)
		}
		mask, err := parseUint(r.Name(), f[idx], 16, 16)
		if err != nil {
			return err
		}
		h.FieldMasks[g] = uint16(mask)
		idx++
	}
	r.AsyncMode, r.RateDivisor, r.Header = uint16(mode), uint16(div), h
	return nil
}

func (r *BinaryOutput) Encode() ([]string, error) {
	if r.Index < 1 || r.Index > 3 {
		return nil, fmt.Errorf("%w: binary output index %d", ErrEncoding, r.Index)
	}
	if r.AsyncMode > 3 {
		return nil, fmt.Errorf("%w: async mode %d", ErrEncoding, r.AsyncMode)
	}
	if r.AsyncMode != 0 && r.RateDivisor == 0 {
		return nil, fmt.Errorf("%w: rate divisor must be nonzero", ErrEncoding)
	}
	if !r.Header.IsEmpty() && r.Header.PayloadLen() < 0 {
		return nil, fmt.Errorf("%w: header %s", ErrEncoding, r.Header)
	}
	out := []string{
		strconv.Itoa(int(r.AsyncMode)),
		strconv.Itoa(int(r.RateDivisor)),
		fmt.Sprintf("%02X", r.Header.GroupMask),
	}
	for g := 0; g < 8; g++ {
		if r.Header.GroupMask&(1<<g) != 0 {
			out = append(out, fmt.Sprintf("%04X", r.Header.FieldMasks[g]))
		}
	}
	return out, nil
}

// Generic holds any register as raw field strings. It is what register
// scans save and load.
type Generic struct {
	RegID  int
	Values []string
}

func (r *Generic) ID() int { return r.RegID }
func (r *Generic) Name() string {
	if known := Lookup(r.RegID); known != nil {
		if _, ok := known.(*Generic); !ok {
			return known.Name()
		}
	}
	return fmt.Sprintf("Register%d", r.RegID)
}
func (r *Generic) Decode(f []string) error {
	r.Values = append([]string(nil), f...)
	return nil
}
func (r *Generic) Encode() ([]string, error) {
	if len(r.Values) == 0 {
		return nil, fmt.Errorf("%w: register %d has no values", ErrEncoding, r.RegID)
	}
	return r.Values, nil
}

// String renders the values as the sensor prints them.
func (r *Generic) String() string { return strings.Join(r.Values, ",") }

// Lookup returns a fresh typed register for id, or a Generic for ids
// outside the catalog.
func Lookup(id int) Register {
	switch id {
	case 0:
		return &UserTag{}
	case 1:
		return &Model{}
	case 2:
		return &HwVer{}
	case 3:
		return &Serial{}
	case 4:
		return &FwVer{}
	case 5:
		return &BaudRate{}
	case 6:
		return &AsyncOutputType{}
	case 7:
		return &AsyncOutputFreq{}
	case 8:
		return &YawPitchRoll{}
	case 9:
		return &Quaternion{}
	case 50:
		return &VelAidingMeas{}
	case 75, 76, 77:
		return NewBinaryOutput(id - 74)
	}
	return &Generic{RegID: id}
}

// ConfigIDs are the writable registers a configuration scan covers by
// default.
var ConfigIDs = []int{0, 5, 6, 7, 75, 76, 77}
