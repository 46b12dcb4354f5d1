package measurement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// ErrNotMeasurement is returned for packets carrying no measurement data.
var ErrNotMeasurement = errors.New("measurement: packet carries no measurement")

type partKind int

const (
	pU8 partKind = iota
	pI8
	pU16
	pU32
	pU64
	pF32
	pF64
)

var partSizes = [...]int{pU8: 1, pI8: 1, pU16: 2, pU32: 4, pU64: 8, pF32: 4, pF64: 8}

type part struct {
	name string
	kind partKind
}

type codec struct {
	parts []part
	apply func(cd *CompositeData, v []Value)
}

func (c codec) size() int {
	n := 0
	for _, p := range c.parts {
		n += partSizes[p.kind]
	}
	return n
}

func parts(kind partKind, names ...string) []part {
	out := make([]part, len(names))
	for i, n := range names {
		out[i] = part{name: n, kind: kind}
	}
	return out
}

func join(groups ...[]part) []part {
	var out []part
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

var (
	xyz  = []string{"X", "Y", "Z"}
	ypr  = []string{"Yaw", "Pitch", "Roll"}
	quat = []string{"X", "Y", "Z", "W"}
	lla  = []string{"Latitude", "Longitude", "Altitude"}
	dcm  = []string{"C00", "C01", "C02", "C10", "C11", "C12", "C20", "C21", "C22"}
)

func prefixed(prefix string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = prefix + n
	}
	return out
}

func one(kind partKind, name string) []part { return parts(kind, name) }

func setVec(dst func(*CompositeData) *Vec3) func(*CompositeData, []Value) {
	return func(cd *CompositeData, v []Value) { *dst(cd) = vec3(v) }
}

func setU16(dst func(*CompositeData) *uint16) func(*CompositeData, []Value) {
	return func(cd *CompositeData, v []Value) { *dst(cd) = uint16(v[0].Uint) }
}

func setU32(dst func(*CompositeData) *uint32) func(*CompositeData, []Value) {
	return func(cd *CompositeData, v []Value) { *dst(cd) = uint32(v[0].Uint) }
}

func setU64(dst func(*CompositeData) *uint64) func(*CompositeData, []Value) {
	return func(cd *CompositeData, v []Value) { *dst(cd) = v[0].Uint }
}

func setF32(dst func(*CompositeData) *float32) func(*CompositeData, []Value) {
	return func(cd *CompositeData, v []Value) { *dst(cd) = float32(v[0].Float) }
}

func id(g protocol.Group, bit uint8) protocol.FieldID { return protocol.FieldID{Group: g, Bit: bit} }

var (
	yprCodec = codec{parts(pF32, ypr...), setVec(func(cd *CompositeData) *Vec3 { return &cd.Attitude.YPR })}
	qtnCodec = codec{parts(pF32, quat...), func(cd *CompositeData, v []Value) {
		for i := range cd.Attitude.Quaternion {
			cd.Attitude.Quaternion[i] = float32(v[i].Float)
		}
	}}
	timeStartupCodec = codec{one(pU64, "Ns"), setU64(func(cd *CompositeData) *uint64 { return &cd.Time.TimeStartup })}
	timeGpsCodec     = codec{one(pU64, "Ns"), setU64(func(cd *CompositeData) *uint64 { return &cd.Time.TimeGps })}
	timeSyncInCodec  = codec{one(pU64, "Ns"), setU64(func(cd *CompositeData) *uint64 { return &cd.Time.TimeSyncIn })}
	timeGpsPpsCodec  = codec{one(pU64, "Ns"), setU64(func(cd *CompositeData) *uint64 { return &cd.Time.TimeGpsPps })}
	syncInCntCodec   = codec{one(pU32, "Count"), setU32(func(cd *CompositeData) *uint32 { return &cd.Time.SyncInCnt })}
	insStatusCodec   = codec{one(pU16, "Status"), setU16(func(cd *CompositeData) *uint16 { return &cd.INS.InsStatus })}
	accelCodec       = codec{parts(pF32, xyz...), setVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.Accel })}
	gyroCodec        = codec{parts(pF32, xyz...), setVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.AngularRate })}
	magCodec         = codec{parts(pF32, xyz...), setVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.Mag })}
	posLlaCodec      = codec{parts(pF64, lla...), func(cd *CompositeData, v []Value) { cd.INS.PosLla = f64x3(v) }}
)

func vecCodec(dst func(*CompositeData) *Vec3) codec {
	return codec{parts(pF32, xyz...), setVec(dst)}
}

var codecs = map[protocol.FieldID]codec{
	id(protocol.GroupCommon, 0): timeStartupCodec,
	id(protocol.GroupCommon, 1): timeGpsCodec,
	id(protocol.GroupCommon, 2): timeSyncInCodec,
	id(protocol.GroupCommon, 3): yprCodec,
	id(protocol.GroupCommon, 4): qtnCodec,
	id(protocol.GroupCommon, 5): gyroCodec,
	id(protocol.GroupCommon, 6): posLlaCodec,
	id(protocol.GroupCommon, 7): vecCodec(func(cd *CompositeData) *Vec3 { return &cd.INS.VelNed }),
	id(protocol.GroupCommon, 8): accelCodec,
	id(protocol.GroupCommon, 9): {
		join(parts(pF32, prefixed("Accel", xyz)...), parts(pF32, prefixed("Gyro", xyz)...)),
		func(cd *CompositeData, v []Value) {
			cd.IMU.UncompAccel = vec3(v[0:3])
			cd.IMU.UncompGyro = vec3(v[3:6])
		},
	},
	id(protocol.GroupCommon, 10): {
		join(parts(pF32, prefixed("Mag", xyz)...), one(pF32, "Temperature"), one(pF32, "Pressure")),
		func(cd *CompositeData, v []Value) {
			cd.IMU.Mag = vec3(v[0:3])
			cd.IMU.Temperature = float32(v[3].Float)
			cd.IMU.Pressure = float32(v[4].Float)
		},
	},
	id(protocol.GroupCommon, 11): {
		join(one(pF32, "DeltaTime"), parts(pF32, prefixed("Theta", xyz)...), parts(pF32, prefixed("Vel", xyz)...)),
		func(cd *CompositeData, v []Value) {
			cd.IMU.DeltaTime = float32(v[0].Float)
			cd.IMU.DeltaTheta = vec3(v[1:4])
			cd.IMU.DeltaVel = vec3(v[4:7])
		},
	},
	id(protocol.GroupCommon, 12): insStatusCodec,
	id(protocol.GroupCommon, 13): syncInCntCodec,
	id(protocol.GroupCommon, 14): timeGpsPpsCodec,

	id(protocol.GroupTime, 0): timeStartupCodec,
	id(protocol.GroupTime, 1): timeGpsCodec,
	id(protocol.GroupTime, 2): {one(pU64, "Ns"), setU64(func(cd *CompositeData) *uint64 { return &cd.Time.GpsTow })},
	id(protocol.GroupTime, 3): {one(pU16, "Week"), setU16(func(cd *CompositeData) *uint16 { return &cd.Time.GpsWeek })},
	id(protocol.GroupTime, 4): timeSyncInCodec,
	id(protocol.GroupTime, 5): timeGpsPpsCodec,
	id(protocol.GroupTime, 6): {
		join(one(pI8, "Year"), parts(pU8, "Month", "Day", "Hour", "Minute", "Second"), one(pU16, "Millisecond")),
		func(cd *CompositeData, v []Value) {
			cd.Time.TimeUtc = UTCTime{
				Year: int8(v[0].Float), Month: uint8(v[1].Uint), Day: uint8(v[2].Uint),
				Hour: uint8(v[3].Uint), Minute: uint8(v[4].Uint), Second: uint8(v[5].Uint),
				Millisecond: uint16(v[6].Uint),
			}
		},
	},
	id(protocol.GroupTime, 7): syncInCntCodec,
	id(protocol.GroupTime, 8): {one(pU32, "Count"), setU32(func(cd *CompositeData) *uint32 { return &cd.Time.SyncOutCnt })},
	id(protocol.GroupTime, 9): {one(pU8, "Status"), func(cd *CompositeData, v []Value) { cd.Time.TimeStatus = uint8(v[0].Uint) }},

	id(protocol.GroupIMU, 0): {one(pU16, "Status"), setU16(func(cd *CompositeData) *uint16 { return &cd.IMU.ImuStatus })},
	id(protocol.GroupIMU, 1): vecCodec(func(cd *CompositeData) *Vec3 { return &cd.IMU.UncompMag }),
	id(protocol.GroupIMU, 2): vecCodec(func(cd *CompositeData) *Vec3 { return &cd.IMU.UncompAccel }),
	id(protocol.GroupIMU, 3): vecCodec(func(cd *CompositeData) *Vec3 { return &cd.IMU.UncompGyro }),
	id(protocol.GroupIMU, 4): {one(pF32, "C"), setF32(func(cd *CompositeData) *float32 { return &cd.IMU.Temperature })},
	id(protocol.GroupIMU, 5): {one(pF32, "KPa"), setF32(func(cd *CompositeData) *float32 { return &cd.IMU.Pressure })},
	id(protocol.GroupIMU, 6): {
		join(one(pF32, "DeltaTime"), parts(pF32, xyz...)),
		func(cd *CompositeData, v []Value) {
			cd.IMU.DeltaTime = float32(v[0].Float)
			cd.IMU.DeltaTheta = vec3(v[1:4])
		},
	},
	id(protocol.GroupIMU, 7):  vecCodec(func(cd *CompositeData) *Vec3 { return &cd.IMU.DeltaVel }),
	id(protocol.GroupIMU, 8):  magCodec,
	id(protocol.GroupIMU, 9):  accelCodec,
	id(protocol.GroupIMU, 10): gyroCodec,

	id(protocol.GroupAttitude, 0): {one(pU16, "Status"), setU16(func(cd *CompositeData) *uint16 { return &cd.Attitude.VpeStatus })},
	id(protocol.GroupAttitude, 1): yprCodec,
	id(protocol.GroupAttitude, 2): qtnCodec,
	id(protocol.GroupAttitude, 3): {parts(pF32, dcm...), func(cd *CompositeData, v []Value) {
		for i := range cd.Attitude.DCM {
			cd.Attitude.DCM[i] = float32(v[i].Float)
		}
	}},
	id(protocol.GroupAttitude, 4): vecCodec(func(cd *CompositeData) *Vec3 { return &cd.Attitude.MagNed }),
	id(protocol.GroupAttitude, 5): vecCodec(func(cd *CompositeData) *Vec3 { return &cd.Attitude.AccelNed }),
	id(protocol.GroupAttitude, 6): vecCodec(func(cd *CompositeData) *Vec3 { return &cd.Attitude.LinearAccelBody }),
	id(protocol.GroupAttitude, 7): vecCodec(func(cd *CompositeData) *Vec3 { return &cd.Attitude.LinearAccelNed }),
	id(protocol.GroupAttitude, 8): {parts(pF32, ypr...), setVec(func(cd *CompositeData) *Vec3 { return &cd.Attitude.YprU })},

	id(protocol.GroupINS, 0):  insStatusCodec,
	id(protocol.GroupINS, 1):  posLlaCodec,
	id(protocol.GroupINS, 2):  {parts(pF64, xyz...), func(cd *CompositeData, v []Value) { cd.INS.PosEcef = f64x3(v) }},
	id(protocol.GroupINS, 3):  vecCodec(func(cd *CompositeData) *Vec3 { return &cd.INS.VelBody }),
	id(protocol.GroupINS, 4):  vecCodec(func(cd *CompositeData) *Vec3 { return &cd.INS.VelNed }),
	id(protocol.GroupINS, 5):  vecCodec(func(cd *CompositeData) *Vec3 { return &cd.INS.VelEcef }),
	id(protocol.GroupINS, 6):  vecCodec(func(cd *CompositeData) *Vec3 { return &cd.INS.MagEcef }),
	id(protocol.GroupINS, 7):  vecCodec(func(cd *CompositeData) *Vec3 { return &cd.INS.AccelEcef }),
	id(protocol.GroupINS, 8):  vecCodec(func(cd *CompositeData) *Vec3 { return &cd.INS.LinearAccelEcef }),
	id(protocol.GroupINS, 9):  {one(pF32, "M"), setF32(func(cd *CompositeData) *float32 { return &cd.INS.PosU })},
	id(protocol.GroupINS, 10): {one(pF32, "Mps"), setF32(func(cd *CompositeData) *float32 { return &cd.INS.VelU })},
}

func decodeParts(b []byte, ps []part) []Value {
	out := make([]Value, len(ps))
	off := 0
	for i, p := range ps {
		v := Value{Name: p.name}
		switch p.kind {
		case pU8:
			v.Uint, v.Int = uint64(b[off]), true
		case pI8:
			v.Float = float64(int8(b[off]))
		case pU16:
			v.Uint, v.Int = uint64(binary.LittleEndian.Uint16(b[off:])), true
		case pU32:
			v.Uint, v.Int = uint64(binary.LittleEndian.Uint32(b[off:])), true
		case pU64:
			v.Uint, v.Int = binary.LittleEndian.Uint64(b[off:]), true
		case pF32:
			v.Float = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
		case pF64:
			v.Float = math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
		}
		off += partSizes[p.kind]
		out[i] = v
	}
	return out
}

// decodeBinary decodes every field of a binary packet and, when cd is not
// nil, merges the values into it.
func decodeBinary(pkt *protocol.Packet, cd *CompositeData) ([]Field, error) {
	ids := pkt.Header.Fields()
	if len(ids) == 0 {
		return nil, ErrNotMeasurement
	}
	if len(pkt.Payload) != pkt.Header.PayloadLen() {
		return nil, fmt.Errorf("measurement: payload is %d bytes, header declares %d", len(pkt.Payload), pkt.Header.PayloadLen())
	}
	out := make([]Field, 0, len(ids))
	off := 0
	for _, f := range ids {
		size := protocol.FieldSize(f)
		if c, ok := codecs[f]; ok {
			vals := decodeParts(pkt.Payload[off:off+size], c.parts)
			out = append(out, Field{Name: f.String(), Values: vals})
			if cd != nil {
				c.apply(cd, vals)
			}
		}
		off += size
	}
	return out, nil
}
