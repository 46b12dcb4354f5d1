// Package measurement decodes sensor output into CompositeData and queues
// snapshots for consumers.
package measurement

import (
	"strconv"
)

// Vec3 is a float triple in the sensor's native order.
type Vec3 [3]float32

// Quat is a quaternion with the scalar last.
type Quat [4]float32

// UTCTime is the sensor's broken-down UTC timestamp.
type UTCTime struct {
	Year        int8
	Month       uint8
	Day         uint8
	Hour        uint8
	Minute      uint8
	Second      uint8
	Millisecond uint16
}

type TimeData struct {
	TimeStartup uint64
	TimeGps     uint64
	TimeSyncIn  uint64
	TimeGpsPps  uint64
	GpsTow      uint64
	GpsWeek     uint16
	TimeUtc     UTCTime
	SyncInCnt   uint32
	SyncOutCnt  uint32
	TimeStatus  uint8
}

type ImuData struct {
	ImuStatus   uint16
	UncompMag   Vec3
	UncompAccel Vec3
	UncompGyro  Vec3
	Temperature float32
	Pressure    float32
	DeltaTime   float32
	DeltaTheta  Vec3
	DeltaVel    Vec3
	Mag         Vec3
	Accel       Vec3
	AngularRate Vec3
}

type AttitudeData struct {
	VpeStatus       uint16
	YPR             Vec3
	Quaternion      Quat
	DCM             [9]float32
	MagNed          Vec3
	AccelNed        Vec3
	LinearAccelBody Vec3
	LinearAccelNed  Vec3
	YprU            Vec3
}

type InsData struct {
	InsStatus       uint16
	PosLla          [3]float64
	PosEcef         [3]float64
	VelBody         Vec3
	VelNed          Vec3
	VelEcef         Vec3
	MagEcef         Vec3
	AccelEcef       Vec3
	LinearAccelEcef Vec3
	PosU            float32
	VelU            float32
}

// CompositeData is the latest known value of every measurement. It holds
// no references, so assigning it copies it.
type CompositeData struct {
	Time     TimeData
	IMU      ImuData
	Attitude AttitudeData
	INS      InsData
}

// Value is one decoded scalar column.
type Value struct {
	Name  string
	Float float64
	Uint  uint64
	Int   bool
}

func (v Value) String() string {
	if v.Int {
		return strconv.FormatUint(v.Uint, 10)
	}
	return strconv.FormatFloat(v.Float, 'f', -1, 64)
}

// Float64 returns the value as a float regardless of its wire type.
func (v Value) Float64() float64 {
	if v.Int {
		return float64(v.Uint)
	}
	return v.Float
}

// Field is one decoded output field: a qualified name and its columns.
type Field struct {
	Name   string
	Values []Value
}

// Columns returns "Field.Column" names for every value.
func (f Field) Columns() []string {
	out := make([]string, len(f.Values))
	for i, v := range f.Values {
		out[i] = f.Name + "." + v.Name
	}
	return out
}

func vec3(v []Value) Vec3 {
	return Vec3{float32(v[0].Float), float32(v[1].Float), float32(v[2].Float)}
}

func f64x3(v []Value) [3]float64 {
	return [3]float64{v[0].Float, v[1].Float, v[2].Float}
}
