package measurement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

type asciiField struct {
	name    string
	columns []string
	apply   func(cd *CompositeData, v []float64)
}

func asciiVec(dst func(*CompositeData) *Vec3) func(*CompositeData, []float64) {
	return func(cd *CompositeData, v []float64) {
		*dst(cd) = Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
	}
}

var (
	asciiYPR = asciiField{"Attitude.Ypr", ypr, asciiVec(func(cd *CompositeData) *Vec3 { return &cd.Attitude.YPR })}
	asciiQTN = asciiField{"Attitude.Quaternion", quat, func(cd *CompositeData, v []float64) {
		cd.Attitude.Quaternion = Quat{float32(v[0]), float32(v[1]), float32(v[2]), float32(v[3])}
	}}
	asciiMag   = asciiField{"IMU.Mag", xyz, asciiVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.Mag })}
	asciiAccel = asciiField{"IMU.Accel", xyz, asciiVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.Accel })}
	asciiGyro  = asciiField{"IMU.AngularRate", xyz, asciiVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.AngularRate })}
	asciiTemp  = asciiField{"IMU.Temperature", []string{"C"}, func(cd *CompositeData, v []float64) { cd.IMU.Temperature = float32(v[0]) }}
	asciiPres  = asciiField{"IMU.Pressure", []string{"KPa"}, func(cd *CompositeData, v []float64) { cd.IMU.Pressure = float32(v[0]) }}
)

// asciiMessages maps each asynchronous sentence to its fields in order.
var asciiMessages = map[string][]asciiField{
	"VNYPR": {asciiYPR},
	"VNQTN": {asciiQTN},
	"VNMAG": {asciiMag},
	"VNACC": {asciiAccel},
	"VNGYR": {asciiGyro},
	"VNYMR": {asciiYPR, asciiMag, asciiAccel, asciiGyro},
	"VNYBA": {asciiYPR, {"Attitude.LinearAccelBody", xyz, asciiVec(func(cd *CompositeData) *Vec3 { return &cd.Attitude.LinearAccelBody })}, asciiGyro},
	"VNIMU": {
		{"IMU.UncompMag", xyz, asciiVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.UncompMag })},
		{"IMU.UncompAccel", xyz, asciiVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.UncompAccel })},
		{"IMU.UncompGyro", xyz, asciiVec(func(cd *CompositeData) *Vec3 { return &cd.IMU.UncompGyro })},
		asciiTemp, asciiPres,
	},
}

// IsASCIIMeasurement reports whether id is an asynchronous measurement
// sentence rather than a command response.
func IsASCIIMeasurement(id string) bool {
	_, ok := asciiMessages[id]
	return ok
}

// ASCIIMessageIDs lists the decodable sentences.
func ASCIIMessageIDs() []string {
	out := make([]string, 0, len(asciiMessages))
	for id := range asciiMessages {
		out = append(out, id)
	}
	return out
}

func decodeASCII(pkt *protocol.Packet, cd *CompositeData) ([]Field, error) {
	layout, ok := asciiMessages[pkt.MessageID]
	if !ok {
		return nil, ErrNotMeasurement
	}
	want := 0
	for _, f := range layout {
		want += len(f.columns)
	}
	if len(pkt.Fields) < want {
		return nil, fmt.Errorf("measurement: %s has %d fields, want %d", pkt.MessageID, len(pkt.Fields), want)
	}
	nums := make([]float64, want)
	for i := range nums {
		v, err := strconv.ParseFloat(strings.TrimSpace(pkt.Fields[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("measurement: %s field %d: %w", pkt.MessageID, i, err)
		}
		nums[i] = v
	}

	out := make([]Field, 0, len(layout))
	off := 0
	for _, f := range layout {
		vals := nums[off : off+len(f.columns)]
		field := Field{Name: f.name, Values: make([]Value, len(vals))}
		for i, v := range vals {
			field.Values[i] = Value{Name: f.columns[i], Float: v}
		}
		out = append(out, field)
		if cd != nil {
			f.apply(cd, vals)
		}
		off += len(f.columns)
	}
	return out, nil
}

// Decode returns the measurement fields carried by pkt without touching
// any aggregate state.
func Decode(pkt *protocol.Packet) ([]Field, error) {
	switch pkt.Kind {
	case protocol.KindASCII:
		return decodeASCII(pkt, nil)
	case protocol.KindBinary:
		return decodeBinary(pkt, nil)
	}
	return nil, ErrNotMeasurement
}
