package protocol

import (
	"fmt"
	"math/bits"
	"strings"
)

// Group is a binary output group, identified by its bit position in the
// group mask byte.
type Group uint8

const (
	GroupCommon   Group = 0
	GroupTime     Group = 1
	GroupIMU      Group = 2
	GroupAttitude Group = 4
	GroupINS      Group = 5

	maxGroups = 8
)

var groupNames = [maxGroups]string{
	GroupCommon:   "Common",
	GroupTime:     "Time",
	GroupIMU:      "IMU",
	GroupAttitude: "Attitude",
	GroupINS:      "INS",
}

func (g Group) String() string {
	if int(g) < maxGroups && groupNames[g] != "" {
		return groupNames[g]
	}
	return fmt.Sprintf("Group%d", g)
}

// Mask is the group mask bit for g.
func (g Group) Mask() uint8 { return 1 << g }

// FieldID names a single binary output field: a bit within one group.
type FieldID struct {
	Group Group
	Bit   uint8
}

func (f FieldID) String() string {
	if name := FieldName(f); name != "" {
		return f.Group.String() + "." + name
	}
	return fmt.Sprintf("%s.bit%d", f.Group, f.Bit)
}

type fieldDef struct {
	name string
	size int
}

// fieldTable holds the byte size of every output field the parser knows.
// A zero size marks an unknown bit; a header that sets one is invalid.
var fieldTable = [maxGroups][16]fieldDef{
	GroupCommon: {
		{"TimeStartup", 8}, {"TimeGps", 8}, {"TimeSyncIn", 8}, {"Ypr", 12},
		{"Quaternion", 16}, {"AngularRate", 12}, {"Position", 24}, {"Velocity", 12},
		{"Accel", 12}, {"Imu", 24}, {"MagPres", 20}, {"DeltaTheta", 28},
		{"InsStatus", 2}, {"SyncInCnt", 4}, {"TimeGpsPps", 8},
	},
	GroupTime: {
		{"TimeStartup", 8}, {"TimeGps", 8}, {"GpsTow", 8}, {"GpsWeek", 2},
		{"TimeSyncIn", 8}, {"TimeGpsPps", 8}, {"TimeUtc", 8}, {"SyncInCnt", 4},
		{"SyncOutCnt", 4}, {"TimeStatus", 1},
	},
	GroupIMU: {
		{"ImuStatus", 2}, {"UncompMag", 12}, {"UncompAccel", 12}, {"UncompGyro", 12},
		{"Temperature", 4}, {"Pressure", 4}, {"DeltaTheta", 16}, {"DeltaVel", 12},
		{"Mag", 12}, {"Accel", 12}, {"AngularRate", 12},
	},
	GroupAttitude: {
		{"VpeStatus", 2}, {"Ypr", 12}, {"Quaternion", 16}, {"Dcm", 36},
		{"MagNed", 12}, {"AccelNed", 12}, {"LinearAccelBody", 12}, {"LinearAccelNed", 12},
		{"YprU", 12},
	},
	GroupINS: {
		{"InsStatus", 2}, {"PosLla", 24}, {"PosEcef", 24}, {"VelBody", 12},
		{"VelNed", 12}, {"VelEcef", 12}, {"MagEcef", 12}, {"AccelEcef", 12},
		{"LinearAccelEcef", 12}, {"PosU", 4}, {"VelU", 4},
	},
}

// FieldSize returns the payload size of a field, or 0 when unknown.
func FieldSize(f FieldID) int {
	if int(f.Group) >= maxGroups || f.Bit >= 16 {
		return 0
	}
	return fieldTable[f.Group][f.Bit].size
}

// FieldName returns the short name of a field, or "" when unknown.
func FieldName(f FieldID) string {
	if int(f.Group) >= maxGroups || f.Bit >= 16 {
		return ""
	}
	return fieldTable[f.Group][f.Bit].name
}

// LookupField resolves "Group.Name" (e.g. "Attitude.Ypr").
func LookupField(qualified string) (FieldID, bool) {
	group, name, ok := strings.Cut(qualified, ".")
	if !ok {
		return FieldID{}, false
	}
	for g := 0; g < maxGroups; g++ {
		if !strings.EqualFold(groupNames[g], group) || groupNames[g] == "" {
			continue
		}
		for b, def := range fieldTable[g] {
			if def.size > 0 && strings.EqualFold(def.name, name) {
				return FieldID{Group: Group(g), Bit: uint8(b)}, true
			}
		}
	}
	return FieldID{}, false
}

// Header describes which fields a binary frame carries: the group mask plus
// one field mask per enabled group. Header values are comparable with ==.
type Header struct {
	GroupMask  uint8
	FieldMasks [maxGroups]uint16
}

// NewHeader builds a header enabling each listed field.
func NewHeader(fields ...FieldID) Header {
	var h Header
	for _, f := range fields {
		h = h.With(f)
	}
	return h
}

// With returns a copy of h with f enabled.
func (h Header) With(f FieldID) Header {
	h.GroupMask |= f.Group.Mask()
	h.FieldMasks[f.Group] |= 1 << f.Bit
	return h
}

// IsEmpty reports whether no field is enabled.
func (h Header) IsEmpty() bool {
	return h.GroupMask == 0
}

// Has reports whether field f is enabled.
func (h Header) Has(f FieldID) bool {
	if int(f.Group) >= maxGroups || f.Bit >= 16 {
		return false
	}
	return h.GroupMask&f.Group.Mask() != 0 && h.FieldMasks[f.Group]&(1<<f.Bit) != 0
}

// Intersects reports whether h and o share at least one field.
func (h Header) Intersects(o Header) bool {
	common := h.GroupMask & o.GroupMask
	for g := 0; g < maxGroups; g++ {
		if common&(1<<g) != 0 && h.FieldMasks[g]&o.FieldMasks[g] != 0 {
			return true
		}
	}
	return false
}

// Fields lists enabled fields in wire order: groups ascending, then bits
// ascending within each group.
func (h Header) Fields() []FieldID {
	var out []FieldID
	for g := 0; g < maxGroups; g++ {
		if h.GroupMask&(1<<g) == 0 {
			continue
		}
		mask := h.FieldMasks[g]
		for mask != 0 {
			b := bits.TrailingZeros16(mask)
			out = append(out, FieldID{Group: Group(g), Bit: uint8(b)})
			mask &^= 1 << b
		}
	}
	return out
}

// PayloadLen is the payload size implied by the header, or -1 when the
// header names a group or field the table does not know.
func (h Header) PayloadLen() int {
	if h.GroupMask == 0 {
		return -1
	}
	total := 0
	for g := 0; g < maxGroups; g++ {
		if h.GroupMask&(1<<g) == 0 {
			continue
		}
		if groupNames[g] == "" || h.FieldMasks[g] == 0 {
			return -1
		}
		for b := 0; b < 16; b++ {
			if h.FieldMasks[g]&(1<<b) == 0 {
				continue
			}
			size := fieldTable[g][b].size
			if size == 0 {
				return -1
			}
			total += size
		}
	}
	return total
}

// Groups is the number of enabled groups.
func (h Header) Groups() int { return bits.OnesCount8(h.GroupMask) }

func (h Header) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "groups=0x%02X", h.GroupMask)
	for g := 0; g < maxGroups; g++ {
		if h.GroupMask&(1<<g) != 0 {
			fmt.Fprintf(&sb, " %s=0x%04X", Group(g), h.FieldMasks[g])
		}
	}
	return sb.String()
}
