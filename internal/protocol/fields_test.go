package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderFieldsOrder(t *testing.T) {
	quat := FieldID{Group: GroupAttitude, Bit: 2}
	accel := FieldID{Group: GroupIMU, Bit: 9}
	h := NewHeader(quat, yprField, accel)

	assert.Equal(t, []FieldID{yprField, accel, quat}, h.Fields())
	assert.Equal(t, 12+12+16, h.PayloadLen())
	assert.Equal(t, 3, h.Groups())
	assert.True(t, h.Has(accel))
	assert.False(t, h.Has(FieldID{Group: GroupIMU, Bit: 8}))
}

func TestHeaderIntersects(t *testing.T) {
	a := NewHeader(yprField, FieldID{Group: GroupCommon, Bit: 4})
	b := NewHeader(FieldID{Group: GroupCommon, Bit: 4})
	c := NewHeader(FieldID{Group: GroupAttitude, Bit: 1})

	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(c))
	assert.False(t, a == b)
	assert.True(t, b == NewHeader(FieldID{Group: GroupCommon, Bit: 4}))
}

func TestLookupField(t *testing.T) {
	f, ok := LookupField("attitude.ypr")
	assert.True(t, ok)
	assert.Equal(t, FieldID{Group: GroupAttitude, Bit: 1}, f)
	assert.Equal(t, "Attitude.Ypr", f.String())

	_, ok = LookupField("Common.Nope")
	assert.False(t, ok)
	_, ok = LookupField("Ypr")
	assert.False(t, ok)
}

func TestPayloadLenRejectsUnknown(t *testing.T) {
	assert.Equal(t, -1, Header{}.PayloadLen())
	assert.Equal(t, -1, Header{GroupMask: 0x08, FieldMasks: [8]uint16{3: 1}}.PayloadLen())
	assert.Equal(t, -1, NewHeader(FieldID{Group: GroupCommon, Bit: 15}).PayloadLen())
}
