package register

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

func response(t *testing.T, body string) *protocol.Packet {
	t.Helper()
	pkts, errs := protocol.ParseAll(protocol.EncodeASCII(body, protocol.Checksum8Bit), protocol.ParserConfig{})
	require.Empty(t, errs)
	require.Len(t, pkts, 1)
	return pkts[0]
}

func TestReadCommand(t *testing.T) {
	cmd := ReadCommand(&Model{})
	assert.Equal(t, "RRG,01", cmd.Body)
	assert.Equal(t, "$VNRRG,01*72\r\n", string(cmd.Frame(protocol.Checksum8Bit)))
	assert.True(t, cmd.Matches(response(t, "VNRRG,01,VN-100T")))
	assert.False(t, cmd.Matches(response(t, "VNRRG,05,115200")))
}

func TestWriteCommand(t *testing.T) {
	tests := []struct {
		name string
		reg  Register
		want string
	}{
		{"baud", &BaudRate{Baud: 115200}, "WRG,05,115200"},
		{"baud with port", &BaudRate{Baud: 921600, SerialPort: 2}, "WRG,05,921600,2"},
		{"async type", &AsyncOutputType{Ador: AsyncYPR}, "WRG,06,1"},
		{"async freq", &AsyncOutputFreq{Adof: 100}, "WRG,07,100"},
		{"velocity", &VelAidingMeas{VelocityX: 1.5, VelocityY: -2, VelocityZ: 0}, "WRG,50,1.5,-2,0"},
		{"generic", &Generic{RegID: 30, Values: []string{"1", "2"}}, "WRG,30,1,2"},
		{
			"binary output",
			&BinaryOutput{
				Index: 1, AsyncMode: 2, RateDivisor: 16,
				Header: protocol.NewHeader(
					protocol.FieldID{Group: protocol.GroupCommon, Bit: 0},
					protocol.FieldID{Group: protocol.GroupCommon, Bit: 3},
					protocol.FieldID{Group: protocol.GroupCommon, Bit: 5},
				),
			},
			"WRG,75,2,16,01,0029",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := WriteCommand(tt.reg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.Body)
		})
	}
}

func TestWriteCommandRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		reg  Register
	}{
		{"baud", &BaudRate{Baud: 12345}},
		{"baud port", &BaudRate{Baud: 115200, SerialPort: 7}},
		{"async type", &AsyncOutputType{Ador: 99}},
		{"async freq", &AsyncOutputFreq{Adof: 3}},
		{"empty tag", &UserTag{}},
		{"tag with comma", &UserTag{Tag: "a,b"}},
		{"binary divisor", &BinaryOutput{Index: 1, AsyncMode: 1}},
		{"binary unknown field", &BinaryOutput{Index: 1, AsyncMode: 1, RateDivisor: 1,
			Header: protocol.NewHeader(protocol.FieldID{Group: protocol.GroupCommon, Bit: 15})}},
		{"generic empty", &Generic{RegID: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WriteCommand(tt.reg)
			assert.ErrorIs(t, err, ErrEncoding)
		})
	}
}

func TestWriteCommandReadOnly(t *testing.T) {
	_, err := WriteCommand(&Model{})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestFromResponse(t *testing.T) {
	var model Model
	require.NoError(t, FromResponse(&model, response(t, "VNRRG,01,VN-100T")))
	assert.Equal(t, "VN-100T", model.Model)

	var baud BaudRate
	require.NoError(t, FromResponse(&baud, response(t, "VNWRG,05,115200")))
	assert.Equal(t, uint32(115200), baud.Baud)

	var ypr YawPitchRoll
	require.NoError(t, FromResponse(&ypr, response(t, "VNRRG,08,+010.000,-005.500,+001.250")))
	assert.InDelta(t, 10.0, ypr.Yaw, 1e-6)
	assert.InDelta(t, -5.5, ypr.Pitch, 1e-6)
	assert.InDelta(t, 1.25, ypr.Roll, 1e-6)

	assert.ErrorIs(t, FromResponse(&model, response(t, "VNRRG,05,115200")), ErrResponse)
	assert.ErrorIs(t, FromResponse(&model, response(t, "VNYPR,1,2,3")), ErrResponse)
}

func TestDecodeRejectsBadSerialPort(t *testing.T) {
	for _, r := range []Register{&AsyncOutputType{}, &AsyncOutputFreq{}} {
		t.Run(r.Name(), func(t *testing.T) {
			assert.Error(t, r.Decode([]string{"1", "x"}))
			assert.Error(t, r.Decode([]string{"1", "-1"}))
			require.NoError(t, r.Decode([]string{"1", "2"}))
		})
	}
	var freq AsyncOutputFreq
	require.NoError(t, freq.Decode([]string{"40", "1"}))
	assert.Equal(t, 1, freq.SerialPort)
}

func TestBinaryOutputRoundTrip(t *testing.T) {
	bo := NewBinaryOutput(2)
	require.NoError(t, FromResponse(bo, response(t, "VNRRG,76,1,8,11,0108,0002")))
	assert.Equal(t, 76, bo.ID())
	assert.Equal(t, uint16(1), bo.AsyncMode)
	assert.Equal(t, uint16(8), bo.RateDivisor)
	assert.True(t, bo.Header.Has(protocol.FieldID{Group: protocol.GroupCommon, Bit: 3}))
	assert.True(t, bo.Header.Has(protocol.FieldID{Group: protocol.GroupCommon, Bit: 8}))
	assert.True(t, bo.Header.Has(protocol.FieldID{Group: protocol.GroupAttitude, Bit: 1}))

	cmd, err := WriteCommand(bo)
	require.NoError(t, err)
	assert.Equal(t, "WRG,76,1,8,11,0108,0002", cmd.Body)
}

func TestLookup(t *testing.T) {
	assert.IsType(t, &BaudRate{}, Lookup(5))
	assert.Equal(t, "BinaryOutput3", Lookup(77).Name())
	g := Lookup(200)
	assert.IsType(t, &Generic{}, g)
	assert.Equal(t, "Register200", g.Name())
	assert.Equal(t, 7, ReadCommand(g).MatchLength)
	assert.Equal(t, "Model", (&Generic{RegID: 1}).Name())
}

func TestAsyncMessageID(t *testing.T) {
	id, ok := AsyncMessageID(AsyncYMR)
	assert.True(t, ok)
	assert.Equal(t, "VNYMR", id)
	_, ok = AsyncMessageID(3)
	assert.False(t, ok)
}
