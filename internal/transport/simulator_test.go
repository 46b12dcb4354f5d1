package transport

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// collect reads from t until want packets of kind arrive or the deadline
// passes.
func collect(t *testing.T, tr Transport, kind protocol.Kind, want int, within time.Duration) []*protocol.Packet {
	t.Helper()
	p := protocol.NewParser(protocol.ParserConfig{})
	buf := make([]byte, 256)
	var got []*protocol.Packet
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) && len(got) < want {
		n, err := tr.Read(buf)
		require.NoError(t, err)
		p.Write(buf[:n])
		for {
			pkt, perr := p.Next()
			if perr != nil {
				continue
			}
			if pkt == nil {
				break
			}
			if pkt.Kind == kind {
				got = append(got, pkt)
			}
		}
	}
	return got
}

func TestSimulatorAnswersRegisterRead(t *testing.T) {
	sim := NewSimulator(SimConfig{Model: "VN-100T"})
	defer sim.Close()

	_, err := sim.Write(protocol.EncodeASCII("VNRRG,01", protocol.Checksum8Bit))
	require.NoError(t, err)
	pkts := collect(t, sim, protocol.KindASCII, 1, time.Second)
	require.Len(t, pkts, 1)
	assert.Equal(t, "VNRRG", pkts[0].MessageID)
	assert.Equal(t, []string{"01", "VN-100T"}, pkts[0].Fields)
}

func TestSimulatorErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"bad checksum", "$VNRRG,01*00\r\n", "03"},
		{"unknown command", string(protocol.EncodeASCII("VNXYZ", protocol.Checksum8Bit)), "04"},
		{"unknown register", string(protocol.EncodeASCII("VNRRG,99", protocol.Checksum8Bit)), "08"},
		{"read-only register", string(protocol.EncodeASCII("VNWRG,01,X", protocol.Checksum8Bit)), "09"},
		{"bad baud", string(protocol.EncodeASCII("VNWRG,05,1234", protocol.Checksum8Bit)), "07"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSimulator(SimConfig{})
			defer sim.Close()
			sim.Write([]byte(tt.frame))
			pkts := collect(t, sim, protocol.KindASCII, 1, time.Second)
			require.Len(t, pkts, 1)
			assert.Equal(t, "VNERR", pkts[0].MessageID)
			assert.Equal(t, []string{tt.code}, pkts[0].Fields)
		})
	}
}

func TestSimulatorBaudMismatchIsNoise(t *testing.T) {
	sim := NewSimulator(SimConfig{BaudRate: 921600})
	defer sim.Close()
	require.NoError(t, sim.SetBaudRate(115200))

	sim.Write(protocol.EncodeASCII("VNRRG,01", protocol.Checksum8Bit))
	assert.Empty(t, collect(t, sim, protocol.KindASCII, 1, 50*time.Millisecond))

	require.NoError(t, sim.SetBaudRate(921600))
	sim.Write(protocol.EncodeASCII("VNRRG,05", protocol.Checksum8Bit))
	pkts := collect(t, sim, protocol.KindASCII, 1, time.Second)
	require.Len(t, pkts, 1)
	assert.Equal(t, []string{"05", "921600"}, pkts[0].Fields)
}

func TestSimulatorBaudChange(t *testing.T) {
	sim := NewSimulator(SimConfig{})
	defer sim.Close()

	sim.Write(protocol.EncodeASCII("VNWRG,05,921600", protocol.Checksum8Bit))
	pkts := collect(t, sim, protocol.KindASCII, 1, time.Second)
	require.Len(t, pkts, 1)
	assert.Equal(t, "VNWRG", pkts[0].MessageID)

	// The sensor now talks at the new rate.
	sim.Write(protocol.EncodeASCII("VNRRG,05", protocol.Checksum8Bit))
	assert.Empty(t, collect(t, sim, protocol.KindASCII, 1, 30*time.Millisecond))
	sim.SetBaudRate(921600)
	sim.Write(protocol.EncodeASCII("VNRRG,05", protocol.Checksum8Bit))
	require.Len(t, collect(t, sim, protocol.KindASCII, 1, time.Second), 1)
}

func TestSimulatorAsyncOutput(t *testing.T) {
	sim := NewSimulator(SimConfig{AsyncType: 1, AsyncFreq: 200})
	defer sim.Close()

	pkts := collect(t, sim, protocol.KindASCII, 3, time.Second)
	require.Len(t, pkts, 3)
	for _, p := range pkts {
		assert.Equal(t, "VNYPR", p.MessageID)
		assert.Len(t, p.Fields, 3)
	}

	sim.Write(protocol.EncodeASCII("VNASY,0", protocol.Checksum8Bit))
	time.Sleep(20 * time.Millisecond)
	v, ok := sim.Register(6)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestSimulatorBinaryOutput(t *testing.T) {
	sim := NewSimulator(SimConfig{BinaryOutput: "1,16,01,0129"})
	defer sim.Close()

	pkts := collect(t, sim, protocol.KindBinary, 2, time.Second)
	require.Len(t, pkts, 2)
	want := protocol.NewHeader(
		protocol.FieldID{Group: protocol.GroupCommon, Bit: 0},
		protocol.FieldID{Group: protocol.GroupCommon, Bit: 3},
		protocol.FieldID{Group: protocol.GroupCommon, Bit: 5},
		protocol.FieldID{Group: protocol.GroupCommon, Bit: 8},
	)
	assert.Equal(t, want, pkts[0].Header)
}

func TestSimulatorSplitOutput(t *testing.T) {
	// The 50 byte frame goes out as three 0xFB parts.
	sim := NewSimulator(SimConfig{BinaryOutput: "1,16,01,0129", SplitPayload: 16})
	defer sim.Close()

	pkts := collect(t, sim, protocol.KindBinary, 2, time.Second)
	require.Len(t, pkts, 2)
	for _, p := range pkts {
		assert.True(t, p.Reassembled)
		assert.Equal(t, protocol.DefaultSyncByte, p.SyncByte)
		assert.Len(t, p.Payload, p.Header.PayloadLen())
	}
}

func TestSimulatorClose(t *testing.T) {
	sim := NewSimulator(SimConfig{})
	require.NoError(t, sim.Close())
	_, err := sim.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = sim.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, os.WriteFile(path, []byte("$VNYPR,1,2,3*5F\r\n"), 0o644))

	ft, err := OpenFile(path)
	require.NoError(t, err)
	defer ft.Close()

	_, err = ft.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)

	data, err := io.ReadAll(ft)
	require.NoError(t, err)
	assert.Equal(t, "$VNYPR,1,2,3*5F\r\n", string(data))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Path: "/dev/null", Driver: "nope"})
	assert.Error(t, err)
}
