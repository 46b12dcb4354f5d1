package sensor

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vnsensor/internal/command"
	"github.com/shaunagostinho/vnsensor/internal/dispatch"
	"github.com/shaunagostinho/vnsensor/internal/export"
	"github.com/shaunagostinho/vnsensor/internal/protocol"
	"github.com/shaunagostinho/vnsensor/internal/register"
	"github.com/shaunagostinho/vnsensor/internal/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 300 * time.Millisecond
	cfg.Retries = 1
	cfg.ProbeTimeout = 80 * time.Millisecond
	return cfg
}

func connectSim(t *testing.T, sc transport.SimConfig) (*Sensor, *transport.Simulator) {
	t.Helper()
	sim := transport.NewSimulator(sc)
	s := New(testConfig())
	require.NoError(t, s.ConnectTransport(sim))
	t.Cleanup(func() { s.Close() })
	return s, sim
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestVerifyConnectivity(t *testing.T) {
	s, _ := connectSim(t, transport.SimConfig{Model: "VN-200"})

	model, err := s.VerifyConnectivity(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, "VN-200", model)
	assert.True(t, s.IsConnected())
}

func TestRegisterRoundTrip(t *testing.T) {
	s, sim := connectSim(t, transport.SimConfig{})
	ctx := ctxT(t)

	require.NoError(t, s.WriteRegister(ctx, &register.UserTag{Tag: "bench"}))
	v, _ := sim.Register(0)
	assert.Equal(t, "bench", v)

	var tag register.UserTag
	require.NoError(t, s.ReadRegister(ctx, &tag))
	assert.Equal(t, "bench", tag.Tag)

	var fw register.FwVer
	require.NoError(t, s.ReadRegister(ctx, &fw))
}

func TestWriteReadOnlyRegister(t *testing.T) {
	s, _ := connectSim(t, transport.SimConfig{})
	err := s.WriteRegister(ctxT(t), &register.Model{Model: "x"})
	assert.ErrorIs(t, err, register.ErrReadOnly)
}

func TestSensorErrorIsReturned(t *testing.T) {
	s, _ := connectSim(t, transport.SimConfig{})
	_, err := s.SendCommand(ctxT(t), command.New("XYZ"), command.Blocking(300*time.Millisecond))

	var serr *command.SensorError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, command.ErrorCode(0x04), serr.Code)
}

func TestGenericCommands(t *testing.T) {
	s, _ := connectSim(t, transport.SimConfig{})
	ctx := ctxT(t)
	require.NoError(t, s.WriteSettings(ctx))
	require.NoError(t, s.KnownMagneticDisturbance(ctx, true))
	require.NoError(t, s.SetInitialHeading(ctx, 45))
	require.NoError(t, s.AsyncOutputEnable(ctx, false))
	require.NoError(t, s.RestoreFactorySettings(ctx))
}

func TestChangeBaudRate(t *testing.T) {
	s, sim := connectSim(t, transport.SimConfig{BaudRate: 115200})
	ctx := ctxT(t)

	require.NoError(t, s.ChangeBaudRate(ctx, 921600))
	assert.Equal(t, 921600, sim.BaudRate())

	_, err := s.VerifyConnectivity(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, s.ChangeBaudRate(ctx, 1234), register.ErrEncoding)
}

func TestAutoConnect(t *testing.T) {
	sim := transport.NewSimulator(transport.SimConfig{BaudRate: 115200})
	sim.SetSensorBaud(57600)

	cfg := testConfig()
	cfg.AutoBaudRates = []int{115200, 9600, 57600}
	opened := 0
	s := New(cfg, WithOpener(func(tc transport.Config) (transport.Port, error) {
		opened++
		return sim, nil
	}))
	defer s.Close()

	baud, err := s.AutoConnect(ctxT(t), "sim")
	require.NoError(t, err)
	assert.Equal(t, 57600, baud)
	assert.Equal(t, 1, opened)
	assert.True(t, s.IsConnected())
}

func TestAutoConnectNoSensor(t *testing.T) {
	sim := transport.NewSimulator(transport.SimConfig{})
	sim.SetSensorBaud(230400)

	cfg := testConfig()
	cfg.AutoBaudRates = []int{115200, 9600}
	s := New(cfg, WithOpener(func(transport.Config) (transport.Port, error) { return sim, nil }))

	_, err := s.AutoConnect(ctxT(t), "sim")
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.False(t, s.IsConnected())
}

func TestDisconnectReleasesWaiters(t *testing.T) {
	s, sim := connectSim(t, transport.SimConfig{})
	sim.SetSensorBaud(9600)

	errc := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(context.Background(), command.WriteSettings(), command.Blocking(10*time.Second))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Disconnect())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, command.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
	_, err := s.SendCommand(context.Background(), command.WriteSettings(), command.NonBlocking())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)
}

func TestAsyncErrors(t *testing.T) {
	s, sim := connectSim(t, transport.SimConfig{})

	sim.Inject(protocol.EncodeASCII("VNERR,01", protocol.Checksum8Bit))
	select {
	case ae := <-s.AsyncErrors():
		var serr *command.SensorError
		require.ErrorAs(t, ae, &serr)
		assert.Equal(t, command.ErrorCode(0x01), serr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no async error")
	}

	sim.Inject(protocol.EncodeASCII("VNRRG,01,VN-100T", protocol.Checksum8Bit))
	select {
	case ae := <-s.AsyncErrors():
		assert.ErrorIs(t, ae, command.ErrUnexpectedResponse)
	case <-time.After(2 * time.Second):
		t.Fatal("no async error")
	}
}

func TestAsyncErrorQueueDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.AsyncErrorQueue = 2
	s := New(cfg)
	for i := 0; i < 5; i++ {
		s.asyncError(&command.SensorError{Code: command.ErrorCode(i + 1)})
	}
	require.Len(t, s.AsyncErrors(), 2)
	first := <-s.AsyncErrors()
	var serr *command.SensorError
	require.ErrorAs(t, first, &serr)
	assert.Equal(t, command.ErrorCode(4), serr.Code)
}

func TestMeasurementsFromSimulator(t *testing.T) {
	s, _ := connectSim(t, transport.SimConfig{AsyncType: register.AsyncYPR, AsyncFreq: 50})

	snap, err := s.GetNextMeasurement(ctxT(t), true)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "VNYPR", snap.MessageID)
	assert.True(t, snap.MatchesMessage("VNYPR"))
}

func yprBinary(t *testing.T, y, p, r float32) []byte {
	t.Helper()
	var payload []byte
	for _, v := range []float32{y, p, r} {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
	}
	h := protocol.NewHeader(protocol.FieldID{Group: protocol.GroupCommon, Bit: 3})
	raw, err := protocol.EncodeBinary(protocol.DefaultSyncByte, h, payload)
	require.NoError(t, err)
	return raw
}

func writeRecording(t *testing.T) (string, []byte) {
	t.Helper()
	var rec bytes.Buffer
	rec.Write([]byte{0x00, 0x13, 0x37})
	rec.Write(protocol.EncodeASCII("VNYPR,10.0,5.0,1.0", protocol.Checksum8Bit))
	rec.Write(yprBinary(t, 20, 0, -1))
	rec.Write([]byte("$VNYPR,1,2,3*00\r\n"))
	rec.Write(protocol.EncodeASCII("VNYPR,11.0,5.0,1.0", protocol.Checksum8Bit))
	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, os.WriteFile(path, rec.Bytes(), 0644))
	return path, rec.Bytes()
}

func TestReplayFile(t *testing.T) {
	path, data := writeRecording(t)

	s := New(testConfig())
	defer s.Close()

	yprLog := &bufCloser{}
	rawLog := &bufCloser{}
	_, err := s.AttachExporter("ypr", dispatch.MatchPrefix("VNYPR"), export.NewASCIISink(yprLog), dispatch.Retry)
	require.NoError(t, err)
	_, err = s.AttachReceivedBytesExporter("raw", export.NewRawSink(rawLog), dispatch.Retry)
	require.NoError(t, err)

	require.NoError(t, s.ConnectFile(path))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish")
	}
	assert.ErrorIs(t, s.Err(), io.EOF)

	var yaws []float32
	for {
		snap, err := s.GetNextMeasurement(context.Background(), false)
		if err != nil {
			assert.ErrorIs(t, err, command.ErrDisconnected)
			break
		}
		if snap == nil {
			break
		}
		yaws = append(yaws, snap.Data.Attitude.YPR[0])
	}
	assert.Equal(t, []float32{10, 20, 11}, yaws)

	st := s.Stats()
	assert.Equal(t, uint64(len(data)), st.Parser.ReceivedBytes)
	assert.Equal(t, uint64(3), st.Parser.SkippedBytes)
	assert.Equal(t, uint64(len("$VNYPR,1,2,3*00\r\n")), st.Parser.DroppedBytes)
	assert.Equal(t, uint64(3), st.Measurements)

	require.NoError(t, s.DetachExporter("ypr"))
	require.NoError(t, s.DetachExporter("raw"))
	second := strings.TrimSuffix(string(protocol.EncodeASCII("VNYPR,11.0,5.0,1.0", protocol.Checksum8Bit)), "\r\n")
	assert.Equal(t, "$VNYPR,10.0,5.0,1.0*74\n"+second+"\n", yprLog.String())
	assert.Equal(t, data, rawLog.Bytes())
}

func TestConnectTwiceFails(t *testing.T) {
	s, _ := connectSim(t, transport.SimConfig{})
	assert.ErrorIs(t, s.ConnectTransport(transport.NewSimulator(transport.SimConfig{})), ErrAlreadyConnected)
}

type bufCloser struct{ bytes.Buffer }

func (*bufCloser) Close() error { return nil }
