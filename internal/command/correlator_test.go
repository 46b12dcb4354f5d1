package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

type wire struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (w *wire) transmit(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, string(b))
	return nil
}

func (w *wire) sent() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.frames...)
}

func sentence(t *testing.T, body string) *protocol.Packet {
	t.Helper()
	pkts, errs := protocol.ParseAll(protocol.EncodeASCII(body, protocol.Checksum8Bit), protocol.ParserConfig{})
	require.Empty(t, errs)
	require.Len(t, pkts, 1)
	return pkts[0]
}

func readModel() Command { return Command{Body: "RRG,01", MatchLength: 6} }

func TestCommandFrame(t *testing.T) {
	assert.Equal(t, "$VNRRG,01*72\r\n", string(readModel().Frame(protocol.Checksum8Bit)))
	assert.Equal(t, "$VNWNV*57\r\n", string(WriteSettings().Frame(protocol.Checksum8Bit)))
	assert.Equal(t, "$VNKMD,1*47\r\n", string(KnownMagneticDisturbance(true).Frame(protocol.Checksum8Bit)))
	assert.Equal(t, "VNSIH,+045.500", SetInitialHeading(45.5).String())
}

func TestCommandMatches(t *testing.T) {
	assert.True(t, readModel().Matches(sentence(t, "VNRRG,01,VN-100T")))
	assert.False(t, readModel().Matches(sentence(t, "VNRRG,05,115200")))
	assert.True(t, Reset().Matches(sentence(t, "VNRST")))
	assert.False(t, Reset().Matches(sentence(t, "VNWNV")))
	assert.Equal(t, "RRG", readModel().Kind())
}

func TestNonBlockingSendAndMatch(t *testing.T) {
	w := &wire{}
	c := NewCorrelator(w.transmit, Config{})

	h, err := c.Send(context.Background(), readModel(), NonBlocking())
	require.NoError(t, err)
	assert.Equal(t, []string{"$VNRRG,01*72\r\n"}, w.sent())
	assert.True(t, h.IsAwaitingResponse())
	assert.False(t, h.HasValidResponse())

	resp := sentence(t, "VNRRG,01,VN-100T")
	assert.True(t, c.Match(resp))
	assert.False(t, h.IsAwaitingResponse())
	assert.True(t, h.HasValidResponse())
	assert.Same(t, resp, h.Response())
	assert.NoError(t, h.Err())
	assert.False(t, h.RespondedAt().Before(h.SentAt()))

	// A second copy of the response has nothing left to answer.
	assert.False(t, c.Match(resp))
	assert.True(t, h.HasValidResponse())
	assert.Zero(t, c.Outstanding())
}

func TestMatchIsFIFOPerKind(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{})
	ctx := context.Background()

	first, _ := c.Send(ctx, readModel(), NonBlocking())
	reset, _ := c.Send(ctx, Reset(), NonBlocking())
	second, _ := c.Send(ctx, readModel(), NonBlocking())

	require.True(t, c.Match(sentence(t, "VNRRG,01,VN-100T")))
	assert.True(t, first.HasValidResponse())
	assert.True(t, second.IsAwaitingResponse())
	assert.True(t, reset.IsAwaitingResponse())

	require.True(t, c.Match(sentence(t, "VNRST")))
	assert.True(t, reset.HasValidResponse())
	assert.True(t, second.IsAwaitingResponse())
}

func TestSweepExpiresAndPreventsMisattribution(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{RemovalTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	stale, _ := c.Send(ctx, readModel(), NonBlocking())
	assert.Equal(t, 1, c.Sweep(time.Now().Add(time.Second)))
	assert.Equal(t, StateExpired, stale.State())
	assert.ErrorIs(t, stale.Err(), ErrResponseTimeout)

	fresh, _ := c.Send(ctx, readModel(), NonBlocking())
	require.True(t, c.Match(sentence(t, "VNRRG,01,VN-100T")))
	assert.True(t, fresh.HasValidResponse())
	assert.Equal(t, StateExpired, stale.State())

	// A late reply with no live command is left for the caller to report.
	assert.False(t, c.Match(sentence(t, "VNRRG,01,VN-100T")))
}

func TestMatchSkipsExpiredWithoutSweep(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{RemovalTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	stale, _ := c.Send(ctx, readModel(), NonBlocking())
	time.Sleep(120 * time.Millisecond)
	fresh, _ := c.Send(ctx, readModel(), NonBlocking())

	require.True(t, c.Match(sentence(t, "VNRRG,01,VN-100T")))
	assert.Equal(t, StateExpired, stale.State())
	assert.ErrorIs(t, stale.Err(), ErrResponseTimeout)
	assert.True(t, fresh.HasValidResponse())
	assert.Zero(t, c.Outstanding())
}

func TestSweepLeavesYoungCommands(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{})
	h, _ := c.Send(context.Background(), readModel(), NonBlocking())
	assert.Zero(t, c.Sweep(time.Now()))
	assert.True(t, h.IsAwaitingResponse())
}

func TestBlockingSendReceivesResponse(t *testing.T) {
	w := &wire{}
	c := NewCorrelator(w.transmit, Config{})
	go func() {
		for len(w.sent()) == 0 {
			time.Sleep(time.Millisecond)
		}
		c.Match(sentence(t, "VNRRG,01,VN-100T"))
	}()

	h, err := c.Send(context.Background(), readModel(), Blocking(time.Second))
	require.NoError(t, err)
	assert.True(t, h.HasValidResponse())
	assert.Equal(t, []string{"01", "VN-100T"}, h.Response().Fields)
}

func TestBlockingSendTimesOut(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{})
	start := time.Now()
	h, err := c.Send(context.Background(), readModel(), Blocking(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, StateExpired, h.State())
	assert.Zero(t, c.Outstanding())
}

func TestBlockingWithRetryResends(t *testing.T) {
	w := &wire{}
	c := NewCorrelator(w.transmit, Config{})
	_, err := c.Send(context.Background(), readModel(), BlockingWithRetry(10*time.Millisecond, 2))
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.Len(t, w.sent(), 3)
}

func TestSynchronousSensorError(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{})
	h, _ := c.Send(context.Background(), Command{Body: "WRG,05,1", MatchLength: 6}, NonBlocking())

	require.True(t, c.Match(sentence(t, "VNERR,07")))
	var serr *SensorError
	require.ErrorAs(t, h.Err(), &serr)
	assert.Equal(t, InvalidParameter, serr.Code)
	assert.Equal(t, StateErrored, h.State())
}

func TestAsynchronousSensorErrorNotConsumed(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{})
	h, _ := c.Send(context.Background(), readModel(), NonBlocking())
	assert.False(t, c.Match(sentence(t, "VNERR,0A")))
	assert.True(t, h.IsAwaitingResponse())
}

func TestTransportFailure(t *testing.T) {
	boom := errors.New("port gone")
	c := NewCorrelator((&wire{err: boom}).transmit, Config{})
	h, err := c.Send(context.Background(), readModel(), Blocking(time.Second))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateErrored, h.State())
	assert.Zero(t, c.Outstanding())
}

func TestCancelReleasesWaiters(t *testing.T) {
	w := &wire{}
	c := NewCorrelator(w.transmit, Config{})
	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), readModel(), Blocking(5*time.Second))
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.Outstanding() == 1 }, time.Second, time.Millisecond)

	c.Cancel(nil)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released")
	}

	_, err := c.Send(context.Background(), readModel(), NonBlocking())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestContextCancelsBlockingSend(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, readModel(), Blocking(5*time.Second))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetentionEvictsFinishedRecords(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{Retention: 2})
	ctx := context.Background()
	first, _ := c.Send(ctx, readModel(), NonBlocking())
	c.Match(sentence(t, "VNRRG,01,VN-100T"))
	c.Send(ctx, readModel(), NonBlocking())
	c.Send(ctx, readModel(), NonBlocking())

	assert.Equal(t, StateUnknown, first.State())
	assert.ErrorIs(t, first.Err(), ErrEvicted)
}

func TestHandleWait(t *testing.T) {
	c := NewCorrelator((&wire{}).transmit, Config{})
	h, _ := c.Send(context.Background(), Reset(), NonBlocking())
	go c.Match(sentence(t, "VNRST"))
	assert.NoError(t, h.Wait(context.Background()))
	assert.True(t, h.HasValidResponse())
}

func TestParseSensorError(t *testing.T) {
	serr, ok := ParseSensorError(sentence(t, "VNERR,0C"))
	require.True(t, ok)
	assert.Equal(t, InsufficientBaudRate, serr.Code)
	assert.True(t, serr.Code.Synchronous())
	assert.False(t, WatchdogReset.Synchronous())
	assert.Equal(t, "sensor error: insufficient baud rate", serr.Error())

	_, ok = ParseSensorError(sentence(t, "VNYPR,1,2,3"))
	assert.False(t, ok)
}
