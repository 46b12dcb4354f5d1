package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ParserDelta(1, 2, 3)
		m.PacketParsed("ascii")
		m.QueueDropped("q")
		m.CommandFinished("RRG", "ok", 0.01)
		m.ExportWrite("csv", 10)
		m.SetConnected(true)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.ParserDelta(100, 7, 24)
	m.PacketParsed("binary")
	m.PacketParsed("binary")
	m.QueueDropped("csv")
	m.ExportWrite("csv", 42)
	m.SetConnected(true)

	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesReceived))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesSkipped))
	assert.Equal(t, 24.0, testutil.ToFloat64(m.BytesDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsParsed.WithLabelValues("binary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDrops.WithLabelValues("csv")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.ExportBytes.WithLabelValues("csv")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.CommandSent("RRG")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vnsensor_command_sent_total{command="RRG"} 1`)
}
