package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vnsensor/internal/dispatch"
	"github.com/shaunagostinho/vnsensor/internal/transport"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, "demo", cfg.Sensor.Type)
	assert.Equal(t, 115200, cfg.Sensor.BaudRate)
	assert.Equal(t, 200*time.Millisecond, cfg.Engine.RemovalTimeout)
	assert.Equal(t, dispatch.Retry, cfg.OverflowPolicy())
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vnsensor.yaml")
	yml := `
sensor:
  type: serial
  port_path: /dev/ttyVN
  baud_rate: 921600
engine:
  response_timeout: 750ms
export:
  policy: drop
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nVN_DRIVER=\"tarm\"\n"), 0644))
	t.Setenv("VN_DRIVER", "")
	t.Setenv("LISTEN_ADDR", ":9999")

	cfg := LoadConfig(path)
	assert.Equal(t, "serial", cfg.Sensor.Type)
	assert.Equal(t, "/dev/ttyVN", cfg.Sensor.PortPath)
	assert.Equal(t, 921600, cfg.Sensor.BaudRate)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.ResponseTimeout)
	assert.Equal(t, 2, cfg.Engine.Retries, "unset engine fields keep defaults")
	assert.Equal(t, transport.DriverTarm, cfg.Sensor.Driver)
	assert.Equal(t, transport.DriverTarm, cfg.EngineConfig().Driver)
	assert.Equal(t, ":9999", cfg.Monitor.ListenAddr)
	assert.Equal(t, dispatch.Drop, cfg.OverflowPolicy())
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"export":{"ascii":true},"nats":{"enabled":true}}`)))

	assert.True(t, cfg.Export.ASCII)
	assert.True(t, cfg.Export.CSV, "fields not in the patch are preserved")
	assert.Equal(t, "./logs", cfg.Export.Dir)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`{not json`)))
}

func TestUpdateFromJSONRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		patch string
	}{
		{"unknown type", `{"sensor":{"type":"usb"}}`},
		{"file without path", `{"sensor":{"type":"file"}}`},
		{"unknown policy", `{"export":{"policy":"sometimes"}}`},
		{"negative rate", `{"monitor":{"broadcastHz":-1}}`},
		{"unknown driver", `{"sensor":{"driver":"ftdi"}}`},
		{"unknown key", `{"sensor":{"port":"/dev/ttyS1"}}`},
		{"object over value", `{"log":{"level":{"name":"debug"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.UpdateFromJSON([]byte(tt.patch))
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Equal(t, DefaultConfig().Sensor, cfg.Sensor, "a rejected patch changes nothing")
			assert.Equal(t, "retry", cfg.Export.Policy)
		})
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"sensor":{"type":"file","file":"run.bin"},"export":{"policy":"DROP"}}`)))
	assert.Equal(t, "run.bin", cfg.Sensor.File)
	assert.Equal(t, dispatch.Drop, cfg.OverflowPolicy())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Sensor.Type = "usb"
	cfg.Export.Policy = "sometimes"
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "sensor.type")
	assert.Contains(t, err.Error(), "export.policy")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	env := "export VN_PORT=/dev/ttyENV\nbroken line\nVN_FILE='rec.bin'\nLOG_LEVEL=warn\n"
	require.NoError(t, os.WriteFile(path, []byte(env), 0644))
	t.Setenv("VN_PORT", "")
	t.Setenv("VN_FILE", "")
	t.Setenv("LOG_LEVEL", "error")

	loadEnvFile(path)
	assert.Equal(t, "/dev/ttyENV", os.Getenv("VN_PORT"))
	assert.Equal(t, "rec.bin", os.Getenv("VN_FILE"))
	assert.Equal(t, "error", os.Getenv("LOG_LEVEL"), "the environment wins")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Sensor.PortPath = "/dev/ttyS9"
	cfg.Engine.ProbeTimeout = 90 * time.Millisecond
	require.NoError(t, cfg.Save())

	loaded := LoadConfig(path)
	assert.Equal(t, "/dev/ttyS9", loaded.Sensor.PortPath)
	assert.Equal(t, 90*time.Millisecond, loaded.Engine.ProbeTimeout)
	assert.Equal(t, cfg.Engine.AutoBaudRates, loaded.Engine.AutoBaudRates)
}

func TestApplyLogLevel(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.ApplyLogLevel()
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	cfg.Log.Level = "loud"
	cfg.ApplyLogLevel()
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestSimConfig(t *testing.T) {
	cfg := DefaultConfig()
	sc := cfg.SimConfig()
	assert.Equal(t, "VN-100T", sc.Model)
	assert.Equal(t, "1,16,01,0129", sc.BinaryOutput)
}
