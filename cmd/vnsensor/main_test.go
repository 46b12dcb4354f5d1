package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vnsensor/internal/sensor"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	cfg := filepath.Join(t.TempDir(), "missing.yaml")
	root.SetArgs(append([]string{"--demo", "--config", cfg}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestReadAgainstSimulator(t *testing.T) {
	out, err := run(t, "read", "1")
	require.NoError(t, err)
	assert.Equal(t, "Model: VN-100T\n", out)
}

func TestWritePersist(t *testing.T) {
	out, err := run(t, "write", "0", "rig-a", "--persist")
	require.NoError(t, err)
	assert.Equal(t, "UserTag: rig-a\n", out)
}

func TestSendNoWait(t *testing.T) {
	out, err := run(t, "send", "RRG,05", "--no-wait")
	require.NoError(t, err)
	assert.Equal(t, "VNRRG,05,115200\n", out)
}

func TestReadRejectsBadID(t *testing.T) {
	_, err := run(t, "read", "abc")
	assert.Error(t, err)
}

func TestScanSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor.yaml")
	_, err := run(t, "scan", "save", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "registers:")

	_, err = run(t, "scan", "load", path)
	require.NoError(t, err)
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := connectWithRetry(ctx, "test", func(context.Context) error {
		calls++
		return errors.New("no port")
	}, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestConnectWithRetryGivesUpWhenConnected(t *testing.T) {
	err := connectWithRetry(context.Background(), "test", func(context.Context) error {
		return sensor.ErrAlreadyConnected
	}, 3)
	assert.ErrorIs(t, err, sensor.ErrAlreadyConnected)
}
