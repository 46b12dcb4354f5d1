// Package transport provides byte-stream connections to a sensor: serial
// ports, recorded files and a simulated unit.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed   = errors.New("transport: closed")
	ErrReadOnly = errors.New("transport: read-only")
)

// Transport is a raw byte stream. Read may return 0 bytes and a nil error
// when its read timeout expires.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Port is a Transport whose line speed can change.
type Port interface {
	Transport
	Name() string
	BaudRate() int
	SetBaudRate(baud int) error
}

// Driver names a serial backend.
type Driver string

const (
	DriverBugst Driver = "bugst"
	DriverTarm  Driver = "tarm"
)

// DefaultReadTimeout keeps Read from blocking the reader goroutine for long.
const DefaultReadTimeout = 50 * time.Millisecond

// Config describes how to open a serial port.
type Config struct {
	Path        string        `yaml:"path" json:"path"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	Driver      Driver        `yaml:"driver" json:"driver"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

// Open opens a serial port with the configured driver.
func Open(cfg Config) (Port, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	switch cfg.Driver {
	case "", DriverBugst:
		return OpenSerial(cfg.Path, cfg.BaudRate, cfg.ReadTimeout)
	case DriverTarm:
		return OpenTarm(cfg.Path, cfg.BaudRate, cfg.ReadTimeout)
	}
	return nil, fmt.Errorf("transport: unknown driver %q", cfg.Driver)
}
