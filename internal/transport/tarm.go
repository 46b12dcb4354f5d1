package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	tarm "github.com/tarm/serial"
)

// TarmPort is a Port backed by github.com/tarm/serial. That library cannot
// change speed on an open port, so SetBaudRate reopens it.
type TarmPort struct {
	mu     sync.Mutex
	cfg    tarm.Config
	port   *tarm.Port
	closed bool
}

// OpenTarm opens path at baud using the tarm driver.
func OpenTarm(path string, baud int, readTimeout time.Duration) (*TarmPort, error) {
	cfg := tarm.Config{Name: path, Baud: baud, ReadTimeout: readTimeout}
	port, err := tarm.OpenPort(&cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", path, err)
	}
	log.Printf("[transport] opened %s at %d baud (tarm)", path, baud)
	return &TarmPort{cfg: cfg, port: port}, nil
}

func (t *TarmPort) current() (*tarm.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.port, nil
}

func (t *TarmPort) Name() string { return t.cfg.Name }

// Read maps the driver's zero-byte EOF on timeout to (0, nil).
func (t *TarmPort) Read(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Read(p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (t *TarmPort) Write(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (t *TarmPort) BaudRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Baud
}

func (t *TarmPort) SetBaudRate(baud int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := t.port.Close(); err != nil {
		log.Debugf("[transport] close before reopen: %v", err)
	}
	cfg := t.cfg
	cfg.Baud = baud
	port, err := tarm.OpenPort(&cfg)
	if err != nil {
		t.closed = true
		return fmt.Errorf("transport: reopen %s at %d: %w", cfg.Name, baud, err)
	}
	t.cfg, t.port = cfg, port
	return nil
}

func (t *TarmPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}
