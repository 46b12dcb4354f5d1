package transport

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SerialPort is a Port backed by go.bug.st/serial.
type SerialPort struct {
	path string
	mu   sync.Mutex
	baud int
	port serial.Port
}

func serialMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// OpenSerial opens path at baud, 8N1.
func OpenSerial(path string, baud int, readTimeout time.Duration) (*SerialPort, error) {
	port, err := serial.Open(path, serialMode(baud))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: failed to set timeout: %w", err)
	}
	// Discard whatever the sensor streamed before we were listening.
	if err := port.ResetInputBuffer(); err != nil {
		log.Debugf("[transport] reset input buffer on %s: %v", path, err)
	}
	log.Printf("[transport] opened %s at %d baud", path, baud)
	return &SerialPort{path: path, baud: baud, port: port}, nil
}

func (s *SerialPort) Name() string { return s.path }

func (s *SerialPort) Read(p []byte) (int, error) { return s.port.Read(p) }

func (s *SerialPort) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *SerialPort) BaudRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

// SetBaudRate reconfigures the open port in place.
func (s *SerialPort) SetBaudRate(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.port.SetMode(serialMode(baud)); err != nil {
		return fmt.Errorf("transport: set %d baud on %s: %w", baud, s.path, err)
	}
	s.baud = baud
	return nil
}

func (s *SerialPort) Close() error {
	log.Printf("[transport] closing %s", s.path)
	return s.port.Close()
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}
	return ports, nil
}
