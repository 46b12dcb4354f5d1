package export

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// ASCIISink writes each ASCII sentence verbatim, CRLF replaced by "\n".
type ASCIISink struct {
	w *bufio.Writer
	c io.Closer
}

// NewASCIISink writes to wc, which it closes on Close.
func NewASCIISink(wc io.WriteCloser) *ASCIISink {
	return &ASCIISink{w: bufio.NewWriter(wc), c: wc}
}

func (s *ASCIISink) Write(pkt *protocol.Packet) (int, error) {
	if pkt.Kind != protocol.KindASCII {
		return 0, ErrUnsupportedPacket
	}
	line := bytes.TrimRight(pkt.Raw, "\r\n")
	n, err := s.w.Write(line)
	if err != nil {
		return n, err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return n, err
	}
	return n + 1, nil
}

func (s *ASCIISink) Close() error {
	ferr := s.w.Flush()
	cerr := s.c.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// RawSink writes packet bytes with no framing. Fed from a skipped-byte
// subscription it records everything the parser could not frame; fed from
// the received-byte tap it records the stream as read.
type RawSink struct {
	w *bufio.Writer
	c io.Closer
}

// NewRawSink writes to wc, which it closes on Close.
func NewRawSink(wc io.WriteCloser) *RawSink {
	return &RawSink{w: bufio.NewWriter(wc), c: wc}
}

func (s *RawSink) Write(pkt *protocol.Packet) (int, error) {
	return s.w.Write(pkt.Raw)
}

func (s *RawSink) Close() error {
	ferr := s.w.Flush()
	cerr := s.c.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// CreateFile creates dir if needed and a file inside it.
func CreateFile(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, nil
}
