package transport

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// FileTransport replays a recorded byte stream. Read returns io.EOF at the
// end of the file; writes are refused.
type FileTransport struct {
	f *os.File
}

// OpenFile opens a recording for replay.
func OpenFile(path string) (*FileTransport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	log.Printf("[transport] replaying %s", path)
	return &FileTransport{f: f}, nil
}

func (t *FileTransport) Name() string                { return t.f.Name() }
func (t *FileTransport) Read(p []byte) (int, error)  { return t.f.Read(p) }
func (t *FileTransport) Write(p []byte) (int, error) { return 0, ErrReadOnly }
func (t *FileTransport) Close() error                { return t.f.Close() }
