package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/vnsensor/internal/measurement"
	"github.com/shaunagostinho/vnsensor/internal/protocol"
)

// DefaultMaxRowsPerFile rotates a CSV file after 100k rows (~2 min at 800 Hz).
const DefaultMaxRowsPerFile = 100_000

// CSVConfig holds CSV sink configuration.
type CSVConfig struct {
	Dir            string `yaml:"dir" json:"dir"`
	Prefix         string `yaml:"prefix" json:"prefix"`
	MaxRowsPerFile int    `yaml:"max_rows_per_file" json:"maxRowsPerFile"`
}

// CSVSink writes decoded measurements as CSV, one file per packet type.
// The first column is the receive timestamp; the rest are the decoded
// columns in wire order. Sentences that are not measurements are written
// with their raw fields.
type CSVSink struct {
	mu     sync.Mutex
	cfg    CSVConfig
	files  map[string]*csvFile
	opened []string
	now    func() time.Time
}

type csvFile struct {
	file   *os.File
	count  *countingWriter
	writer *csv.Writer
	header []string
	rows   int
	seq    int
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// NewCSVSink creates a sink; files are opened lazily.
func NewCSVSink(cfg CSVConfig) *CSVSink {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "vn"
	}
	if cfg.MaxRowsPerFile <= 0 {
		cfg.MaxRowsPerFile = DefaultMaxRowsPerFile
	}
	return &CSVSink{cfg: cfg, files: make(map[string]*csvFile), now: time.Now}
}

// Write appends one row and returns the bytes of that row. Header rows are
// not counted.
func (s *CSVSink) Write(pkt *protocol.Packet) (int, error) {
	key, header, row, err := csvRow(pkt)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.files[key]
	if f == nil || f.rows >= s.cfg.MaxRowsPerFile || !slices.Equal(f.header, header) {
		if f, err = s.rotate(key, f, header); err != nil {
			log.Printf("[export] csv rotate failed: %v", err)
			return 0, err
		}
	}

	before := f.count.n
	if err := f.writer.Write(row); err != nil {
		return 0, err
	}
	f.writer.Flush()
	if err := f.writer.Error(); err != nil {
		return int(f.count.n - before), err
	}
	f.rows++
	return int(f.count.n - before), nil
}

// Files lists every path the sink has opened, in order.
func (s *CSVSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// Close flushes and closes every open file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for key, f := range s.files {
		if err := f.close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, key)
	}
	return first
}

func (s *CSVSink) rotate(key string, prev *csvFile, header []string) (*csvFile, error) {
	seq := 0
	if prev != nil {
		seq = prev.seq + 1
		prev.close()
	}

	name := fmt.Sprintf("%s_%s_%s_%03d.csv", s.cfg.Prefix, key, s.now().Format("2006-01-02_150405"), seq)
	file, err := CreateFile(s.cfg.Dir, name)
	if err != nil {
		delete(s.files, key)
		return nil, err
	}

	cw := &countingWriter{w: file}
	f := &csvFile{file: file, count: cw, writer: csv.NewWriter(cw), header: header, seq: seq}
	if err := f.writer.Write(header); err != nil {
		file.Close()
		delete(s.files, key)
		return nil, err
	}
	f.writer.Flush()
	s.files[key] = f
	s.opened = append(s.opened, file.Name())

	log.Printf("[export] opened %s", file.Name())
	return f, nil
}

func (f *csvFile) close() error {
	f.writer.Flush()
	werr := f.writer.Error()
	cerr := f.file.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// csvRow picks the file key and builds the header and data row for pkt.
func csvRow(pkt *protocol.Packet) (key string, header, row []string, err error) {
	ts := pkt.Timestamp.Format(time.RFC3339Nano)
	switch pkt.Kind {
	case protocol.KindASCII:
		key = pkt.MessageID
	case protocol.KindBinary:
		key = binaryKey(pkt.Header)
	default:
		return "", nil, nil, ErrUnsupportedPacket
	}

	fields, err := measurement.Decode(pkt)
	if err != nil {
		if pkt.Kind != protocol.KindASCII {
			return "", nil, nil, err
		}
		header = []string{"timestamp"}
		row = []string{ts}
		for i, v := range pkt.Fields {
			header = append(header, fmt.Sprintf("field%d", i+1))
			row = append(row, v)
		}
		return key, header, row, nil
	}

	header = []string{"timestamp"}
	row = []string{ts}
	for _, f := range fields {
		header = append(header, f.Columns()...)
		for _, v := range f.Values {
			row = append(row, v.String())
		}
	}
	return key, header, row, nil
}

func binaryKey(h protocol.Header) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "bin%02X", h.GroupMask)
	for g := 0; g < len(h.FieldMasks); g++ {
		if h.GroupMask&(1<<g) != 0 {
			fmt.Fprintf(&sb, "-%04X", h.FieldMasks[g])
		}
	}
	return sb.String()
}
