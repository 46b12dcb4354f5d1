package regscan

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/vnsensor/internal/protocol"
	"github.com/shaunagostinho/vnsensor/internal/register"
)

// ASCIIWriter stores each entry as the $VNRRG sentence the sensor would
// send, one per line.
type ASCIIWriter struct {
	w *bufio.Writer
	c io.Closer
}

func NewASCIIWriter(wc io.WriteCloser) *ASCIIWriter {
	return &ASCIIWriter{w: bufio.NewWriter(wc), c: wc}
}

func (a *ASCIIWriter) WriteConfig(e Entry) error {
	body := fmt.Sprintf("VNRRG,%02d,%s", e.ID, strings.Join(e.Values, ","))
	line := bytes.TrimRight(protocol.EncodeASCII(body, protocol.Checksum8Bit), "\r\n")
	if _, err := a.w.Write(line); err != nil {
		return err
	}
	return a.w.WriteByte('\n')
}

func (a *ASCIIWriter) Close() error {
	if err := a.w.Flush(); err != nil {
		a.c.Close()
		return err
	}
	return a.c.Close()
}

// ASCIIReader reads what ASCIIWriter wrote. Blank lines are ignored and
// checksums are verified.
type ASCIIReader struct {
	sc   *bufio.Scanner
	line int
}

func NewASCIIReader(r io.Reader) *ASCIIReader {
	return &ASCIIReader{sc: bufio.NewScanner(r)}
}

func (a *ASCIIReader) Next() (Entry, error) {
	for a.sc.Scan() {
		a.line++
		text := strings.TrimSpace(a.sc.Text())
		if text == "" {
			continue
		}
		pkts, errs := protocol.ParseAll([]byte(text+"\r\n"), protocol.ParserConfig{})
		if len(errs) > 0 {
			return Entry{}, fmt.Errorf("regscan: line %d: %w", a.line, errs[0])
		}
		if len(pkts) != 1 || pkts[0].Kind != protocol.KindASCII {
			return Entry{}, fmt.Errorf("regscan: line %d: not a register sentence", a.line)
		}
		id, ok := register.ResponseID(pkts[0])
		if !ok {
			return Entry{}, fmt.Errorf("regscan: line %d: not a register sentence", a.line)
		}
		g := &register.Generic{RegID: id}
		return Entry{ID: id, Name: g.Name(), Values: pkts[0].Fields[1:]}, nil
	}
	if err := a.sc.Err(); err != nil {
		return Entry{}, err
	}
	return Entry{}, io.EOF
}

type yamlDoc struct {
	Registers []Entry `yaml:"registers"`
}

// YAMLWriter collects entries and writes them as one document on Close.
type YAMLWriter struct {
	wc      io.WriteCloser
	entries []Entry
}

func NewYAMLWriter(wc io.WriteCloser) *YAMLWriter { return &YAMLWriter{wc: wc} }

func (y *YAMLWriter) WriteConfig(e Entry) error {
	y.entries = append(y.entries, e)
	return nil
}

func (y *YAMLWriter) Close() error {
	enc := yaml.NewEncoder(y.wc)
	enc.SetIndent(2)
	err := enc.Encode(yamlDoc{Registers: y.entries})
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if cerr := y.wc.Close(); err == nil {
		err = cerr
	}
	return err
}

// YAMLReader reads a document written by YAMLWriter.
type YAMLReader struct {
	entries []Entry
}

func NewYAMLReader(r io.Reader) (*YAMLReader, error) {
	var doc yamlDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("regscan: parse yaml: %w", err)
	}
	return &YAMLReader{entries: doc.Registers}, nil
}

func (y *YAMLReader) Next() (Entry, error) {
	if len(y.entries) == 0 {
		return Entry{}, io.EOF
	}
	e := y.entries[0]
	y.entries = y.entries[1:]
	return e, nil
}

// Format selects a file format.
type Format string

const (
	FormatASCII Format = "ascii"
	FormatYAML  Format = "yaml"
)

// FormatFor guesses the format from a file name.
func FormatFor(path string) Format {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return FormatYAML
	}
	return FormatASCII
}

// NewWriter returns a writer for f.
func NewWriter(f Format, wc io.WriteCloser) ConfigWriter {
	if f == FormatYAML {
		return NewYAMLWriter(wc)
	}
	return NewASCIIWriter(wc)
}

// NewReader returns a reader for f.
func NewReader(f Format, r io.Reader) (ConfigReader, error) {
	if f == FormatYAML {
		return NewYAMLReader(r)
	}
	return NewASCIIReader(r), nil
}
