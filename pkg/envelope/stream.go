package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrHeaderNotRead indicates Next was called before Header.
var ErrHeaderNotRead = errors.New("envelope: header not read")

// maxLineSize bounds a single envelope line. Large collections arrive as
// many lines, not one large line.
const maxLineSize = 4 * 1024 * 1024

// Stream is a pull-based sequence of decoded records. Next returns io.EOF
// when the sequence is exhausted. Streams are finite and not restartable.
type Stream interface {
	Next() (Record, error)
}

// Decoder reads a response envelope from a line-delimited JSON reader.
// Header must be called once before Next.
type Decoder struct {
	scanner    *bufio.Scanner
	headerRead bool
	line       int
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Header decodes line 0 of the envelope.
func (d *Decoder) Header() (Header, error) {
	if d.headerRead {
		return Header{}, errors.New("envelope: header already read")
	}
	d.headerRead = true

	line, err := d.nextLine()
	if err != nil {
		if err == io.EOF {
			return Header{}, errors.New("envelope: empty response")
		}
		return Header{}, err
	}

	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return Header{}, fmt.Errorf("envelope: header line: %w", err)
	}
	return hdr, nil
}

// Next decodes the next record line. It returns io.EOF after the last line.
func (d *Decoder) Next() (Record, error) {
	if !d.headerRead {
		return Record{}, ErrHeaderNotRead
	}

	line, err := d.nextLine()
	if err != nil {
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("envelope: line %d: %w", d.line, err)
	}
	return rec, nil
}

// nextLine returns the next non-blank line or io.EOF.
func (d *Decoder) nextLine() ([]byte, error) {
	for d.scanner.Scan() {
		d.line++
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("envelope: read: %w", err)
	}
	return nil, io.EOF
}

// SliceStream replays an in-memory record slice as a Stream. Used for
// catch-up snapshots and tests.
type SliceStream struct {
	records []Record
	pos     int
}

// NewSliceStream creates a SliceStream over records. The slice is not
// copied; callers must not mutate it while the stream is consumed.
func NewSliceStream(records []Record) *SliceStream {
	return &SliceStream{records: records}
}

// Next implements Stream.
func (s *SliceStream) Next() (Record, error) {
	if s.pos >= len(s.records) {
		return Record{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}
