package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"
)

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string

	// Register records.
	Addr  uint64
	Value uint32

	// Note records.
	Message string
}

func (r Record) String() string {
	ts := r.Time.UTC().Format(time.RFC3339Nano)
	if r.Kind == KindNote {
		return fmt.Sprintf("%s [%s] %s", ts, r.Source, r.Message)
	}
	return fmt.Sprintf("%s [%s] %s 0x%08x = 0x%08x", ts, r.Source, r.Kind, r.Addr, r.Value)
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Source *regexp.Regexp
	Kinds  []Kind
	// Addr matches register records at exactly this address when non-zero.
	Addr uint64
}

func (f Filter) match(r Record) bool {
	if f.Source != nil && !f.Source.MatchString(r.Source) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == r.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Addr != 0 && (r.Kind == KindNote || r.Addr != f.Addr) {
		return false
	}
	return true
}

// Reader decodes a trace stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader reads records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record or io.EOF. A zero-kind header marks space a
// writer reserved but never filled, which ends the readable log.
func (rd *Reader) Next() (Record, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(rd.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
	if kind == KindInvalid {
		return Record{}, io.EOF
	}
	srcLen := binary.LittleEndian.Uint16(header[2:4])
	payloadLen := binary.LittleEndian.Uint32(header[4:8])
	ts := int64(binary.LittleEndian.Uint64(header[8:16]))

	body := make([]byte, int(srcLen)+int(payloadLen))
	if _, err := io.ReadFull(rd.r, body); err != nil {
		return Record{}, fmt.Errorf("trace: truncated record: %w", err)
	}

	rec := Record{
		Time:   time.Unix(0, ts),
		Kind:   kind,
		Source: string(body[:srcLen]),
	}
	payload := body[srcLen:]
	switch kind {
	case KindRead, KindWrite:
		if len(payload) != registerSize {
			return Record{}, fmt.Errorf("trace: register record with %d byte payload", len(payload))
		}
		rec.Addr = binary.LittleEndian.Uint64(payload[0:8])
		rec.Value = binary.LittleEndian.Uint32(payload[8:12])
	case KindNote:
		rec.Message = string(payload)
	default:
		return Record{}, fmt.Errorf("trace: unknown record kind %d", kind)
	}
	return rec, nil
}

// Each calls fn for every record matching f.
func (rd *Reader) Each(f Filter, fn func(Record) error) error {
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !f.match(rec) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ReadFile decodes every record of a trace file matching f.
func ReadFile(filename string, f Filter) ([]Record, error) {
	fh, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", filename, err)
	}
	defer fh.Close()

	var out []Record
	err = NewReader(fh).Each(f, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}
