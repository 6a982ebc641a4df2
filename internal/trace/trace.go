// Package trace records register accesses and controller notes into a binary
// log so a failed power sequence can be diagnosed without re-running it.
//
// Each record is:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - payload bytes
//
// Register records carry a 12 byte payload: 8 bytes address, 4 bytes value.
// Writers reserve space by atomically advancing the file offset, so records
// from concurrent cores never interleave.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a record type.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindRead
	KindWrite
	KindNote
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "R"
	case KindWrite:
		return "W"
	case KindNote:
		return "N"
	default:
		return "?"
	}
}

const (
	headerSize   = 16
	registerSize = 12
)

// Writer is the sink a Recorder appends to.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Recorder appends records to a Writer. A nil *Recorder drops everything.
type Recorder struct {
	w      Writer
	offset atomic.Int64
	now    func() time.Time
}

// New returns a Recorder writing to w from offset zero.
func New(w Writer) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

// Create truncates filename and records into it.
func Create(filename string) (*Recorder, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: create %s: %w", filename, err)
	}
	return New(f), nil
}

func (r *Recorder) append(kind Kind, source string, payload []byte) error {
	if r == nil {
		return nil
	}
	size := int64(headerSize + len(source) + len(payload))
	off := r.offset.Add(size) - size

	rec := make([]byte, size)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(r.now().UnixNano()))
	copy(rec[headerSize:], source)
	copy(rec[headerSize+len(source):], payload)

	_, err := r.w.WriteAt(rec, off)
	return err
}

// Register records a register access.
func (r *Recorder) Register(kind Kind, source string, addr uint64, value uint32) error {
	var payload [registerSize]byte
	binary.LittleEndian.PutUint64(payload[0:8], addr)
	binary.LittleEndian.PutUint32(payload[8:12], value)
	return r.append(kind, source, payload[:])
}

// Notef records a free-form message.
func (r *Recorder) Notef(source string, format string, args ...any) error {
	return r.append(KindNote, source, fmt.Appendf(nil, format, args...))
}

// Close closes the underlying writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.w.Close()
}

// Buffer is an in-memory Writer.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := int(off) + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[off:], p)
	return len(p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}
