// Package debug records a low overhead binary trace of hypervisor calls and
// vcpu exits. Tracing is process wide and off until Open is called.
//
// Each record is laid out as:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes data length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source
//   - data
//
// Writers reserve space by atomically advancing a shared offset, so records
// from different vcpu threads never interleave.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Writer is the destination of a trace.
type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Writer
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Int64
)

// OpenFile starts tracing into path, truncating it.
func OpenFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("debug: open trace: %w", err)
	}
	return Open(f)
}

// Open starts tracing into w. If a trace was already open it is replaced and
// an error is returned; records written to the old writer are kept.
func Open(w Writer) error {
	offset.Store(0)
	if old := current.Swap(&sink{w: w}); old != nil {
		return fmt.Errorf("debug: trace already open, replaced")
	}
	return nil
}

// Enabled reports whether a trace is open.
func Enabled() bool { return current.Load() != nil }

// Close stops tracing and closes the writer.
func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

func putHeader(buf []byte, kind Kind, source string, data []byte, now int64) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(now))
}

func record(kind Kind, source string, data []byte) {
	s := current.Load()
	if s == nil {
		return
	}

	size := headerSize + len(source) + len(data)
	buf := make([]byte, size)
	putHeader(buf, kind, source, data, time.Now().UnixNano())
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], data)

	off := offset.Add(int64(size)) - int64(size)
	if _, err := s.w.WriteAt(buf, off); err != nil {
		panic(fmt.Sprintf("debug: write trace record: %v", err))
	}
}

func WriteBytes(source string, data []byte) { record(KindBytes, source, data) }

func Write(source string, msg string) { record(KindString, source, []byte(msg)) }

// Writef formats only when a trace is open.
func Writef(source string, format string, args ...any) {
	if current.Load() == nil {
		return
	}
	record(KindString, source, fmt.Appendf(nil, format, args...))
}

// Source writes records under a fixed source name.
type Source string

func (s Source) Write(msg string)                  { Write(string(s), msg) }
func (s Source) WriteBytes(data []byte)            { WriteBytes(string(s), data) }
func (s Source) Writef(format string, args ...any) { Writef(string(s), format, args...) }

// Buffer is an in-memory trace destination.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end := int(off) + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *Buffer) Close() error { return nil }
