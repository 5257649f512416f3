// Package timeslice accounts where vcpu threads spend their time: inside
// the guest, or in the host handling a given kind of exit. Records are
// streamed to a compact binary file by a background goroutine.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	// The record stream starts on a page boundary after the kinds table.
	alignment = 4096
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

// Kind identifies what a slice of time was spent on.
type Kind uint32

const InvalidKind Kind = 0

type Flags uint32

const (
	// FlagGuest marks time spent inside KVM_RUN.
	FlagGuest Flags = 1 << iota
	// FlagSetup marks time spent before the first KVM_RUN.
	FlagSetup
)

func (f Flags) String() string {
	var names []string
	if f&FlagGuest != 0 {
		names = append(names, "guest")
	}
	if f&FlagSetup != 0 {
		names = append(names, "setup")
	}
	return strings.Join(names, ",")
}

type KindInfo struct {
	Name  string
	Flags Flags
}

var (
	kindsMu sync.Mutex
	kinds   = map[Kind]KindInfo{}
)

var KindSetup = RegisterKind("setup", FlagSetup)

// RegisterKind adds a kind. Kinds should be registered before Open; the
// kinds table is written once at the head of the file.
func RegisterKind(name string, flags Flags) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := Kind(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

// Record is one slice of time on one vcpu.
type Record struct {
	Kind     Kind
	Vcpu     uint32
	Duration int64
}

var recordSize = binary.Size(Record{})

type writer struct {
	w       io.Writer
	records chan Record
	done    chan error
	dropped atomic.Uint64
}

var current atomic.Pointer[writer]

func (w *writer) run() {
	bw := bufio.NewWriterSize(w.w, alignment)
	buf := make([]byte, recordSize)

	var err error
	for r := range w.records {
		if err != nil {
			continue
		}
		binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Kind))
		binary.LittleEndian.PutUint32(buf[4:8], r.Vcpu)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Duration))
		_, err = bw.Write(buf)
	}
	if err == nil {
		err = bw.Flush()
	}
	w.done <- err
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.records)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// Dropped returns the number of records discarded because the writer could
// not keep up.
func (w *writer) Dropped() uint64 { return w.dropped.Load() }

// Stream is an open timeslice recording.
type Stream interface {
	io.Closer
	Dropped() uint64
}

// Open writes the kinds table to w and starts recording into it.
func Open(w io.Writer) (Stream, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	hdr := header{Magic: Magic, Version: Version, KindsBytes: uint32(len(table))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{w: w, records: make(chan Record, 4096), done: make(chan error, 1)}
	if !current.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()
	return wr, nil
}

func padding(off int) int {
	if off%alignment == 0 {
		return 0
	}
	return alignment - off%alignment
}

// Add queues a record if a stream is open. It never blocks a vcpu thread;
// records that do not fit are counted as dropped.
func Add(kind Kind, vcpu int, d time.Duration) {
	w := current.Load()
	if w == nil {
		return
	}
	select {
	case w.records <- Record{Kind: kind, Vcpu: uint32(vcpu), Duration: d.Nanoseconds()}:
	default:
		w.dropped.Add(1)
	}
}

// Recorder measures consecutive slices on one vcpu thread. It is not safe
// for concurrent use.
type Recorder struct {
	vcpu int
	last time.Time
}

func NewRecorder(vcpu int) *Recorder {
	return &Recorder{vcpu: vcpu, last: time.Now()}
}

// Record attributes the time since the previous call to kind.
func (r *Recorder) Record(kind Kind) {
	now := time.Now()
	Add(kind, r.vcpu, now.Sub(r.last))
	r.last = now
}

// Entry is a decoded record.
type Entry struct {
	Name     string
	Flags    Flags
	Vcpu     int
	Duration time.Duration
}

var ErrBadFormat = errors.New("timeslice: bad file format")

// ReadAll decodes every record in r.
func ReadAll(r io.Reader, fn func(Entry) error) error {
	br := bufio.NewReaderSize(r, alignment)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic || hdr.Version != Version {
		return fmt.Errorf("%w: magic %#x version %d", ErrBadFormat, hdr.Magic, hdr.Version)
	}

	table := map[Kind]KindInfo{}
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if _, err := br.Discard(padding(binary.Size(hdr) + int(hdr.KindsBytes))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	for {
		var rec Record
		if err := binary.Read(br, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := table[rec.Kind]
		if !ok {
			return fmt.Errorf("%w: unknown kind %d", ErrBadFormat, rec.Kind)
		}
		if err := fn(Entry{
			Name:     info.Name,
			Flags:    info.Flags,
			Vcpu:     int(rec.Vcpu),
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}
}

// Total is the aggregate of one kind.
type Total struct {
	Name     string
	Flags    Flags
	Count    int
	Duration time.Duration
}

// Summarize aggregates every record in r by kind name.
func Summarize(r io.Reader) (map[string]*Total, error) {
	totals := map[string]*Total{}
	err := ReadAll(r, func(e Entry) error {
		t := totals[e.Name]
		if t == nil {
			t = &Total{Name: e.Name, Flags: e.Flags}
			totals[e.Name] = t
		}
		t.Count++
		t.Duration += e.Duration
		return nil
	})
	return totals, err
}
