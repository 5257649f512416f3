package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/google/btree"
)

// Entry is one decoded trace record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

func (e Entry) String() string {
	if e.Kind == KindBytes {
		return fmt.Sprintf("%s %s %x", e.Time.Format(time.RFC3339Nano), e.Source, e.Data)
	}
	return fmt.Sprintf("%s %s %s", e.Time.Format(time.RFC3339Nano), e.Source, e.Data)
}

// Filter selects records. Zero fields match everything. At most one of
// First and Last may be set.
type Filter struct {
	Start   time.Time
	End     time.Time
	Sources []string

	// First keeps only the N earliest matches.
	First int
	// Last keeps only the N latest matches.
	Last int
}

var ErrBadFilter = errors.New("debug: First and Last are exclusive")

type indexEntry struct {
	time   int64
	offset int64
	source string
}

func lessEntry(a, b indexEntry) bool {
	if a.time != b.time {
		return a.time < b.time
	}
	return a.offset < b.offset
}

// Reader indexes a trace by time so it can be searched without loading the
// record bodies.
type Reader struct {
	r       io.ReaderAt
	index   *btree.BTreeG[indexEntry]
	sources map[string]int
}

// NewReader indexes the size bytes of trace held in r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	rd := &Reader{
		r:       r,
		index:   btree.NewG(32, lessEntry),
		sources: make(map[string]int),
	}
	if err := rd.build(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, fmt.Errorf("debug: index trace: %w", err)
	}
	return rd, nil
}

// OpenReader opens and indexes the trace file at path.
func OpenReader(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("debug: open trace: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("debug: stat trace: %w", err)
	}
	rd, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rd, f, nil
}

func (rd *Reader) build(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1<<20)

	var (
		header [headerSize]byte
		off    int64
	)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("record at %d: %w", off, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			// A zero header is space reserved by a writer that never
			// finished; nothing after it can be trusted.
			return nil
		}
		srcLen := int(binary.LittleEndian.Uint16(header[2:4]))
		dataLen := int(binary.LittleEndian.Uint32(header[4:8]))
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		src := make([]byte, srcLen)
		if _, err := io.ReadFull(br, src); err != nil {
			return fmt.Errorf("source of record at %d: %w", off, err)
		}
		if _, err := br.Discard(dataLen); err != nil {
			return fmt.Errorf("data of record at %d: %w", off, err)
		}

		source := string(src)
		rd.sources[source]++
		rd.index.ReplaceOrInsert(indexEntry{time: ts, offset: off, source: source})

		off += int64(headerSize + srcLen + dataLen)
	}
}

// Len returns the number of records.
func (rd *Reader) Len() int { return rd.index.Len() }

// Sources returns every source name in the trace, sorted.
func (rd *Reader) Sources() []string {
	out := make([]string, 0, len(rd.sources))
	for s := range rd.sources {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// TimeRange returns the first and last timestamps in the trace.
func (rd *Reader) TimeRange() (time.Time, time.Time) {
	first, ok := rd.index.Min()
	if !ok {
		return time.Time{}, time.Time{}
	}
	last, _ := rd.index.Max()
	return time.Unix(0, first.time), time.Unix(0, last.time)
}

func (rd *Reader) match(f Filter) ([]indexEntry, error) {
	if f.First > 0 && f.Last > 0 {
		return nil, ErrBadFilter
	}

	var want map[string]bool
	if len(f.Sources) > 0 {
		want = make(map[string]bool, len(f.Sources))
		for _, s := range f.Sources {
			want[s] = true
		}
	}

	var out []indexEntry
	visit := func(e indexEntry) bool {
		if !f.End.IsZero() && e.time > f.End.UnixNano() {
			return false
		}
		if want == nil || want[e.source] {
			out = append(out, e)
		}
		return f.First == 0 || len(out) < f.First
	}
	if f.Start.IsZero() {
		rd.index.Ascend(visit)
	} else {
		rd.index.AscendGreaterOrEqual(indexEntry{time: f.Start.UnixNano()}, visit)
	}

	if f.Last > 0 && len(out) > f.Last {
		out = out[len(out)-f.Last:]
	}
	return out, nil
}

// Count returns the number of records f selects.
func (rd *Reader) Count(f Filter) (int, error) {
	entries, err := rd.match(f)
	return len(entries), err
}

// Search calls fn for every record f selects, in time order.
func (rd *Reader) Search(f Filter, fn func(Entry) error) error {
	entries, err := rd.match(f)
	if err != nil {
		return err
	}

	var header [headerSize]byte
	for _, e := range entries {
		if _, err := rd.r.ReadAt(header[:], e.offset); err != nil {
			return fmt.Errorf("debug: read record at %d: %w", e.offset, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		srcLen := int64(binary.LittleEndian.Uint16(header[2:4]))
		data := make([]byte, binary.LittleEndian.Uint32(header[4:8]))
		if len(data) > 0 {
			if _, err := rd.r.ReadAt(data, e.offset+headerSize+srcLen); err != nil {
				return fmt.Errorf("debug: read record at %d: %w", e.offset, err)
			}
		}
		if err := fn(Entry{Time: time.Unix(0, e.time), Kind: kind, Source: e.source, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every record in time order.
func (rd *Reader) Each(fn func(Entry) error) error {
	return rd.Search(Filter{}, fn)
}
