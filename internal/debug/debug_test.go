package debug

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBuffer(t testing.TB) *Buffer {
	t.Helper()
	buf := new(Buffer)
	if err := Open(buf); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { Close() })
	return buf
}

func readBuffer(t testing.TB, buf *Buffer) *Reader {
	t.Helper()
	r, err := NewReader(buf, buf.Size())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestDebug(t *testing.T) {
	buf := openBuffer(t)
	Write("test", "hello, world")
	Close()

	r := readBuffer(t, buf)

	var seen []Entry
	if err := r.Each(func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	require.Len(t, seen, 1)
	assert.Equal(t, "test", seen[0].Source)
	assert.Equal(t, KindString, seen[0].Kind)
	assert.Equal(t, "hello, world", string(seen[0].Data))
}

func TestDebugDisabled(t *testing.T) {
	require.False(t, Enabled())
	// No trace open: must not panic or allocate a sink.
	Writef("test", "value=%d", 1)
	WriteBytes("test", []byte{1})
	assert.False(t, Enabled())
}

func TestDebugTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	Source("kvm ioctl").Writef("fd=%d req=%#x", 3, 0xae80)
	Source("vcpu 0").WriteBytes([]byte{0xde, 0xad})
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, closer, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer closer.Close()

	assert.Equal(t, []string{"kvm ioctl", "vcpu 0"}, r.Sources())

	var got []string
	require.NoError(t, r.Each(func(e Entry) error {
		got = append(got, fmt.Sprintf("%s|%s|%x", e.Source, e.Kind, e.Data))
		return nil
	}))
	assert.Equal(t, []string{
		"kvm ioctl|string|" + fmt.Sprintf("%x", "fd=3 req=0xae80"),
		"vcpu 0|bytes|dead",
	}, got)
}

func TestDebugOpenTwice(t *testing.T) {
	openBuffer(t)
	assert.Error(t, Open(new(Buffer)))
}

func TestDebugMessageOrdering(t *testing.T) {
	buf := openBuffer(t)
	for i := 0; i < 10; i++ {
		Write("test", fmt.Sprintf("hello, world %d", i))
	}
	Close()

	r := readBuffer(t, buf)

	var seen []string
	require.NoError(t, r.Each(func(e Entry) error {
		seen = append(seen, string(e.Data))
		return nil
	}))
	require.Len(t, seen, 10)
	for i := range 10 {
		assert.Equal(t, fmt.Sprintf("hello, world %d", i), seen[i])
	}
}

func TestDebugTimestampOrdering(t *testing.T) {
	buf := openBuffer(t)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				time.Sleep(time.Millisecond * time.Duration(i))
				Write(fmt.Sprintf("vcpu %d", i), "exit")
			}
		}()
	}
	wg.Wait()
	Close()

	r := readBuffer(t, buf)
	require.Equal(t, 40, r.Len())

	var timestamps []time.Time
	require.NoError(t, r.Each(func(e Entry) error {
		timestamps = append(timestamps, e.Time)
		return nil
	}))
	require.Len(t, timestamps, 40)
	for i := range len(timestamps) - 1 {
		if timestamps[i].After(timestamps[i+1]) {
			t.Fatalf("timestamps out of order at %d: %v > %v", i, timestamps[i], timestamps[i+1])
		}
	}
}

func TestDebugSearch(t *testing.T) {
	buf := openBuffer(t)
	for i := range 6 {
		Write(fmt.Sprintf("src%d", i%2), fmt.Sprint(i))
	}
	Close()

	r := readBuffer(t, buf)

	collect := func(f Filter) []string {
		var out []string
		require.NoError(t, r.Search(f, func(e Entry) error {
			out = append(out, string(e.Data))
			return nil
		}))
		return out
	}

	assert.Equal(t, []string{"1", "3", "5"}, collect(Filter{Sources: []string{"src1"}}))
	assert.Equal(t, []string{"0", "1"}, collect(Filter{First: 2}))
	assert.Equal(t, []string{"2", "4"}, collect(Filter{Sources: []string{"src0"}, Last: 2}))

	n, err := r.Count(Filter{Sources: []string{"src0", "src1"}})
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	start, end := r.TimeRange()
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5"}, collect(Filter{Start: start, End: end}))
	assert.Empty(t, collect(Filter{Start: end.Add(time.Second)}))

	_, err = r.Count(Filter{First: 1, Last: 1})
	assert.ErrorIs(t, err, ErrBadFilter)
}

func BenchmarkWriteString(b *testing.B) {
	openBuffer(b)

	for b.Loop() {
		Write("test", "hello, world")
	}
}

func BenchmarkReadString(b *testing.B) {
	buf := openBuffer(b)
	for range 10 {
		Write("test", "hello, world")
	}
	Close()

	for b.Loop() {
		r, err := NewReader(buf, buf.Size())
		if err != nil {
			b.Fatalf("NewReader: %v", err)
		}
		if err := r.Each(func(Entry) error { return nil }); err != nil {
			b.Fatalf("Each: %v", err)
		}
	}
}
