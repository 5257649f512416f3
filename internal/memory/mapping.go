//go:build linux

package memory

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Mapping is a host memory mapping that can back a memory slot.
type Mapping struct {
	base unsafe.Pointer
	size uint64
}

// NewAnonymous maps size bytes of private anonymous memory.
func NewAnonymous(size uint64) (*Mapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: anonymous mapping: %w", ErrInvalidRange)
	}
	base, err := unix.MmapPtr(-1, 0, nil, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap anonymous %#x bytes: %w", size, err)
	}
	return &Mapping{base: base, size: size}, nil
}

// FromFile maps size bytes of fd starting at offset as a shared mapping.
func FromFile(fd int, offset, size uint64, prot hv.Protection) (*Mapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: file mapping: %w", ErrInvalidRange)
	}
	if offset%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory: file mapping offset %#x: %w", offset, ErrNotPageAligned)
	}
	base, err := unix.MmapPtr(fd, int64(offset), nil, uintptr(size), prot.Prot(), unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap fd %d: %w", fd, err)
	}
	return &Mapping{base: base, size: size}, nil
}

func (m *Mapping) Size() uint64     { return m.size }
func (m *Mapping) Pointer() uintptr { return uintptr(m.base) }

// Bytes returns the mapping as a byte slice. It is only valid until Close.
func (m *Mapping) Bytes() []byte {
	return unsafe.Slice((*byte)(m.base), m.size)
}

func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= m.size {
		return 0, io.EOF
	}
	n := copy(p, m.Bytes()[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= m.size {
		return 0, fmt.Errorf("memory: write at %#x: %w", off, ErrInvalidAddress)
	}
	n := copy(m.Bytes()[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (m *Mapping) checkRange(offset, size uint64) error {
	end := offset + size
	if end < offset || end > m.size {
		return ErrInvalidAddress
	}
	return nil
}

// Msync flushes [offset, offset+size) back to its backing object.
func (m *Mapping) Msync(offset, size uint64) error {
	if err := m.checkRange(offset, size); err != nil {
		return err
	}
	if (uint64(uintptr(m.base))+offset)%hostarch.PageSize != 0 {
		return ErrNotPageAligned
	}
	return unix.Msync(m.Bytes()[offset:offset+size], unix.MS_SYNC)
}

// AddFdMapping replaces [offset, offset+size) of the mapping with a shared
// mapping of fd at fdOffset.
func (m *Mapping) AddFdMapping(offset, size uint64, fd int, fdOffset uint64, prot hv.Protection) error {
	if err := m.checkRange(offset, size); err != nil {
		return err
	}
	if offset%hostarch.PageSize != 0 || fdOffset%hostarch.PageSize != 0 {
		return ErrNotPageAligned
	}
	_, err := unix.MmapPtr(fd, int64(fdOffset), unsafe.Add(m.base, offset), uintptr(size),
		prot.Prot(), unix.MAP_SHARED|unix.MAP_FIXED)
	return err
}

// RemoveMapping replaces [offset, offset+size) with fresh anonymous memory.
func (m *Mapping) RemoveMapping(offset, size uint64) error {
	if err := m.checkRange(offset, size); err != nil {
		return err
	}
	if offset%hostarch.PageSize != 0 {
		return ErrNotPageAligned
	}
	_, err := unix.MmapPtr(-1, 0, unsafe.Add(m.base, offset), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_FIXED|unix.MAP_NORESERVE)
	return err
}

// Close unmaps the memory. The mapping must not be in use by a VM.
func (m *Mapping) Close() error {
	if m.base == nil {
		return nil
	}
	if err := unix.MunmapPtr(m.base, uintptr(m.size)); err != nil {
		return fmt.Errorf("memory: munmap: %w", err)
	}
	m.base = nil
	return nil
}

var (
	_ hv.MappedRegion = &Mapping{}
	_ io.ReaderAt     = &Mapping{}
	_ io.WriterAt     = &Mapping{}
)
