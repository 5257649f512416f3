//go:build linux

package memory

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Range is a guest physical address range.
type Range struct {
	GuestAddr uint64
	Size      uint64
}

func (r Range) End() uint64 { return r.GuestAddr + r.Size }

// GuestRegion is one contiguous block of guest memory and its host mapping.
type GuestRegion struct {
	Index     int
	GuestAddr uint64
	Mapping   *Mapping
}

func (r *GuestRegion) End() uint64 { return r.GuestAddr + r.Mapping.Size() }

// GuestMemory is the guest physical memory layout a VM is created with.
// Regions are indexed in ascending guest address order and never change
// after construction.
type GuestMemory struct {
	regions []*GuestRegion
	ranges  *RangeMap[*GuestRegion]
}

// NewGuestMemory allocates anonymous memory for each range. Ranges must be
// page aligned and must not overlap.
func NewGuestMemory(ranges []Range) (*GuestMemory, error) {
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int { return cmp.Compare(a.GuestAddr, b.GuestAddr) })

	g := &GuestMemory{ranges: NewRangeMap[*GuestRegion]()}
	cu := cleanup.Make(func() { g.Close() })
	defer cu.Clean()

	for i, r := range sorted {
		if r.GuestAddr%hostarch.PageSize != 0 || r.Size%hostarch.PageSize != 0 {
			return nil, fmt.Errorf("memory: guest range %#x+%#x: %w", r.GuestAddr, r.Size, ErrNotPageAligned)
		}
		if g.ranges.Overlaps(r.GuestAddr, r.End()) {
			return nil, fmt.Errorf("memory: guest range %#x+%#x overlaps: %w", r.GuestAddr, r.Size, ErrInvalidRange)
		}
		m, err := NewAnonymous(r.Size)
		if err != nil {
			return nil, err
		}
		region := &GuestRegion{Index: i, GuestAddr: r.GuestAddr, Mapping: m}
		if err := g.ranges.Insert(r.GuestAddr, r.Size, region); err != nil {
			m.Close()
			return nil, fmt.Errorf("memory: guest range %#x+%#x: %w", r.GuestAddr, r.Size, err)
		}
		g.regions = append(g.regions, region)
	}

	cu.Release()
	return g, nil
}

func (g *GuestMemory) NumRegions() int { return len(g.regions) }

// Regions returns the regions in index order.
func (g *GuestMemory) Regions() []*GuestRegion { return slices.Clone(g.regions) }

// RangeOverlap reports whether [start, end) intersects any guest region.
func (g *GuestMemory) RangeOverlap(start, end uint64) bool {
	return g.ranges.Overlaps(start, end)
}

// EndAddr returns the address one past the highest region.
func (g *GuestMemory) EndAddr() uint64 {
	if len(g.regions) == 0 {
		return 0
	}
	return g.regions[len(g.regions)-1].End()
}

// Slice returns host memory backing [addr, addr+size). The range must lie
// inside one region.
func (g *GuestMemory) Slice(addr, size uint64) ([]byte, error) {
	start, end, region, ok := g.ranges.Lookup(addr)
	if !ok || addr+size < addr || addr+size > end {
		return nil, fmt.Errorf("memory: guest range %#x+%#x: %w", addr, size, ErrInvalidAddress)
	}
	off := addr - start
	return region.Mapping.Bytes()[off : off+size], nil
}

// ReadAt reads guest physical memory at off.
func (g *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		addr := uint64(off) + uint64(n)
		start, end, region, ok := g.ranges.Lookup(addr)
		if !ok {
			return n, io.EOF
		}
		n += copy(p[n:], region.Mapping.Bytes()[addr-start:end-start])
	}
	return n, nil
}

// WriteAt writes guest physical memory at off.
func (g *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		addr := uint64(off) + uint64(n)
		start, end, region, ok := g.ranges.Lookup(addr)
		if !ok {
			return n, fmt.Errorf("memory: write at %#x: %w", addr, ErrInvalidAddress)
		}
		n += copy(region.Mapping.Bytes()[addr-start:end-start], p[n:])
	}
	return n, nil
}

// Close unmaps every region. It must only be called once no VM uses the
// memory.
func (g *GuestMemory) Close() error {
	var firstErr error
	for _, r := range g.regions {
		if err := r.Mapping.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.regions = nil
	g.ranges = NewRangeMap[*GuestRegion]()
	return firstErr
}

var (
	_ io.ReaderAt = &GuestMemory{}
	_ io.WriterAt = &GuestMemory{}
)
