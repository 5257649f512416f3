package memory

import (
	"github.com/google/btree"
)

type span[T any] struct {
	start uint64
	end   uint64 // exclusive
	value T
}

// RangeMap holds non-overlapping address ranges ordered by start address.
// It is not safe for concurrent use.
type RangeMap[T any] struct {
	tree *btree.BTreeG[span[T]]
}

func NewRangeMap[T any]() *RangeMap[T] {
	return &RangeMap[T]{
		tree: btree.NewG(8, func(a, b span[T]) bool { return a.start < b.start }),
	}
}

// Insert adds [start, start+size). It fails with ErrInvalidRange if the range
// is empty, wraps the address space or overlaps an existing range.
func (m *RangeMap[T]) Insert(start, size uint64, value T) error {
	end := start + size
	if size == 0 || end < start {
		return ErrInvalidRange
	}
	if m.Overlaps(start, end) {
		return ErrInvalidRange
	}
	m.tree.ReplaceOrInsert(span[T]{start: start, end: end, value: value})
	return nil
}

// Overlaps reports whether any range intersects [start, end).
func (m *RangeMap[T]) Overlaps(start, end uint64) bool {
	if end <= start {
		return false
	}
	overlaps := false
	// The range with the greatest start below end is the only candidate.
	m.tree.DescendLessOrEqual(span[T]{start: end - 1}, func(s span[T]) bool {
		overlaps = s.end > start
		return false
	})
	return overlaps
}

// Lookup returns the range containing addr.
func (m *RangeMap[T]) Lookup(addr uint64) (start, end uint64, value T, ok bool) {
	m.tree.DescendLessOrEqual(span[T]{start: addr}, func(s span[T]) bool {
		if addr < s.end {
			start, end, value, ok = s.start, s.end, s.value, true
		}
		return false
	})
	return
}

// Delete removes the range starting at start.
func (m *RangeMap[T]) Delete(start uint64) bool {
	_, ok := m.tree.Delete(span[T]{start: start})
	return ok
}

func (m *RangeMap[T]) Len() int { return m.tree.Len() }

// Ascend calls fn for each range in address order until fn returns false.
func (m *RangeMap[T]) Ascend(fn func(start, end uint64, value T) bool) {
	m.tree.Ascend(func(s span[T]) bool {
		return fn(s.start, s.end, s.value)
	})
}
