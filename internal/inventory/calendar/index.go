// Package calendar holds the request-scoped interval index used to answer
// per-unit claim queries without scanning every claim.
package calendar

import (
	"sort"
	"time"
)

// Interval is a half-open span [start, end) with a stable ordering key for
// intervals sharing a start.
type Interval interface {
	Span() (start, end time.Time)
	SortKey() int64
}

// Index is an augmented binary search tree laid out implicitly over a slice
// sorted by start. maxEnd[i] is the latest end in the subtree rooted at i, so
// a stabbing query prunes every subtree that ends before the query begins.
// Overlapping runs in O(log n + k).
type Index[T Interval] struct {
	items  []T
	starts []time.Time
	ends   []time.Time
	maxEnd []time.Time
}

func New[T Interval](items []T) *Index[T] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, _ := sorted[i].Span()
		sj, _ := sorted[j].Span()
		if si.Equal(sj) {
			return sorted[i].SortKey() < sorted[j].SortKey()
		}
		return si.Before(sj)
	})

	idx := &Index[T]{
		items:  sorted,
		starts: make([]time.Time, len(sorted)),
		ends:   make([]time.Time, len(sorted)),
		maxEnd: make([]time.Time, len(sorted)),
	}
	for i, it := range sorted {
		idx.starts[i], idx.ends[i] = it.Span()
	}
	idx.build(0, len(sorted))
	return idx
}

func (x *Index[T]) build(lo, hi int) time.Time {
	if lo >= hi {
		return time.Time{}
	}
	mid := (lo + hi) / 2
	m := x.ends[mid]
	if left := x.build(lo, mid); left.After(m) {
		m = left
	}
	if right := x.build(mid+1, hi); right.After(m) {
		m = right
	}
	x.maxEnd[mid] = m
	return m
}

func (x *Index[T]) Len() int {
	if x == nil {
		return 0
	}
	return len(x.items)
}

// All returns every indexed interval ordered by start.
func (x *Index[T]) All() []T {
	if x == nil {
		return nil
	}
	out := make([]T, len(x.items))
	copy(out, x.items)
	return out
}

// Overlapping returns the intervals with s < end && start < e, ordered by
// start then key.
func (x *Index[T]) Overlapping(start, end time.Time) []T {
	if x.Len() == 0 {
		return nil
	}
	var out []T
	x.visit(0, len(x.items), start, end, func(i int) bool {
		out = append(out, x.items[i])
		return true
	})
	return out
}

// Any reports whether at least one interval overlaps [start, end).
func (x *Index[T]) Any(start, end time.Time) bool {
	if x.Len() == 0 {
		return false
	}
	found := false
	x.visit(0, len(x.items), start, end, func(int) bool {
		found = true
		return false
	})
	return found
}

// visit walks the implicit tree in order. fn returning false stops the walk.
func (x *Index[T]) visit(lo, hi int, start, end time.Time, fn func(int) bool) bool {
	if lo >= hi {
		return true
	}
	mid := (lo + hi) / 2
	if !x.maxEnd[mid].After(start) {
		return true
	}
	if !x.visit(lo, mid, start, end, fn) {
		return false
	}
	if !x.starts[mid].Before(end) {
		// Everything to the right starts at or after mid.
		return true
	}
	if x.ends[mid].After(start) {
		if !fn(mid) {
			return false
		}
	}
	return x.visit(mid+1, hi, start, end, fn)
}

// NextStart returns the earliest start at or after t.
func (x *Index[T]) NextStart(t time.Time) (time.Time, bool) {
	if x.Len() == 0 {
		return time.Time{}, false
	}
	i := sort.Search(len(x.starts), func(i int) bool { return !x.starts[i].Before(t) })
	if i == len(x.starts) {
		return time.Time{}, false
	}
	return x.starts[i], true
}

// PrevEnd returns the end of the last interval starting before t, provided it
// ends at or before t. It assumes the indexed intervals do not overlap each
// other, which holds for blocking claims on one unit.
func (x *Index[T]) PrevEnd(t time.Time) (time.Time, bool) {
	if x.Len() == 0 {
		return time.Time{}, false
	}
	i := sort.Search(len(x.starts), func(i int) bool { return !x.starts[i].Before(t) }) - 1
	if i < 0 || x.ends[i].After(t) {
		return time.Time{}, false
	}
	return x.ends[i], true
}
