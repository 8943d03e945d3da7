package calendar

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type span struct {
	id         int64
	start, end time.Time
}

func (s span) Span() (time.Time, time.Time) { return s.start, s.end }

func (s span) SortKey() int64 { return s.id }

var base = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return base.AddDate(0, 0, n) }

func ids(items []span) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out
}

func TestOverlappingHalfOpen(t *testing.T) {
	idx := New([]span{
		{id: 2, start: day(4), end: day(7)},
		{id: 1, start: day(0), end: day(4)},
		{id: 3, start: day(10), end: day(12)},
	})

	assert.Empty(t, idx.Overlapping(day(7), day(10)), "gap between claims is free")
	assert.Equal(t, []int64{1}, ids(idx.Overlapping(day(3), day(4))))
	assert.Equal(t, []int64{1, 2}, ids(idx.Overlapping(day(3), day(5))))
	assert.Equal(t, []int64{1, 2, 3}, ids(idx.Overlapping(day(-5), day(20))))
	assert.False(t, idx.Any(day(12), day(13)), "checkout day equals next check-in")
	assert.True(t, idx.Any(day(11), day(13)))
}

func TestOverlappingOrdersTiesByKey(t *testing.T) {
	idx := New([]span{
		{id: 9, start: day(0), end: day(3)},
		{id: 4, start: day(0), end: day(2)},
	})
	assert.Equal(t, []int64{4, 9}, ids(idx.Overlapping(day(1), day(2))))
}

func TestOverlappingMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	items := make([]span, 0, 200)
	for i := 0; i < 200; i++ {
		s := rng.Intn(365)
		items = append(items, span{id: int64(i + 1), start: day(s), end: day(s + 1 + rng.Intn(14))})
	}
	idx := New(items)
	require.Equal(t, 200, idx.Len())

	for q := 0; q < 100; q++ {
		s := rng.Intn(380) - 5
		e := s + 1 + rng.Intn(20)
		want := []int64{}
		for _, it := range idx.All() {
			if it.start.Before(day(e)) && day(s).Before(it.end) {
				want = append(want, it.id)
			}
		}
		assert.Equal(t, want, ids(idx.Overlapping(day(s), day(e))), "query [%d,%d)", s, e)
	}
}

func TestNeighbours(t *testing.T) {
	idx := New([]span{
		{id: 1, start: day(0), end: day(4)},
		{id: 2, start: day(8), end: day(10)},
	})

	prev, ok := idx.PrevEnd(day(4))
	require.True(t, ok)
	assert.Equal(t, day(4), prev)

	prev, ok = idx.PrevEnd(day(6))
	require.True(t, ok)
	assert.Equal(t, day(4), prev)

	next, ok := idx.NextStart(day(6))
	require.True(t, ok)
	assert.Equal(t, day(8), next)

	_, ok = idx.NextStart(day(9))
	assert.False(t, ok)
	_, ok = idx.PrevEnd(day(0))
	assert.False(t, ok)
}

func TestEmptyIndex(t *testing.T) {
	var idx *Index[span]
	assert.Equal(t, 0, idx.Len())
	assert.Nil(t, idx.All())

	empty := New[span](nil)
	assert.Empty(t, empty.Overlapping(day(0), day(1)))
	assert.False(t, empty.Any(day(0), day(1)))
}
