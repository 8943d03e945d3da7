package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct{ id int64 }

func TestPageTrimsAndEncodesNextToken(t *testing.T) {
	rows := []*row{{1}, {2}, {3}}
	got, info, err := Page(rows, Pagination{PageSize: 2}, func(r *row) int64 { return r.id })
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor.ID)
}

func TestPageLastPage(t *testing.T) {
	rows := []*row{{1}}
	got, info, err := Page(rows, Pagination{PageSize: 2}, func(r *row) int64 { return r.id })
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestSizeClamps(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10_000}.Size())
}
