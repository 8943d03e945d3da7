package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDateRangeNormalizes(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	r, err := NewDateRange(time.Date(2025, 7, 1, 15, 30, 0, 0, loc), time.Date(2025, 7, 4, 1, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, 3, r.Nights())
	assert.Len(t, r.Dates(), 3)
}

func TestNewDateRangeRejectsEmpty(t *testing.T) {
	_, err := ParseDateRange("2025-07-05", "2025-07-05")
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = ParseDateRange("2025-07-05", "2025-07-01")
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = ParseDateRange("07/05/2025", "2025-07-08")
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestOverlapsIsHalfOpen(t *testing.T) {
	booked := MustDateRange("2025-07-01", "2025-07-05")
	assert.False(t, booked.Overlaps(MustDateRange("2025-07-05", "2025-07-08")))
	assert.False(t, MustDateRange("2025-06-28", "2025-07-01").Overlaps(booked))
	assert.True(t, booked.Overlaps(MustDateRange("2025-07-03", "2025-07-06")))
	assert.True(t, booked.Overlaps(MustDateRange("2025-06-01", "2025-08-01")))
}

func TestClaimActiveAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Minute)
	hold := DateRangeClaim{Kind: ClaimKindHold, ExpiresAt: &exp}
	assert.True(t, hold.ActiveAt(now))
	assert.False(t, hold.ActiveAt(exp))

	res := DateRangeClaim{Kind: ClaimKindReservation}
	assert.True(t, res.ActiveAt(now))
	res.ReleasedAt = &now
	assert.False(t, res.ActiveAt(now))

	assert.True(t, ClaimKindBlackout.Blocking())
	assert.False(t, ClaimKindHold.Blocking())
	assert.False(t, ClaimKind("vacation").Valid())
}

func TestDateRangeEqual(t *testing.T) {
	a := MustDateRange("2026-03-01", "2026-03-04")
	assert.True(t, a.Equal(MustDateRange("2026-03-01", "2026-03-04")))
	assert.False(t, a.Equal(MustDateRange("2026-03-01", "2026-03-05")))
}
