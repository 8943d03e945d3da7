package service

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/availability/domain"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/inventory/calendar"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	"github.com/stretchr/testify/assert"
)

func scoringPolicy() config.ScoringPolicy {
	return config.ScoringPolicy{
		FeatureWeight:        1,
		GapWeight:            2,
		ReturningGuestWeight: 3,
		OrphanGapNights:      2,
		LookaroundNights:     14,
	}
}

func reservation(id int64, start, end string) inventorydomain.DateRangeClaim {
	r := inventorydomain.MustDateRange(start, end)
	return inventorydomain.DateRangeClaim{
		ID:        snowflake.ID(id),
		Kind:      inventorydomain.ClaimKindReservation,
		StartDate: r.Start,
		EndDate:   r.End,
	}
}

func TestGapScore(t *testing.T) {
	sc := newScorer(scoringPolicy(), domain.Preferences{})
	stay := inventorydomain.MustDateRange("2025-07-05", "2025-07-08")

	cases := []struct {
		name   string
		claims []inventorydomain.DateRangeClaim
		want   float64
	}{
		{"empty calendar", nil, 0.5},
		{"abuts both sides", []inventorydomain.DateRangeClaim{
			reservation(1, "2025-07-01", "2025-07-05"),
			reservation(2, "2025-07-08", "2025-07-10"),
		}, 1},
		{"orphan night before", []inventorydomain.DateRangeClaim{
			reservation(1, "2025-07-01", "2025-07-04"),
		}, 0.25},
		{"loose gap after", []inventorydomain.DateRangeClaim{
			reservation(1, "2025-07-11", "2025-07-12"),
		}, 0.375},
		{"neighbour beyond lookaround", []inventorydomain.DateRangeClaim{
			reservation(1, "2025-07-30", "2025-08-02"),
		}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sc.gapScore(calendar.New(tc.claims), stay)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestScoreWeighsPreferences(t *testing.T) {
	prefs := domain.Preferences{Features: []string{"Shade", "waterfront"}, PreviousUnitID: 20}
	sc := newScorer(scoringPolicy(), prefs)
	stay := inventorydomain.MustDateRange("2025-07-05", "2025-07-08")
	empty := calendar.New[inventorydomain.DateRangeClaim](nil)

	shaded := sc.score(inventorydomain.BookableUnit{ID: 10, Features: []string{"shade"}}, empty, stay)
	assert.InDelta(t, 0.5, shaded.FeatureScore, 1e-9)
	assert.InDelta(t, 0.5+2*0.5, shaded.Score, 1e-9)

	previous := sc.score(inventorydomain.BookableUnit{ID: 20}, empty, stay)
	assert.True(t, previous.Returning)
	assert.InDelta(t, 1+3, previous.Score, 1e-9)
}

func TestRankBreaksTiesByLowestID(t *testing.T) {
	units := []domain.ScoredUnit{
		{Unit: inventorydomain.BookableUnit{ID: 30}, Score: 1},
		{Unit: inventorydomain.BookableUnit{ID: 10}, Score: 1},
		{Unit: inventorydomain.BookableUnit{ID: 20}, Score: 2},
	}
	rank(units)
	assert.Equal(t, snowflake.ID(20), units[0].Unit.ID)
	assert.Equal(t, snowflake.ID(10), units[1].Unit.ID)
	assert.Equal(t, snowflake.ID(30), units[2].Unit.ID)
}

func TestNights(t *testing.T) {
	d := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, nights(d, d.AddDate(0, 0, 3)))
}
