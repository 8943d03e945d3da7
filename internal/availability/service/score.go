package service

import (
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/keepr/internal/availability/domain"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/inventory/calendar"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
)

const (
	gapAbutting = 1.0
	gapOpen     = 0.5
	gapLoose    = 0.25
	gapOrphan   = 0.0
)

type scorer struct {
	policy config.ScoringPolicy
	prefs  domain.Preferences
}

func newScorer(policy config.ScoringPolicy, prefs domain.Preferences) scorer {
	prefs.Features = normalize(prefs.Features)
	return scorer{policy: policy, prefs: prefs}
}

// score weighs a candidate that is already free and compliant. claims must
// hold only the unit's blocking claims around the stay.
func (s scorer) score(unit inventorydomain.BookableUnit, claims *calendar.Index[inventorydomain.DateRangeClaim], r inventorydomain.DateRange) domain.ScoredUnit {
	feature := s.featureRatio(unit)
	gap := s.gapScore(claims, r)
	returning := s.prefs.PreviousUnitID != 0 && unit.ID == s.prefs.PreviousUnitID

	total := s.policy.FeatureWeight*feature + s.policy.GapWeight*gap
	if returning {
		total += s.policy.ReturningGuestWeight
	}
	return domain.ScoredUnit{
		Unit:         unit,
		Score:        total,
		FeatureScore: feature,
		GapScore:     gap,
		Returning:    returning,
	}
}

func (s scorer) featureRatio(unit inventorydomain.BookableUnit) float64 {
	if len(s.prefs.Features) == 0 {
		return 0
	}
	matched := 0
	for _, f := range s.prefs.Features {
		if unit.HasFeature(f) {
			matched++
		}
	}
	return float64(matched) / float64(len(s.prefs.Features))
}

// gapScore averages both sides of the stay. A stay that abuts a neighbour
// claim keeps the calendar dense; one that leaves a gap shorter than
// OrphanGapNights strands nights nobody can book.
func (s scorer) gapScore(claims *calendar.Index[inventorydomain.DateRangeClaim], r inventorydomain.DateRange) float64 {
	before := gapOpen
	if end, ok := claims.PrevEnd(r.Start); ok {
		before = s.sideScore(nights(end, r.Start))
	}
	after := gapOpen
	if start, ok := claims.NextStart(r.End); ok {
		after = s.sideScore(nights(r.End, start))
	}
	return (before + after) / 2
}

func (s scorer) sideScore(gap int) float64 {
	switch {
	case gap <= 0:
		return gapAbutting
	case gap > s.policy.LookaroundNights:
		return gapOpen
	case gap < s.policy.OrphanGapNights:
		return gapOrphan
	default:
		return gapLoose
	}
}

// rank orders candidates by score, then by lowest unit id.
func rank(units []domain.ScoredUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].Score != units[j].Score {
			return units[i].Score > units[j].Score
		}
		return units[i].Unit.ID < units[j].Unit.ID
	})
}

func blockingOnly(claims []inventorydomain.DateRangeClaim) []inventorydomain.DateRangeClaim {
	out := make([]inventorydomain.DateRangeClaim, 0, len(claims))
	for _, c := range claims {
		if c.Kind.Blocking() {
			out = append(out, c)
		}
	}
	return out
}

func nights(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func normalize(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
