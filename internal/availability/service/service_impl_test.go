package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/availability/domain"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	inventoryrepo "github.com/smallbiznis/keepr/internal/inventory/repository"
	inventoryservice "github.com/smallbiznis/keepr/internal/inventory/service"
	"github.com/smallbiznis/keepr/internal/notification"
	"github.com/smallbiznis/keepr/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	inventory inventorydomain.Service
	svc       domain.Service
	events    *notification.Recorder
	tenant    snowflake.ID
	class     inventorydomain.UnitClass
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t, &inventorydomain.UnitClass{}, &inventorydomain.BookableUnit{}, &inventorydomain.DateRangeClaim{})
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	policy, err := config.NewStaticPolicyHolder(config.DefaultPolicy())
	require.NoError(t, err)
	repo := inventoryrepo.Provide()
	inv := inventoryservice.New(inventoryservice.Params{DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: repo})
	events := notification.NewRecorder(16)
	svc := New(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Policy:     policy,
		Inventory:  inv,
		Repo:       repo,
		Dispatcher: events,
	})

	f := &fixture{db: conn, node: node, clock: clk, inventory: inv, svc: svc, events: events, tenant: node.Generate()}
	f.class, err = inv.CreateUnitClass(context.Background(), f.tenant, inventorydomain.CreateUnitClassRequest{Name: "RV Sites"})
	require.NoError(t, err)
	return f
}

func (f *fixture) unit(t *testing.T, code string, mutate func(*inventorydomain.CreateUnitRequest)) inventorydomain.BookableUnit {
	t.Helper()
	req := inventorydomain.CreateUnitRequest{ClassID: f.class.ID.String(), Code: code, MaxOccupancy: 4}
	if mutate != nil {
		mutate(&req)
	}
	unit, err := f.inventory.CreateUnit(context.Background(), f.tenant, req)
	require.NoError(t, err)
	return unit
}

func (f *fixture) claim(t *testing.T, unitID snowflake.ID, kind inventorydomain.ClaimKind, start, end string) domain.ClaimResult {
	t.Helper()
	res, err := f.svc.CreateClaim(context.Background(), domain.ClaimRequest{
		TenantID:  f.tenant,
		UnitID:    unitID,
		Range:     inventorydomain.MustDateRange(start, end),
		Kind:      kind,
		SubjectID: f.node.Generate(),
	})
	require.NoError(t, err)
	return res
}

func TestBackToBackStayIsAvailable(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	existing := f.claim(t, u1.ID, inventorydomain.ClaimKindReservation, "2025-07-01", "2025-07-05")
	require.True(t, existing.OK())

	res, err := f.svc.CheckAvailability(context.Background(), domain.CheckRequest{
		TenantID:    f.tenant,
		UnitID:      u1.ID,
		Range:       inventorydomain.MustDateRange("2025-07-05", "2025-07-08"),
		Constraints: domain.Constraints{domain.Capacity{Guests: 4}},
	})
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Empty(t, res.ConflictingClaims)

	res, err = f.svc.CheckAvailability(context.Background(), domain.CheckRequest{
		TenantID: f.tenant,
		UnitID:   u1.ID,
		Range:    inventorydomain.MustDateRange("2025-07-03", "2025-07-06"),
	})
	require.NoError(t, err)
	assert.False(t, res.Available)
	require.Len(t, res.ConflictingClaims, 1)
	assert.Equal(t, existing.Claim.ID, res.ConflictingClaims[0].ID)
}

func TestCheckAvailabilityReportsViolations(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)

	res, err := f.svc.CheckAvailability(context.Background(), domain.CheckRequest{
		TenantID:    f.tenant,
		UnitID:      u1.ID,
		Range:       inventorydomain.MustDateRange("2025-07-05", "2025-07-08"),
		Constraints: domain.Constraints{domain.Capacity{Guests: 6}, domain.Accessibility{Required: true}},
	})
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Empty(t, res.ConflictingClaims)
	require.Len(t, res.Violations, 2)
}

func TestCheckAvailabilityNeedsOneTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckAvailability(context.Background(), domain.CheckRequest{
		TenantID: f.tenant,
		Range:    inventorydomain.MustDateRange("2025-07-05", "2025-07-08"),
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidTarget))
}

func TestCheckAvailabilityByClassIgnoresHolds(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	u2 := f.unit(t, "U2", nil)
	f.unit(t, "U3", func(r *inventorydomain.CreateUnitRequest) { r.MaxOccupancy = 2 })
	require.True(t, f.claim(t, u1.ID, inventorydomain.ClaimKindMaintenance, "2025-07-04", "2025-07-06").OK())
	require.True(t, f.claim(t, u2.ID, inventorydomain.ClaimKindHold, "2025-07-05", "2025-07-06").OK())

	res, err := f.svc.CheckAvailability(context.Background(), domain.CheckRequest{
		TenantID:    f.tenant,
		ClassID:     f.class.ID,
		Range:       inventorydomain.MustDateRange("2025-07-05", "2025-07-08"),
		Constraints: domain.Constraints{domain.Capacity{Guests: 3}},
	})
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Equal(t, []snowflake.ID{u2.ID}, res.Candidates)
}

func TestCheckThenCreateSucceeds(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	stay := inventorydomain.MustDateRange("2025-07-10", "2025-07-12")

	check, err := f.svc.CheckAvailability(context.Background(), domain.CheckRequest{TenantID: f.tenant, UnitID: u1.ID, Range: stay})
	require.NoError(t, err)
	require.True(t, check.Available)

	res := f.claim(t, u1.ID, inventorydomain.ClaimKindReservation, "2025-07-10", "2025-07-12")
	assert.True(t, res.OK())
	assert.NoError(t, res.Err())
}

func TestCreateClaimConflict(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	first := f.claim(t, u1.ID, inventorydomain.ClaimKindBlackout, "2025-07-01", "2025-07-10")
	require.True(t, first.OK())

	res := f.claim(t, u1.ID, inventorydomain.ClaimKindReservation, "2025-07-09", "2025-07-11")
	assert.Equal(t, domain.ClaimOutcomeConflict, res.Outcome)
	require.Len(t, res.Conflicts, 1)

	err := res.Err()
	var conflict *apperror.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, apperror.ReasonOverlappingClaim, conflict.Reason)
	assert.Equal(t, []string{first.Claim.ID.String()}, conflict.ClaimIDs)
}

func TestCreateClaimInvalid(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)

	res, err := f.svc.CreateClaim(context.Background(), domain.ClaimRequest{
		TenantID: f.tenant,
		UnitID:   u1.ID,
		Range:    inventorydomain.MustDateRange("2025-07-01", "2025-07-02"),
		Kind:     inventorydomain.ClaimKindReservation,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimOutcomeInvalid, res.Outcome)
	assert.True(t, errors.Is(res.Err(), apperror.ErrValidation))

	res, err = f.svc.CreateClaim(context.Background(), domain.ClaimRequest{
		TenantID:  f.tenant,
		UnitID:    u1.ID,
		Range:     inventorydomain.MustDateRange("2025-07-01", "2025-07-02"),
		Kind:      inventorydomain.ClaimKindHold,
		ExpiresAt: f.clock.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Err(), domain.ErrInvalidExpiry))

	_, err = f.svc.CreateClaim(context.Background(), domain.ClaimRequest{
		TenantID:  f.tenant,
		UnitID:    f.node.Generate(),
		Range:     inventorydomain.MustDateRange("2025-07-01", "2025-07-02"),
		Kind:      inventorydomain.ClaimKindBlackout,
		SubjectID: 0,
	})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestConcurrentOverlappingClaimsYieldOneSuccess(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)

	const n = 8
	results := make([]domain.ClaimResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Date(2025, 8, 1+i%3, 0, 0, 0, 0, time.UTC)
			results[i], errs[i] = f.svc.CreateClaim(context.Background(), domain.ClaimRequest{
				TenantID:  f.tenant,
				UnitID:    u1.ID,
				Range:     inventorydomain.DateRange{Start: start, End: start.AddDate(0, 0, 4)},
				Kind:      inventorydomain.ClaimKindReservation,
				SubjectID: snowflake.ID(1000 + i),
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].OK() {
			ok++
		} else {
			assert.Equal(t, domain.ClaimOutcomeConflict, results[i].Outcome)
		}
	}
	assert.Equal(t, 1, ok)

	claims, err := f.inventory.GetClaims(context.Background(), f.tenant, u1.ID, inventorydomain.MustDateRange("2025-07-01", "2025-09-01"), inventorydomain.ClaimQuery{})
	require.NoError(t, err)
	assertNoOverlap(t, claims)
}

func assertNoOverlap(t *testing.T, claims []inventorydomain.DateRangeClaim) {
	t.Helper()
	for i := range claims {
		for j := i + 1; j < len(claims); j++ {
			if claims[i].Kind.Blocking() && claims[j].Kind.Blocking() {
				assert.False(t, claims[i].Range().Overlaps(claims[j].Range()), "claims %s and %s overlap", claims[i].ID, claims[j].ID)
			}
		}
	}
}

func TestHoldsDoNotBlockHoldsAndFirstConversionWins(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)

	h1 := f.claim(t, u1.ID, inventorydomain.ClaimKindHold, "2025-07-05", "2025-07-08")
	h2 := f.claim(t, u1.ID, inventorydomain.ClaimKindHold, "2025-07-06", "2025-07-09")
	require.True(t, h1.OK())
	require.True(t, h2.OK())

	first, err := f.svc.ConvertHold(context.Background(), domain.ConvertRequest{TenantID: f.tenant, HoldID: h1.Claim.ID, SubjectID: f.node.Generate()})
	require.NoError(t, err)
	require.True(t, first.OK())
	assert.Equal(t, inventorydomain.ClaimKindReservation, first.Claim.Kind)
	assert.Nil(t, first.Claim.ExpiresAt)

	second, err := f.svc.ConvertHold(context.Background(), domain.ConvertRequest{TenantID: f.tenant, HoldID: h2.Claim.ID, SubjectID: f.node.Generate()})
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimOutcomeConflict, second.Outcome)
	require.Len(t, second.Conflicts, 1)
	assert.Equal(t, h1.Claim.ID, second.Conflicts[0].ID)
}

func TestExpiredHoldCannotConvertOrExtend(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	hold := f.claim(t, u1.ID, inventorydomain.ClaimKindHold, "2025-07-05", "2025-07-08")
	require.True(t, hold.OK())

	f.clock.Advance(16 * time.Minute)

	res, err := f.svc.ConvertHold(context.Background(), domain.ConvertRequest{TenantID: f.tenant, HoldID: hold.Claim.ID, SubjectID: f.node.Generate()})
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimOutcomeConflict, res.Outcome)
	assert.Equal(t, apperror.ReasonHoldExpired, res.Reason)

	_, err = f.svc.ExtendHold(context.Background(), f.tenant, hold.Claim.ID, f.clock.Now().Add(time.Hour))
	var conflict *apperror.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, apperror.ReasonHoldExpired, conflict.Reason)
}

func TestExtendHold(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	hold := f.claim(t, u1.ID, inventorydomain.ClaimKindHold, "2025-07-05", "2025-07-08")
	require.True(t, hold.OK())

	next := f.clock.Now().Add(2 * time.Hour)
	extended, err := f.svc.ExtendHold(context.Background(), f.tenant, hold.Claim.ID, next)
	require.NoError(t, err)
	require.NotNil(t, extended.ExpiresAt)
	assert.True(t, extended.ExpiresAt.Equal(next))

	f.clock.Advance(time.Hour)
	res, err := f.svc.ConvertHold(context.Background(), domain.ConvertRequest{TenantID: f.tenant, HoldID: hold.Claim.ID, SubjectID: f.node.Generate()})
	require.NoError(t, err)
	assert.True(t, res.OK())

	_, err = f.svc.ExtendHold(context.Background(), f.tenant, hold.Claim.ID, next)
	assert.True(t, errors.Is(err, domain.ErrNotAHold))
}

func TestClaimOnNamedUnitHonoursConstraints(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	tooMany := domain.Constraints{domain.Capacity{Guests: 10}}

	res, err := f.svc.CreateClaim(context.Background(), domain.ClaimRequest{
		TenantID:    f.tenant,
		UnitID:      u1.ID,
		Range:       inventorydomain.MustDateRange("2025-07-05", "2025-07-08"),
		Kind:        inventorydomain.ClaimKindReservation,
		SubjectID:   f.node.Generate(),
		Constraints: tooMany,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimOutcomeInvalid, res.Outcome)
	assert.Nil(t, res.Claim)
	require.NotEmpty(t, res.Violations)
	assert.True(t, errors.Is(res.Err(), apperror.ErrValidation))

	hold := f.claim(t, u1.ID, inventorydomain.ClaimKindHold, "2025-07-05", "2025-07-08")
	require.True(t, hold.OK())
	converted, err := f.svc.ConvertHold(context.Background(), domain.ConvertRequest{
		TenantID:    f.tenant,
		HoldID:      hold.Claim.ID,
		SubjectID:   f.node.Generate(),
		Constraints: tooMany,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimOutcomeInvalid, converted.Outcome)

	var stored inventorydomain.DateRangeClaim
	require.NoError(t, f.db.First(&stored, "id = ?", hold.Claim.ID).Error)
	assert.Equal(t, inventorydomain.ClaimKindHold, stored.Kind)

	fits, err := f.svc.ConvertHold(context.Background(), domain.ConvertRequest{
		TenantID:    f.tenant,
		HoldID:      hold.Claim.ID,
		SubjectID:   f.node.Generate(),
		Constraints: domain.Constraints{domain.Capacity{Guests: 4}},
	})
	require.NoError(t, err)
	assert.True(t, fits.OK())
}

func TestReleaseClaimIsIdempotent(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	res := f.claim(t, u1.ID, inventorydomain.ClaimKindReservation, "2025-07-05", "2025-07-08")
	require.True(t, res.OK())

	released, err := f.svc.ReleaseClaim(context.Background(), f.tenant, res.Claim.ID, "")
	require.NoError(t, err)
	require.NotNil(t, released.ReleasedAt)
	assert.Equal(t, domain.ReleaseReasonCancelled, released.ReleaseReason)

	f.clock.Advance(time.Minute)
	again, err := f.svc.ReleaseClaim(context.Background(), f.tenant, res.Claim.ID, "other")
	require.NoError(t, err)
	assert.True(t, again.ReleasedAt.Equal(*released.ReleasedAt))
	assert.Equal(t, domain.ReleaseReasonCancelled, again.ReleaseReason)

	rebooked := f.claim(t, u1.ID, inventorydomain.ClaimKindReservation, "2025-07-05", "2025-07-08")
	assert.True(t, rebooked.OK())

	_, err = f.svc.ReleaseClaim(context.Background(), f.node.Generate(), res.Claim.ID, "")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestSweepExpiredHolds(t *testing.T) {
	f := newFixture(t)
	u1 := f.unit(t, "U1", nil)
	expiring := f.claim(t, u1.ID, inventorydomain.ClaimKindHold, "2025-07-05", "2025-07-08")
	require.True(t, expiring.OK())

	_, err := f.svc.CreateClaim(context.Background(), domain.ClaimRequest{
		TenantID:  f.tenant,
		UnitID:    u1.ID,
		Range:     inventorydomain.MustDateRange("2025-07-10", "2025-07-11"),
		Kind:      inventorydomain.ClaimKindHold,
		ExpiresAt: f.clock.Now().Add(3 * time.Hour),
	})
	require.NoError(t, err)

	n, err := f.svc.SweepExpiredHolds(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(20 * time.Minute)
	n, err = f.svc.SweepExpiredHolds(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{notification.EventHoldExpired}, f.events.Types())

	var stored inventorydomain.DateRangeClaim
	require.NoError(t, f.db.First(&stored, "id = ?", expiring.Claim.ID).Error)
	require.NotNil(t, stored.ReleasedAt)
	assert.Equal(t, domain.ReleaseReasonHoldExpired, stored.ReleaseReason)

	n, err = f.svc.SweepExpiredHolds(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSelectBestUnit(t *testing.T) {
	f := newFixture(t)
	withShade := func(r *inventorydomain.CreateUnitRequest) { r.Features = []string{"shade"} }
	u1 := f.unit(t, "U1", nil)
	u2 := f.unit(t, "U2", withShade)
	u3 := f.unit(t, "U3", withShade)
	f.unit(t, "U4", func(r *inventorydomain.CreateUnitRequest) {
		r.Features = []string{"shade"}
		r.MaxOccupancy = 2
	})
	// U3 abuts an existing stay, which packs the calendar better than U2.
	require.True(t, f.claim(t, u3.ID, inventorydomain.ClaimKindReservation, "2025-07-01", "2025-07-05").OK())

	stay := inventorydomain.MustDateRange("2025-07-05", "2025-07-08")
	best, err := f.svc.SelectBestUnit(context.Background(), domain.SelectRequest{
		TenantID:    f.tenant,
		ClassID:     f.class.ID,
		Range:       stay,
		Constraints: domain.Constraints{domain.Capacity{Guests: 3}},
		Preferences: domain.Preferences{Features: []string{"shade"}},
	})
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, u3.ID, best.Unit.ID)

	best, err = f.svc.SelectBestUnit(context.Background(), domain.SelectRequest{
		TenantID:    f.tenant,
		ClassID:     f.class.ID,
		Range:       inventorydomain.MustDateRange("2025-09-01", "2025-09-03"),
		Constraints: domain.Constraints{domain.Capacity{Guests: 3}},
	})
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, u1.ID, best.Unit.ID, "ties go to the lowest unit id")

	best, err = f.svc.SelectBestUnit(context.Background(), domain.SelectRequest{
		TenantID:    f.tenant,
		ClassID:     f.class.ID,
		Range:       inventorydomain.MustDateRange("2025-09-01", "2025-09-03"),
		Constraints: domain.Constraints{domain.Capacity{Guests: 3}},
		Preferences: domain.Preferences{PreviousUnitID: u2.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, u2.ID, best.Unit.ID)

	best, err = f.svc.SelectBestUnit(context.Background(), domain.SelectRequest{
		TenantID:    f.tenant,
		ClassID:     f.class.ID,
		Range:       stay,
		Constraints: domain.Constraints{domain.Capacity{Guests: 8}},
	})
	require.NoError(t, err)
	assert.Nil(t, best, "no unit satisfies the hard constraint")
}
