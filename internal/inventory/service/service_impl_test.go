package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/inventory/domain"
	"github.com/smallbiznis/keepr/internal/inventory/repository"
	"github.com/smallbiznis/keepr/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	svc    domain.Service
	tenant snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t, &domain.UnitClass{}, &domain.BookableUnit{}, &domain.DateRangeClaim{})
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return &fixture{db: conn, node: node, clock: clk, svc: svc, tenant: node.Generate()}
}

func (f *fixture) class(t *testing.T, name string) domain.UnitClass {
	t.Helper()
	class, err := f.svc.CreateUnitClass(context.Background(), f.tenant, domain.CreateUnitClassRequest{Name: name})
	require.NoError(t, err)
	return class
}

func (f *fixture) unit(t *testing.T, class domain.UnitClass, code string) domain.BookableUnit {
	t.Helper()
	unit, err := f.svc.CreateUnit(context.Background(), f.tenant, domain.CreateUnitRequest{
		ClassID:      class.ID.String(),
		Code:         code,
		MaxOccupancy: 4,
		Hookups:      []string{"Water", "electric_30a", "water"},
	})
	require.NoError(t, err)
	return unit
}

func (f *fixture) claim(t *testing.T, unit domain.BookableUnit, kind domain.ClaimKind, r domain.DateRange) domain.DateRangeClaim {
	t.Helper()
	now := f.clock.Now()
	c := domain.DateRangeClaim{
		ID:        f.node.Generate(),
		TenantID:  f.tenant,
		UnitID:    unit.ID,
		Kind:      kind,
		StartDate: r.Start,
		EndDate:   r.End,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == domain.ClaimKindHold {
		exp := now.Add(15 * time.Minute)
		c.ExpiresAt = &exp
	}
	require.NoError(t, f.db.Create(&c).Error)
	return c
}

func TestCreateUnitClassDerivesSlug(t *testing.T) {
	f := newFixture(t)
	class := f.class(t, "Premium RV Sites")
	assert.Equal(t, "premium-rv-sites", class.Code)

	_, err := f.svc.CreateUnitClass(context.Background(), f.tenant, domain.CreateUnitClassRequest{Name: "Premium RV Sites"})
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestCreateUnitValidates(t *testing.T) {
	f := newFixture(t)
	class := f.class(t, "Cabins")

	_, err := f.svc.CreateUnit(context.Background(), f.tenant, domain.CreateUnitRequest{
		ClassID: class.ID.String(), Code: "C1", MinOccupancy: 3, MaxOccupancy: 2,
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidCapacity))
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	_, err = f.svc.CreateUnit(context.Background(), f.tenant, domain.CreateUnitRequest{
		ClassID: f.node.Generate().String(), Code: "C1", MaxOccupancy: 2,
	})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	unit := f.unit(t, class, "C1")
	assert.Equal(t, []string{"water", "electric_30a"}, []string(unit.Hookups))
	assert.True(t, unit.Active)
}

func TestGetClaimsReturnsActiveOverlapsInOrder(t *testing.T) {
	f := newFixture(t)
	unit := f.unit(t, f.class(t, "Sites"), "U1")

	second := f.claim(t, unit, domain.ClaimKindReservation, domain.MustDateRange("2025-07-05", "2025-07-08"))
	first := f.claim(t, unit, domain.ClaimKindReservation, domain.MustDateRange("2025-07-01", "2025-07-05"))
	f.claim(t, unit, domain.ClaimKindMaintenance, domain.MustDateRange("2025-07-20", "2025-07-21"))

	released := f.claim(t, unit, domain.ClaimKindBlackout, domain.MustDateRange("2025-07-02", "2025-07-03"))
	now := f.clock.Now()
	require.NoError(t, f.db.Model(&domain.DateRangeClaim{}).Where("id = ?", released.ID).Update("released_at", now).Error)

	claims, err := f.svc.GetClaims(context.Background(), f.tenant, unit.ID, domain.MustDateRange("2025-07-03", "2025-07-06"), domain.ClaimQuery{})
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, first.ID, claims[0].ID)
	assert.Equal(t, second.ID, claims[1].ID)

	claims, err = f.svc.GetClaims(context.Background(), f.tenant, unit.ID, domain.MustDateRange("2025-07-01", "2025-08-01"), domain.ClaimQuery{
		Kinds: []domain.ClaimKind{domain.ClaimKindMaintenance},
	})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, domain.ClaimKindMaintenance, claims[0].Kind)
}

func TestGetClaimsIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	unit := f.unit(t, f.class(t, "Sites"), "U1")

	_, err := f.svc.GetClaims(context.Background(), f.node.Generate(), unit.ID, domain.MustDateRange("2025-07-01", "2025-07-02"), domain.ClaimQuery{})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestListFreeUnits(t *testing.T) {
	f := newFixture(t)
	class := f.class(t, "Sites")
	u1 := f.unit(t, class, "U1")
	u2 := f.unit(t, class, "U2")
	u3 := f.unit(t, class, "U3")
	inactive := f.unit(t, class, "U4")
	_, err := f.svc.SetUnitActive(context.Background(), f.tenant, inactive.ID, false)
	require.NoError(t, err)

	stay := domain.MustDateRange("2025-07-05", "2025-07-08")
	f.claim(t, u1, domain.ClaimKindReservation, domain.MustDateRange("2025-07-01", "2025-07-05"))
	f.claim(t, u2, domain.ClaimKindReservation, domain.MustDateRange("2025-07-06", "2025-07-07"))
	f.claim(t, u3, domain.ClaimKindHold, domain.MustDateRange("2025-07-05", "2025-07-06"))

	free, err := f.svc.ListFreeUnits(context.Background(), f.tenant, class.ID, stay, nil)
	require.NoError(t, err)
	require.Len(t, free, 1)
	assert.Equal(t, u1.ID, free[0].ID, "back-to-back stay does not conflict")

	free, err = f.svc.ListFreeUnits(context.Background(), f.tenant, class.ID, stay, []domain.ClaimKind{domain.ClaimKindHold})
	require.NoError(t, err)
	require.Len(t, free, 2)
	assert.Equal(t, u1.ID, free[0].ID)
	assert.Equal(t, u3.ID, free[1].ID)
}

func TestExpiredHoldsAreNotActive(t *testing.T) {
	f := newFixture(t)
	class := f.class(t, "Sites")
	unit := f.unit(t, class, "U1")
	stay := domain.MustDateRange("2025-07-05", "2025-07-08")
	f.claim(t, unit, domain.ClaimKindHold, stay)

	free, err := f.svc.ListFreeUnits(context.Background(), f.tenant, class.ID, stay, nil)
	require.NoError(t, err)
	assert.Empty(t, free)

	f.clock.Advance(16 * time.Minute)
	free, err = f.svc.ListFreeUnits(context.Background(), f.tenant, class.ID, stay, nil)
	require.NoError(t, err)
	assert.Len(t, free, 1)
}

func TestListUnitsPaginates(t *testing.T) {
	f := newFixture(t)
	class := f.class(t, "Sites")
	for _, code := range []string{"A", "B", "C"} {
		f.unit(t, class, code)
	}

	page1, err := f.svc.ListUnits(context.Background(), f.tenant, domain.ListUnitsRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1.Units, 2)
	require.True(t, page1.HasMore)

	page2, err := f.svc.ListUnits(context.Background(), f.tenant, domain.ListUnitsRequest{PageSize: 2, PageToken: page1.NextPageToken})
	require.NoError(t, err)
	require.Len(t, page2.Units, 1)
	assert.False(t, page2.HasMore)
	assert.Equal(t, "C", page2.Units[0].Code)
}
