package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	inventoryrepo "github.com/smallbiznis/keepr/internal/inventory/repository"
	inventoryservice "github.com/smallbiznis/keepr/internal/inventory/service"
	"github.com/smallbiznis/keepr/internal/pricing/domain"
	"github.com/smallbiznis/keepr/internal/pricing/repository"
	"github.com/smallbiznis/keepr/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	svc     domain.Service
	tenant  snowflake.ID
	class   inventorydomain.UnitClass
	other   inventorydomain.UnitClass
	unit    inventorydomain.BookableUnit
	sibling inventorydomain.BookableUnit
}

func day(s string) time.Time {
	t, err := time.Parse(inventorydomain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t,
		&inventorydomain.UnitClass{}, &inventorydomain.BookableUnit{}, &inventorydomain.DateRangeClaim{},
		&domain.RateConfigVersion{}, &domain.RatePlan{}, &domain.SeasonalRate{}, &domain.RateOverride{},
		&domain.Promotion{}, &domain.DepositPolicy{}, &domain.TaxRule{}, &domain.CatalogItem{},
	)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	inv := inventoryservice.New(inventoryservice.Params{DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: inventoryrepo.Provide()})
	policy, err := config.NewStaticPolicyHolder(config.DefaultPolicy())
	require.NoError(t, err)

	f := &fixture{
		db:     conn,
		node:   node,
		tenant: node.Generate(),
		svc:    New(Params{Log: zap.NewNop(), Store: repository.NewConfigStore(conn), Inventory: inv, Policy: policy}),
	}
	ctx := context.Background()
	f.class, err = inv.CreateUnitClass(ctx, f.tenant, inventorydomain.CreateUnitClassRequest{Name: "Lakeside"})
	require.NoError(t, err)
	f.other, err = inv.CreateUnitClass(ctx, f.tenant, inventorydomain.CreateUnitClassRequest{Name: "Meadow"})
	require.NoError(t, err)
	f.unit, err = inv.CreateUnit(ctx, f.tenant, inventorydomain.CreateUnitRequest{ClassID: f.class.ID.String(), Code: "L1", MaxOccupancy: 4})
	require.NoError(t, err)
	f.sibling, err = inv.CreateUnit(ctx, f.tenant, inventorydomain.CreateUnitRequest{ClassID: f.class.ID.String(), Code: "L2", MaxOccupancy: 4})
	require.NoError(t, err)
	f.seed(t)
	return f
}

func (f *fixture) create(t *testing.T, rows ...any) {
	t.Helper()
	for _, row := range rows {
		require.NoError(t, f.db.Create(row).Error)
	}
}

func (f *fixture) seed(t *testing.T) {
	published := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	summerStart, summerEnd := day("2025-07-01"), day("2025-09-01")
	plan := &domain.RatePlan{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, ClassID: f.class.ID, Code: "BAR", Name: "Best available", Currency: "USD", BaseRate: 5000, IsDefault: true}
	meadowPlan := &domain.RatePlan{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, ClassID: f.other.ID, Code: "BAR", Name: "Best available", Currency: "USD", BaseRate: 4000, IsDefault: true}
	lowSeason := &domain.SeasonalRate{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, RatePlanID: plan.ID, Name: "Summer", StartDate: day("2025-07-04"), EndDate: day("2025-07-06"), NightlyRate: 7000, Priority: 1}

	f.create(t,
		&domain.RateConfigVersion{ID: f.node.Generate(), TenantID: f.tenant, Kind: domain.ConfigKindRate, Version: 1, PublishedAt: &published},
		&domain.RateConfigVersion{ID: f.node.Generate(), TenantID: f.tenant, Kind: domain.ConfigKindRate, Version: 2},
		&domain.RateConfigVersion{ID: f.node.Generate(), TenantID: f.tenant, Kind: domain.ConfigKindTax, Version: 3, PublishedAt: &published},
		plan,
		meadowPlan,
		&domain.RatePlan{ID: f.node.Generate(), TenantID: f.tenant, Version: 2, ClassID: f.class.ID, Code: "BAR", Name: "Draft", Currency: "USD", BaseRate: 1, IsDefault: true},
		lowSeason,
		&domain.SeasonalRate{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, RatePlanID: plan.ID, Name: "Summer duplicate", StartDate: day("2025-07-04"), EndDate: day("2025-07-06"), NightlyRate: 9000, Priority: 1},
		&domain.SeasonalRate{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, RatePlanID: plan.ID, Name: "Fireworks", StartDate: day("2025-07-05"), EndDate: day("2025-07-06"), NightlyRate: 8000, Priority: 2},
		&domain.RateOverride{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, ClassID: f.class.ID, Date: day("2025-07-06"), NightlyRate: 6000},
		&domain.RateOverride{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, ClassID: f.class.ID, UnitID: f.unit.ID, Date: day("2025-07-06"), NightlyRate: 6500},
		&domain.RateOverride{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, ClassID: f.class.ID, Date: day("2025-07-07"), NightlyRate: 6100},
		&domain.Promotion{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, Code: "AUTO10", Automatic: true, DiscountType: domain.DiscountPercent, PercentOff: decimal.RequireFromString("0.1"), StartsOn: &summerStart, EndsOn: &summerEnd},
		&domain.Promotion{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, Code: "SUMMER", DiscountType: domain.DiscountFixed, AmountOff: 3260, Priority: 5},
		&domain.Promotion{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, Code: "WEEK", DiscountType: domain.DiscountFixed, AmountOff: 9999, MinNights: 7},
		&domain.DepositPolicy{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, ClassID: f.class.ID, MinimumFlat: 10000, Percentage: decimal.RequireFromString("0.25")},
		&domain.DepositPolicy{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, MinimumFlat: 0, Percentage: decimal.RequireFromString("0.5")},
		&domain.TaxRule{ID: f.node.Generate(), TenantID: f.tenant, Version: 3, Code: "LODGE", Name: "Lodging", Rate: decimal.RequireFromString("0.1"), Mode: domain.TaxModeExclusive, Scope: domain.TaxScopeLodging},
		&domain.TaxRule{ID: f.node.Generate(), TenantID: f.tenant, Version: 3, Code: "CITY", Name: "City", Rate: decimal.RequireFromString("0.05"), Mode: domain.TaxModeExclusive, Scope: domain.TaxScopeLodging, LongStayExemptNights: 5},
		&domain.TaxRule{ID: f.node.Generate(), TenantID: f.tenant, Version: 3, Code: "VAT", Name: "VAT", Rate: decimal.RequireFromString("0.07"), Mode: domain.TaxModeInclusive, Scope: domain.TaxScopeAll},
		&domain.TaxRule{ID: f.node.Generate(), TenantID: f.tenant, Version: 3, Code: "SALES", Name: "Sales", Rate: decimal.RequireFromString("0.1"), Mode: domain.TaxModeExclusive, Scope: domain.TaxScopeRetail},
		&domain.CatalogItem{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, SKU: "COFFEE", Name: "Coffee", Currency: "USD", UnitPrice: 350, Taxable: true},
		&domain.CatalogItem{ID: f.node.Generate(), TenantID: f.tenant, Version: 1, SKU: "GIFT", Name: "Gift card load", Currency: "USD", UnitPrice: 5000, Taxable: false},
	)
}

func (f *fixture) quote(t *testing.T, mutate func(*domain.QuoteRequest)) (domain.Quote, error) {
	t.Helper()
	req := domain.QuoteRequest{
		TenantID: f.tenant,
		UnitID:   f.unit.ID,
		Range:    inventorydomain.MustDateRange("2025-07-03", "2025-07-08"),
	}
	if mutate != nil {
		mutate(&req)
	}
	return f.svc.Quote(context.Background(), req)
}

func TestQuoteNightlyRatePrecedence(t *testing.T) {
	f := newFixture(t)
	q, err := f.quote(t, nil)
	require.NoError(t, err)

	require.Len(t, q.LineItems, 5)
	want := []struct {
		amount int64
		source domain.RateSource
	}{
		{5000, domain.RateSourceBase},
		{7000, domain.RateSourceSeason},
		{8000, domain.RateSourceSeason},
		{6500, domain.RateSourceUnitOverride},
		{6100, domain.RateSourceClassOverride},
	}
	for i, w := range want {
		assert.Equal(t, w.amount, q.LineItems[i].Amount, q.LineItems[i].Date)
		assert.Equal(t, w.source, q.LineItems[i].Source, q.LineItems[i].Date)
	}
	assert.Equal(t, int64(32600), q.Subtotal)
	assert.Equal(t, "USD", q.Currency)
	assert.Equal(t, 1, q.RateVersion, "unpublished versions are ignored")
	assert.Equal(t, 3, q.TaxVersion)
}

func TestQuoteForSiblingUsesClassOverride(t *testing.T) {
	f := newFixture(t)
	q, err := f.quote(t, func(r *domain.QuoteRequest) { r.UnitID = f.sibling.ID })
	require.NoError(t, err)
	assert.Equal(t, int64(6000), q.LineItems[3].Amount)
	assert.Equal(t, domain.RateSourceClassOverride, q.LineItems[3].Source)
}

func TestQuoteIsDeterministic(t *testing.T) {
	f := newFixture(t)
	a, err := f.quote(t, func(r *domain.QuoteRequest) { r.PromoCode = "summer" })
	require.NoError(t, err)
	b, err := f.quote(t, func(r *domain.QuoteRequest) { r.PromoCode = "summer" })
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestQuotePromotionTieBreak(t *testing.T) {
	f := newFixture(t)

	q, err := f.quote(t, nil)
	require.NoError(t, err)
	assert.Equal(t, "AUTO10", q.PromotionCode)
	assert.Equal(t, int64(3260), q.Discount)

	// SUMMER ties AUTO10 on discount and wins on priority.
	q, err = f.quote(t, func(r *domain.QuoteRequest) { r.PromoCode = "summer" })
	require.NoError(t, err)
	assert.Equal(t, "SUMMER", q.PromotionCode)
	assert.Equal(t, int64(3260), q.Discount)

	_, err = f.quote(t, func(r *domain.QuoteRequest) { r.PromoCode = "NOPE" })
	assert.True(t, errors.Is(err, apperror.ErrValidation))
	assert.True(t, errors.Is(err, domain.ErrInvalidPromoCode))

	_, err = f.quote(t, func(r *domain.QuoteRequest) { r.PromoCode = "WEEK" })
	assert.True(t, errors.Is(err, domain.ErrInvalidPromoCode), "too short for the minimum nights")
}

func TestQuoteTaxesAndDeposit(t *testing.T) {
	f := newFixture(t)
	q, err := f.quote(t, nil)
	require.NoError(t, err)

	// 32600 - 3260 = 29340 taxable; CITY is exempt on a five night stay.
	require.Len(t, q.Taxes, 3)
	assert.Equal(t, domain.TaxLine{Code: "CITY", Exempt: true}, q.Taxes[0])
	assert.Equal(t, domain.TaxLine{Code: "LODGE", Amount: 2934}, q.Taxes[1])
	assert.Equal(t, domain.TaxLine{Code: "VAT", Amount: 1919, Inclusive: true}, q.Taxes[2])
	assert.Equal(t, int64(2934), q.Tax)
	assert.Equal(t, int64(32274), q.Total)
	// ceil(32274 * 0.25) = 8069 is below the class minimum.
	assert.Equal(t, int64(10000), q.RequiredDeposit)

	q, err = f.quote(t, func(r *domain.QuoteRequest) {
		r.TaxExemptCodes = []string{"lodge"}
		r.Range = inventorydomain.MustDateRange("2025-07-03", "2025-07-04")
	})
	require.NoError(t, err)
	// 5000 - 500 promo = 4500; CITY applies on a one night stay.
	assert.Equal(t, int64(225), q.Tax)
	assert.True(t, q.Taxes[1].Exempt)
	assert.Equal(t, int64(4725), q.Total)
}

func TestQuoteDepositFallsBackToTenantDefault(t *testing.T) {
	f := newFixture(t)
	q, err := f.quote(t, func(r *domain.QuoteRequest) {
		r.UnitID = 0
		r.ClassID = f.other.ID
		r.Range = inventorydomain.MustDateRange("2025-06-10", "2025-06-11")
	})
	require.NoError(t, err)
	// 4000 base, 10% lodging, CITY 5%: 4600 total, half of it as deposit.
	assert.Equal(t, int64(4600), q.Total)
	assert.Equal(t, int64(2300), q.RequiredDeposit)
}

func TestQuoteRequiresTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.quote(t, func(r *domain.QuoteRequest) { r.UnitID = 0 })
	assert.True(t, errors.Is(err, domain.ErrInvalidTarget))

	_, err = f.quote(t, func(r *domain.QuoteRequest) { r.ClassID = f.other.ID })
	assert.True(t, errors.Is(err, domain.ErrInvalidTarget), "unit is not in the requested class")

	_, err = f.quote(t, func(r *domain.QuoteRequest) { r.RatePlanCode = "NET" })
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestDepositFormula(t *testing.T) {
	pct := decimal.RequireFromString("0.1")
	assert.Equal(t, int64(101), Deposit(1001, 0, pct))
	assert.Equal(t, int64(500), Deposit(100, 500, pct), "a flat minimum above the total still applies")
	assert.Equal(t, int64(0), Deposit(0, 0, decimal.Zero))
}

func TestPriceOrder(t *testing.T) {
	f := newFixture(t)
	totals, err := f.svc.PriceOrder(context.Background(), f.tenant, []domain.OrderLine{
		{SKU: "COFFEE", Quantity: 2},
		{SKU: "GIFT", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTotals{Subtotal: 5700, Tax: 70, Total: 5770, Currency: "USD", RateVersion: 1, TaxVersion: 3}, totals)

	_, err = f.svc.PriceOrder(context.Background(), f.tenant, []domain.OrderLine{{SKU: "BEER", Quantity: 1}})
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	_, err = f.svc.PriceOrder(context.Background(), f.tenant, []domain.OrderLine{{SKU: "COFFEE", Quantity: 0}})
	assert.True(t, errors.Is(err, domain.ErrInvalidQuantity))
}
