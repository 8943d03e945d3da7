package service

import (
	"context"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/config"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	"github.com/smallbiznis/keepr/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Store     domain.ConfigStore
	Inventory inventorydomain.Service
	Policy    *config.PolicyHolder
}

type Service struct {
	log       *zap.Logger
	store     domain.ConfigStore
	inventory inventorydomain.Service
	policy    *config.PolicyHolder
}

func New(p Params) domain.Service {
	return &Service{
		log:       p.Log.Named("pricing.service"),
		store:     p.Store,
		inventory: p.Inventory,
		policy:    p.Policy,
	}
}

func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	if req.TenantID == 0 {
		return domain.Quote{}, apperror.FromSentinel(inventorydomain.ErrInvalidTenant)
	}
	if !req.Range.End.After(req.Range.Start) {
		return domain.Quote{}, apperror.FromSentinel(inventorydomain.ErrInvalidRange)
	}
	classID, unitID, err := s.resolveTarget(ctx, req)
	if err != nil {
		return domain.Quote{}, err
	}

	rateVersion, err := s.store.LatestVersion(ctx, req.TenantID, domain.ConfigKindRate)
	if err != nil {
		return domain.Quote{}, err
	}
	if rateVersion == 0 {
		return domain.Quote{}, apperror.NotFound("rate_config", req.TenantID.String())
	}
	taxVersion, err := s.store.LatestVersion(ctx, req.TenantID, domain.ConfigKindTax)
	if err != nil {
		return domain.Quote{}, err
	}

	plan, err := s.store.RatePlan(ctx, req.TenantID, rateVersion, classID, req.RatePlanCode)
	if err != nil {
		return domain.Quote{}, err
	}
	if plan == nil {
		id := strings.TrimSpace(req.RatePlanCode)
		if id == "" {
			id = "default"
		}
		return domain.Quote{}, apperror.NotFound("rate_plan", id)
	}

	lines, err := s.nightlyRates(ctx, req, rateVersion, plan, classID, unitID)
	if err != nil {
		return domain.Quote{}, err
	}
	var subtotal int64
	for _, l := range lines {
		subtotal += l.Amount
	}

	promo, discount, err := s.bestPromotion(ctx, req, rateVersion, classID, subtotal)
	if err != nil {
		return domain.Quote{}, err
	}

	var rules []domain.TaxRule
	if taxVersion > 0 {
		if rules, err = s.store.TaxRules(ctx, req.TenantID, taxVersion); err != nil {
			return domain.Quote{}, err
		}
	}
	taxes, tax := applyTaxes(rules, domain.TaxScopeLodging, subtotal-discount, req.Range.Nights(), req.TaxExemptCodes)

	total := subtotal - discount + tax
	deposit, err := s.requiredDeposit(ctx, req.TenantID, rateVersion, classID, total)
	if err != nil {
		return domain.Quote{}, err
	}

	quote := domain.Quote{
		LineItems:       lines,
		Taxes:           taxes,
		Subtotal:        subtotal,
		Discount:        discount,
		Tax:             tax,
		Total:           total,
		Currency:        plan.Currency,
		RequiredDeposit: deposit,
		RatePlanCode:    plan.Code,
		RateVersion:     rateVersion,
		TaxVersion:      taxVersion,
	}
	if promo != nil {
		quote.PromotionCode = promo.Code
	}
	return quote, nil
}

func (s *Service) resolveTarget(ctx context.Context, req domain.QuoteRequest) (snowflake.ID, snowflake.ID, error) {
	switch {
	case req.UnitID != 0:
		unit, err := s.inventory.GetUnit(ctx, req.TenantID, req.UnitID)
		if err != nil {
			return 0, 0, err
		}
		if req.ClassID != 0 && req.ClassID != unit.ClassID {
			return 0, 0, apperror.FromSentinel(domain.ErrInvalidTarget)
		}
		return unit.ClassID, unit.ID, nil
	case req.ClassID != 0:
		if _, err := s.inventory.GetUnitClass(ctx, req.TenantID, req.ClassID); err != nil {
			return 0, 0, err
		}
		return req.ClassID, 0, nil
	default:
		return 0, 0, apperror.FromSentinel(domain.ErrInvalidTarget)
	}
}

// nightlyRates prices each night: unit override, then class override, then
// the highest priority season, then the plan base rate.
func (s *Service) nightlyRates(ctx context.Context, req domain.QuoteRequest, version int, plan *domain.RatePlan, classID, unitID snowflake.ID) ([]domain.LineItem, error) {
	seasons, err := s.store.SeasonalRates(ctx, req.TenantID, version, plan.ID, req.Range.Start, req.Range.End)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(seasons, func(i, j int) bool {
		if seasons[i].Priority != seasons[j].Priority {
			return seasons[i].Priority > seasons[j].Priority
		}
		return seasons[i].ID < seasons[j].ID
	})

	overrides, err := s.store.Overrides(ctx, req.TenantID, version, classID, unitID, req.Range.Start, req.Range.End)
	if err != nil {
		return nil, err
	}
	unitOverride := map[string]domain.RateOverride{}
	classOverride := map[string]domain.RateOverride{}
	for _, o := range overrides {
		key := inventorydomain.Day(o.Date).Format(inventorydomain.DateLayout)
		target := classOverride
		if o.UnitID != 0 {
			if o.UnitID != unitID {
				continue
			}
			target = unitOverride
		}
		if _, ok := target[key]; !ok {
			target[key] = o
		}
	}

	dates := req.Range.Dates()
	lines := make([]domain.LineItem, 0, len(dates))
	for _, d := range dates {
		key := d.Format(inventorydomain.DateLayout)
		line := domain.LineItem{Date: key, Amount: plan.BaseRate, Source: domain.RateSourceBase, Label: plan.Name}
		if o, ok := unitOverride[key]; ok {
			line.Amount, line.Source, line.Label = o.NightlyRate, domain.RateSourceUnitOverride, "unit override"
		} else if o, ok := classOverride[key]; ok {
			line.Amount, line.Source, line.Label = o.NightlyRate, domain.RateSourceClassOverride, "class override"
		} else {
			for _, season := range seasons {
				if season.Covers(d) {
					line.Amount, line.Source, line.Label = season.NightlyRate, domain.RateSourceSeason, season.Name
					break
				}
			}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// bestPromotion applies at most one promotion: the largest discount, then
// the higher priority, then the lowest id.
func (s *Service) bestPromotion(ctx context.Context, req domain.QuoteRequest, version int, classID snowflake.ID, subtotal int64) (*domain.Promotion, int64, error) {
	code := strings.ToUpper(strings.TrimSpace(req.PromoCode))
	promos, err := s.store.Promotions(ctx, req.TenantID, version, code)
	if err != nil {
		return nil, 0, err
	}

	var best *domain.Promotion
	var bestDiscount int64
	codeEligible := false
	for i := range promos {
		p := &promos[i]
		if !eligible(*p, req.Range, classID) {
			continue
		}
		if code != "" && strings.EqualFold(p.Code, code) {
			codeEligible = true
		}
		d := discountOf(*p, subtotal)
		if best == nil || d > bestDiscount ||
			(d == bestDiscount && (p.Priority > best.Priority || (p.Priority == best.Priority && p.ID < best.ID))) {
			best, bestDiscount = p, d
		}
	}
	if code != "" && !codeEligible {
		return nil, 0, apperror.FromSentinel(domain.ErrInvalidPromoCode)
	}
	if best == nil || bestDiscount == 0 {
		return nil, 0, nil
	}
	return best, bestDiscount, nil
}

func eligible(p domain.Promotion, r inventorydomain.DateRange, classID snowflake.ID) bool {
	if p.ClassID != 0 && p.ClassID != classID {
		return false
	}
	if p.MinNights > 0 && r.Nights() < p.MinNights {
		return false
	}
	if p.StartsOn != nil && r.Start.Before(inventorydomain.Day(*p.StartsOn)) {
		return false
	}
	if p.EndsOn != nil && r.End.After(inventorydomain.Day(*p.EndsOn)) {
		return false
	}
	return true
}

func discountOf(p domain.Promotion, subtotal int64) int64 {
	var d int64
	switch p.DiscountType {
	case domain.DiscountPercent:
		d = roundHalfUp(decimal.NewFromInt(subtotal).Mul(p.PercentOff))
	case domain.DiscountFixed:
		d = p.AmountOff
	}
	if d < 0 {
		return 0
	}
	if d > subtotal {
		return subtotal
	}
	return d
}

// applyTaxes returns one line per rule, in code order. Exclusive rules add
// to the total; inclusive rules only report the embedded share.
func applyTaxes(rules []domain.TaxRule, scope domain.TaxScope, base int64, nights int, exemptCodes []string) ([]domain.TaxLine, int64) {
	exempt := make(map[string]struct{}, len(exemptCodes))
	for _, c := range exemptCodes {
		exempt[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	lines := make([]domain.TaxLine, 0, len(rules))
	var added int64
	for _, rule := range rules {
		if !rule.AppliesTo(scope) {
			continue
		}
		line := domain.TaxLine{Code: rule.Code, Inclusive: rule.Mode == domain.TaxModeInclusive}
		_, byCode := exempt[strings.ToUpper(rule.Code)]
		longStay := rule.LongStayExemptNights > 0 && nights >= rule.LongStayExemptNights
		if byCode || longStay || base <= 0 {
			line.Exempt = byCode || longStay
			lines = append(lines, line)
			continue
		}

		amount := decimal.NewFromInt(base)
		if line.Inclusive {
			line.Amount = roundHalfUp(amount.Mul(rule.Rate).Div(decimal.NewFromInt(1).Add(rule.Rate)))
		} else {
			line.Amount = roundHalfUp(amount.Mul(rule.Rate))
			added += line.Amount
		}
		lines = append(lines, line)
	}
	return lines, added
}

// requiredDeposit is max(minimumFlat, ceil(total * percentage)). The class
// policy wins over the tenant default, which wins over the configured
// defaults.
func (s *Service) requiredDeposit(ctx context.Context, tenantID snowflake.ID, version int, classID snowflake.ID, total int64) (int64, error) {
	classPolicy, tenantDefault, err := s.store.DepositPolicies(ctx, tenantID, version, classID)
	if err != nil {
		return 0, err
	}
	var minimum int64
	var pct decimal.Decimal
	switch {
	case classPolicy != nil:
		minimum, pct = classPolicy.MinimumFlat, classPolicy.Percentage
	case tenantDefault != nil:
		minimum, pct = tenantDefault.MinimumFlat, tenantDefault.Percentage
	default:
		d := s.policy.Get().Deposit
		minimum, pct = d.MinimumFlat, d.PercentageDecimal()
	}
	return Deposit(total, minimum, pct), nil
}

// Deposit applies the deposit formula as written: a flat minimum above the
// stay total is still charged in full.
func Deposit(total, minimumFlat int64, percentage decimal.Decimal) int64 {
	byPct := decimal.NewFromInt(total).Mul(percentage).Ceil().IntPart()
	if byPct > minimumFlat {
		return byPct
	}
	return minimumFlat
}

func (s *Service) PriceOrder(ctx context.Context, tenantID snowflake.ID, lines []domain.OrderLine) (domain.OrderTotals, error) {
	if tenantID == 0 {
		return domain.OrderTotals{}, apperror.FromSentinel(inventorydomain.ErrInvalidTenant)
	}
	if len(lines) == 0 {
		return domain.OrderTotals{}, apperror.FromSentinel(domain.ErrInvalidLines)
	}
	skus := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return domain.OrderTotals{}, apperror.FromSentinel(domain.ErrInvalidQuantity)
		}
		skus = append(skus, strings.TrimSpace(l.SKU))
	}

	rateVersion, err := s.store.LatestVersion(ctx, tenantID, domain.ConfigKindRate)
	if err != nil {
		return domain.OrderTotals{}, err
	}
	if rateVersion == 0 {
		return domain.OrderTotals{}, apperror.NotFound("rate_config", tenantID.String())
	}
	taxVersion, err := s.store.LatestVersion(ctx, tenantID, domain.ConfigKindTax)
	if err != nil {
		return domain.OrderTotals{}, err
	}

	items, err := s.store.CatalogItems(ctx, tenantID, rateVersion, skus)
	if err != nil {
		return domain.OrderTotals{}, err
	}
	bySKU := make(map[string]domain.CatalogItem, len(items))
	for _, it := range items {
		if _, ok := bySKU[it.SKU]; !ok {
			bySKU[it.SKU] = it
		}
	}

	var rules []domain.TaxRule
	if taxVersion > 0 {
		if rules, err = s.store.TaxRules(ctx, tenantID, taxVersion); err != nil {
			return domain.OrderTotals{}, err
		}
	}

	totals := domain.OrderTotals{RateVersion: rateVersion, TaxVersion: taxVersion}
	var taxableBase int64
	for _, l := range lines {
		item, ok := bySKU[strings.TrimSpace(l.SKU)]
		if !ok {
			return domain.OrderTotals{}, apperror.Invalid("sku", "unknown sku "+l.SKU)
		}
		if totals.Currency == "" {
			totals.Currency = item.Currency
		} else if totals.Currency != item.Currency {
			return domain.OrderTotals{}, apperror.FromSentinel(domain.ErrMixedCurrency)
		}
		amount := item.UnitPrice * l.Quantity
		totals.Subtotal += amount
		if item.Taxable {
			taxableBase += amount
		}
	}
	_, totals.Tax = applyTaxes(rules, domain.TaxScopeRetail, taxableBase, 0, nil)
	totals.Total = totals.Subtotal + totals.Tax
	return totals, nil
}

func roundHalfUp(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
