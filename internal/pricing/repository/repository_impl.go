package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/pricing/domain"
	"gorm.io/gorm"
)

type store struct {
	db *gorm.DB
}

func NewConfigStore(db *gorm.DB) domain.ConfigStore {
	return &store{db: db}
}

func (s *store) LatestVersion(ctx context.Context, tenantID snowflake.ID, kind domain.ConfigKind) (int, error) {
	var version sql.NullInt64
	err := s.db.WithContext(ctx).
		Model(&domain.RateConfigVersion{}).
		Select("MAX(version)").
		Where("tenant_id = ? AND kind = ? AND published_at IS NOT NULL", tenantID, kind).
		Row().
		Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (s *store) RatePlan(ctx context.Context, tenantID snowflake.ID, version int, classID snowflake.ID, code string) (*domain.RatePlan, error) {
	var plan domain.RatePlan
	stmt := s.db.WithContext(ctx).
		Where("tenant_id = ? AND version = ? AND class_id = ?", tenantID, version, classID)
	if code = strings.TrimSpace(code); code != "" {
		stmt = stmt.Where("code = ?", code)
	} else {
		stmt = stmt.Where("is_default = ?", true)
	}
	err := stmt.Order("id asc").Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *store) SeasonalRates(ctx context.Context, tenantID snowflake.ID, version int, planID snowflake.ID, start, end time.Time) ([]domain.SeasonalRate, error) {
	var rates []domain.SeasonalRate
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND version = ? AND rate_plan_id = ?", tenantID, version, planID).
		Where("start_date < ? AND end_date > ?", end, start).
		Order("priority desc, id asc").
		Find(&rates).Error
	return rates, err
}

func (s *store) Overrides(ctx context.Context, tenantID snowflake.ID, version int, classID, unitID snowflake.ID, start, end time.Time) ([]domain.RateOverride, error) {
	var overrides []domain.RateOverride
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND version = ? AND class_id = ?", tenantID, version, classID).
		Where("(unit_id = 0 OR unit_id = ?)", unitID).
		Where("date >= ? AND date < ?", start, end).
		Order("date asc, id asc").
		Find(&overrides).Error
	return overrides, err
}

func (s *store) Promotions(ctx context.Context, tenantID snowflake.ID, version int, code string) ([]domain.Promotion, error) {
	var promos []domain.Promotion
	stmt := s.db.WithContext(ctx).
		Where("tenant_id = ? AND version = ?", tenantID, version)
	if code = strings.TrimSpace(code); code != "" {
		stmt = stmt.Where("(automatic = ? OR UPPER(code) = ?)", true, strings.ToUpper(code))
	} else {
		stmt = stmt.Where("automatic = ?", true)
	}
	err := stmt.Order("id asc").Find(&promos).Error
	return promos, err
}

func (s *store) DepositPolicies(ctx context.Context, tenantID snowflake.ID, version int, classID snowflake.ID) (*domain.DepositPolicy, *domain.DepositPolicy, error) {
	var policies []domain.DepositPolicy
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND version = ? AND class_id IN ?", tenantID, version, []snowflake.ID{0, classID}).
		Order("id asc").
		Find(&policies).Error
	if err != nil {
		return nil, nil, err
	}
	var classPolicy, tenantDefault *domain.DepositPolicy
	for i := range policies {
		p := &policies[i]
		switch {
		case p.ClassID == classID && classID != 0 && classPolicy == nil:
			classPolicy = p
		case p.ClassID == 0 && tenantDefault == nil:
			tenantDefault = p
		}
	}
	return classPolicy, tenantDefault, nil
}

func (s *store) TaxRules(ctx context.Context, tenantID snowflake.ID, version int) ([]domain.TaxRule, error) {
	var rules []domain.TaxRule
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND version = ?", tenantID, version).
		Order("code asc, id asc").
		Find(&rules).Error
	return rules, err
}

func (s *store) CatalogItems(ctx context.Context, tenantID snowflake.ID, version int, skus []string) ([]domain.CatalogItem, error) {
	if len(skus) == 0 {
		return nil, nil
	}
	var items []domain.CatalogItem
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND version = ? AND sku IN ?", tenantID, version, skus).
		Order("sku asc, id asc").
		Find(&items).Error
	return items, err
}
