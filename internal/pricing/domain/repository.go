package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ConfigStore reads versioned reference data. Pricing never writes it.
type ConfigStore interface {
	// LatestVersion returns the highest published version, or zero.
	LatestVersion(ctx context.Context, tenantID snowflake.ID, kind ConfigKind) (int, error)
	RatePlan(ctx context.Context, tenantID snowflake.ID, version int, classID snowflake.ID, code string) (*RatePlan, error)
	SeasonalRates(ctx context.Context, tenantID snowflake.ID, version int, planID snowflake.ID, start, end time.Time) ([]SeasonalRate, error)
	Overrides(ctx context.Context, tenantID snowflake.ID, version int, classID, unitID snowflake.ID, start, end time.Time) ([]RateOverride, error)
	Promotions(ctx context.Context, tenantID snowflake.ID, version int, code string) ([]Promotion, error)
	// DepositPolicies returns the class policy and the tenant default, either
	// of which may be nil.
	DepositPolicies(ctx context.Context, tenantID snowflake.ID, version int, classID snowflake.ID) (classPolicy, tenantDefault *DepositPolicy, err error)
	TaxRules(ctx context.Context, tenantID snowflake.ID, version int) ([]TaxRule, error)
	CatalogItems(ctx context.Context, tenantID snowflake.ID, version int, skus []string) ([]CatalogItem, error)
}
