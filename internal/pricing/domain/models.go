package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type ConfigKind string

const (
	ConfigKindRate ConfigKind = "rate"
	ConfigKindTax  ConfigKind = "tax"
)

// RateConfigVersion stamps a published set of reference rows. Rate-versioned
// tables cover plans, seasons, overrides, promotions, deposit policies and
// the POS catalog; tax rules carry their own version line.
type RateConfigVersion struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;uniqueIndex:ux_rate_config_versions,priority:1"`
	Kind        ConfigKind   `gorm:"type:varchar(8);not null;uniqueIndex:ux_rate_config_versions,priority:2"`
	Version     int          `gorm:"not null;uniqueIndex:ux_rate_config_versions,priority:3"`
	PublishedAt *time.Time
	CreatedAt   time.Time `gorm:"not null"`
}

func (RateConfigVersion) TableName() string { return "rate_config_versions" }

type RatePlan struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"not null;index:idx_rate_plans_lookup,priority:1"`
	Version   int          `gorm:"not null;index:idx_rate_plans_lookup,priority:2"`
	ClassID   snowflake.ID `gorm:"not null;index:idx_rate_plans_lookup,priority:3"`
	Code      string       `gorm:"not null"`
	Name      string       `gorm:"not null"`
	Currency  string       `gorm:"type:char(3);not null"`
	BaseRate  int64        `gorm:"not null"`
	IsDefault bool         `gorm:"not null;default:false"`
}

func (RatePlan) TableName() string { return "rate_plans" }

// SeasonalRate replaces the plan base rate for nights in [StartDate, EndDate).
type SeasonalRate struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;index:idx_seasonal_rates_plan,priority:1"`
	Version     int          `gorm:"not null;index:idx_seasonal_rates_plan,priority:2"`
	RatePlanID  snowflake.ID `gorm:"not null;index:idx_seasonal_rates_plan,priority:3"`
	Name        string       `gorm:"not null"`
	StartDate   time.Time    `gorm:"not null"`
	EndDate     time.Time    `gorm:"not null"`
	NightlyRate int64        `gorm:"not null"`
	Priority    int          `gorm:"not null;default:0"`
}

func (SeasonalRate) TableName() string { return "seasonal_rates" }

func (s SeasonalRate) Covers(d time.Time) bool {
	return !d.Before(s.StartDate) && d.Before(s.EndDate)
}

// RateOverride pins the nightly rate of one date. UnitID zero applies to the
// whole class.
type RateOverride struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;index:idx_rate_overrides_class_date,priority:1"`
	Version     int          `gorm:"not null;index:idx_rate_overrides_class_date,priority:2"`
	ClassID     snowflake.ID `gorm:"not null;index:idx_rate_overrides_class_date,priority:3"`
	UnitID      snowflake.ID `gorm:"not null;default:0"`
	Date        time.Time    `gorm:"not null;index:idx_rate_overrides_class_date,priority:4"`
	NightlyRate int64        `gorm:"not null"`
}

func (RateOverride) TableName() string { return "rate_overrides" }

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// Promotion is eligible for a stay that starts on or after StartsOn, checks
// out on or before EndsOn and lasts at least MinNights. Automatic promotions
// need no code.
type Promotion struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	TenantID     snowflake.ID    `gorm:"not null;index:idx_promotions_version,priority:1"`
	Version      int             `gorm:"not null;index:idx_promotions_version,priority:2"`
	Code         string          `gorm:"not null"`
	Automatic    bool            `gorm:"not null;default:false"`
	ClassID      snowflake.ID    `gorm:"not null;default:0"`
	DiscountType DiscountType    `gorm:"type:varchar(16);not null"`
	PercentOff   decimal.Decimal `gorm:"type:numeric(6,4);not null;default:0"`
	AmountOff    int64           `gorm:"not null;default:0"`
	MinNights    int             `gorm:"not null;default:0"`
	StartsOn     *time.Time
	EndsOn       *time.Time
	Priority     int `gorm:"not null;default:0"`
}

func (Promotion) TableName() string { return "promotions" }

// DepositPolicy with ClassID zero is the tenant default. Percentage is a
// fraction of the stay total.
type DepositPolicy struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	TenantID    snowflake.ID    `gorm:"not null;index:idx_deposit_policies_class,priority:1"`
	Version     int             `gorm:"not null;index:idx_deposit_policies_class,priority:2"`
	ClassID     snowflake.ID    `gorm:"not null;default:0;index:idx_deposit_policies_class,priority:3"`
	MinimumFlat int64           `gorm:"not null;default:0"`
	Percentage  decimal.Decimal `gorm:"type:numeric(6,4);not null;default:0"`
}

func (DepositPolicy) TableName() string { return "deposit_policies" }

type TaxMode string

const (
	TaxModeExclusive TaxMode = "exclusive"
	TaxModeInclusive TaxMode = "inclusive"
)

type TaxScope string

const (
	TaxScopeAll     TaxScope = "all"
	TaxScopeLodging TaxScope = "lodging"
	TaxScopeRetail  TaxScope = "retail"
)

type TaxRule struct {
	ID                   snowflake.ID    `gorm:"primaryKey"`
	TenantID             snowflake.ID    `gorm:"not null;index:idx_tax_rules_version,priority:1"`
	Version              int             `gorm:"not null;index:idx_tax_rules_version,priority:2"`
	Code                 string          `gorm:"not null"`
	Name                 string          `gorm:"not null"`
	Rate                 decimal.Decimal `gorm:"type:numeric(6,4);not null"`
	Mode                 TaxMode         `gorm:"type:varchar(16);not null"`
	Scope                TaxScope        `gorm:"type:varchar(16);not null;default:all"`
	LongStayExemptNights int             `gorm:"not null;default:0"`
}

func (TaxRule) TableName() string { return "tax_rules" }

func (r TaxRule) AppliesTo(scope TaxScope) bool {
	return r.Scope == TaxScopeAll || r.Scope == scope
}

type CatalogItem struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"not null;index:idx_catalog_items_sku,priority:1"`
	Version   int          `gorm:"not null;index:idx_catalog_items_sku,priority:2"`
	SKU       string       `gorm:"not null;index:idx_catalog_items_sku,priority:3"`
	Name      string       `gorm:"not null"`
	Currency  string       `gorm:"type:char(3);not null"`
	UnitPrice int64        `gorm:"not null"`
	Taxable   bool         `gorm:"not null;default:true"`
}

func (CatalogItem) TableName() string { return "catalog_items" }
