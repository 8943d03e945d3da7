package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/pkg/db/pagination"
	"gorm.io/gorm"
)

// Repository reads units and claims. The claim write primitives take the
// caller's transaction; the Availability Engine is their only user.
type Repository interface {
	InsertUnit(ctx context.Context, db *gorm.DB, unit *BookableUnit) error
	FindUnit(ctx context.Context, db *gorm.DB, tenantID, unitID snowflake.ID) (*BookableUnit, error)
	ListUnits(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter UnitFilter, page pagination.Pagination) ([]*BookableUnit, error)
	SetUnitActive(ctx context.Context, db *gorm.DB, tenantID, unitID snowflake.ID, active bool, now time.Time) error

	// LockUnit takes the row lock that serializes claim writes on a unit.
	LockUnit(ctx context.Context, tx *gorm.DB, tenantID, unitID snowflake.ID) (*BookableUnit, error)
	ActiveClaims(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, unitIDs []snowflake.ID, window DateRange, now time.Time) ([]DateRangeClaim, error)
	FindOverlapping(ctx context.Context, tx *gorm.DB, tenantID, unitID snowflake.ID, r DateRange, kinds []ClaimKind, now time.Time, excludeID snowflake.ID) ([]DateRangeClaim, error)
	FindClaim(ctx context.Context, db *gorm.DB, tenantID, claimID snowflake.ID, forUpdate bool) (*DateRangeClaim, error)
	InsertClaim(ctx context.Context, tx *gorm.DB, claim *DateRangeClaim) error
	UpdateClaim(ctx context.Context, tx *gorm.DB, claim *DateRangeClaim) error
	// LockExpiredHolds claims up to limit lapsed holds across tenants, skipping
	// rows another sweeper already holds.
	LockExpiredHolds(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]DateRangeClaim, error)
}

type UnitFilter struct {
	ClassID snowflake.ID
	Active  *bool
}
