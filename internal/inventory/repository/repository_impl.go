package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/inventory/domain"
	"github.com/smallbiznis/keepr/pkg/db/option"
	"github.com/smallbiznis/keepr/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertUnit(ctx context.Context, db *gorm.DB, unit *domain.BookableUnit) error {
	return db.WithContext(ctx).Create(unit).Error
}

func (r *repo) FindUnit(ctx context.Context, db *gorm.DB, tenantID, unitID snowflake.ID) (*domain.BookableUnit, error) {
	var unit domain.BookableUnit
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, unitID).
		Take(&unit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

func (r *repo) ListUnits(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter domain.UnitFilter, page pagination.Pagination) ([]*domain.BookableUnit, error) {
	var units []*domain.BookableUnit
	stmt := db.WithContext(ctx).
		Model(&domain.BookableUnit{}).
		Where("tenant_id = ?", tenantID)
	if filter.ClassID != 0 {
		stmt = stmt.Where("class_id = ?", filter.ClassID)
	}
	if filter.Active != nil {
		stmt = stmt.Where("active = ?", *filter.Active)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("id asc").Find(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

func (r *repo) SetUnitActive(ctx context.Context, db *gorm.DB, tenantID, unitID snowflake.ID, active bool, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.BookableUnit{}).
		Where("tenant_id = ? AND id = ?", tenantID, unitID).
		Updates(map[string]any{"active": active, "updated_at": now}).Error
}

func (r *repo) LockUnit(ctx context.Context, tx *gorm.DB, tenantID, unitID snowflake.ID) (*domain.BookableUnit, error) {
	var unit domain.BookableUnit
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id = ?", tenantID, unitID).
		Take(&unit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// activeScope keeps claims that still hold their unit at now.
func activeScope(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("released_at IS NULL").
			Where("(kind <> ? OR expires_at > ?)", domain.ClaimKindHold, now)
	}
}

func (r *repo) ActiveClaims(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, unitIDs []snowflake.ID, window domain.DateRange, now time.Time) ([]domain.DateRangeClaim, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}
	var claims []domain.DateRangeClaim
	err := db.WithContext(ctx).
		Scopes(activeScope(now)).
		Where("tenant_id = ? AND unit_id IN ?", tenantID, unitIDs).
		Where("start_date < ? AND end_date > ?", window.End, window.Start).
		Order("unit_id asc, start_date asc, id asc").
		Find(&claims).Error
	return claims, err
}

func (r *repo) FindOverlapping(ctx context.Context, tx *gorm.DB, tenantID, unitID snowflake.ID, rng domain.DateRange, kinds []domain.ClaimKind, now time.Time, excludeID snowflake.ID) ([]domain.DateRangeClaim, error) {
	var claims []domain.DateRangeClaim
	stmt := tx.WithContext(ctx).
		Scopes(activeScope(now)).
		Where("tenant_id = ? AND unit_id = ?", tenantID, unitID).
		Where("start_date < ? AND end_date > ?", rng.End, rng.Start)
	if len(kinds) > 0 {
		stmt = stmt.Where("kind IN ?", kinds)
	}
	if excludeID != 0 {
		stmt = stmt.Where("id <> ?", excludeID)
	}
	err := stmt.Order("start_date asc, id asc").Find(&claims).Error
	return claims, err
}

func (r *repo) FindClaim(ctx context.Context, db *gorm.DB, tenantID, claimID snowflake.ID, forUpdate bool) (*domain.DateRangeClaim, error) {
	var claim domain.DateRangeClaim
	stmt := db.WithContext(ctx)
	if forUpdate {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := stmt.Where("tenant_id = ? AND id = ?", tenantID, claimID).Take(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func (r *repo) InsertClaim(ctx context.Context, tx *gorm.DB, claim *domain.DateRangeClaim) error {
	return tx.WithContext(ctx).Create(claim).Error
}

func (r *repo) UpdateClaim(ctx context.Context, tx *gorm.DB, claim *domain.DateRangeClaim) error {
	return tx.WithContext(ctx).
		Model(&domain.DateRangeClaim{}).
		Where("tenant_id = ? AND id = ?", claim.TenantID, claim.ID).
		Updates(map[string]any{
			"kind":           claim.Kind,
			"subject_id":     claim.SubjectID,
			"expires_at":     claim.ExpiresAt,
			"released_at":    claim.ReleasedAt,
			"release_reason": claim.ReleaseReason,
			"updated_at":     claim.UpdatedAt,
		}).Error
}

func (r *repo) LockExpiredHolds(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.DateRangeClaim, error) {
	var claims []domain.DateRangeClaim
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("kind = ? AND released_at IS NULL AND expires_at <= ?", domain.ClaimKindHold, now).
		Order("expires_at asc, id asc").
		Limit(limit).
		Find(&claims).Error
	return claims, err
}
