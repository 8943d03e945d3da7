package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/pos/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, record *domain.Record) error {
	return tx.WithContext(ctx).Create(record).Error
}

func (r *repo) FindBySequence(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, deviceID string, seq int64) (*domain.Record, error) {
	return first(db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ? AND sequence_number = ?", tenantID, deviceID, seq))
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, tenantID, recordID snowflake.ID) (*domain.Record, error) {
	return first(db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, recordID))
}

func (r *repo) Lock(ctx context.Context, tx *gorm.DB, tenantID, recordID snowflake.ID) (*domain.Record, error) {
	return first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id = ?", tenantID, recordID))
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, record *domain.Record) error {
	return tx.WithContext(ctx).
		Model(&domain.Record{}).
		Where("tenant_id = ? AND id = ?", record.TenantID, record.ID).
		Updates(map[string]any{
			"status":      record.Status,
			"review_note": record.ReviewNote,
			"resolved_at": record.ResolvedAt,
			"resolved_by": record.ResolvedBy,
			"updated_at":  record.UpdatedAt,
		}).Error
}

func first(stmt *gorm.DB) (*domain.Record, error) {
	var record domain.Record
	err := stmt.Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
