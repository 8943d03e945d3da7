package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/reservation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, res *domain.Reservation) error {
	return tx.WithContext(ctx).Create(res).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, tenantID, reservationID snowflake.ID) (*domain.Reservation, error) {
	return first(db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, reservationID))
}

func (r *repo) Lock(ctx context.Context, tx *gorm.DB, tenantID, reservationID snowflake.ID) (*domain.Reservation, error) {
	return first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id = ?", tenantID, reservationID))
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, res *domain.Reservation) error {
	return tx.WithContext(ctx).
		Model(&domain.Reservation{}).
		Where("tenant_id = ? AND id = ?", res.TenantID, res.ID).
		Updates(map[string]any{
			"status":                   res.Status,
			"provider":                 res.Provider,
			"processor_transaction_id": res.ProcessorTransactionID,
			"refunded":                 res.Refunded,
			"refund_transaction_id":    res.RefundTransactionID,
			"cancel_reason":            res.CancelReason,
			"cancelled_at":             res.CancelledAt,
			"updated_at":               res.UpdatedAt,
		}).Error
}

func first(stmt *gorm.DB) (*domain.Reservation, error) {
	var res domain.Reservation
	err := stmt.Take(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}
