package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/ledger/domain"
	"github.com/smallbiznis/keepr/pkg/db/option"
	"github.com/smallbiznis/keepr/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEntry(ctx context.Context, tx *gorm.DB, entry *domain.Entry) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subjectType domain.SubjectType, subjectID snowflake.ID, page pagination.Pagination) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	stmt := db.WithContext(ctx).
		Model(&domain.Entry{}).
		Where("tenant_id = ? AND subject_type = ? AND subject_id = ?", tenantID, subjectType, subjectID)
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("id asc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) Totals(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subjectType domain.SubjectType, subjectID snowflake.ID) (int64, int64, int64, error) {
	var agg struct {
		Total int64
		Count int64
	}
	scope := db.WithContext(ctx).
		Model(&domain.Entry{}).
		Where("tenant_id = ? AND subject_type = ? AND subject_id = ?", tenantID, subjectType, subjectID)
	if err := scope.Session(&gorm.Session{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Scan(&agg).Error; err != nil {
		return 0, 0, 0, err
	}
	if agg.Count == 0 {
		return 0, 0, 0, nil
	}

	var last domain.Entry
	if err := scope.Session(&gorm.Session{}).Order("id desc").Take(&last).Error; err != nil {
		return 0, 0, 0, err
	}
	return agg.Total, agg.Count, last.BalanceAfter, nil
}

// BalanceStore keeps ledger_balances rows for reservation and pos_order
// subjects, creating them on first use.
type BalanceStore struct{}

func NewBalanceStore() domain.SubjectStore {
	return &BalanceStore{}
}

func (BalanceStore) SubjectTypes() []domain.SubjectType {
	return []domain.SubjectType{domain.SubjectReservation, domain.SubjectPOSOrder}
}

func (s BalanceStore) Lock(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, subjectType domain.SubjectType, subjectID snowflake.ID, _ domain.EntryKind, currency string) (domain.SubjectState, error) {
	row := domain.Balance{
		TenantID:    tenantID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Currency:    currency,
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return domain.SubjectState{}, err
	}

	var locked domain.Balance
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND subject_type = ? AND subject_id = ?", tenantID, subjectType, subjectID).
		Take(&locked).Error; err != nil {
		return domain.SubjectState{}, err
	}
	return domain.SubjectState{Currency: locked.Currency, Balance: locked.Balance}, nil
}

func (BalanceStore) Apply(ctx context.Context, tx *gorm.DB, entry *domain.Entry) error {
	return tx.WithContext(ctx).
		Model(&domain.Balance{}).
		Where("tenant_id = ? AND subject_type = ? AND subject_id = ?", entry.TenantID, entry.SubjectType, entry.SubjectID).
		Updates(map[string]any{
			"balance":     entry.BalanceAfter,
			"entry_count": gorm.Expr("entry_count + 1"),
			"updated_at":  entry.CreatedAt,
		}).Error
}

func (BalanceStore) Get(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subjectType domain.SubjectType, subjectID snowflake.ID) (*domain.SubjectState, error) {
	var row domain.Balance
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND subject_type = ? AND subject_id = ?", tenantID, subjectType, subjectID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.SubjectState{Currency: row.Currency, Balance: row.Balance}, nil
}
