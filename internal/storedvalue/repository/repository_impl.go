package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"github.com/smallbiznis/keepr/internal/storedvalue/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, account *domain.Account) error {
	return tx.WithContext(ctx).Create(account).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, tenantID, accountID snowflake.ID) (*domain.Account, error) {
	return first(db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, accountID))
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, code string) (*domain.Account, error) {
	return first(db.WithContext(ctx).Where("tenant_id = ? AND code = ?", tenantID, code))
}

func (r *repo) Lock(ctx context.Context, tx *gorm.DB, tenantID, accountID snowflake.ID) (*domain.Account, error) {
	return first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id = ?", tenantID, accountID))
}

func (r *repo) SetStatus(ctx context.Context, tx *gorm.DB, account *domain.Account) error {
	return tx.WithContext(ctx).
		Model(&domain.Account{}).
		Where("tenant_id = ? AND id = ?", account.TenantID, account.ID).
		Updates(map[string]any{
			"status":     account.Status,
			"voided_at":  account.VoidedAt,
			"expired_at": account.ExpiredAt,
			"updated_at": account.UpdatedAt,
		}).Error
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Account, error) {
	var accounts []domain.Account
	err := db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.StatusActive, now).
		Order("expires_at asc, id asc").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *repo) ListAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Account, error) {
	var accounts []domain.Account
	err := db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id asc").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func first(stmt *gorm.DB) (*domain.Account, error) {
	var account domain.Account
	err := stmt.Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// AccountStore lets the ledger post against stored value accounts. The
// balance lives on the account row, which doubles as the lock.
type AccountStore struct {
	repo  domain.Repository
	clock clock.Clock
}

func NewAccountStore(repo domain.Repository, clk clock.Clock) ledgerdomain.SubjectStore {
	return &AccountStore{repo: repo, clock: clk}
}

func (s *AccountStore) SubjectTypes() []ledgerdomain.SubjectType {
	return []ledgerdomain.SubjectType{ledgerdomain.SubjectStoredValueAccount}
}

// Lock refuses every movement on a closed account. Void and expire entries
// only need the account to still be active, since they are what close it.
func (s *AccountStore) Lock(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, _ ledgerdomain.SubjectType, subjectID snowflake.ID, kind ledgerdomain.EntryKind, _ string) (ledgerdomain.SubjectState, error) {
	account, err := s.repo.Lock(ctx, tx, tenantID, subjectID)
	if err != nil {
		return ledgerdomain.SubjectState{}, err
	}
	if account == nil {
		return ledgerdomain.SubjectState{}, apperror.NotFound("stored_value_account", subjectID.String())
	}

	status, closed := account.Closed(s.clock.Now())
	if kind == ledgerdomain.KindVoid || kind == ledgerdomain.KindExpire {
		status, closed = account.Status, account.Status != domain.StatusActive
	}
	if closed {
		return ledgerdomain.SubjectState{}, &apperror.AccountClosedError{
			AccountID: account.ID.String(),
			Status:    string(status),
		}
	}
	return ledgerdomain.SubjectState{Currency: account.Currency, Balance: account.Balance}, nil
}

func (s *AccountStore) Apply(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.Entry) error {
	return tx.WithContext(ctx).
		Model(&domain.Account{}).
		Where("tenant_id = ? AND id = ?", entry.TenantID, entry.SubjectID).
		Updates(map[string]any{
			"balance":    entry.BalanceAfter,
			"updated_at": entry.CreatedAt,
		}).Error
}

func (s *AccountStore) Get(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, _ ledgerdomain.SubjectType, subjectID snowflake.ID) (*ledgerdomain.SubjectState, error) {
	account, err := s.repo.Find(ctx, db, tenantID, subjectID)
	if err != nil || account == nil {
		return nil, err
	}
	return &ledgerdomain.SubjectState{Currency: account.Currency, Balance: account.Balance}, nil
}
