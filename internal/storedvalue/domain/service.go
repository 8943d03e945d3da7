package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"gorm.io/gorm"
)

type IssueRequest struct {
	TenantID       snowflake.ID `json:"-"`
	Type           AccountType  `json:"type"`
	Code           string       `json:"code"`
	Currency       string       `json:"currency"`
	Amount         int64        `json:"amount"`
	PIN            string       `json:"-"`
	TaxableLoad    bool         `json:"taxable_load"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	IdempotencyKey string       `json:"-"`
	ActorID        string       `json:"-"`
}

// AdjustRequest moves Delta into (positive) or out of (negative) an account.
// Kind is redeem, adjust or issue for a reload.
type AdjustRequest struct {
	TenantID       snowflake.ID           `json:"-"`
	AccountID      snowflake.ID           `json:"account_id"`
	Delta          int64                  `json:"delta"`
	Kind           ledgerdomain.EntryKind `json:"kind"`
	IdempotencyKey string                 `json:"-"`
	PIN            string                 `json:"-"`
	Reference      string                 `json:"reference,omitempty"`
	ActorID        string                 `json:"-"`
}

type VoidRequest struct {
	TenantID       snowflake.ID `json:"-"`
	AccountID      snowflake.ID `json:"account_id"`
	Reason         string       `json:"reason"`
	IdempotencyKey string       `json:"-"`
	ActorID        string       `json:"-"`
}

// Result is the receipt of an account mutation.
type Result struct {
	Account  Account            `json:"account"`
	Entry    ledgerdomain.Entry `json:"entry"`
	Replayed bool               `json:"replayed"`
}

// ReconcileReport lists the accounts whose cached balance drifted.
type ReconcileReport struct {
	Checked int                            `json:"checked"`
	Drifted []ledgerdomain.ReconcileResult `json:"drifted"`
}

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (Result, error)
	AdjustStoredValue(ctx context.Context, req AdjustRequest) (Result, error)
	// AdjustTx applies req inside the caller's transaction without an
	// idempotency guard. The caller announces the result with Notify after
	// commit.
	AdjustTx(ctx context.Context, tx *gorm.DB, req AdjustRequest) (Result, error)
	Notify(ctx context.Context, results ...Result)
	Void(ctx context.Context, req VoidRequest) (Result, error)
	// ExpireDue closes up to limit active accounts past their expiry, across
	// tenants, and returns how many it closed.
	ExpireDue(ctx context.Context, limit int) (int, error)
	Get(ctx context.Context, tenantID, accountID snowflake.ID) (Account, error)
	GetByCode(ctx context.Context, tenantID snowflake.ID, code string) (Account, error)
	Reconcile(ctx context.Context, tenantID, accountID snowflake.ID) (ledgerdomain.ReconcileResult, error)
	ReconcileAll(ctx context.Context, batchSize int) (ReconcileReport, error)
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, account *Account) error
	Find(ctx context.Context, db *gorm.DB, tenantID, accountID snowflake.ID) (*Account, error)
	FindByCode(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, code string) (*Account, error)
	Lock(ctx context.Context, tx *gorm.DB, tenantID, accountID snowflake.ID) (*Account, error)
	SetStatus(ctx context.Context, tx *gorm.DB, account *Account) error
	// ListDue returns active accounts past their expiry across tenants.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Account, error)
	// ListAfter pages through every account by id across tenants.
	ListAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Account, error)
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrInvalidType    = errors.New("invalid_type")
	ErrInvalidAmount  = errors.New("invalid_amount")
	ErrInvalidKind    = errors.New("invalid_kind")
	ErrInvalidAccount = errors.New("invalid_account_id")
	ErrInvalidPIN     = errors.New("invalid_pin")
	ErrInvalidExpiry  = errors.New("invalid_expires_at")
	ErrInvalidCode    = errors.New("invalid_code")
	ErrInvalidKey     = errors.New("invalid_idempotency_key")
)
