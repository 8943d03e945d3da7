package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/pkg/db/pagination"
	"gorm.io/gorm"
)

type PostRequest struct {
	TenantID       snowflake.ID   `json:"tenant_id"`
	SubjectType    SubjectType    `json:"subject_type"`
	SubjectID      snowflake.ID   `json:"subject_id"`
	Kind           EntryKind      `json:"kind"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	IdempotencyKey string         `json:"idempotency_key"`
	ActorID        string         `json:"actor_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type PostResult struct {
	Entry    Entry `json:"entry"`
	Replayed bool  `json:"replayed"`
}

type BalanceView struct {
	SubjectType SubjectType  `json:"subject_type"`
	SubjectID   snowflake.ID `json:"subject_id"`
	Currency    string       `json:"currency"`
	Balance     int64        `json:"balance"`
}

type ListEntriesRequest struct {
	SubjectType SubjectType
	SubjectID   snowflake.ID
	pagination.Pagination
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

// ReconcileResult compares the cached balance of a subject with the sum of
// its entries and with the balance_after of its latest entry.
type ReconcileResult struct {
	SubjectType  SubjectType  `json:"subject_type"`
	SubjectID    snowflake.ID `json:"subject_id"`
	Cached       int64        `json:"cached"`
	Computed     int64        `json:"computed"`
	LastSnapshot int64        `json:"last_snapshot"`
	EntryCount   int64        `json:"entry_count"`
	Consistent   bool         `json:"consistent"`
}

type Service interface {
	// Post appends one entry under its idempotency key in its own
	// transaction and replays the original entry for a repeated key.
	Post(ctx context.Context, req PostRequest) (PostResult, error)
	// PostTx appends one entry inside the caller's transaction. The caller
	// owns idempotency.
	PostTx(ctx context.Context, tx *gorm.DB, req PostRequest) (Entry, error)
	// Notify announces entries appended through PostTx once the caller's
	// transaction has committed.
	Notify(ctx context.Context, entries ...Entry)
	ListEntries(ctx context.Context, tenantID snowflake.ID, req ListEntriesRequest) (ListEntriesResponse, error)
	Balance(ctx context.Context, tenantID snowflake.ID, subjectType SubjectType, subjectID snowflake.ID) (BalanceView, error)
	Reconcile(ctx context.Context, tenantID snowflake.ID, subjectType SubjectType, subjectID snowflake.ID) (ReconcileResult, error)
}

// SubjectState is the locked balance row of a subject.
type SubjectState struct {
	Currency string
	Balance  int64
}

// SubjectStore owns the cached balance of the subject types it serves.
// Lock must take a row lock before the balance is read.
type SubjectStore interface {
	SubjectTypes() []SubjectType
	Lock(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, subjectType SubjectType, subjectID snowflake.ID, kind EntryKind, currency string) (SubjectState, error)
	Apply(ctx context.Context, tx *gorm.DB, entry *Entry) error
	Get(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subjectType SubjectType, subjectID snowflake.ID) (*SubjectState, error)
}

type Repository interface {
	InsertEntry(ctx context.Context, tx *gorm.DB, entry *Entry) error
	ListEntries(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subjectType SubjectType, subjectID snowflake.ID, page pagination.Pagination) ([]*Entry, error)
	// Totals returns the sum of amounts, the entry count and the
	// balance_after of the latest entry.
	Totals(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, subjectType SubjectType, subjectID snowflake.ID) (sum, count, last int64, err error)
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidSubjectType = errors.New("invalid_subject_type")
	ErrInvalidSubject     = errors.New("invalid_subject_id")
	ErrInvalidKind        = errors.New("invalid_kind")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrInvalidKey         = errors.New("invalid_idempotency_key")
)
