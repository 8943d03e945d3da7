package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"gorm.io/gorm"
)

type ReplayRequest struct {
	TenantID       snowflake.ID `json:"-"`
	DeviceID       string       `json:"device_id"`
	SequenceNumber int64        `json:"sequence_number"`
	Currency       string       `json:"currency"`
	Recorded       Totals       `json:"recorded_totals"`
	Operations     []Operation  `json:"operations"`
	RecordedAt     time.Time    `json:"recorded_at"`
	ActorID        string       `json:"-"`
}

// ReplayResult reports what became of an offline sale. Exactly one of
// Applied, Duplicate and NeedsReview is set.
type ReplayResult struct {
	Applied     bool                 `json:"applied"`
	Duplicate   bool                 `json:"duplicate"`
	NeedsReview bool                 `json:"needs_review"`
	RecordID    snowflake.ID         `json:"record_id"`
	OrderID     snowflake.ID         `json:"order_id"`
	Status      Status               `json:"status"`
	Recorded    Totals               `json:"recorded_totals"`
	Computed    Totals               `json:"computed_totals"`
	ReviewNote  string               `json:"review_note,omitempty"`
	Change      int64                `json:"change"`
	Entries     []ledgerdomain.Entry `json:"entries"`
}

type ResolveAction string

const (
	ActionAccept  ResolveAction = "accept"
	ActionDismiss ResolveAction = "dismiss"
)

type ResolveRequest struct {
	TenantID snowflake.ID  `json:"-"`
	RecordID snowflake.ID  `json:"-"`
	Action   ResolveAction `json:"action"`
	Note     string        `json:"note"`
	ActorID  string        `json:"-"`
}

type ResolveResult struct {
	Record  Record               `json:"record"`
	Entries []ledgerdomain.Entry `json:"entries"`
}

type Service interface {
	ReplayOffline(ctx context.Context, req ReplayRequest) (ReplayResult, error)
	// ResolveReview closes a parked record. Accept posts the recorded
	// tenders, dismiss closes it without posting anything.
	ResolveReview(ctx context.Context, req ResolveRequest) (ResolveResult, error)
	Get(ctx context.Context, tenantID, recordID snowflake.ID) (Record, error)
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, record *Record) error
	FindBySequence(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, deviceID string, seq int64) (*Record, error)
	Find(ctx context.Context, db *gorm.DB, tenantID, recordID snowflake.ID) (*Record, error)
	Lock(ctx context.Context, tx *gorm.DB, tenantID, recordID snowflake.ID) (*Record, error)
	Update(ctx context.Context, tx *gorm.DB, record *Record) error
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant_id")
	ErrInvalidDevice     = errors.New("invalid_device_id")
	ErrInvalidSequence   = errors.New("invalid_sequence_number")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrInvalidTotals     = errors.New("invalid_recorded_totals")
	ErrInvalidOperations = errors.New("invalid_operations")
	ErrInvalidTender     = errors.New("invalid_tender")
	ErrInvalidAction     = errors.New("invalid_action")
	ErrInvalidRecord     = errors.New("invalid_record_id")
)
