package idempotency

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record remembers the outcome of one keyed request per tenant.
type Record struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	TenantID         snowflake.ID `gorm:"not null;uniqueIndex:ux_idempotency_records_key,priority:1"`
	Key              string       `gorm:"type:varchar(255);not null;uniqueIndex:ux_idempotency_records_key,priority:2"`
	Scope            string       `gorm:"type:varchar(64);not null"`
	RequestHash      string       `gorm:"type:char(64);not null"`
	Status           Status       `gorm:"type:varchar(16);not null"`
	// ResourceID is the row a pending two-phase attempt already created, so
	// a takeover resumes it instead of starting over.
	ResourceID       snowflake.ID `gorm:"not null;default:0"`
	ResponseSnapshot []byte
	ErrorType        string    `gorm:"type:varchar(64)"`
	LockedAt         time.Time `gorm:"not null"`
	CompletedAt      *time.Time
	ExpiresAt        time.Time `gorm:"not null;index"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (Record) TableName() string { return "idempotency_records" }

// Request identifies a keyed operation. Payload is hashed canonically, so two
// requests carrying the same fields in any order hash alike.
type Request struct {
	TenantID snowflake.ID
	Scope    string
	Key      string
	Payload  any
}

// Ticket is handed out by Begin and settles the record through Complete, Fail,
// Suspend or Abandon. ResourceID is non-zero when an earlier attempt attached
// the row it created.
type Ticket struct {
	TenantID   snowflake.ID
	Scope      string
	Key        string
	Replayed   bool
	ResourceID snowflake.ID
}

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidKey    = errors.New("invalid_idempotency_key")
	ErrInvalidScope  = errors.New("invalid_scope")
	ErrNotPending    = errors.New("idempotency record is not pending")
)

const maxKeyLength = 255
