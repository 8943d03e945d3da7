package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SubjectType string

const (
	SubjectReservation        SubjectType = "reservation"
	SubjectStoredValueAccount SubjectType = "stored_value_account"
	SubjectPOSOrder           SubjectType = "pos_order"
)

func (t SubjectType) Valid() bool {
	switch t {
	case SubjectReservation, SubjectStoredValueAccount, SubjectPOSOrder:
		return true
	default:
		return false
	}
}

// Owned reports whether entries for the subject are written only by the
// service that owns its state, inside that service's transaction.
func (t SubjectType) Owned() bool {
	return t == SubjectStoredValueAccount
}

type EntryKind string

const (
	KindIssue   EntryKind = "issue"
	KindRedeem  EntryKind = "redeem"
	KindRefund  EntryKind = "refund"
	KindVoid    EntryKind = "void"
	KindAdjust  EntryKind = "adjust"
	KindExpire  EntryKind = "expire"
	KindCharge  EntryKind = "charge"
	KindDeposit EntryKind = "deposit"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindIssue, KindRedeem, KindRefund, KindVoid, KindAdjust, KindExpire, KindCharge, KindDeposit:
		return true
	default:
		return false
	}
}

// ValidAmount reports whether amount carries the sign the kind requires.
func (k EntryKind) ValidAmount(amount int64) bool {
	switch k {
	case KindIssue, KindDeposit, KindCharge:
		return amount > 0
	case KindRedeem, KindRefund:
		return amount < 0
	case KindVoid, KindExpire:
		return amount <= 0
	case KindAdjust:
		return amount != 0
	default:
		return false
	}
}

// Entry is an append-only movement of money against one subject.
type Entry struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID       snowflake.ID      `gorm:"not null;index:idx_ledger_entries_subject,priority:1" json:"tenant_id"`
	SubjectType    SubjectType       `gorm:"type:varchar(32);not null;index:idx_ledger_entries_subject,priority:2" json:"subject_type"`
	SubjectID      snowflake.ID      `gorm:"not null;index:idx_ledger_entries_subject,priority:3" json:"subject_id"`
	Kind           EntryKind         `gorm:"type:varchar(16);not null" json:"kind"`
	Amount         int64             `gorm:"not null" json:"amount"`
	Currency       string            `gorm:"type:char(3);not null" json:"currency"`
	BalanceAfter   int64             `gorm:"not null" json:"balance_after"`
	IdempotencyKey string            `gorm:"type:varchar(255);index" json:"idempotency_key,omitempty"`
	ActorID        string            `gorm:"type:varchar(255)" json:"actor_id,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Balance caches the running balance of reservation and pos_order subjects.
type Balance struct {
	TenantID    snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"tenant_id"`
	SubjectType SubjectType  `gorm:"primaryKey;type:varchar(32)" json:"subject_type"`
	SubjectID   snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"subject_id"`
	Currency    string       `gorm:"type:char(3);not null" json:"currency"`
	Balance     int64        `gorm:"not null;default:0" json:"balance"`
	EntryCount  int64        `gorm:"not null;default:0" json:"entry_count"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Balance) TableName() string { return "ledger_balances" }
