package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusApplied     Status = "applied"
	StatusNeedsReview Status = "needs_review"
	StatusResolved    Status = "resolved"
	StatusDismissed   Status = "dismissed"
)

type OperationType string

const (
	OperationLine   OperationType = "line"
	OperationTender OperationType = "tender"
)

type TenderMethod string

const (
	TenderCash        TenderMethod = "cash"
	TenderCard        TenderMethod = "card"
	TenderStoredValue TenderMethod = "stored_value"
)

func (m TenderMethod) Valid() bool {
	switch m {
	case TenderCash, TenderCard, TenderStoredValue:
		return true
	default:
		return false
	}
}

// Operation is one step a terminal recorded while offline: a sold line or a
// tender taken against the order.
type Operation struct {
	Type      OperationType `json:"type"`
	SKU       string        `json:"sku,omitempty"`
	Quantity  int64         `json:"quantity,omitempty"`
	Method    TenderMethod  `json:"method,omitempty"`
	Amount    int64         `json:"amount,omitempty"`
	AccountID snowflake.ID  `json:"account_id,omitempty"`
	PIN       string        `json:"pin,omitempty"`
	Reference string        `json:"reference,omitempty"`
}

// Totals are the subtotal, tax and total of an order in minor units.
type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

// Record is the server copy of an offline sale, keyed by the device and its
// sequence number.
type Record struct {
	ID               snowflake.ID                   `gorm:"primaryKey" json:"id"`
	TenantID         snowflake.ID                   `gorm:"not null;uniqueIndex:ux_offline_replay_records_seq,priority:1" json:"tenant_id"`
	DeviceID         string                         `gorm:"type:varchar(64);not null;uniqueIndex:ux_offline_replay_records_seq,priority:2" json:"device_id"`
	SequenceNumber   int64                          `gorm:"not null;uniqueIndex:ux_offline_replay_records_seq,priority:3" json:"sequence_number"`
	OrderID          snowflake.ID                   `gorm:"not null;index" json:"order_id"`
	Status           Status                         `gorm:"type:varchar(16);not null;index" json:"status"`
	Currency         string                         `gorm:"type:char(3);not null" json:"currency"`
	RecordedSubtotal int64                          `gorm:"not null" json:"recorded_subtotal"`
	RecordedTax      int64                          `gorm:"not null" json:"recorded_tax"`
	RecordedTotal    int64                          `gorm:"not null" json:"recorded_total"`
	ComputedSubtotal int64                          `gorm:"not null" json:"computed_subtotal"`
	ComputedTax      int64                          `gorm:"not null" json:"computed_tax"`
	ComputedTotal    int64                          `gorm:"not null" json:"computed_total"`
	Operations       datatypes.JSONSlice[Operation] `json:"operations"`
	ReviewNote       string                         `gorm:"type:text" json:"review_note,omitempty"`
	ActorID          string                         `gorm:"type:varchar(255)" json:"actor_id,omitempty"`
	RecordedAt       time.Time                      `gorm:"not null" json:"recorded_at"`
	ResolvedAt       *time.Time                     `json:"resolved_at,omitempty"`
	ResolvedBy       string                         `gorm:"type:varchar(255)" json:"resolved_by,omitempty"`
	CreatedAt        time.Time                      `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time                      `gorm:"not null" json:"updated_at"`
}

func (Record) TableName() string { return "offline_replay_records" }

func (r Record) Recorded() Totals {
	return Totals{Subtotal: r.RecordedSubtotal, Tax: r.RecordedTax, Total: r.RecordedTotal}
}

func (r Record) Computed() Totals {
	return Totals{Subtotal: r.ComputedSubtotal, Tax: r.ComputedTax, Total: r.ComputedTotal}
}

// Tenders returns the tender operations in the order they were taken.
func (r Record) Tenders() []Operation {
	return Tenders(r.Operations)
}

func Tenders(ops []Operation) []Operation {
	var out []Operation
	for _, op := range ops {
		if op.Type == OperationTender {
			out = append(out, op)
		}
	}
	return out
}

// Within reports whether every component of a is at most tolerance away
// from b.
func (a Totals) Within(b Totals, tolerance int64) bool {
	return abs(a.Subtotal-b.Subtotal) <= tolerance &&
		abs(a.Tax-b.Tax) <= tolerance &&
		abs(a.Total-b.Total) <= tolerance
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
