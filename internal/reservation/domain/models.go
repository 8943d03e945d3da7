package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	pricingdomain "github.com/smallbiznis/keepr/internal/pricing/domain"
	"gorm.io/datatypes"
)

type Status string

// A reservation is pending from the moment its claim commits until the
// deposit is captured and posted. A pending row only moves forward through
// the idempotency key that created it.
const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Reservation ties a booked claim to the quote it was sold at and the
// deposit the processor captured for it.
type Reservation struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID               snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	UnitID                 snowflake.ID `gorm:"not null;index" json:"unit_id"`
	ClaimID                snowflake.ID `gorm:"not null;uniqueIndex" json:"claim_id"`
	StartDate              time.Time    `gorm:"type:date;not null" json:"start_date"`
	EndDate                time.Time    `gorm:"type:date;not null" json:"end_date"`
	Status                 Status       `gorm:"type:varchar(16);not null;index" json:"status"`
	Currency               string       `gorm:"type:char(3);not null" json:"currency"`
	Total                  int64        `gorm:"not null" json:"total"`
	Deposit                int64        `gorm:"not null" json:"deposit"`
	Refunded               int64        `gorm:"not null;default:0" json:"refunded"`
	RatePlanCode           string       `gorm:"type:varchar(64)" json:"rate_plan_code"`
	PromotionCode          string       `gorm:"type:varchar(64)" json:"promotion_code,omitempty"`
	RateVersion            int          `gorm:"not null" json:"rate_version"`
	TaxVersion             int          `gorm:"not null" json:"tax_version"`
	Provider               string       `gorm:"type:varchar(32)" json:"provider,omitempty"`
	ProcessorTransactionID string       `gorm:"type:varchar(255)" json:"processor_transaction_id,omitempty"`
	RefundTransactionID    string       `gorm:"type:varchar(255)" json:"refund_transaction_id,omitempty"`
	GuestRef               string       `gorm:"type:varchar(255)" json:"guest_ref,omitempty"`
	CreatedBy              string       `gorm:"type:varchar(255)" json:"created_by,omitempty"`
	CancelReason           string       `gorm:"type:text" json:"cancel_reason,omitempty"`
	CancelledAt            *time.Time   `json:"cancelled_at,omitempty"`
	CreatedAt              time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"not null" json:"updated_at"`

	// Quote is the price the guest was sold at, kept so a resumed booking
	// charges the same deposit.
	Quote datatypes.JSONType[pricingdomain.Quote] `json:"-"`
}

func (Reservation) TableName() string { return "reservations" }

func (r Reservation) Range() inventorydomain.DateRange {
	return inventorydomain.DateRange{Start: r.StartDate, End: r.EndDate}
}
