package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type AccountType string

const (
	TypeGiftCard    AccountType = "gift_card"
	TypeStoreCredit AccountType = "store_credit"
)

func (t AccountType) Valid() bool {
	return t == TypeGiftCard || t == TypeStoreCredit
}

type Status string

const (
	StatusActive  Status = "active"
	StatusVoid    Status = "void"
	StatusExpired Status = "expired"
)

// Account is a gift card or store credit balance. The balance is a cache of
// its ledger entries and only moves through ledger postings.
type Account struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID `gorm:"not null;uniqueIndex:ux_stored_value_accounts_code,priority:1" json:"tenant_id"`
	Type        AccountType  `gorm:"type:varchar(16);not null" json:"type"`
	Code        string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_stored_value_accounts_code,priority:2" json:"code"`
	Currency    string       `gorm:"type:char(3);not null" json:"currency"`
	Balance     int64        `gorm:"not null;default:0" json:"balance"`
	Status      Status       `gorm:"type:varchar(16);not null;index" json:"status"`
	PinHash     string       `gorm:"type:varchar(255)" json:"-"`
	TaxableLoad bool         `gorm:"not null;default:false" json:"taxable_load"`
	ExpiresAt   *time.Time   `gorm:"index" json:"expires_at,omitempty"`
	VoidedAt    *time.Time   `json:"voided_at,omitempty"`
	ExpiredAt   *time.Time   `json:"expired_at,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "stored_value_accounts" }

// Closed reports the terminal state that refuses value movements at now. An
// active account past its expiry date counts as expired before the sweep
// catches up with it.
func (a Account) Closed(now time.Time) (Status, bool) {
	switch {
	case a.Status != StatusActive:
		return a.Status, true
	case a.ExpiresAt != nil && !now.Before(*a.ExpiresAt):
		return StatusExpired, true
	default:
		return StatusActive, false
	}
}

func (a Account) HasPIN() bool {
	return a.PinHash != ""
}
