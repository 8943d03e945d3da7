package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
)

type QuoteRequest struct {
	TenantID       snowflake.ID
	UnitID         snowflake.ID
	ClassID        snowflake.ID
	Range          inventorydomain.DateRange
	RatePlanCode   string
	PromoCode      string
	TaxExemptCodes []string
}

type RateSource string

const (
	RateSourceUnitOverride  RateSource = "unit_override"
	RateSourceClassOverride RateSource = "class_override"
	RateSourceSeason        RateSource = "season"
	RateSourceBase          RateSource = "base"
)

type LineItem struct {
	Date   string     `json:"date"`
	Amount int64      `json:"amount"`
	Source RateSource `json:"source"`
	Label  string     `json:"label"`
}

type TaxLine struct {
	Code      string `json:"code"`
	Amount    int64  `json:"amount"`
	Inclusive bool   `json:"inclusive"`
	Exempt    bool   `json:"exempt"`
}

// Quote holds no timestamps or ids so identical inputs compare equal.
type Quote struct {
	LineItems       []LineItem `json:"line_items"`
	Taxes           []TaxLine  `json:"taxes"`
	Subtotal        int64      `json:"subtotal"`
	Discount        int64      `json:"discount"`
	Tax             int64      `json:"tax"`
	Total           int64      `json:"total"`
	Currency        string     `json:"currency"`
	RequiredDeposit int64      `json:"required_deposit"`
	PromotionCode   string     `json:"promotion_code,omitempty"`
	RatePlanCode    string     `json:"rate_plan_code"`
	RateVersion     int        `json:"rate_version"`
	TaxVersion      int        `json:"tax_version"`
}

type OrderLine struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

type OrderTotals struct {
	Subtotal    int64  `json:"subtotal"`
	Tax         int64  `json:"tax"`
	Total       int64  `json:"total"`
	Currency    string `json:"currency"`
	RateVersion int    `json:"rate_version"`
	TaxVersion  int    `json:"tax_version"`
}

type Service interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	// PriceOrder totals POS lines against the current catalog and retail tax
	// rules.
	PriceOrder(ctx context.Context, tenantID snowflake.ID, lines []OrderLine) (OrderTotals, error)
}

var (
	ErrInvalidTarget    = errors.New("invalid_target")
	ErrInvalidPromoCode = errors.New("invalid_promo_code")
	ErrInvalidLines     = errors.New("invalid_lines")
	ErrInvalidQuantity  = errors.New("invalid_quantity")
	ErrInvalidSKU       = errors.New("invalid_sku")
	ErrMixedCurrency    = errors.New("invalid_currency")
)
