package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	availabilitydomain "github.com/smallbiznis/keepr/internal/availability/domain"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	pricingdomain "github.com/smallbiznis/keepr/internal/pricing/domain"
	"gorm.io/gorm"
)

// BookRequest names the unit directly, a class to pick the best unit from,
// or a hold to convert.
type BookRequest struct {
	TenantID       snowflake.ID                   `json:"-"`
	UnitID         snowflake.ID                   `json:"unit_id,omitempty"`
	ClassID        snowflake.ID                   `json:"class_id,omitempty"`
	HoldID         snowflake.ID                   `json:"hold_id,omitempty"`
	Range          inventorydomain.DateRange      `json:"range"`
	Constraints    availabilitydomain.Constraints `json:"constraints,omitempty"`
	Preferences    availabilitydomain.Preferences `json:"preferences"`
	RatePlanCode   string                         `json:"rate_plan_code,omitempty"`
	PromoCode      string                         `json:"promo_code,omitempty"`
	TaxExemptCodes []string                       `json:"tax_exempt_codes,omitempty"`
	PaymentMethod  string                         `json:"payment_method,omitempty"`
	GuestRef       string                         `json:"guest_ref,omitempty"`
	IdempotencyKey string                         `json:"-"`
	ActorID        string                         `json:"-"`
}

type BookResult struct {
	Reservation Reservation         `json:"reservation"`
	Quote       pricingdomain.Quote `json:"quote"`
	Deposit     *ledgerdomain.Entry `json:"deposit,omitempty"`
	Replayed    bool                `json:"replayed"`
}

type CancelRequest struct {
	TenantID       snowflake.ID `json:"-"`
	ReservationID  snowflake.ID `json:"-"`
	Reason         string       `json:"reason"`
	IdempotencyKey string       `json:"-"`
	ActorID        string       `json:"-"`
}

type CancelResult struct {
	Reservation Reservation         `json:"reservation"`
	Refund      *ledgerdomain.Entry `json:"refund,omitempty"`
	Replayed    bool                `json:"replayed"`
}

type Service interface {
	Book(ctx context.Context, req BookRequest) (BookResult, error)
	Cancel(ctx context.Context, req CancelRequest) (CancelResult, error)
	Get(ctx context.Context, tenantID, reservationID snowflake.ID) (Reservation, error)
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, r *Reservation) error
	Find(ctx context.Context, db *gorm.DB, tenantID, reservationID snowflake.ID) (*Reservation, error)
	Lock(ctx context.Context, tx *gorm.DB, tenantID, reservationID snowflake.ID) (*Reservation, error)
	Update(ctx context.Context, tx *gorm.DB, r *Reservation) error
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant_id")
	ErrInvalidTarget      = errors.New("invalid_target")
	ErrInvalidRange       = errors.New("invalid_range")
	ErrInvalidKey         = errors.New("invalid_idempotency_key")
	ErrInvalidReservation = errors.New("invalid_reservation_id")
)

const (
	// ReasonNoUnitAvailable is the conflict reason when no unit of the class
	// is free and compliant.
	ReasonNoUnitAvailable = "no_unit_available"
	// ReasonBookingInProgress refuses to cancel a reservation whose deposit
	// is still being collected.
	ReasonBookingInProgress = "booking_in_progress"
)

// CodeBookingFailed marks a reservation whose deposit was refused.
const CodeBookingFailed = "booking_failed"
