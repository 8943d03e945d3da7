package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	"gorm.io/gorm"
)

type Service interface {
	CheckAvailability(ctx context.Context, req CheckRequest) (CheckResult, error)
	// SelectBestUnit returns nil when no unit of the class is free and
	// compliant.
	SelectBestUnit(ctx context.Context, req SelectRequest) (*ScoredUnit, error)

	CreateClaim(ctx context.Context, req ClaimRequest) (ClaimResult, error)
	// CreateClaimTx runs the same checks and insert inside the caller's
	// transaction. The caller commits, retries and maps exclusion
	// violations.
	CreateClaimTx(ctx context.Context, tx *gorm.DB, req ClaimRequest) (ClaimResult, error)
	ReleaseClaim(ctx context.Context, tenantID, claimID snowflake.ID, reason string) (inventorydomain.DateRangeClaim, error)
	ExtendHold(ctx context.Context, tenantID, claimID snowflake.ID, expiresAt time.Time) (inventorydomain.DateRangeClaim, error)
	ConvertHold(ctx context.Context, req ConvertRequest) (ClaimResult, error)
	ConvertHoldTx(ctx context.Context, tx *gorm.DB, req ConvertRequest) (ClaimResult, error)
	// SweepExpiredHolds releases up to limit lapsed holds across tenants.
	SweepExpiredHolds(ctx context.Context, limit int) (int, error)
}

const (
	ReleaseReasonCancelled   = "cancelled"
	ReleaseReasonHoldExpired = "hold_expired"
	ReleaseReasonConverted   = "converted"
	ReleaseReasonFailed      = "booking_failed"
)

var (
	ErrInvalidTarget    = errors.New("invalid_target")
	ErrInvalidClaimKind = errors.New("invalid_claim_kind")
	ErrInvalidSubject   = errors.New("invalid_subject")
	ErrInvalidExpiry    = errors.New("invalid_expiry")
	ErrNotAHold         = errors.New("invalid_hold")
	ErrInactiveUnit     = errors.New("invalid_unit")
)

// CodeConstraintViolated is the validation code for a claim on a unit that
// breaks a hard constraint.
const CodeConstraintViolated = "constraint_violated"
