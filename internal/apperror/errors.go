package apperror

import (
	"errors"
	"fmt"
	"strings"
)

// Kind sentinels. Every typed error below matches exactly one of them with
// errors.Is, so callers can branch on the class without knowing the type.
var (
	ErrValidation          = errors.New("validation_error")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrAccountClosed       = errors.New("account_closed")
	ErrIdempotencyConflict = errors.New("idempotency_conflict")
	ErrNeedsReview         = errors.New("needs_review")
	ErrNotFound            = errors.New("not_found")
)

// ValidationError reports malformed input. It is the caller's fault and not
// retryable as-is.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Code)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError. The code defaults to invalid_<field>.
func Invalid(field, message string) *ValidationError {
	field = strings.TrimSpace(field)
	return &ValidationError{
		Field:   field,
		Code:    "invalid_" + field,
		Message: message,
	}
}

// FromSentinel turns a domain sentinel such as errors.New("invalid_range")
// into a ValidationError keeping the sentinel reachable through Unwrap.
func FromSentinel(err error) error {
	if err == nil {
		return nil
	}
	code := err.Error()
	field := strings.TrimPrefix(code, "invalid_")
	return &wrappedValidation{
		ValidationError: ValidationError{Field: field, Code: code, Message: "invalid value"},
		cause:           err,
	}
}

type wrappedValidation struct {
	ValidationError
	cause error
}

func (e *wrappedValidation) Unwrap() error { return e.cause }

func (e *wrappedValidation) Is(target error) bool { return target == ErrValidation }

// AsValidation extracts the validation detail from err, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var wrapped *wrappedValidation
	if errors.As(err, &wrapped) {
		return &wrapped.ValidationError, true
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr, true
	}
	return nil, false
}

// ConflictError reports an overlapping claim or a concurrent use of the same
// idempotency key. Retryable with different parameters only.
type ConflictError struct {
	Reason   string   `json:"reason"`
	ClaimIDs []string `json:"claim_ids,omitempty"`
}

func (e *ConflictError) Error() string {
	if len(e.ClaimIDs) == 0 {
		return "conflict: " + e.Reason
	}
	return fmt.Sprintf("conflict: %s (claims %s)", e.Reason, strings.Join(e.ClaimIDs, ","))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

const (
	ReasonOverlappingClaim  = "overlapping_claim"
	ReasonRequestInProgress = "request_in_progress"
	ReasonHoldExpired       = "hold_expired"
)

// InsufficientBalanceError is returned when a debit would take a subject
// balance below zero.
type InsufficientBalanceError struct {
	SubjectID string `json:"subject_id"`
	Balance   int64  `json:"balance"`
	Requested int64  `json:"requested"`
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: balance %d, requested %d", e.SubjectID, e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// AccountClosedError is returned for operations against void or expired
// stored value accounts.
type AccountClosedError struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
}

func (e *AccountClosedError) Error() string {
	return fmt.Sprintf("account %s is %s", e.AccountID, e.Status)
}

func (e *AccountClosedError) Is(target error) bool { return target == ErrAccountClosed }

// IdempotencyConflictError means the key was reused with a different payload.
type IdempotencyConflictError struct {
	Key string `json:"key"`
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q was already used with a different request", e.Key)
}

func (e *IdempotencyConflictError) Is(target error) bool { return target == ErrIdempotencyConflict }

// Totals are the subtotal, tax and total of an order in minor units.
type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

// NeedsReviewError marks an offline replay parked for manual reconciliation.
// It is not a hard failure.
type NeedsReviewError struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
	Recorded Totals `json:"recorded"`
	Computed Totals `json:"computed"`
}

func (e *NeedsReviewError) Error() string {
	return fmt.Sprintf("offline replay %s needs review: %s", e.RecordID, e.Reason)
}

func (e *NeedsReviewError) Is(target error) bool { return target == ErrNeedsReview }

// NotFoundError reports a missing tenant-scoped resource.
type NotFoundError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsBusiness reports whether err belongs to the taxonomy. Business errors are
// terminal for a request and are recorded against its idempotency key.
func IsBusiness(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrAccountClosed),
		errors.Is(err, ErrNotFound):
		return true
	default:
		return false
	}
}

// Type returns the wire name of the error class.
func Type(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAccountClosed):
		return "account_closed"
	case errors.Is(err, ErrNeedsReview):
		return "needs_review"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
