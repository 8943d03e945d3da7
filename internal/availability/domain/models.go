package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
)

// CheckRequest targets either one unit or every active unit of a class.
type CheckRequest struct {
	TenantID    snowflake.ID
	UnitID      snowflake.ID
	ClassID     snowflake.ID
	Range       inventorydomain.DateRange
	Constraints Constraints
}

type CheckResult struct {
	Available         bool                             `json:"available"`
	UnitID            snowflake.ID                     `json:"unit_id,omitempty"`
	ConflictingClaims []inventorydomain.DateRangeClaim `json:"conflicting_claims"`
	Violations        []Violation                      `json:"violations"`
	// Candidates lists the free, compliant units when the request named a
	// class.
	Candidates []snowflake.ID `json:"candidates,omitempty"`
}

// Preferences are soft inputs to unit selection.
type Preferences struct {
	Features       []string     `json:"features"`
	PreviousUnitID snowflake.ID `json:"previous_unit_id,omitempty"`
}

type SelectRequest struct {
	TenantID    snowflake.ID
	ClassID     snowflake.ID
	Range       inventorydomain.DateRange
	Constraints Constraints
	Preferences Preferences
}

type ScoredUnit struct {
	Unit         inventorydomain.BookableUnit `json:"unit"`
	Score        float64                      `json:"score"`
	FeatureScore float64                      `json:"feature_score"`
	GapScore     float64                      `json:"gap_score"`
	Returning    bool                         `json:"returning"`
}

type ClaimRequest struct {
	TenantID  snowflake.ID
	UnitID    snowflake.ID
	Range     inventorydomain.DateRange
	Kind      inventorydomain.ClaimKind
	SubjectID snowflake.ID
	// ExpiresAt applies to holds only; zero means now plus the default hold
	// TTL.
	ExpiresAt time.Time
	ActorID   string
	// Constraints are checked against the locked unit before the insert.
	Constraints Constraints
}

// ConvertRequest turns a hold into a reservation for SubjectID. The unit the
// hold sits on must still satisfy Constraints.
type ConvertRequest struct {
	TenantID    snowflake.ID
	HoldID      snowflake.ID
	SubjectID   snowflake.ID
	Constraints Constraints
}

type ClaimOutcome string

const (
	ClaimOutcomeOK       ClaimOutcome = "ok"
	ClaimOutcomeConflict ClaimOutcome = "conflict"
	ClaimOutcomeInvalid  ClaimOutcome = "invalid"
)

// ClaimResult makes the conflict branch explicit. Infrastructure failures
// travel separately as the error return.
type ClaimResult struct {
	Outcome    ClaimOutcome                     `json:"outcome"`
	Claim      *inventorydomain.DateRangeClaim  `json:"claim,omitempty"`
	Conflicts  []inventorydomain.DateRangeClaim `json:"conflicts,omitempty"`
	Violations []Violation                      `json:"violations,omitempty"`
	Reason     string                           `json:"reason,omitempty"`
	Invalid    error                            `json:"-"`
}

func (r ClaimResult) OK() bool { return r.Outcome == ClaimOutcomeOK }

// Err converts a non-ok result into the error taxonomy.
func (r ClaimResult) Err() error {
	switch r.Outcome {
	case ClaimOutcomeOK:
		return nil
	case ClaimOutcomeConflict:
		ids := make([]string, 0, len(r.Conflicts))
		for _, c := range r.Conflicts {
			ids = append(ids, c.ID.String())
		}
		reason := r.Reason
		if reason == "" {
			reason = apperror.ReasonOverlappingClaim
		}
		return &apperror.ConflictError{Reason: reason, ClaimIDs: ids}
	default:
		if r.Invalid != nil {
			return r.Invalid
		}
		return apperror.Invalid("claim", r.Reason)
	}
}

func Conflict(reason string, claims []inventorydomain.DateRangeClaim) ClaimResult {
	return ClaimResult{Outcome: ClaimOutcomeConflict, Reason: reason, Conflicts: claims}
}

func Invalid(err error) ClaimResult {
	return ClaimResult{Outcome: ClaimOutcomeInvalid, Reason: err.Error(), Invalid: err}
}

// Violated refuses a claim on a unit that breaks hard constraints.
func Violated(violations []Violation) ClaimResult {
	details := make([]string, 0, len(violations))
	for _, v := range violations {
		details = append(details, v.Detail)
	}
	res := Invalid(&apperror.ValidationError{
		Field:   "constraints",
		Code:    CodeConstraintViolated,
		Message: strings.Join(details, "; "),
	})
	res.Violations = violations
	return res
}
