package notification

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/keepr/pkg/telemetry/correlation"
)

const (
	EventReservationConfirmed = "reservation.confirmed"
	EventReservationCancelled = "reservation.cancelled"
	EventStoredValueIssued    = "stored_value.issued"
	EventStoredValueRedeemed  = "stored_value.redeemed"
	EventStoredValueAdjusted  = "stored_value.adjusted"
	EventStoredValueVoided    = "stored_value.voided"
	EventStoredValueExpired   = "stored_value.expired"
	EventLedgerEntryPosted    = "ledger.entry_posted"
	EventOfflineApplied       = "pos.offline_applied"
	EventOfflineNeedsReview   = "pos.offline_needs_review"
	EventHoldExpired          = "claim.hold_expired"
)

// Event is the JSON envelope published for downstream collaborators.
type Event struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	TenantID      string            `json:"tenant_id"`
	SubjectID     string            `json:"subject_id,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          map[string]any    `json:"data,omitempty"`
	Headers       map[string]string `json:"-"`
}

// NewEvent stamps a ULID and the request correlation onto an event.
func NewEvent(ctx context.Context, eventType string, tenantID, subjectID snowflake.ID, occurredAt time.Time, data map[string]any) Event {
	headers := correlation.Headers(ctx)
	evt := Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		TenantID:      tenantID.String(),
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: headers["correlation_id"],
		Data:          data,
		Headers:       headers,
	}
	if subjectID != 0 {
		evt.SubjectID = subjectID.String()
	}
	return evt
}
