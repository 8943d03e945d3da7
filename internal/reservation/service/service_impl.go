package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	availabilitydomain "github.com/smallbiznis/keepr/internal/availability/domain"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/idempotency"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"github.com/smallbiznis/keepr/internal/notification"
	"github.com/smallbiznis/keepr/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/keepr/internal/payment/domain"
	pricingdomain "github.com/smallbiznis/keepr/internal/pricing/domain"
	"github.com/smallbiznis/keepr/internal/reservation/domain"
	"github.com/smallbiznis/keepr/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	scopeBook   = "reservation.book"
	scopeCancel = "reservation.cancel"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Guard        *idempotency.Guard
	Repo         domain.Repository
	Inventory    inventorydomain.Repository
	Availability availabilitydomain.Service
	Pricing      pricingdomain.Service
	Ledger       ledgerdomain.Service
	Processor    paymentdomain.Processor
	Policy       *config.PolicyHolder    `optional:"true"`
	Metrics      *metrics.Metrics        `optional:"true"`
	Dispatcher   notification.Dispatcher `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	guard        *idempotency.Guard
	repo         domain.Repository
	inventory    inventorydomain.Repository
	availability availabilitydomain.Service
	pricing      pricingdomain.Service
	ledger       ledgerdomain.Service
	processor    paymentdomain.Processor
	policy       *config.PolicyHolder
	metrics      *metrics.Metrics
	dispatcher   notification.Dispatcher
}

func New(p Params) domain.Service {
	dispatcher := p.Dispatcher
	if dispatcher == nil {
		dispatcher = notification.NoOpDispatcher{}
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("reservation.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		guard:        p.Guard,
		repo:         p.Repo,
		inventory:    p.Inventory,
		availability: p.Availability,
		pricing:      p.Pricing,
		ledger:       p.Ledger,
		processor:    p.Processor,
		policy:       p.Policy,
		metrics:      p.Metrics,
		dispatcher:   dispatcher,
	}
}

// Book claims a unit, captures the required deposit and records the
// reservation with its deposit entry. The claim and a pending reservation
// commit together with the idempotency record before the processor is
// called, so a retried key resumes that reservation and never charges twice.
func (s *Service) Book(ctx context.Context, req domain.BookRequest) (domain.BookResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := validateBook(req); err != nil {
		return domain.BookResult{}, err
	}

	var out domain.BookResult
	ticket, err := s.guard.Begin(ctx, idempotency.Request{
		TenantID: req.TenantID,
		Scope:    scopeBook,
		Key:      req.IdempotencyKey,
		Payload:  req,
	}, &out)
	if ticket.Replayed {
		out.Replayed = true
		return out, err
	}
	if err != nil {
		return domain.BookResult{}, err
	}

	result, err := s.book(ctx, &ticket, req)
	if err != nil {
		s.settleFailedBooking(ctx, ticket, err)
		return domain.BookResult{}, err
	}
	if err := s.guard.Complete(ctx, ticket, result, &out); err != nil {
		s.log.Warn("complete booking record", zap.Error(err), zap.String("key", req.IdempotencyKey))
		out = result
	}

	if result.Deposit != nil {
		s.ledger.Notify(ctx, *result.Deposit)
	}
	s.dispatch(ctx, notification.EventReservationConfirmed, result.Reservation, map[string]any{
		"unit_id":    result.Reservation.UnitID.String(),
		"claim_id":   result.Reservation.ClaimID.String(),
		"start_date": result.Reservation.StartDate.Format(inventorydomain.DateLayout),
		"end_date":   result.Reservation.EndDate.Format(inventorydomain.DateLayout),
		"total":      result.Reservation.Total,
		"deposit":    result.Reservation.Deposit,
		"currency":   result.Reservation.Currency,
	})
	return out, nil
}

// settleFailedBooking keeps the key pending when a reservation row exists and
// the failure may be transient, so the next request with the key resumes it.
func (s *Service) settleFailedBooking(ctx context.Context, ticket idempotency.Ticket, cause error) {
	var err error
	if ticket.ResourceID != 0 && !apperror.IsBusiness(cause) {
		err = s.guard.Suspend(ctx, ticket)
	} else {
		err = s.guard.Fail(ctx, ticket, cause)
	}
	if err != nil {
		s.log.Warn("settle failed booking", zap.Error(err), zap.String("key", ticket.Key))
	}
}

func (s *Service) book(ctx context.Context, ticket *idempotency.Ticket, req domain.BookRequest) (domain.BookResult, error) {
	var res *domain.Reservation
	if ticket.ResourceID != 0 {
		found, err := s.repo.Find(ctx, s.db, req.TenantID, ticket.ResourceID)
		if err != nil {
			return domain.BookResult{}, err
		}
		if found == nil {
			return domain.BookResult{}, apperror.NotFound("reservation", ticket.ResourceID.String())
		}
		res = found
		s.log.Info("resuming pending booking",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("reservation_id", res.ID.String()),
			zap.String("status", string(res.Status)),
		)
	} else {
		reserved, err := s.reserve(ctx, ticket, req)
		if err != nil {
			return domain.BookResult{}, err
		}
		res = reserved
	}

	switch res.Status {
	case domain.StatusConfirmed:
		return s.confirmedResult(ctx, *res)
	case domain.StatusPending:
		return s.settle(ctx, req, *res)
	default:
		return domain.BookResult{}, bookingFailed(res.ID)
	}
}

// reserve commits the claim, a pending reservation and the link from the
// idempotency record to it in one transaction. A refused claim persists
// nothing.
func (s *Service) reserve(ctx context.Context, ticket *idempotency.Ticket, req domain.BookRequest) (*domain.Reservation, error) {
	unitID, r, err := s.target(ctx, req)
	if err != nil {
		return nil, err
	}

	quote, err := s.pricing.Quote(ctx, pricingdomain.QuoteRequest{
		TenantID:       req.TenantID,
		UnitID:         unitID,
		Range:          r,
		RatePlanCode:   req.RatePlanCode,
		PromoCode:      req.PromoCode,
		TaxExemptCodes: req.TaxExemptCodes,
	})
	if err != nil {
		return nil, err
	}

	claimKind := string(inventorydomain.ClaimKindReservation)
	if req.HoldID != 0 {
		claimKind = "hold_conversion"
	}
	reservationID := s.genID.Generate()

	type reserved struct {
		claim availabilitydomain.ClaimResult
		res   *domain.Reservation
	}
	out, err := db.Retry(ctx, s.retryPolicy(), func() (reserved, error) {
		var out reserved
		err := db.Transaction(ctx, s.db, int64(req.TenantID), func(tx *gorm.DB) error {
			var err error
			if req.HoldID != 0 {
				out.claim, err = s.availability.ConvertHoldTx(ctx, tx, availabilitydomain.ConvertRequest{
					TenantID:    req.TenantID,
					HoldID:      req.HoldID,
					SubjectID:   reservationID,
					Constraints: req.Constraints,
				})
			} else {
				out.claim, err = s.availability.CreateClaimTx(ctx, tx, availabilitydomain.ClaimRequest{
					TenantID:    req.TenantID,
					UnitID:      unitID,
					Range:       r,
					Kind:        inventorydomain.ClaimKindReservation,
					SubjectID:   reservationID,
					ActorID:     req.ActorID,
					Constraints: req.Constraints,
				})
			}
			if err != nil || !out.claim.OK() {
				return err
			}

			res := newReservation(reservationID, req, out.claim.Claim, quote, s.clock.Now())
			if err := s.repo.Insert(ctx, tx, &res); err != nil {
				return err
			}
			if err := s.guard.Attach(ctx, tx, *ticket, res.ID); err != nil {
				return err
			}
			out.res = &res
			return nil
		})
		return out, err
	})
	if err != nil {
		if !db.IsExclusionViolation(err) {
			return nil, err
		}
		out.claim = availabilitydomain.Conflict(apperror.ReasonOverlappingClaim, nil)
	}

	s.metrics.RecordClaim(ctx, claimKind, string(out.claim.Outcome))
	if !out.claim.OK() {
		return nil, out.claim.Err()
	}
	ticket.ResourceID = out.res.ID
	s.log.Info("reservation pending",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("reservation_id", out.res.ID.String()),
		zap.String("claim_id", out.res.ClaimID.String()),
		zap.String("unit_id", out.res.UnitID.String()),
	)
	return out.res, nil
}

func newReservation(id snowflake.ID, req domain.BookRequest, claim *inventorydomain.DateRangeClaim, quote pricingdomain.Quote, now time.Time) domain.Reservation {
	return domain.Reservation{
		ID:            id,
		TenantID:      req.TenantID,
		UnitID:        claim.UnitID,
		ClaimID:       claim.ID,
		StartDate:     claim.StartDate,
		EndDate:       claim.EndDate,
		Status:        domain.StatusPending,
		Currency:      quote.Currency,
		Total:         quote.Total,
		Deposit:       quote.RequiredDeposit,
		RatePlanCode:  quote.RatePlanCode,
		PromotionCode: quote.PromotionCode,
		RateVersion:   quote.RateVersion,
		TaxVersion:    quote.TaxVersion,
		GuestRef:      strings.TrimSpace(req.GuestRef),
		CreatedBy:     req.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Quote:         datatypes.NewJSONType(quote),
	}
}

// settle collects the deposit of a pending reservation and confirms it. The
// processor keys derive from the booking key, so a resumed attempt reuses
// the authorization and capture of the one it replaces.
func (s *Service) settle(ctx context.Context, req domain.BookRequest, res domain.Reservation) (domain.BookResult, error) {
	quote := res.Quote.Data()

	var txn *paymentdomain.Transaction
	if res.Deposit > 0 {
		collected, err := s.collectDeposit(ctx, req, quote)
		if err != nil {
			if apperror.IsBusiness(err) {
				s.abort(ctx, res)
			}
			return domain.BookResult{}, err
		}
		txn = collected
	}

	var (
		confirmed domain.Reservation
		deposit   *ledgerdomain.Entry
	)
	err := db.Transaction(ctx, s.db, int64(res.TenantID), func(tx *gorm.DB) error {
		deposit = nil
		locked, err := s.repo.Lock(ctx, tx, res.TenantID, res.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return apperror.NotFound("reservation", res.ID.String())
		}
		if locked.Status != domain.StatusPending {
			confirmed = *locked
			return nil
		}

		locked.Status = domain.StatusConfirmed
		locked.UpdatedAt = s.clock.Now()
		if txn != nil {
			locked.Provider = txn.Provider
			locked.ProcessorTransactionID = txn.ID
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		confirmed = *locked
		if locked.Deposit == 0 {
			return nil
		}
		entry, err := s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
			TenantID:       locked.TenantID,
			SubjectType:    ledgerdomain.SubjectReservation,
			SubjectID:      locked.ID,
			Kind:           ledgerdomain.KindDeposit,
			Amount:         locked.Deposit,
			Currency:       locked.Currency,
			IdempotencyKey: fmt.Sprintf("reservation:%s:deposit", locked.ID),
			ActorID:        req.ActorID,
			Metadata: map[string]any{
				"provider":                 locked.Provider,
				"processor_transaction_id": locked.ProcessorTransactionID,
			},
		})
		if err != nil {
			return err
		}
		deposit = &entry
		return nil
	})
	if err != nil {
		s.log.Error("confirm reservation",
			zap.Error(err),
			zap.String("tenant_id", res.TenantID.String()),
			zap.String("reservation_id", res.ID.String()),
		)
		return domain.BookResult{}, err
	}
	switch confirmed.Status {
	case domain.StatusConfirmed:
	case domain.StatusFailed:
		return domain.BookResult{}, bookingFailed(confirmed.ID)
	default:
		return domain.BookResult{}, &apperror.ConflictError{Reason: domain.ReasonBookingInProgress}
	}
	if deposit == nil && confirmed.Deposit > 0 {
		return s.confirmedResult(ctx, confirmed)
	}

	s.log.Info("reservation confirmed",
		zap.String("tenant_id", confirmed.TenantID.String()),
		zap.String("reservation_id", confirmed.ID.String()),
		zap.String("unit_id", confirmed.UnitID.String()),
		zap.Int64("total", confirmed.Total),
		zap.Int64("deposit", confirmed.Deposit),
	)
	return domain.BookResult{Reservation: confirmed, Quote: quote, Deposit: deposit}, nil
}

// confirmedResult rebuilds the booking answer from a reservation an earlier
// attempt already confirmed.
func (s *Service) confirmedResult(ctx context.Context, res domain.Reservation) (domain.BookResult, error) {
	result := domain.BookResult{Reservation: res, Quote: res.Quote.Data()}
	if res.Deposit == 0 {
		return result, nil
	}
	entries, err := s.ledger.ListEntries(ctx, res.TenantID, ledgerdomain.ListEntriesRequest{
		SubjectType: ledgerdomain.SubjectReservation,
		SubjectID:   res.ID,
	})
	if err != nil {
		return domain.BookResult{}, err
	}
	for i := range entries.Entries {
		if entries.Entries[i].Kind == ledgerdomain.KindDeposit {
			result.Deposit = &entries.Entries[i]
			break
		}
	}
	return result, nil
}

// abort marks a pending reservation failed after its deposit was refused and
// frees the unit. A converted hold is not restored.
func (s *Service) abort(ctx context.Context, res domain.Reservation) {
	err := db.Transaction(ctx, s.db, int64(res.TenantID), func(tx *gorm.DB) error {
		locked, err := s.repo.Lock(ctx, tx, res.TenantID, res.ID)
		if err != nil || locked == nil || locked.Status != domain.StatusPending {
			return err
		}
		locked.Status = domain.StatusFailed
		locked.UpdatedAt = s.clock.Now()
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		s.log.Error("mark reservation failed",
			zap.Error(err),
			zap.String("tenant_id", res.TenantID.String()),
			zap.String("reservation_id", res.ID.String()),
		)
		return
	}
	s.release(ctx, res.TenantID, res.ClaimID, availabilitydomain.ReleaseReasonFailed)
}

func bookingFailed(reservationID snowflake.ID) error {
	return &apperror.ValidationError{
		Field:   "reservation",
		Code:    domain.CodeBookingFailed,
		Message: fmt.Sprintf("reservation %s failed to collect its deposit", reservationID),
	}
}

// target resolves the unit and stay range a booking will claim.
func (s *Service) target(ctx context.Context, req domain.BookRequest) (snowflake.ID, inventorydomain.DateRange, error) {
	switch {
	case req.HoldID != 0:
		hold, err := s.inventory.FindClaim(ctx, s.db, req.TenantID, req.HoldID, false)
		if err != nil {
			return 0, inventorydomain.DateRange{}, err
		}
		if hold == nil {
			return 0, inventorydomain.DateRange{}, apperror.NotFound("claim", req.HoldID.String())
		}
		if hold.Kind != inventorydomain.ClaimKindHold {
			return 0, inventorydomain.DateRange{}, apperror.Invalid("hold_id", "claim is not a hold")
		}
		if !req.Range.Start.IsZero() && !req.Range.Equal(hold.Range()) {
			return 0, inventorydomain.DateRange{}, apperror.Invalid("range", "does not match the hold")
		}
		return hold.UnitID, hold.Range(), nil
	case req.UnitID != 0:
		return req.UnitID, req.Range, nil
	default:
		best, err := s.availability.SelectBestUnit(ctx, availabilitydomain.SelectRequest{
			TenantID:    req.TenantID,
			ClassID:     req.ClassID,
			Range:       req.Range,
			Constraints: req.Constraints,
			Preferences: req.Preferences,
		})
		if err != nil {
			return 0, inventorydomain.DateRange{}, err
		}
		if best == nil {
			return 0, inventorydomain.DateRange{}, &apperror.ConflictError{Reason: domain.ReasonNoUnitAvailable}
		}
		return best.Unit.ID, req.Range, nil
	}
}

func (s *Service) collectDeposit(ctx context.Context, req domain.BookRequest, quote pricingdomain.Quote) (*paymentdomain.Transaction, error) {
	provider := s.processor.Provider()
	auth, err := s.processor.Authorize(ctx, paymentdomain.AuthorizeRequest{
		TenantID:       req.TenantID,
		Amount:         quote.RequiredDeposit,
		Currency:       quote.Currency,
		PaymentMethod:  req.PaymentMethod,
		Description:    "reservation deposit",
		IdempotencyKey: processorKey(req.TenantID, req.IdempotencyKey, "authorize"),
		Metadata:       map[string]string{"guest_ref": req.GuestRef},
	})
	if err != nil {
		s.paymentFailed(ctx, provider, "authorize", err)
		return nil, err
	}
	s.metrics.RecordPaymentEvent(ctx, provider, "authorized")

	captured, err := s.processor.Capture(ctx, paymentdomain.CaptureRequest{
		TenantID:       req.TenantID,
		TransactionID:  auth.ID,
		Amount:         quote.RequiredDeposit,
		Currency:       quote.Currency,
		IdempotencyKey: processorKey(req.TenantID, req.IdempotencyKey, "capture"),
	})
	if err != nil {
		s.paymentFailed(ctx, provider, "capture", err)
		return nil, err
	}
	s.metrics.RecordPaymentEvent(ctx, provider, "captured")
	return &captured, nil
}

func (s *Service) paymentFailed(ctx context.Context, provider, op string, err error) {
	event := "error"
	if errors.Is(err, paymentdomain.ErrDeclined) {
		event = "declined"
	}
	s.metrics.RecordPaymentEvent(ctx, provider, event)
	s.log.Warn("deposit payment failed",
		zap.String("provider", provider),
		zap.String("operation", op),
		zap.Error(err),
	)
}

func (s *Service) release(ctx context.Context, tenantID, claimID snowflake.ID, reason string) {
	if _, err := s.availability.ReleaseClaim(ctx, tenantID, claimID, reason); err != nil {
		s.log.Error("release claim",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
			zap.String("claim_id", claimID.String()),
		)
	}
}

// Cancel refunds the captured deposit, records the refund entry and frees
// the unit. Cancelling an already cancelled reservation only makes sure its
// claim is released.
func (s *Service) Cancel(ctx context.Context, req domain.CancelRequest) (domain.CancelResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.TenantID == 0:
		return domain.CancelResult{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	case req.ReservationID == 0:
		return domain.CancelResult{}, apperror.FromSentinel(domain.ErrInvalidReservation)
	case req.IdempotencyKey == "":
		return domain.CancelResult{}, apperror.FromSentinel(domain.ErrInvalidKey)
	}

	var out domain.CancelResult
	ticket, err := s.guard.Begin(ctx, idempotency.Request{
		TenantID: req.TenantID,
		Scope:    scopeCancel,
		Key:      req.IdempotencyKey,
		Payload: map[string]any{
			"reservation_id": req.ReservationID.String(),
			"reason":         req.Reason,
		},
	}, &out)
	if ticket.Replayed {
		out.Replayed = true
		return out, err
	}
	if err != nil {
		return domain.CancelResult{}, err
	}

	result, err := s.cancel(ctx, req)
	if err != nil {
		if settleErr := s.guard.Fail(ctx, ticket, err); settleErr != nil {
			s.log.Warn("settle failed cancellation", zap.Error(settleErr), zap.String("key", req.IdempotencyKey))
		}
		return domain.CancelResult{}, err
	}
	if err := s.guard.Complete(ctx, ticket, result, &out); err != nil {
		s.log.Warn("complete cancellation record", zap.Error(err), zap.String("key", req.IdempotencyKey))
		out = result
	}

	if result.Refund != nil {
		s.ledger.Notify(ctx, *result.Refund)
	}
	s.dispatch(ctx, notification.EventReservationCancelled, result.Reservation, map[string]any{
		"claim_id": result.Reservation.ClaimID.String(),
		"refunded": result.Reservation.Refunded,
		"reason":   result.Reservation.CancelReason,
	})
	return out, nil
}

func (s *Service) cancel(ctx context.Context, req domain.CancelRequest) (domain.CancelResult, error) {
	res, err := s.repo.Find(ctx, s.db, req.TenantID, req.ReservationID)
	if err != nil {
		return domain.CancelResult{}, err
	}
	if res == nil {
		return domain.CancelResult{}, apperror.NotFound("reservation", req.ReservationID.String())
	}
	switch res.Status {
	case domain.StatusCancelled, domain.StatusFailed:
		s.release(ctx, req.TenantID, res.ClaimID, availabilitydomain.ReleaseReasonCancelled)
		return domain.CancelResult{Reservation: *res}, nil
	case domain.StatusPending:
		return domain.CancelResult{}, &apperror.ConflictError{Reason: domain.ReasonBookingInProgress}
	}

	var refundTxn *paymentdomain.Transaction
	if res.Deposit > 0 && res.ProcessorTransactionID != "" {
		txn, err := s.processor.Refund(ctx, paymentdomain.RefundRequest{
			TenantID:       req.TenantID,
			TransactionID:  res.ProcessorTransactionID,
			Amount:         res.Deposit,
			Currency:       res.Currency,
			Reason:         req.Reason,
			IdempotencyKey: processorKey(req.TenantID, req.IdempotencyKey, "refund"),
		})
		if err != nil {
			s.paymentFailed(ctx, s.processor.Provider(), "refund", err)
			return domain.CancelResult{}, err
		}
		s.metrics.RecordPaymentEvent(ctx, txn.Provider, "refunded")
		refundTxn = &txn
	}

	var (
		updated domain.Reservation
		refund  *ledgerdomain.Entry
	)
	err = db.Transaction(ctx, s.db, int64(req.TenantID), func(tx *gorm.DB) error {
		refund = nil
		locked, err := s.repo.Lock(ctx, tx, req.TenantID, req.ReservationID)
		if err != nil {
			return err
		}
		if locked == nil {
			return apperror.NotFound("reservation", req.ReservationID.String())
		}
		if locked.Status != domain.StatusConfirmed {
			updated = *locked
			return nil
		}

		now := s.clock.Now()
		locked.Status = domain.StatusCancelled
		locked.CancelReason = strings.TrimSpace(req.Reason)
		locked.CancelledAt = &now
		locked.UpdatedAt = now
		if refundTxn != nil {
			locked.Refunded = locked.Deposit
			locked.RefundTransactionID = refundTxn.ID
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		updated = *locked
		if refundTxn == nil {
			return nil
		}
		entry, err := s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
			TenantID:       req.TenantID,
			SubjectType:    ledgerdomain.SubjectReservation,
			SubjectID:      locked.ID,
			Kind:           ledgerdomain.KindRefund,
			Amount:         -locked.Refunded,
			Currency:       locked.Currency,
			IdempotencyKey: fmt.Sprintf("reservation:%s:refund", locked.ID),
			ActorID:        req.ActorID,
			Metadata: map[string]any{
				"provider":                 refundTxn.Provider,
				"processor_transaction_id": refundTxn.ID,
			},
		})
		if err != nil {
			return err
		}
		refund = &entry
		return nil
	})
	if err != nil {
		return domain.CancelResult{}, err
	}

	s.release(ctx, req.TenantID, updated.ClaimID, availabilitydomain.ReleaseReasonCancelled)
	s.log.Info("reservation cancelled",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("reservation_id", updated.ID.String()),
		zap.Int64("refunded", updated.Refunded),
	)
	return domain.CancelResult{Reservation: updated, Refund: refund}, nil
}

func (s *Service) Get(ctx context.Context, tenantID, reservationID snowflake.ID) (domain.Reservation, error) {
	if tenantID == 0 {
		return domain.Reservation{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	res, err := s.repo.Find(ctx, s.db, tenantID, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res == nil {
		return domain.Reservation{}, apperror.NotFound("reservation", reservationID.String())
	}
	return *res, nil
}

func (s *Service) retryPolicy() db.RetryPolicy {
	if s.policy == nil {
		return db.RetryPolicy{}
	}
	r := s.policy.Get().Retry
	return db.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
	}
}

func (s *Service) dispatch(ctx context.Context, eventType string, res domain.Reservation, data map[string]any) {
	evt := notification.NewEvent(ctx, eventType, res.TenantID, res.ID, s.clock.Now(), data)
	s.dispatcher.Dispatch(ctx, evt)
}

func validateBook(req domain.BookRequest) error {
	if req.TenantID == 0 {
		return apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	if req.IdempotencyKey == "" {
		return apperror.FromSentinel(domain.ErrInvalidKey)
	}
	if req.HoldID == 0 && req.UnitID == 0 && req.ClassID == 0 {
		return apperror.FromSentinel(domain.ErrInvalidTarget)
	}
	if req.HoldID == 0 && !req.Range.End.After(req.Range.Start) {
		return apperror.FromSentinel(domain.ErrInvalidRange)
	}
	return nil
}

func processorKey(tenantID snowflake.ID, key, op string) string {
	return fmt.Sprintf("%s:%s:%s", tenantID, key, op)
}
