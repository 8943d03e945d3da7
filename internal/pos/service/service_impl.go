package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"github.com/smallbiznis/keepr/internal/notification"
	"github.com/smallbiznis/keepr/internal/observability/metrics"
	"github.com/smallbiznis/keepr/internal/pos/domain"
	pricingdomain "github.com/smallbiznis/keepr/internal/pricing/domain"
	storedvaluedomain "github.com/smallbiznis/keepr/internal/storedvalue/domain"
	"github.com/smallbiznis/keepr/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxDeviceIDLength = 64
	tendersSavePoint  = "offline_tenders"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Policy      *config.PolicyHolder
	Repo        domain.Repository
	Pricing     pricingdomain.Service
	Ledger      ledgerdomain.Service
	StoredValue storedvaluedomain.Service
	Metrics     *metrics.Metrics        `optional:"true"`
	Dispatcher  notification.Dispatcher `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	policy      *config.PolicyHolder
	repo        domain.Repository
	pricing     pricingdomain.Service
	ledger      ledgerdomain.Service
	storedValue storedvaluedomain.Service
	metrics     *metrics.Metrics
	dispatcher  notification.Dispatcher
}

func New(p Params) domain.Service {
	dispatcher := p.Dispatcher
	if dispatcher == nil {
		dispatcher = notification.NoOpDispatcher{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("pos.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		policy:      p.Policy,
		repo:        p.Repo,
		pricing:     p.Pricing,
		ledger:      p.Ledger,
		storedValue: p.StoredValue,
		metrics:     p.Metrics,
		dispatcher:  dispatcher,
	}
}

// posted collects what a transaction wrote so it can be announced after
// commit.
type posted struct {
	charges     []ledgerdomain.Entry
	storedValue []storedvaluedomain.Result
	change      int64
}

func (p posted) entries() []ledgerdomain.Entry {
	out := make([]ledgerdomain.Entry, 0, len(p.charges)+len(p.storedValue))
	for _, res := range p.storedValue {
		out = append(out, res.Entry)
	}
	return append(out, p.charges...)
}

func (s *Service) ReplayOffline(ctx context.Context, req domain.ReplayRequest) (domain.ReplayResult, error) {
	req, lines, err := normalizeReplay(req)
	if err != nil {
		return domain.ReplayResult{}, err
	}

	existing, err := s.repo.FindBySequence(ctx, s.db, req.TenantID, req.DeviceID, req.SequenceNumber)
	if err != nil {
		return domain.ReplayResult{}, err
	}
	if existing != nil {
		return s.duplicate(ctx, *existing), nil
	}

	computed, reason, err := s.recompute(ctx, req, lines)
	if err != nil {
		return domain.ReplayResult{}, err
	}

	retry := s.policy.Get().Retry
	var out posted
	record, err := db.Retry(ctx, db.RetryPolicy{
		MaxAttempts:     retry.MaxAttempts,
		InitialInterval: retry.InitialInterval,
		MaxInterval:     retry.MaxInterval,
	}, func() (domain.Record, error) {
		var (
			record domain.Record
			err    error
		)
		record, out, err = s.apply(ctx, req, computed, reason)
		return record, err
	})
	if db.IsDuplicateKeyErr(err) {
		existing, findErr := s.repo.FindBySequence(ctx, s.db, req.TenantID, req.DeviceID, req.SequenceNumber)
		if findErr != nil {
			return domain.ReplayResult{}, findErr
		}
		if existing != nil {
			return s.duplicate(ctx, *existing), nil
		}
	}
	if err != nil {
		return domain.ReplayResult{}, err
	}

	res := resultOf(record)
	res.Change = out.change
	res.Entries = out.entries()
	if record.Status == domain.StatusApplied {
		res.Applied = true
		s.storedValue.Notify(ctx, out.storedValue...)
		s.ledger.Notify(ctx, out.charges...)
		s.metrics.RecordOfflineReplay(ctx, "posted")
		s.dispatch(ctx, notification.EventOfflineApplied, record)
		s.log.Info("offline sale applied",
			zap.String("tenant_id", record.TenantID.String()),
			zap.String("device_id", record.DeviceID),
			zap.Int64("sequence_number", record.SequenceNumber),
			zap.String("order_id", record.OrderID.String()),
			zap.Int64("total", record.ComputedTotal),
		)
		return res, nil
	}

	res.NeedsReview = true
	s.metrics.RecordOfflineReplay(ctx, "needs_review")
	s.dispatch(ctx, notification.EventOfflineNeedsReview, record)
	s.log.Warn("offline sale parked for review",
		zap.String("tenant_id", record.TenantID.String()),
		zap.String("device_id", record.DeviceID),
		zap.Int64("sequence_number", record.SequenceNumber),
		zap.String("record_id", record.ID.String()),
		zap.String("reason", record.ReviewNote),
	)
	return res, nil
}

// recompute prices the recorded lines against the current catalog. A reason
// is returned instead of an error when the sale cannot be posted as
// recorded, since the sale already happened.
func (s *Service) recompute(ctx context.Context, req domain.ReplayRequest, lines []pricingdomain.OrderLine) (domain.Totals, string, error) {
	totals, err := s.pricing.PriceOrder(ctx, req.TenantID, lines)
	if errors.Is(err, apperror.ErrValidation) || errors.Is(err, apperror.ErrNotFound) {
		return domain.Totals{}, "pricing_failed: " + err.Error(), nil
	}
	if err != nil {
		return domain.Totals{}, "", err
	}

	computed := domain.Totals{Subtotal: totals.Subtotal, Tax: totals.Tax, Total: totals.Total}
	tolerance := s.policy.Get().Replay.Tolerance
	switch {
	case totals.Currency != req.Currency:
		return computed, fmt.Sprintf("currency_mismatch: recorded %s, catalog %s", req.Currency, totals.Currency), nil
	case !req.Recorded.Within(computed, tolerance):
		return computed, fmt.Sprintf("totals_mismatch: recorded %d/%d/%d, computed %d/%d/%d",
			req.Recorded.Subtotal, req.Recorded.Tax, req.Recorded.Total,
			computed.Subtotal, computed.Tax, computed.Total), nil
	}
	if tendered := sumTenders(req.Operations); tendered < computed.Total {
		return computed, fmt.Sprintf("tenders_short: tendered %d of %d", tendered, computed.Total), nil
	}
	return computed, "", nil
}

// apply writes the record and, when nothing needs review, its postings in
// one transaction. A stored value rejection rolls the postings back to the
// savepoint and parks the record instead.
func (s *Service) apply(ctx context.Context, req domain.ReplayRequest, computed domain.Totals, reason string) (domain.Record, posted, error) {
	now := s.clock.Now()
	record := domain.Record{
		ID:               s.genID.Generate(),
		TenantID:         req.TenantID,
		DeviceID:         req.DeviceID,
		SequenceNumber:   req.SequenceNumber,
		OrderID:          s.genID.Generate(),
		Status:           domain.StatusApplied,
		Currency:         req.Currency,
		RecordedSubtotal: req.Recorded.Subtotal,
		RecordedTax:      req.Recorded.Tax,
		RecordedTotal:    req.Recorded.Total,
		ComputedSubtotal: computed.Subtotal,
		ComputedTax:      computed.Tax,
		ComputedTotal:    computed.Total,
		Operations:       withoutPINs(req.Operations),
		ReviewNote:       reason,
		ActorID:          req.ActorID,
		RecordedAt:       req.RecordedAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if reason != "" {
		record.Status = domain.StatusNeedsReview
	}

	var out posted
	err := db.Transaction(ctx, s.db, int64(req.TenantID), func(tx *gorm.DB) error {
		out = posted{}
		if err := s.repo.Insert(ctx, tx, &record); err != nil {
			return err
		}
		if record.Status != domain.StatusApplied {
			return nil
		}

		if err := tx.SavePoint(tendersSavePoint).Error; err != nil {
			return err
		}
		var err error
		out, err = s.postTenders(ctx, tx, record, domain.Tenders(req.Operations), record.ComputedTotal, false)
		if err == nil {
			return nil
		}
		if !apperror.IsBusiness(err) {
			return err
		}
		if err := tx.RollbackTo(tendersSavePoint).Error; err != nil {
			return err
		}
		out = posted{}
		record.Status = domain.StatusNeedsReview
		record.ReviewNote = "tender_rejected: " + err.Error()
		record.UpdatedAt = s.clock.Now()
		return s.repo.Update(ctx, tx, &record)
	})
	if err != nil {
		return domain.Record{}, posted{}, err
	}
	return record, out, nil
}

// postTenders allocates tenders to due in the order they were taken and
// posts one charge per tender that covers part of it. Whatever is left over
// is change. Stored value tenders are drawn from the account in the same
// transaction; override draws them as a manager adjustment that needs no PIN.
func (s *Service) postTenders(ctx context.Context, tx *gorm.DB, record domain.Record, tenders []domain.Operation, due int64, override bool) (posted, error) {
	var out posted
	remaining := due
	for i, tender := range tenders {
		amount := min(tender.Amount, remaining)
		if amount <= 0 {
			out.change += tender.Amount
			continue
		}
		remaining -= amount
		out.change += tender.Amount - amount

		key := fmt.Sprintf("pos:%s:%d:%d", record.DeviceID, record.SequenceNumber, i)
		metadata := map[string]any{
			"device_id":       record.DeviceID,
			"sequence_number": record.SequenceNumber,
			"record_id":       record.ID.String(),
			"method":          string(tender.Method),
		}
		if tender.Reference != "" {
			metadata["reference"] = tender.Reference
		}

		if tender.Method == domain.TenderStoredValue {
			kind := ledgerdomain.KindRedeem
			if override {
				kind = ledgerdomain.KindAdjust
			}
			res, err := s.storedValue.AdjustTx(ctx, tx, storedvaluedomain.AdjustRequest{
				TenantID:       record.TenantID,
				AccountID:      tender.AccountID,
				Delta:          -amount,
				Kind:           kind,
				IdempotencyKey: key + ":stored_value",
				PIN:            tender.PIN,
				Reference:      record.OrderID.String(),
				ActorID:        record.ActorID,
			})
			if err != nil {
				return posted{}, err
			}
			out.storedValue = append(out.storedValue, res)
			metadata["stored_value_account_id"] = tender.AccountID.String()
		}

		entry, err := s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
			TenantID:       record.TenantID,
			SubjectType:    ledgerdomain.SubjectPOSOrder,
			SubjectID:      record.OrderID,
			Kind:           ledgerdomain.KindCharge,
			Amount:         amount,
			Currency:       record.Currency,
			IdempotencyKey: key,
			ActorID:        record.ActorID,
			Metadata:       metadata,
		})
		if err != nil {
			return posted{}, err
		}
		out.charges = append(out.charges, entry)
	}
	return out, nil
}

func (s *Service) ResolveReview(ctx context.Context, req domain.ResolveRequest) (domain.ResolveResult, error) {
	if req.TenantID == 0 {
		return domain.ResolveResult{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	if req.RecordID == 0 {
		return domain.ResolveResult{}, apperror.FromSentinel(domain.ErrInvalidRecord)
	}
	if req.Action != domain.ActionAccept && req.Action != domain.ActionDismiss {
		return domain.ResolveResult{}, apperror.FromSentinel(domain.ErrInvalidAction)
	}
	req.Note = strings.TrimSpace(req.Note)

	retry := s.policy.Get().Retry
	var out posted
	record, err := db.Retry(ctx, db.RetryPolicy{
		MaxAttempts:     retry.MaxAttempts,
		InitialInterval: retry.InitialInterval,
		MaxInterval:     retry.MaxInterval,
	}, func() (domain.Record, error) {
		var record domain.Record
		err := db.Transaction(ctx, s.db, int64(req.TenantID), func(tx *gorm.DB) error {
			out = posted{}
			locked, err := s.repo.Lock(ctx, tx, req.TenantID, req.RecordID)
			if err != nil {
				return err
			}
			if locked == nil {
				return apperror.NotFound("offline_replay_record", req.RecordID.String())
			}
			if locked.Status != domain.StatusNeedsReview {
				return apperror.Invalid("status", "record is "+string(locked.Status))
			}
			record = *locked

			record.Status = domain.StatusDismissed
			if req.Action == domain.ActionAccept {
				record.Status = domain.StatusResolved
				if out, err = s.postTenders(ctx, tx, record, record.Tenders(), record.RecordedTotal, true); err != nil {
					return err
				}
			}
			now := s.clock.Now()
			record.ResolvedAt = &now
			record.ResolvedBy = req.ActorID
			record.UpdatedAt = now
			if req.Note != "" {
				record.ReviewNote = strings.TrimSpace(record.ReviewNote + "\n" + req.Note)
			}
			return s.repo.Update(ctx, tx, &record)
		})
		return record, err
	})
	if err != nil {
		return domain.ResolveResult{}, err
	}

	if record.Status == domain.StatusResolved {
		s.storedValue.Notify(ctx, out.storedValue...)
		s.ledger.Notify(ctx, out.charges...)
		s.dispatch(ctx, notification.EventOfflineApplied, record)
	}
	s.metrics.RecordOfflineReplay(ctx, string(record.Status))
	s.log.Info("offline review resolved",
		zap.String("tenant_id", record.TenantID.String()),
		zap.String("record_id", record.ID.String()),
		zap.String("action", string(req.Action)),
		zap.String("actor", req.ActorID),
	)
	return domain.ResolveResult{Record: record, Entries: out.entries()}, nil
}

func (s *Service) Get(ctx context.Context, tenantID, recordID snowflake.ID) (domain.Record, error) {
	if tenantID == 0 {
		return domain.Record{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	record, err := s.repo.Find(ctx, s.db, tenantID, recordID)
	if err != nil {
		return domain.Record{}, err
	}
	if record == nil {
		return domain.Record{}, apperror.NotFound("offline_replay_record", recordID.String())
	}
	return *record, nil
}

func (s *Service) duplicate(ctx context.Context, record domain.Record) domain.ReplayResult {
	s.metrics.RecordOfflineReplay(ctx, "duplicate")
	s.log.Info("offline sale already replayed",
		zap.String("tenant_id", record.TenantID.String()),
		zap.String("device_id", record.DeviceID),
		zap.Int64("sequence_number", record.SequenceNumber),
	)
	res := resultOf(record)
	res.Duplicate = true
	return res
}

func (s *Service) dispatch(ctx context.Context, eventType string, record domain.Record) {
	s.dispatcher.Dispatch(ctx, notification.NewEvent(ctx, eventType, record.TenantID, record.ID, record.UpdatedAt, map[string]any{
		"record_id":       record.ID.String(),
		"order_id":        record.OrderID.String(),
		"device_id":       record.DeviceID,
		"sequence_number": record.SequenceNumber,
		"status":          string(record.Status),
		"recorded_total":  record.RecordedTotal,
		"computed_total":  record.ComputedTotal,
		"review_note":     record.ReviewNote,
	}))
}

func resultOf(record domain.Record) domain.ReplayResult {
	return domain.ReplayResult{
		RecordID:   record.ID,
		OrderID:    record.OrderID,
		Status:     record.Status,
		Recorded:   record.Recorded(),
		Computed:   record.Computed(),
		ReviewNote: record.ReviewNote,
		Entries:    []ledgerdomain.Entry{},
	}
}

// ReviewError describes a parked replay for callers that surface it as an
// error.
func ReviewError(res domain.ReplayResult) error {
	if !res.NeedsReview {
		return nil
	}
	return &apperror.NeedsReviewError{
		RecordID: res.RecordID.String(),
		Reason:   res.ReviewNote,
		Recorded: apperror.Totals(res.Recorded),
		Computed: apperror.Totals(res.Computed),
	}
}

func normalizeReplay(req domain.ReplayRequest) (domain.ReplayRequest, []pricingdomain.OrderLine, error) {
	if req.TenantID == 0 {
		return req, nil, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" || len(req.DeviceID) > maxDeviceIDLength {
		return req, nil, apperror.FromSentinel(domain.ErrInvalidDevice)
	}
	if req.SequenceNumber <= 0 {
		return req, nil, apperror.FromSentinel(domain.ErrInvalidSequence)
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		return req, nil, apperror.FromSentinel(domain.ErrInvalidCurrency)
	}
	if req.Recorded.Subtotal < 0 || req.Recorded.Tax < 0 || req.Recorded.Total < 0 {
		return req, nil, apperror.FromSentinel(domain.ErrInvalidTotals)
	}

	var lines []pricingdomain.OrderLine
	for _, op := range req.Operations {
		switch op.Type {
		case domain.OperationLine:
			if strings.TrimSpace(op.SKU) == "" || op.Quantity <= 0 {
				return req, nil, apperror.FromSentinel(domain.ErrInvalidOperations)
			}
			lines = append(lines, pricingdomain.OrderLine{SKU: strings.TrimSpace(op.SKU), Quantity: op.Quantity})
		case domain.OperationTender:
			if !op.Method.Valid() || op.Amount <= 0 {
				return req, nil, apperror.FromSentinel(domain.ErrInvalidTender)
			}
			if op.Method == domain.TenderStoredValue && op.AccountID == 0 {
				return req, nil, apperror.FromSentinel(domain.ErrInvalidTender)
			}
		default:
			return req, nil, apperror.FromSentinel(domain.ErrInvalidOperations)
		}
	}
	if len(lines) == 0 {
		return req, nil, apperror.FromSentinel(domain.ErrInvalidOperations)
	}
	if req.RecordedAt.IsZero() {
		return req, nil, apperror.Invalid("recorded_at", "recorded_at is required")
	}
	req.RecordedAt = req.RecordedAt.UTC()
	return req, lines, nil
}

func sumTenders(ops []domain.Operation) int64 {
	var total int64
	for _, op := range domain.Tenders(ops) {
		total += op.Amount
	}
	return total
}

// withoutPINs copies ops with PINs cleared so they are never persisted.
func withoutPINs(ops []domain.Operation) []domain.Operation {
	out := make([]domain.Operation, len(ops))
	for i, op := range ops {
		op.PIN = ""
		out[i] = op
	}
	return out
}
