package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/availability/domain"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/inventory/calendar"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	"github.com/smallbiznis/keepr/internal/notification"
	"github.com/smallbiznis/keepr/internal/observability/metrics"
	"github.com/smallbiznis/keepr/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Inventory  inventorydomain.Service
	Repo       inventorydomain.Repository
	Metrics    *metrics.Metrics        `optional:"true"`
	Dispatcher notification.Dispatcher `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.PolicyHolder
	inventory  inventorydomain.Service
	repo       inventorydomain.Repository
	metrics    *metrics.Metrics
	dispatcher notification.Dispatcher
}

func New(p Params) domain.Service {
	dispatcher := p.Dispatcher
	if dispatcher == nil {
		dispatcher = notification.NoOpDispatcher{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("availability.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		inventory:  p.Inventory,
		repo:       p.Repo,
		metrics:    p.Metrics,
		dispatcher: dispatcher,
	}
}

// nonBlocking is passed to ListFreeUnits: holds never make a unit unavailable.
var nonBlocking = []inventorydomain.ClaimKind{inventorydomain.ClaimKindHold}

func (s *Service) CheckAvailability(ctx context.Context, req domain.CheckRequest) (domain.CheckResult, error) {
	if err := validateQuery(req.TenantID, req.Range, req.Constraints); err != nil {
		return domain.CheckResult{}, err
	}
	switch {
	case req.UnitID != 0 && req.ClassID == 0:
		return s.checkUnit(ctx, req)
	case req.ClassID != 0 && req.UnitID == 0:
		return s.checkClass(ctx, req)
	default:
		return domain.CheckResult{}, apperror.FromSentinel(domain.ErrInvalidTarget)
	}
}

func (s *Service) checkUnit(ctx context.Context, req domain.CheckRequest) (domain.CheckResult, error) {
	unit, err := s.inventory.GetUnit(ctx, req.TenantID, req.UnitID)
	if err != nil {
		return domain.CheckResult{}, err
	}
	calendars, err := s.inventory.LoadCalendars(ctx, req.TenantID, []snowflake.ID{unit.ID}, req.Range)
	if err != nil {
		return domain.CheckResult{}, err
	}

	conflicts := blockingOnly(calendars[unit.ID].Overlapping(req.Range.Start, req.Range.End))
	violations := req.Constraints.Violations(unit)
	if !unit.Active {
		violations = append(violations, domain.Violation{Kind: domain.ViolationInactive, Detail: "unit is not active"})
	}
	if violations == nil {
		violations = []domain.Violation{}
	}
	return domain.CheckResult{
		Available:         len(conflicts) == 0 && len(violations) == 0,
		UnitID:            unit.ID,
		ConflictingClaims: conflicts,
		Violations:        violations,
	}, nil
}

func (s *Service) checkClass(ctx context.Context, req domain.CheckRequest) (domain.CheckResult, error) {
	candidates, err := s.compliantFreeUnits(ctx, req.TenantID, req.ClassID, req.Range, req.Constraints)
	if err != nil {
		return domain.CheckResult{}, err
	}
	ids := make([]snowflake.ID, 0, len(candidates))
	for _, u := range candidates {
		ids = append(ids, u.ID)
	}
	return domain.CheckResult{
		Available:         len(ids) > 0,
		ConflictingClaims: []inventorydomain.DateRangeClaim{},
		Violations:        []domain.Violation{},
		Candidates:        ids,
	}, nil
}

func (s *Service) SelectBestUnit(ctx context.Context, req domain.SelectRequest) (*domain.ScoredUnit, error) {
	if err := validateQuery(req.TenantID, req.Range, req.Constraints); err != nil {
		return nil, err
	}
	if req.ClassID == 0 {
		return nil, apperror.FromSentinel(domain.ErrInvalidTarget)
	}

	candidates, err := s.compliantFreeUnits(ctx, req.TenantID, req.ClassID, req.Range, req.Constraints)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	policy := s.policy.Get().Scoring
	ids := make([]snowflake.ID, 0, len(candidates))
	for _, u := range candidates {
		ids = append(ids, u.ID)
	}
	calendars, err := s.inventory.LoadCalendars(ctx, req.TenantID, ids, req.Range.Expand(policy.LookaroundNights))
	if err != nil {
		return nil, err
	}

	sc := newScorer(policy, req.Preferences)
	scored := make([]domain.ScoredUnit, 0, len(candidates))
	for _, u := range candidates {
		neighbours := calendar.New(blockingOnly(calendars[u.ID].All()))
		scored = append(scored, sc.score(u, neighbours, req.Range))
	}
	rank(scored)

	best := scored[0]
	s.log.Debug("unit selected",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("class_id", req.ClassID.String()),
		zap.String("unit_id", best.Unit.ID.String()),
		zap.Float64("score", best.Score),
		zap.Int("candidates", len(scored)),
	)
	return &best, nil
}

// compliantFreeUnits never returns a unit that breaks a hard constraint.
func (s *Service) compliantFreeUnits(ctx context.Context, tenantID, classID snowflake.ID, r inventorydomain.DateRange, cs domain.Constraints) ([]inventorydomain.BookableUnit, error) {
	free, err := s.inventory.ListFreeUnits(ctx, tenantID, classID, r, nonBlocking)
	if err != nil {
		return nil, err
	}
	out := make([]inventorydomain.BookableUnit, 0, len(free))
	for _, u := range free {
		if cs.SatisfiedBy(u) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Service) CreateClaim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	result, err := db.Retry(ctx, s.retryPolicy(), func() (domain.ClaimResult, error) {
		var result domain.ClaimResult
		err := db.Transaction(ctx, s.db, int64(req.TenantID), func(tx *gorm.DB) error {
			var err error
			result, err = s.CreateClaimTx(ctx, tx, req)
			return err
		})
		return result, err
	})
	if err != nil {
		if db.IsExclusionViolation(err) {
			result = domain.Conflict(apperror.ReasonOverlappingClaim, nil)
		} else {
			return domain.ClaimResult{}, err
		}
	}

	s.metrics.RecordClaim(ctx, string(req.Kind), string(result.Outcome))
	if result.OK() {
		s.log.Info("claim created",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("unit_id", req.UnitID.String()),
			zap.String("claim_id", result.Claim.ID.String()),
			zap.String("kind", string(req.Kind)),
			zap.String("range", req.Range.String()),
		)
	} else {
		s.log.Info("claim refused",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("unit_id", req.UnitID.String()),
			zap.String("kind", string(req.Kind)),
			zap.String("outcome", string(result.Outcome)),
			zap.String("reason", result.Reason),
		)
	}
	return result, nil
}

func (s *Service) CreateClaimTx(ctx context.Context, tx *gorm.DB, req domain.ClaimRequest) (domain.ClaimResult, error) {
	now := s.clock.Now()
	claim, err := s.buildClaim(req, now)
	if err != nil {
		return domain.Invalid(err), nil
	}

	unit, err := s.lockClaimableUnit(ctx, tx, req.TenantID, req.UnitID)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	if !unit.Active {
		return domain.Invalid(apperror.FromSentinel(domain.ErrInactiveUnit)), nil
	}
	if v := req.Constraints.Violations(*unit); len(v) > 0 {
		return domain.Violated(v), nil
	}

	// Holds and blocking claims alike are refused by blocking claims only;
	// holds never refuse anything.
	conflicts, err := s.repo.FindOverlapping(ctx, tx, req.TenantID, req.UnitID, req.Range, inventorydomain.BlockingKinds, now, 0)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	if len(conflicts) > 0 {
		return domain.Conflict(apperror.ReasonOverlappingClaim, conflicts), nil
	}

	claim.ID = s.genID.Generate()
	if err := s.repo.InsertClaim(ctx, tx, &claim); err != nil {
		return domain.ClaimResult{}, err
	}
	return domain.ClaimResult{Outcome: domain.ClaimOutcomeOK, Claim: &claim}, nil
}

// lockClaimableUnit serializes claim attempts on one unit.
func (s *Service) lockClaimableUnit(ctx context.Context, tx *gorm.DB, tenantID, unitID snowflake.ID) (*inventorydomain.BookableUnit, error) {
	unit, err := s.repo.LockUnit(ctx, tx, tenantID, unitID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, apperror.NotFound("unit", unitID.String())
	}
	return unit, nil
}

func (s *Service) buildClaim(req domain.ClaimRequest, now time.Time) (inventorydomain.DateRangeClaim, error) {
	if req.TenantID == 0 {
		return inventorydomain.DateRangeClaim{}, apperror.FromSentinel(inventorydomain.ErrInvalidTenant)
	}
	if req.UnitID == 0 {
		return inventorydomain.DateRangeClaim{}, apperror.FromSentinel(inventorydomain.ErrInvalidUnit)
	}
	if !req.Range.End.After(req.Range.Start) {
		return inventorydomain.DateRangeClaim{}, apperror.FromSentinel(inventorydomain.ErrInvalidRange)
	}
	if !req.Kind.Valid() {
		return inventorydomain.DateRangeClaim{}, apperror.FromSentinel(domain.ErrInvalidClaimKind)
	}
	if req.Kind == inventorydomain.ClaimKindReservation && req.SubjectID == 0 {
		return inventorydomain.DateRangeClaim{}, apperror.FromSentinel(domain.ErrInvalidSubject)
	}
	if err := req.Constraints.Validate(); err != nil {
		return inventorydomain.DateRangeClaim{}, err
	}

	claim := inventorydomain.DateRangeClaim{
		TenantID:  req.TenantID,
		UnitID:    req.UnitID,
		Kind:      req.Kind,
		StartDate: inventorydomain.Day(req.Range.Start),
		EndDate:   inventorydomain.Day(req.Range.End),
		SubjectID: req.SubjectID,
		CreatedBy: strings.TrimSpace(req.ActorID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Kind == inventorydomain.ClaimKindHold {
		expiresAt, err := s.holdExpiry(req.ExpiresAt, now)
		if err != nil {
			return inventorydomain.DateRangeClaim{}, err
		}
		claim.ExpiresAt = &expiresAt
	}
	return claim, nil
}

func (s *Service) holdExpiry(requested, now time.Time) (time.Time, error) {
	holds := s.policy.Get().Holds
	if requested.IsZero() {
		return now.Add(holds.DefaultTTL), nil
	}
	requested = requested.UTC()
	if !requested.After(now) || requested.Sub(now) > holds.MaxTTL {
		return time.Time{}, apperror.FromSentinel(domain.ErrInvalidExpiry)
	}
	return requested, nil
}

func (s *Service) ReleaseClaim(ctx context.Context, tenantID, claimID snowflake.ID, reason string) (inventorydomain.DateRangeClaim, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.ReleaseReasonCancelled
	}

	var released inventorydomain.DateRangeClaim
	err := db.Transaction(ctx, s.db, int64(tenantID), func(tx *gorm.DB) error {
		claim, err := s.repo.FindClaim(ctx, tx, tenantID, claimID, true)
		if err != nil {
			return err
		}
		if claim == nil {
			return apperror.NotFound("claim", claimID.String())
		}
		if claim.ReleasedAt != nil {
			released = *claim
			return nil
		}
		now := s.clock.Now()
		claim.ReleasedAt = &now
		claim.ReleaseReason = reason
		claim.UpdatedAt = now
		if err := s.repo.UpdateClaim(ctx, tx, claim); err != nil {
			return err
		}
		released = *claim
		return nil
	})
	if err != nil {
		return inventorydomain.DateRangeClaim{}, err
	}
	s.log.Info("claim released",
		zap.String("tenant_id", tenantID.String()),
		zap.String("claim_id", claimID.String()),
		zap.String("reason", released.ReleaseReason),
	)
	return released, nil
}

func (s *Service) ExtendHold(ctx context.Context, tenantID, claimID snowflake.ID, expiresAt time.Time) (inventorydomain.DateRangeClaim, error) {
	var extended inventorydomain.DateRangeClaim
	err := db.Transaction(ctx, s.db, int64(tenantID), func(tx *gorm.DB) error {
		hold, err := s.lockLiveHold(ctx, tx, tenantID, claimID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		next, err := s.holdExpiry(expiresAt, now)
		if err != nil {
			return err
		}
		hold.ExpiresAt = &next
		hold.UpdatedAt = now
		if err := s.repo.UpdateClaim(ctx, tx, hold); err != nil {
			return err
		}
		extended = *hold
		return nil
	})
	if err != nil {
		return inventorydomain.DateRangeClaim{}, err
	}
	return extended, nil
}

// ConvertHold turns a live hold into a reservation. Two holds on the same
// dates race here; the first to commit wins and the other sees a conflict.
func (s *Service) ConvertHold(ctx context.Context, req domain.ConvertRequest) (domain.ClaimResult, error) {
	result, err := db.Retry(ctx, s.retryPolicy(), func() (domain.ClaimResult, error) {
		var result domain.ClaimResult
		err := db.Transaction(ctx, s.db, int64(req.TenantID), func(tx *gorm.DB) error {
			var err error
			result, err = s.ConvertHoldTx(ctx, tx, req)
			return err
		})
		return result, err
	})
	if err != nil {
		if !db.IsExclusionViolation(err) {
			return domain.ClaimResult{}, err
		}
		result = domain.Conflict(apperror.ReasonOverlappingClaim, nil)
	}

	s.metrics.RecordClaim(ctx, "hold_conversion", string(result.Outcome))
	s.log.Info("hold conversion",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("claim_id", req.HoldID.String()),
		zap.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

func (s *Service) ConvertHoldTx(ctx context.Context, tx *gorm.DB, req domain.ConvertRequest) (domain.ClaimResult, error) {
	if req.SubjectID == 0 {
		return domain.Invalid(apperror.FromSentinel(domain.ErrInvalidSubject)), nil
	}
	if err := req.Constraints.Validate(); err != nil {
		return domain.Invalid(err), nil
	}

	hold, err := s.lockLiveHold(ctx, tx, req.TenantID, req.HoldID)
	if err != nil {
		if hold == nil {
			return domain.ClaimResult{}, err
		}
		return resultFromError(err, hold), nil
	}
	unit, err := s.lockClaimableUnit(ctx, tx, req.TenantID, hold.UnitID)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	if !unit.Active {
		return domain.Invalid(apperror.FromSentinel(domain.ErrInactiveUnit)), nil
	}
	if v := req.Constraints.Violations(*unit); len(v) > 0 {
		return domain.Violated(v), nil
	}

	now := s.clock.Now()
	conflicts, err := s.repo.FindOverlapping(ctx, tx, req.TenantID, hold.UnitID, hold.Range(), inventorydomain.BlockingKinds, now, hold.ID)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	if len(conflicts) > 0 {
		return domain.Conflict(apperror.ReasonOverlappingClaim, conflicts), nil
	}

	hold.Kind = inventorydomain.ClaimKindReservation
	hold.SubjectID = req.SubjectID
	hold.ExpiresAt = nil
	hold.UpdatedAt = now
	if err := s.repo.UpdateClaim(ctx, tx, hold); err != nil {
		return domain.ClaimResult{}, err
	}
	return domain.ClaimResult{Outcome: domain.ClaimOutcomeOK, Claim: hold}, nil
}

// lockLiveHold returns the locked claim, or a taxonomy error when it is not
// a hold or no longer holds its unit. The claim is returned alongside
// conflict errors so callers can report it.
func (s *Service) lockLiveHold(ctx context.Context, tx *gorm.DB, tenantID, claimID snowflake.ID) (*inventorydomain.DateRangeClaim, error) {
	claim, err := s.repo.FindClaim(ctx, tx, tenantID, claimID, true)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, apperror.NotFound("claim", claimID.String())
	}
	if claim.Kind != inventorydomain.ClaimKindHold {
		return claim, apperror.FromSentinel(domain.ErrNotAHold)
	}
	if !claim.ActiveAt(s.clock.Now()) {
		return claim, &apperror.ConflictError{
			Reason:   apperror.ReasonHoldExpired,
			ClaimIDs: []string{claim.ID.String()},
		}
	}
	return claim, nil
}

func resultFromError(err error, claim *inventorydomain.DateRangeClaim) domain.ClaimResult {
	if apperror.Type(err) != "conflict" {
		return domain.Invalid(err)
	}
	var claims []inventorydomain.DateRangeClaim
	if claim != nil {
		claims = append(claims, *claim)
	}
	return domain.Conflict(apperror.ReasonHoldExpired, claims)
}

func (s *Service) SweepExpiredHolds(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()
	var swept []inventorydomain.DateRangeClaim
	err := db.Transaction(ctx, s.db, 0, func(tx *gorm.DB) error {
		holds, err := s.repo.LockExpiredHolds(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for i := range holds {
			hold := holds[i]
			hold.ReleasedAt = &now
			hold.ReleaseReason = domain.ReleaseReasonHoldExpired
			hold.UpdatedAt = now
			if err := s.repo.UpdateClaim(ctx, tx, &hold); err != nil {
				return err
			}
			swept = append(swept, hold)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, hold := range swept {
		s.dispatcher.Dispatch(ctx, notification.NewEvent(ctx, notification.EventHoldExpired, hold.TenantID, hold.ID, now, map[string]any{
			"unit_id":    hold.UnitID.String(),
			"start_date": hold.StartDate.Format(inventorydomain.DateLayout),
			"end_date":   hold.EndDate.Format(inventorydomain.DateLayout),
		}))
	}
	if len(swept) > 0 {
		s.log.Info("expired holds released", zap.Int("count", len(swept)))
	}
	return len(swept), nil
}

func (s *Service) retryPolicy() db.RetryPolicy {
	r := s.policy.Get().Retry
	return db.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
	}
}

func validateQuery(tenantID snowflake.ID, r inventorydomain.DateRange, cs domain.Constraints) error {
	if tenantID == 0 {
		return apperror.FromSentinel(inventorydomain.ErrInvalidTenant)
	}
	if !r.End.After(r.Start) {
		return apperror.FromSentinel(inventorydomain.ErrInvalidRange)
	}
	return cs.Validate()
}
