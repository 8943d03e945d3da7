package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"github.com/smallbiznis/keepr/internal/notification"
	"github.com/smallbiznis/keepr/internal/observability/metrics"
	"github.com/smallbiznis/keepr/internal/storedvalue/domain"
	"github.com/smallbiznis/keepr/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	ScopeIssue  = "stored_value.issue"
	ScopeAdjust = "stored_value.adjust"
	ScopeVoid   = "stored_value.void"

	maxCodeLength = 64
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Guard      *idempotency.Guard
	Ledger     ledgerdomain.Service
	Repo       domain.Repository
	Metrics    *metrics.Metrics        `optional:"true"`
	Dispatcher notification.Dispatcher `optional:"true"`
	// PinCost overrides the bcrypt cost; zero means bcrypt.DefaultCost.
	PinCost int `name:"storedvalue.pin_cost" optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.PolicyHolder
	guard      *idempotency.Guard
	ledger     ledgerdomain.Service
	repo       domain.Repository
	metrics    *metrics.Metrics
	dispatcher notification.Dispatcher
	pinCost    int
}

func New(p Params) domain.Service {
	dispatcher := p.Dispatcher
	if dispatcher == nil {
		dispatcher = notification.NoOpDispatcher{}
	}
	pinCost := p.PinCost
	if pinCost == 0 {
		pinCost = bcrypt.DefaultCost
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("storedvalue.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		guard:      p.Guard,
		ledger:     p.Ledger,
		repo:       p.Repo,
		metrics:    p.Metrics,
		dispatcher: dispatcher,
		pinCost:    pinCost,
	}
}

func (s *Service) Issue(ctx context.Context, req domain.IssueRequest) (domain.Result, error) {
	req, err := s.normalizeIssue(req)
	if err != nil {
		return domain.Result{}, err
	}

	res, replayed, err := s.guarded(ctx, req.TenantID, ScopeIssue, req.IdempotencyKey, req, func(tx *gorm.DB) (domain.Result, error) {
		return s.issue(ctx, tx, req)
	})
	if err != nil {
		return domain.Result{}, err
	}
	if !replayed {
		s.ledger.Notify(ctx, res.Entry)
		s.dispatch(ctx, notification.EventStoredValueIssued, res)
		s.log.Info("stored value account issued",
			zap.String("tenant_id", res.Account.TenantID.String()),
			zap.String("account_id", res.Account.ID.String()),
			zap.String("type", string(res.Account.Type)),
			zap.Int64("amount", res.Entry.Amount),
		)
	}
	return res, nil
}

func (s *Service) issue(ctx context.Context, tx *gorm.DB, req domain.IssueRequest) (domain.Result, error) {
	code := req.Code
	if code == "" {
		code = ulid.Make().String()
	}
	existing, err := s.repo.FindByCode(ctx, tx, req.TenantID, code)
	if err != nil {
		return domain.Result{}, err
	}
	if existing != nil {
		return domain.Result{}, apperror.Invalid("code", "code is already in use")
	}

	now := s.clock.Now()
	account := domain.Account{
		ID:          s.genID.Generate(),
		TenantID:    req.TenantID,
		Type:        req.Type,
		Code:        code,
		Currency:    req.Currency,
		Status:      domain.StatusActive,
		TaxableLoad: req.TaxableLoad,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.PIN != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), s.pinCost)
		if err != nil {
			return domain.Result{}, err
		}
		account.PinHash = string(hash)
	}
	if err := s.repo.Insert(ctx, tx, &account); err != nil {
		return domain.Result{}, err
	}

	entry, err := s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
		TenantID:       req.TenantID,
		SubjectType:    ledgerdomain.SubjectStoredValueAccount,
		SubjectID:      account.ID,
		Kind:           ledgerdomain.KindIssue,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
		Metadata: map[string]any{
			"account_type": string(req.Type),
			"taxable_load": req.TaxableLoad,
		},
	})
	if err != nil {
		return domain.Result{}, err
	}
	account.Balance = entry.BalanceAfter
	return domain.Result{Account: account, Entry: entry}, nil
}

func (s *Service) AdjustStoredValue(ctx context.Context, req domain.AdjustRequest) (domain.Result, error) {
	req, err := normalizeAdjust(req)
	if err != nil {
		return domain.Result{}, err
	}
	if req.IdempotencyKey == "" {
		return domain.Result{}, apperror.FromSentinel(domain.ErrInvalidKey)
	}

	res, replayed, err := s.guarded(ctx, req.TenantID, ScopeAdjust, req.IdempotencyKey, req, func(tx *gorm.DB) (domain.Result, error) {
		return s.adjust(ctx, tx, req)
	})
	if err != nil {
		return domain.Result{}, err
	}
	if !replayed {
		s.Notify(ctx, res)
	}
	return res, nil
}

func (s *Service) AdjustTx(ctx context.Context, tx *gorm.DB, req domain.AdjustRequest) (domain.Result, error) {
	req, err := normalizeAdjust(req)
	if err != nil {
		return domain.Result{}, err
	}
	return s.adjust(ctx, tx, req)
}

// adjust locks the account before anything reads its balance.
func (s *Service) adjust(ctx context.Context, tx *gorm.DB, req domain.AdjustRequest) (domain.Result, error) {
	account, err := s.repo.Lock(ctx, tx, req.TenantID, req.AccountID)
	if err != nil {
		return domain.Result{}, err
	}
	if account == nil {
		return domain.Result{}, apperror.NotFound("stored_value_account", req.AccountID.String())
	}
	if status, closed := account.Closed(s.clock.Now()); closed {
		return domain.Result{}, &apperror.AccountClosedError{AccountID: account.ID.String(), Status: string(status)}
	}
	if req.Kind == ledgerdomain.KindRedeem && account.HasPIN() {
		if err := bcrypt.CompareHashAndPassword([]byte(account.PinHash), []byte(req.PIN)); err != nil {
			return domain.Result{}, apperror.FromSentinel(domain.ErrInvalidPIN)
		}
	}

	var metadata map[string]any
	if req.Reference != "" {
		metadata = map[string]any{"reference": req.Reference}
	}
	entry, err := s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
		TenantID:       req.TenantID,
		SubjectType:    ledgerdomain.SubjectStoredValueAccount,
		SubjectID:      account.ID,
		Kind:           req.Kind,
		Amount:         req.Delta,
		Currency:       account.Currency,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
		Metadata:       metadata,
	})
	if err != nil {
		return domain.Result{}, err
	}
	account.Balance = entry.BalanceAfter
	account.UpdatedAt = entry.CreatedAt
	return domain.Result{Account: *account, Entry: entry}, nil
}

func (s *Service) Notify(ctx context.Context, results ...domain.Result) {
	for _, res := range results {
		s.ledger.Notify(ctx, res.Entry)
		eventType := notification.EventStoredValueAdjusted
		if res.Entry.Kind == ledgerdomain.KindRedeem {
			eventType = notification.EventStoredValueRedeemed
		}
		s.dispatch(ctx, eventType, res)
	}
}

func (s *Service) Void(ctx context.Context, req domain.VoidRequest) (domain.Result, error) {
	if req.TenantID == 0 {
		return domain.Result{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	if req.AccountID == 0 {
		return domain.Result{}, apperror.FromSentinel(domain.ErrInvalidAccount)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return domain.Result{}, apperror.FromSentinel(domain.ErrInvalidKey)
	}
	req.Reason = strings.TrimSpace(req.Reason)

	res, replayed, err := s.guarded(ctx, req.TenantID, ScopeVoid, req.IdempotencyKey, req, func(tx *gorm.DB) (domain.Result, error) {
		return s.close(ctx, tx, req.TenantID, req.AccountID, domain.StatusVoid, req.IdempotencyKey, req.ActorID, req.Reason)
	})
	if err != nil {
		return domain.Result{}, err
	}
	if !replayed {
		s.ledger.Notify(ctx, res.Entry)
		s.dispatch(ctx, notification.EventStoredValueVoided, res)
		s.log.Info("stored value account voided",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("account_id", req.AccountID.String()),
			zap.Int64("forfeited", -res.Entry.Amount),
		)
	}
	return res, nil
}

// close zeroes the balance with a void or expire entry and moves the account
// to its terminal status.
func (s *Service) close(ctx context.Context, tx *gorm.DB, tenantID, accountID snowflake.ID, status domain.Status, key, actorID, reason string) (domain.Result, error) {
	account, err := s.repo.Lock(ctx, tx, tenantID, accountID)
	if err != nil {
		return domain.Result{}, err
	}
	if account == nil {
		return domain.Result{}, apperror.NotFound("stored_value_account", accountID.String())
	}
	if account.Status != domain.StatusActive {
		return domain.Result{}, &apperror.AccountClosedError{AccountID: account.ID.String(), Status: string(account.Status)}
	}

	kind := ledgerdomain.KindVoid
	if status == domain.StatusExpired {
		kind = ledgerdomain.KindExpire
	}
	var metadata map[string]any
	if reason != "" {
		metadata = map[string]any{"reason": reason}
	}
	entry, err := s.ledger.PostTx(ctx, tx, ledgerdomain.PostRequest{
		TenantID:       tenantID,
		SubjectType:    ledgerdomain.SubjectStoredValueAccount,
		SubjectID:      account.ID,
		Kind:           kind,
		Amount:         -account.Balance,
		Currency:       account.Currency,
		IdempotencyKey: key,
		ActorID:        actorID,
		Metadata:       metadata,
	})
	if err != nil {
		return domain.Result{}, err
	}

	now := s.clock.Now()
	account.Balance = entry.BalanceAfter
	account.Status = status
	account.UpdatedAt = now
	if status == domain.StatusVoid {
		account.VoidedAt = &now
	} else {
		account.ExpiredAt = &now
	}
	if err := s.repo.SetStatus(ctx, tx, account); err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Account: *account, Entry: entry}, nil
}

func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()
	due, err := s.repo.ListDue(ctx, s.db, now, limit)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, account := range due {
		var res domain.Result
		skipped := false
		err := db.Transaction(ctx, s.db, int64(account.TenantID), func(tx *gorm.DB) error {
			var err error
			res, err = s.close(ctx, tx, account.TenantID, account.ID, domain.StatusExpired, "expire:"+account.ID.String(), "system", "expired")
			if errors.Is(err, apperror.ErrAccountClosed) {
				skipped = true
				return nil
			}
			return err
		})
		if err != nil {
			s.log.Warn("failed to expire stored value account",
				zap.String("tenant_id", account.TenantID.String()),
				zap.String("account_id", account.ID.String()),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if skipped {
			continue
		}
		expired++
		s.ledger.Notify(ctx, res.Entry)
		s.dispatch(ctx, notification.EventStoredValueExpired, res)
	}
	if expired > 0 {
		s.log.Info("expired stored value accounts", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

func (s *Service) Get(ctx context.Context, tenantID, accountID snowflake.ID) (domain.Account, error) {
	if tenantID == 0 {
		return domain.Account{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	account, err := s.repo.Find(ctx, s.db, tenantID, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if account == nil {
		return domain.Account{}, apperror.NotFound("stored_value_account", accountID.String())
	}
	return *account, nil
}

func (s *Service) GetByCode(ctx context.Context, tenantID snowflake.ID, code string) (domain.Account, error) {
	if tenantID == 0 {
		return domain.Account{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Account{}, apperror.FromSentinel(domain.ErrInvalidCode)
	}
	account, err := s.repo.FindByCode(ctx, s.db, tenantID, code)
	if err != nil {
		return domain.Account{}, err
	}
	if account == nil {
		return domain.Account{}, apperror.NotFound("stored_value_account", code)
	}
	return *account, nil
}

func (s *Service) Reconcile(ctx context.Context, tenantID, accountID snowflake.ID) (ledgerdomain.ReconcileResult, error) {
	if _, err := s.Get(ctx, tenantID, accountID); err != nil {
		return ledgerdomain.ReconcileResult{}, err
	}
	res, err := s.ledger.Reconcile(ctx, tenantID, ledgerdomain.SubjectStoredValueAccount, accountID)
	if err != nil {
		return ledgerdomain.ReconcileResult{}, err
	}
	if !res.Consistent {
		s.metrics.RecordLedgerDrift(ctx, string(ledgerdomain.SubjectStoredValueAccount))
	}
	return res, nil
}

// ReconcileAll walks every account in id order and reports the drifted ones.
func (s *Service) ReconcileAll(ctx context.Context, batchSize int) (domain.ReconcileReport, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	report := domain.ReconcileReport{Drifted: []ledgerdomain.ReconcileResult{}}
	var after snowflake.ID
	for {
		batch, err := s.repo.ListAfter(ctx, s.db, after, batchSize)
		if err != nil {
			return report, err
		}
		for _, account := range batch {
			res, err := s.ledger.Reconcile(ctx, account.TenantID, ledgerdomain.SubjectStoredValueAccount, account.ID)
			if err != nil {
				return report, err
			}
			report.Checked++
			if !res.Consistent {
				s.metrics.RecordLedgerDrift(ctx, string(ledgerdomain.SubjectStoredValueAccount))
				report.Drifted = append(report.Drifted, res)
			}
		}
		if len(batch) < batchSize {
			break
		}
		after = batch[len(batch)-1].ID
	}
	if len(report.Drifted) > 0 {
		s.log.Warn("stored value drift detected",
			zap.Int("checked", report.Checked),
			zap.Int("drifted", len(report.Drifted)),
		)
	}
	return report, nil
}

// guarded runs fn under the idempotency guard with bounded retry on
// transient errors.
func (s *Service) guarded(ctx context.Context, tenantID snowflake.ID, scope, key string, payload any, fn func(tx *gorm.DB) (domain.Result, error)) (domain.Result, bool, error) {
	retry := s.policy.Get().Retry
	var res domain.Result
	replayed, err := db.Retry(ctx, db.RetryPolicy{
		MaxAttempts:     retry.MaxAttempts,
		InitialInterval: retry.InitialInterval,
		MaxInterval:     retry.MaxInterval,
	}, func() (bool, error) {
		return s.guard.Run(ctx, idempotency.Request{
			TenantID: tenantID,
			Scope:    scope,
			Key:      key,
			Payload:  payload,
		}, &res, func(tx *gorm.DB) (any, error) {
			return fn(tx)
		})
	})
	if err != nil {
		return domain.Result{}, false, err
	}
	res.Replayed = replayed
	return res, replayed, nil
}

func (s *Service) dispatch(ctx context.Context, eventType string, res domain.Result) {
	s.dispatcher.Dispatch(ctx, notification.NewEvent(ctx, eventType, res.Account.TenantID, res.Account.ID, res.Entry.CreatedAt, map[string]any{
		"account_id":   res.Account.ID.String(),
		"account_type": string(res.Account.Type),
		"entry_id":     res.Entry.ID.String(),
		"amount":       res.Entry.Amount,
		"balance":      res.Account.Balance,
		"currency":     res.Account.Currency,
		"status":       string(res.Account.Status),
	}))
}

func (s *Service) normalizeIssue(req domain.IssueRequest) (domain.IssueRequest, error) {
	if req.TenantID == 0 {
		return req, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	if !req.Type.Valid() {
		return req, apperror.FromSentinel(domain.ErrInvalidType)
	}
	if req.Amount <= 0 {
		return req, apperror.FromSentinel(domain.ErrInvalidAmount)
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		return req, apperror.FromSentinel(ledgerdomain.ErrInvalidCurrency)
	}
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if len(req.Code) > maxCodeLength {
		return req, apperror.FromSentinel(domain.ErrInvalidCode)
	}
	if req.ExpiresAt != nil {
		at := req.ExpiresAt.UTC()
		if !at.After(s.clock.Now()) {
			return req, apperror.FromSentinel(domain.ErrInvalidExpiry)
		}
		req.ExpiresAt = &at
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return req, apperror.FromSentinel(domain.ErrInvalidKey)
	}
	return req, nil
}

func normalizeAdjust(req domain.AdjustRequest) (domain.AdjustRequest, error) {
	if req.TenantID == 0 {
		return req, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	if req.AccountID == 0 {
		return req, apperror.FromSentinel(domain.ErrInvalidAccount)
	}
	switch req.Kind {
	case ledgerdomain.KindRedeem, ledgerdomain.KindAdjust, ledgerdomain.KindIssue:
	default:
		return req, apperror.FromSentinel(domain.ErrInvalidKind)
	}
	if !req.Kind.ValidAmount(req.Delta) {
		return req, apperror.FromSentinel(domain.ErrInvalidAmount)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Reference = strings.TrimSpace(req.Reference)
	return req, nil
}
