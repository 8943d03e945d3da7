package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"github.com/smallbiznis/keepr/internal/notification"
	obsmetrics "github.com/smallbiznis/keepr/internal/observability/metrics"
	"github.com/smallbiznis/keepr/pkg/db"
	"github.com/smallbiznis/keepr/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScopePost is the idempotency scope of direct ledger postings.
const ScopePost = "ledger.post"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Guard      *idempotency.Guard
	Repo       ledgerdomain.Repository
	Stores     []ledgerdomain.SubjectStore `group:"ledger.subject_stores"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
	Dispatcher notification.Dispatcher     `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.PolicyHolder
	guard      *idempotency.Guard
	repo       ledgerdomain.Repository
	stores     map[ledgerdomain.SubjectType]ledgerdomain.SubjectStore
	obsMetrics *obsmetrics.Metrics
	dispatcher notification.Dispatcher
}

func NewService(p Params) ledgerdomain.Service {
	stores := make(map[ledgerdomain.SubjectType]ledgerdomain.SubjectStore)
	for _, store := range p.Stores {
		for _, t := range store.SubjectTypes() {
			if _, ok := stores[t]; !ok {
				stores[t] = store
			}
		}
	}
	dispatcher := p.Dispatcher
	if dispatcher == nil {
		dispatcher = notification.NoOpDispatcher{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		guard:      p.Guard,
		repo:       p.Repo,
		stores:     stores,
		obsMetrics: p.ObsMetrics,
		dispatcher: dispatcher,
	}
}

func (s *Service) Post(ctx context.Context, req ledgerdomain.PostRequest) (ledgerdomain.PostResult, error) {
	req, err := normalize(req)
	if err != nil {
		return ledgerdomain.PostResult{}, err
	}
	if req.IdempotencyKey == "" {
		return ledgerdomain.PostResult{}, apperror.FromSentinel(ledgerdomain.ErrInvalidKey)
	}
	// Stored value moves through the stored value service, which checks the
	// PIN and the account state before posting.
	if req.SubjectType.Owned() {
		return ledgerdomain.PostResult{}, apperror.FromSentinel(ledgerdomain.ErrInvalidSubjectType)
	}

	retry := s.policy.Get().Retry
	var entry ledgerdomain.Entry
	replayed, err := db.Retry(ctx, db.RetryPolicy{
		MaxAttempts:     retry.MaxAttempts,
		InitialInterval: retry.InitialInterval,
		MaxInterval:     retry.MaxInterval,
	}, func() (bool, error) {
		return s.guard.Run(ctx, idempotency.Request{
			TenantID: req.TenantID,
			Scope:    ScopePost,
			Key:      req.IdempotencyKey,
			Payload:  req,
		}, &entry, func(tx *gorm.DB) (any, error) {
			return s.post(ctx, tx, req)
		})
	})
	if err != nil {
		return ledgerdomain.PostResult{}, err
	}

	if !replayed {
		s.Notify(ctx, entry)
	}
	return ledgerdomain.PostResult{Entry: entry, Replayed: replayed}, nil
}

func (s *Service) PostTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostRequest) (ledgerdomain.Entry, error) {
	req, err := normalize(req)
	if err != nil {
		return ledgerdomain.Entry{}, err
	}
	return s.post(ctx, tx, req)
}

func (s *Service) Notify(ctx context.Context, entries ...ledgerdomain.Entry) {
	for _, entry := range entries {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordLedgerEntry(ctx, string(entry.SubjectType), string(entry.Kind))
		}
		s.dispatcher.Dispatch(ctx, notification.NewEvent(ctx,
			notification.EventLedgerEntryPosted,
			entry.TenantID,
			entry.SubjectID,
			entry.CreatedAt,
			map[string]any{
				"entry_id":      entry.ID.String(),
				"subject_type":  string(entry.SubjectType),
				"kind":          string(entry.Kind),
				"amount":        entry.Amount,
				"currency":      entry.Currency,
				"balance_after": entry.BalanceAfter,
			},
		))
	}
}

func (s *Service) post(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostRequest) (ledgerdomain.Entry, error) {
	store, ok := s.stores[req.SubjectType]
	if !ok {
		return ledgerdomain.Entry{}, apperror.FromSentinel(ledgerdomain.ErrInvalidSubjectType)
	}

	state, err := store.Lock(ctx, tx, req.TenantID, req.SubjectType, req.SubjectID, req.Kind, req.Currency)
	if err != nil {
		return ledgerdomain.Entry{}, err
	}
	if state.Currency != "" && !strings.EqualFold(state.Currency, req.Currency) {
		return ledgerdomain.Entry{}, apperror.Invalid("currency", "subject is kept in "+state.Currency)
	}

	after := state.Balance + req.Amount
	if req.Amount < 0 && after < 0 {
		return ledgerdomain.Entry{}, &apperror.InsufficientBalanceError{
			SubjectID: req.SubjectID.String(),
			Balance:   state.Balance,
			Requested: -req.Amount,
		}
	}

	entry := ledgerdomain.Entry{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		SubjectType:    req.SubjectType,
		SubjectID:      req.SubjectID,
		Kind:           req.Kind,
		Amount:         req.Amount,
		Currency:       req.Currency,
		BalanceAfter:   after,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
		CreatedAt:      s.clock.Now(),
	}
	if len(req.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(req.Metadata)
	}
	if err := s.repo.InsertEntry(ctx, tx, &entry); err != nil {
		return ledgerdomain.Entry{}, err
	}
	if err := store.Apply(ctx, tx, &entry); err != nil {
		return ledgerdomain.Entry{}, err
	}

	s.log.Info("ledger entry posted",
		zap.String("tenant_id", entry.TenantID.String()),
		zap.String("subject_type", string(entry.SubjectType)),
		zap.String("subject_id", entry.SubjectID.String()),
		zap.String("kind", string(entry.Kind)),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return entry, nil
}

func (s *Service) ListEntries(ctx context.Context, tenantID snowflake.ID, req ledgerdomain.ListEntriesRequest) (ledgerdomain.ListEntriesResponse, error) {
	if err := validateSubject(tenantID, req.SubjectType, req.SubjectID); err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}
	items, err := s.repo.ListEntries(ctx, s.db, tenantID, req.SubjectType, req.SubjectID, req.Pagination)
	if err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}
	items, pageInfo, err := pagination.Page(items, req.Pagination, func(e *ledgerdomain.Entry) int64 { return int64(e.ID) })
	if err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}

	entries := make([]ledgerdomain.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, *item)
	}
	return ledgerdomain.ListEntriesResponse{PageInfo: pageInfo, Entries: entries}, nil
}

func (s *Service) Balance(ctx context.Context, tenantID snowflake.ID, subjectType ledgerdomain.SubjectType, subjectID snowflake.ID) (ledgerdomain.BalanceView, error) {
	if err := validateSubject(tenantID, subjectType, subjectID); err != nil {
		return ledgerdomain.BalanceView{}, err
	}
	store, ok := s.stores[subjectType]
	if !ok {
		return ledgerdomain.BalanceView{}, apperror.FromSentinel(ledgerdomain.ErrInvalidSubjectType)
	}
	state, err := store.Get(ctx, s.db, tenantID, subjectType, subjectID)
	if err != nil {
		return ledgerdomain.BalanceView{}, err
	}
	if state == nil {
		return ledgerdomain.BalanceView{}, apperror.NotFound(string(subjectType), subjectID.String())
	}
	return ledgerdomain.BalanceView{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Currency:    state.Currency,
		Balance:     state.Balance,
	}, nil
}

func (s *Service) Reconcile(ctx context.Context, tenantID snowflake.ID, subjectType ledgerdomain.SubjectType, subjectID snowflake.ID) (ledgerdomain.ReconcileResult, error) {
	if err := validateSubject(tenantID, subjectType, subjectID); err != nil {
		return ledgerdomain.ReconcileResult{}, err
	}
	store, ok := s.stores[subjectType]
	if !ok {
		return ledgerdomain.ReconcileResult{}, apperror.FromSentinel(ledgerdomain.ErrInvalidSubjectType)
	}

	result := ledgerdomain.ReconcileResult{SubjectType: subjectType, SubjectID: subjectID}
	err := db.Transaction(ctx, s.db, int64(tenantID), func(tx *gorm.DB) error {
		state, err := store.Get(ctx, tx, tenantID, subjectType, subjectID)
		if err != nil {
			return err
		}
		if state != nil {
			result.Cached = state.Balance
		}
		result.Computed, result.EntryCount, result.LastSnapshot, err = s.repo.Totals(ctx, tx, tenantID, subjectType, subjectID)
		return err
	})
	if err != nil {
		return ledgerdomain.ReconcileResult{}, err
	}

	result.Consistent = result.Cached == result.Computed &&
		(result.EntryCount == 0 || result.LastSnapshot == result.Computed)
	if !result.Consistent {
		s.log.Warn("ledger drift detected",
			zap.String("tenant_id", tenantID.String()),
			zap.String("subject_type", string(subjectType)),
			zap.String("subject_id", subjectID.String()),
			zap.Int64("cached", result.Cached),
			zap.Int64("computed", result.Computed),
			zap.Int64("last_snapshot", result.LastSnapshot),
		)
	}
	return result, nil
}

func normalize(req ledgerdomain.PostRequest) (ledgerdomain.PostRequest, error) {
	if err := validateSubject(req.TenantID, req.SubjectType, req.SubjectID); err != nil {
		return req, err
	}
	if !req.Kind.Valid() {
		return req, apperror.FromSentinel(ledgerdomain.ErrInvalidKind)
	}
	if !req.Kind.ValidAmount(req.Amount) {
		return req, apperror.FromSentinel(ledgerdomain.ErrInvalidAmount)
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		return req, apperror.FromSentinel(ledgerdomain.ErrInvalidCurrency)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.ActorID = strings.TrimSpace(req.ActorID)
	return req, nil
}

func validateSubject(tenantID snowflake.ID, subjectType ledgerdomain.SubjectType, subjectID snowflake.ID) error {
	if tenantID == 0 {
		return apperror.FromSentinel(ledgerdomain.ErrInvalidTenant)
	}
	if !subjectType.Valid() {
		return apperror.FromSentinel(ledgerdomain.ErrInvalidSubjectType)
	}
	if subjectID == 0 {
		return apperror.FromSentinel(ledgerdomain.ErrInvalidSubject)
	}
	return nil
}
