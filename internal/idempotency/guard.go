package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/observability/metrics"
	"github.com/smallbiznis/keepr/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const savepoint = "idempotent_call"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.PolicyHolder
	Metrics *metrics.Metrics `optional:"true"`
}

// Guard runs keyed operations at most once per tenant and replays their
// recorded outcome to every later request carrying the same key.
type Guard struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.PolicyHolder
	metrics *metrics.Metrics
}

func New(p Params) *Guard {
	return &Guard{
		db:      p.DB,
		log:     p.Log.Named("idempotency.guard"),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

// Run executes fn once for req.Key inside a single transaction and decodes
// the response into out, which must be a pointer. A fresh response goes
// through the same JSON round trip as a replayed one, so both are identical.
//
// Business errors returned by fn are rolled back to a savepoint, recorded and
// returned; the record commits anyway. Any other error aborts the whole
// transaction, leaving the key free for a retry.
func (g *Guard) Run(ctx context.Context, req Request, out any, fn func(tx *gorm.DB) (any, error)) (bool, error) {
	hash, err := requestHash(req)
	if err != nil {
		return false, err
	}

	var (
		replayed bool
		callErr  error
	)
	err = db.Transaction(ctx, g.db, int64(req.TenantID), func(tx *gorm.DB) error {
		replayed, callErr = false, nil
		rec, err := g.acquire(ctx, tx, req, hash)
		if err != nil {
			return err
		}
		if rec.Status != StatusPending {
			replayed = true
			callErr = replay(rec, out)
			return nil
		}

		if err := tx.SavePoint(savepoint).Error; err != nil {
			return err
		}
		resp, err := fn(tx)
		if err != nil {
			if !apperror.IsBusiness(err) {
				return err
			}
			if err := tx.RollbackTo(savepoint).Error; err != nil {
				return err
			}
			callErr = err
			return g.settleFailed(ctx, tx, rec, err)
		}
		return g.settleSucceeded(ctx, tx, rec, resp, out)
	})
	if err != nil {
		g.record(ctx, req.Scope, err)
		return false, err
	}

	switch {
	case replayed:
		g.metrics.RecordIdempotency(ctx, req.Scope, "replayed")
	case callErr != nil:
		g.metrics.RecordIdempotency(ctx, req.Scope, "failed")
	default:
		g.metrics.RecordIdempotency(ctx, req.Scope, "executed")
	}
	return replayed, callErr
}

// Begin commits a pending record for flows that call external systems between
// reserving the key and settling it. A replayed ticket has out already filled
// in, or comes back with the recorded failure.
func (g *Guard) Begin(ctx context.Context, req Request, out any) (Ticket, error) {
	hash, err := requestHash(req)
	if err != nil {
		return Ticket{}, err
	}
	ticket := Ticket{TenantID: req.TenantID, Scope: req.Scope, Key: strings.TrimSpace(req.Key)}

	var replayErr error
	err = db.Transaction(ctx, g.db, int64(req.TenantID), func(tx *gorm.DB) error {
		ticket.Replayed, replayErr = false, nil
		rec, err := g.acquire(ctx, tx, req, hash)
		if err != nil {
			return err
		}
		if rec.Status != StatusPending {
			ticket.Replayed = true
			replayErr = replay(rec, out)
			return nil
		}
		ticket.ResourceID = rec.ResourceID
		return nil
	})
	if err != nil {
		g.record(ctx, req.Scope, err)
		return Ticket{}, err
	}
	if ticket.Replayed {
		g.metrics.RecordIdempotency(ctx, req.Scope, "replayed")
	}
	return ticket, replayErr
}

// Complete stores response as the outcome of the ticket's request and
// decodes it into out when out is not nil.
func (g *Guard) Complete(ctx context.Context, t Ticket, response any, out any) error {
	err := db.Transaction(ctx, g.db, int64(t.TenantID), func(tx *gorm.DB) error {
		rec, err := g.lockPending(ctx, tx, t)
		if err != nil {
			return err
		}
		return g.settleSucceeded(ctx, tx, rec, response, out)
	})
	if err != nil {
		return err
	}
	g.metrics.RecordIdempotency(ctx, t.Scope, "executed")
	return nil
}

// Fail records a business failure so later requests with the key get it back.
// Errors outside the taxonomy abandon the record instead.
func (g *Guard) Fail(ctx context.Context, t Ticket, cause error) error {
	if !apperror.IsBusiness(cause) {
		return g.Abandon(ctx, t)
	}
	err := db.Transaction(ctx, g.db, int64(t.TenantID), func(tx *gorm.DB) error {
		rec, err := g.lockPending(ctx, tx, t)
		if err != nil {
			return err
		}
		return g.settleFailed(ctx, tx, rec, cause)
	})
	if err != nil {
		return err
	}
	g.metrics.RecordIdempotency(ctx, t.Scope, "failed")
	return nil
}

// Abandon drops a pending record so the key can be retried straight away.
func (g *Guard) Abandon(ctx context.Context, t Ticket) error {
	return db.Transaction(ctx, g.db, int64(t.TenantID), func(tx *gorm.DB) error {
		return tx.WithContext(ctx).
			Scopes(byKey(t.TenantID, t.Key)).
			Where("status = ?", StatusPending).
			Delete(&Record{}).Error
	})
}

// Attach stores resourceID on the pending record inside the caller's
// transaction, so the row and the record commit together. Only the first
// attach wins; a record that already carries a resource returns
// ErrNotPending.
func (g *Guard) Attach(ctx context.Context, tx *gorm.DB, t Ticket, resourceID snowflake.ID) error {
	res := tx.WithContext(ctx).
		Model(&Record{}).
		Scopes(byKey(t.TenantID, t.Key)).
		Where("status = ? AND resource_id = ?", StatusPending, 0).
		Update("resource_id", resourceID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// Suspend keeps a pending record and its attached resource but lets the next
// request with the key take it over without waiting out the in-flight
// timeout.
func (g *Guard) Suspend(ctx context.Context, t Ticket) error {
	stale := g.clock.Now().Add(-g.policy.Get().Idempotency.InFlightTimeout)
	return db.Transaction(ctx, g.db, int64(t.TenantID), func(tx *gorm.DB) error {
		return tx.WithContext(ctx).
			Model(&Record{}).
			Scopes(byKey(t.TenantID, t.Key)).
			Where("status = ?", StatusPending).
			Update("locked_at", stale).Error
	})
}

// PurgeExpired deletes up to limit records past their expiry, across tenants.
func (g *Guard) PurgeExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	now := g.clock.Now()
	var purged int
	err := db.Transaction(ctx, g.db, 0, func(tx *gorm.DB) error {
		var ids []snowflake.ID
		if err := tx.WithContext(ctx).
			Model(&Record{}).
			Where("expires_at < ?", now).
			Order("expires_at asc").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.WithContext(ctx).Where("id IN ?", ids).Delete(&Record{})
		if res.Error != nil {
			return res.Error
		}
		purged = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		g.log.Info("purged expired idempotency records", zap.Int("count", purged))
	}
	return purged, nil
}

// acquire inserts a pending record or locks the existing one and decides
// whether the caller may run. The returned record is pending only when the
// caller owns it.
func (g *Guard) acquire(ctx context.Context, tx *gorm.DB, req Request, hash string) (*Record, error) {
	policy := g.policy.Get().Idempotency
	now := g.clock.Now()
	key := strings.TrimSpace(req.Key)

	fresh := &Record{
		ID:          g.genID.Generate(),
		TenantID:    req.TenantID,
		Key:         key,
		Scope:       req.Scope,
		RequestHash: hash,
		Status:      StatusPending,
		LockedAt:    now,
		ExpiresAt:   now.Add(policy.TTL),
		CreatedAt:   now,
	}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fresh)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return fresh, nil
	}

	var rec Record
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Scopes(byKey(req.TenantID, key)).
		Take(&rec).Error; err != nil {
		return nil, err
	}

	switch {
	case !rec.ExpiresAt.After(now):
		rec.Scope = req.Scope
		rec.RequestHash = hash
		rec.Status = StatusPending
		rec.ResourceID = 0
		rec.ResponseSnapshot = nil
		rec.ErrorType = ""
		rec.CompletedAt = nil
		rec.LockedAt = now
		rec.ExpiresAt = now.Add(policy.TTL)
		if err := tx.WithContext(ctx).Save(&rec).Error; err != nil {
			return nil, err
		}
		return &rec, nil
	case rec.RequestHash != hash:
		return nil, &apperror.IdempotencyConflictError{Key: key}
	case rec.Status != StatusPending:
		return &rec, nil
	case now.Sub(rec.LockedAt) < policy.InFlightTimeout:
		return nil, &apperror.ConflictError{Reason: apperror.ReasonRequestInProgress}
	default:
		g.log.Warn("taking over abandoned idempotency record",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("scope", rec.Scope),
			zap.Time("locked_at", rec.LockedAt),
		)
		rec.LockedAt = now
		if err := tx.WithContext(ctx).Model(&rec).Update("locked_at", now).Error; err != nil {
			return nil, err
		}
		return &rec, nil
	}
}

func (g *Guard) lockPending(ctx context.Context, tx *gorm.DB, t Ticket) (*Record, error) {
	var rec Record
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Scopes(byKey(t.TenantID, t.Key)).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, ErrNotPending
	}
	return &rec, nil
}

// byKey matches one record. key is reserved in MySQL, so the column goes
// through the dialect's quoting.
func byKey(tenantID snowflake.ID, key string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ?", tenantID).
			Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: key})
	}
}

func (g *Guard) settleSucceeded(ctx context.Context, tx *gorm.DB, rec *Record, resp any, out any) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return err
		}
	}
	now := g.clock.Now()
	return tx.WithContext(ctx).Model(rec).Updates(map[string]any{
		"status":            StatusSucceeded,
		"response_snapshot": snappy.Encode(nil, raw),
		"error_type":        "",
		"completed_at":      now,
	}).Error
}

func (g *Guard) settleFailed(ctx context.Context, tx *gorm.DB, rec *Record, cause error) error {
	typ, raw, err := apperror.Encode(cause)
	if err != nil {
		return err
	}
	now := g.clock.Now()
	return tx.WithContext(ctx).Model(rec).Updates(map[string]any{
		"status":            StatusFailed,
		"response_snapshot": snappy.Encode(nil, raw),
		"error_type":        typ,
		"completed_at":      now,
	}).Error
}

func (g *Guard) record(ctx context.Context, scope string, err error) {
	switch {
	case errors.Is(err, apperror.ErrIdempotencyConflict):
		g.metrics.RecordIdempotency(ctx, scope, "conflict")
	case errors.Is(err, apperror.ErrConflict):
		g.metrics.RecordIdempotency(ctx, scope, "in_progress")
	}
}

// replay returns the recorded failure, or decodes the recorded response into
// out.
func replay(rec *Record, out any) error {
	raw, err := snappy.Decode(nil, rec.ResponseSnapshot)
	if err != nil {
		return err
	}
	if rec.Status == StatusFailed {
		return apperror.Decode(rec.ErrorType, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// requestHash is the SHA-256 of the scope and the canonical JSON payload.
func requestHash(req Request) (string, error) {
	if req.TenantID == 0 {
		return "", apperror.FromSentinel(ErrInvalidTenant)
	}
	key := strings.TrimSpace(req.Key)
	if key == "" || len(key) > maxKeyLength {
		return "", apperror.FromSentinel(ErrInvalidKey)
	}
	if strings.TrimSpace(req.Scope) == "" {
		return "", apperror.FromSentinel(ErrInvalidScope)
	}

	canonical, err := Canonical(req.Payload)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(req.Scope))
	sum.Write([]byte{'\n'})
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Canonical renders v as JSON with object keys sorted.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
