package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/keepr/pkg/rls"
	"gorm.io/gorm"
)

// RetryPolicy bounds transaction retries on transient errors.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Transaction runs fn in a single transaction. On Postgres the transaction is
// SERIALIZABLE and scoped to tenantID for row level security.
func Transaction(ctx context.Context, conn *gorm.DB, tenantID int64, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	postgres := IsPostgres(conn)
	if postgres {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if postgres && tenantID != 0 {
			if err := rls.WithTenant(tx, tenantID); err != nil {
				return err
			}
		}
		return fn(tx)
	}, opts...)
}

// Retry re-runs op while it fails with a transient datastore error. Only call
// it around operations that are idempotent: guarded by an idempotency key or
// by a unique constraint.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
}
