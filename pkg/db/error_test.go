package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: idempotency_records.key")))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
}

func TestIsExclusionViolation(t *testing.T) {
	assert.True(t, IsExclusionViolation(&pgconn.PgError{Code: "23P01"}))
	assert.False(t, IsExclusionViolation(&pgconn.PgError{Code: "23505"}))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("tx: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"pq lock timeout", &pq.Error{Code: "55P03"}, true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"mysql deadlock", errors.New("Error 1213: Deadlock found"), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"context canceled", context.Canceled, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5}, func() (int, error) {
		calls++
		return 0, errors.New("validation")
	})
	assert.EqualError(t, err, "validation")
	assert.Equal(t, 1, calls)
}

func TestRetryRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, InitialInterval: 1, MaxInterval: 1}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &pgconn.PgError{Code: "40001"}
		}
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "unique_violation", ErrorCode(gorm.ErrDuplicatedKey))
	assert.Equal(t, "exclusion_violation", ErrorCode(&pgconn.PgError{Code: "23P01"}))
	assert.Equal(t, "transient", ErrorCode(&pgconn.PgError{Code: "40P01"}))
	assert.Equal(t, "not_found", ErrorCode(gorm.ErrRecordNotFound))
}
