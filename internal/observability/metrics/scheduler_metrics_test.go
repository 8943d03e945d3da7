package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/keepr/internal/apperror"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "business_rule",
			err:  &apperror.AccountClosedError{AccountID: "1", Status: "voided"},
			want: SchedulerJobReasonBusinessRule,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "keepr",
		Environment: "test",
	})

	metrics.AddBatchProcessed("expire_holds", "claims", 3)
	metrics.AddBatchProcessed("expire_holds", "claims", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("expire_holds", "claims"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestAddReconcileDrift(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{Environment: "test"})

	metrics.AddReconcileDrift("stored_value", 2)

	got := testutil.ToFloat64(metrics.reconcileDrift.WithLabelValues("stored_value"))
	if got != 2 {
		t.Fatalf("expected drift count 2, got %v", got)
	}
}
