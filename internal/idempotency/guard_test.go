package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type receipt struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	guard *Guard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t, &Record{})
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	policy, err := config.NewStaticPolicyHolder(config.DefaultPolicy())
	require.NoError(t, err)
	return &fixture{
		db:    conn,
		clock: clk,
		guard: New(Params{DB: conn, Log: zap.NewNop(), GenID: testutil.Node(t), Clock: clk, Policy: policy}),
	}
}

func (f *fixture) record(t *testing.T, key string) Record {
	t.Helper()
	var rec Record
	require.NoError(t, f.db.Scopes(byKey(tenant, key)).Take(&rec).Error)
	return rec
}

const tenant = 42

func req(key string, payload any) Request {
	return Request{TenantID: tenant, Scope: "ledger.post", Key: key, Payload: payload}
}

func TestRunExecutesOnceAndReplays(t *testing.T) {
	f := newFixture(t)
	calls := 0
	fn := func(tx *gorm.DB) (any, error) {
		calls++
		return receipt{Amount: 500, Note: "first"}, nil
	}

	var first receipt
	replayed, err := f.guard.Run(context.Background(), req("K1", map[string]int{"amount": 500}), &first, fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	var second receipt
	replayed, err = f.guard.Run(context.Background(), req("K1", map[string]int{"amount": 500}), &second, fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	rec := f.record(t, "K1")
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Len(t, rec.RequestHash, 64)
	assert.NotNil(t, rec.CompletedAt)
	assert.True(t, f.clock.Now().Add(24*time.Hour).Equal(rec.ExpiresAt))
}

func TestRunRejectsReusedKeyWithDifferentPayload(t *testing.T) {
	f := newFixture(t)
	ok := func(tx *gorm.DB) (any, error) { return receipt{Amount: 1}, nil }
	_, err := f.guard.Run(context.Background(), req("K1", map[string]int{"amount": 500}), nil, ok)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.guard.Run(context.Background(), req("K1", map[string]int{"amount": 700}), nil, func(tx *gorm.DB) (any, error) {
			t.Fatal("must not run")
			return nil, nil
		})
		var conflict *apperror.IdempotencyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "K1", conflict.Key)
	}
	assert.Equal(t, StatusSucceeded, f.record(t, "K1").Status)
}

func TestRunRecordsBusinessFailure(t *testing.T) {
	f := newFixture(t)
	calls := 0
	fn := func(tx *gorm.DB) (any, error) {
		calls++
		return nil, &apperror.InsufficientBalanceError{SubjectID: "A1", Balance: 100, Requested: 500}
	}

	_, err := f.guard.Run(context.Background(), req("K1", "redeem"), nil, fn)
	assert.True(t, errors.Is(err, apperror.ErrInsufficientBalance))

	replayed, err := f.guard.Run(context.Background(), req("K1", "redeem"), nil, fn)
	assert.True(t, replayed)
	var insufficient *apperror.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(100), insufficient.Balance)
	assert.Equal(t, 1, calls)

	rec := f.record(t, "K1")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "insufficient_balance", rec.ErrorType)
}

func TestRunRollsBackWorkOfFailedCall(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Exec("CREATE TABLE side_effects (id INTEGER PRIMARY KEY)").Error)

	_, err := f.guard.Run(context.Background(), req("K1", "x"), nil, func(tx *gorm.DB) (any, error) {
		require.NoError(t, tx.Exec("INSERT INTO side_effects (id) VALUES (1)").Error)
		return nil, apperror.Invalid("amount", "must be positive")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, f.db.Table("side_effects").Count(&count).Error)
	assert.Zero(t, count, "the savepoint discards the call's writes")
	assert.Equal(t, StatusFailed, f.record(t, "K1").Status)
}

func TestRunLeavesKeyFreeOnInfrastructureError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")
	_, err := f.guard.Run(context.Background(), req("K1", "x"), nil, func(tx *gorm.DB) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, f.db.Model(&Record{}).Count(&count).Error)
	assert.Zero(t, count)

	replayed, err := f.guard.Run(context.Background(), req("K1", "x"), nil, func(tx *gorm.DB) (any, error) {
		return receipt{}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestConcurrentRunsExecuteOnce(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	const n = 8

	results := make([]receipt, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.guard.Run(context.Background(), req("K1", "same"), &results[i], func(tx *gorm.DB) (any, error) {
				calls.Add(1)
				return receipt{Amount: 500, Note: "once"}, nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, receipt{Amount: 500, Note: "once"}, results[i])
	}
}

func TestInFlightRecordIsTakenOverAfterTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket, err := f.guard.Begin(ctx, req("K1", "book"), nil)
	require.NoError(t, err)
	assert.False(t, ticket.Replayed)

	_, err = f.guard.Run(ctx, req("K1", "book"), nil, func(tx *gorm.DB) (any, error) {
		t.Fatal("must not run while in flight")
		return nil, nil
	})
	var conflict *apperror.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, apperror.ReasonRequestInProgress, conflict.Reason)

	f.clock.Advance(61 * time.Second)
	var out receipt
	replayed, err := f.guard.Run(ctx, req("K1", "book"), &out, func(tx *gorm.DB) (any, error) {
		return receipt{Amount: 9}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(9), out.Amount)

	assert.ErrorIs(t, f.guard.Complete(ctx, ticket, receipt{}, nil), ErrNotPending, "the stale owner lost the record")
}

func TestExpiredRecordIsRecycled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0
	fn := func(tx *gorm.DB) (any, error) {
		calls++
		return receipt{Amount: int64(calls)}, nil
	}
	_, err := f.guard.Run(ctx, req("K1", "a"), nil, fn)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	var out receipt
	replayed, err := f.guard.Run(ctx, req("K1", "b"), &out, fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(2), out.Amount)
}

func TestTwoPhaseFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket, err := f.guard.Begin(ctx, req("K1", "book"), nil)
	require.NoError(t, err)
	var completed receipt
	require.NoError(t, f.guard.Complete(ctx, ticket, receipt{Amount: 2500, Note: "deposit"}, &completed))
	assert.Equal(t, "deposit", completed.Note)

	var replayedOut receipt
	again, err := f.guard.Begin(ctx, req("K1", "book"), &replayedOut)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, completed, replayedOut)

	failing, err := f.guard.Begin(ctx, req("K2", "book"), nil)
	require.NoError(t, err)
	require.NoError(t, f.guard.Fail(ctx, failing, &apperror.AccountClosedError{AccountID: "A", Status: "void"}))
	_, err = f.guard.Begin(ctx, req("K2", "book"), nil)
	assert.True(t, errors.Is(err, apperror.ErrAccountClosed))

	abandoned, err := f.guard.Begin(ctx, req("K3", "book"), nil)
	require.NoError(t, err)
	require.NoError(t, f.guard.Fail(ctx, abandoned, errors.New("processor timeout")))
	fresh, err := f.guard.Begin(ctx, req("K3", "book"), nil)
	require.NoError(t, err)
	assert.False(t, fresh.Replayed, "non business failures free the key")
}

func TestAttachedResourceSurvivesTakeover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket, err := f.guard.Begin(ctx, req("K1", "book"), nil)
	require.NoError(t, err)
	assert.Zero(t, ticket.ResourceID)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.guard.Attach(ctx, tx, ticket, 777)
	}))
	assert.Equal(t, snowflake.ID(777), f.record(t, "K1").ResourceID)

	f.clock.Advance(61 * time.Second)
	resumed, err := f.guard.Begin(ctx, req("K1", "book"), nil)
	require.NoError(t, err)
	assert.False(t, resumed.Replayed)
	assert.Equal(t, snowflake.ID(777), resumed.ResourceID)
	err = f.db.Transaction(func(tx *gorm.DB) error {
		return f.guard.Attach(ctx, tx, resumed, 778)
	})
	assert.ErrorIs(t, err, ErrNotPending, "the first attached resource wins")

	require.NoError(t, f.guard.Complete(ctx, resumed, receipt{Amount: 1}, nil))
	err = f.db.Transaction(func(tx *gorm.DB) error {
		return f.guard.Attach(ctx, tx, resumed, 778)
	})
	assert.ErrorIs(t, err, ErrNotPending)

	f.clock.Advance(25 * time.Hour)
	recycled, err := f.guard.Begin(ctx, req("K1", "book"), nil)
	require.NoError(t, err)
	assert.Zero(t, recycled.ResourceID, "an expired record starts over")
}

func TestSuspendAllowsImmediateTakeover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket, err := f.guard.Begin(ctx, req("K1", "book"), nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.guard.Attach(ctx, tx, ticket, 9)
	}))

	_, err = f.guard.Begin(ctx, req("K1", "book"), nil)
	assert.ErrorIs(t, err, apperror.ErrConflict, "still in flight")

	require.NoError(t, f.guard.Suspend(ctx, ticket))
	resumed, err := f.guard.Begin(ctx, req("K1", "book"), nil)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(9), resumed.ResourceID)
	assert.Equal(t, StatusPending, f.record(t, "K1").Status)
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok := func(tx *gorm.DB) (any, error) { return receipt{}, nil }
	_, err := f.guard.Run(ctx, req("old", "a"), nil, ok)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Hour)
	_, err = f.guard.Run(ctx, req("new", "a"), nil, ok)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Hour)
	purged, err := f.guard.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	f.record(t, "new")
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	noop := func(tx *gorm.DB) (any, error) { return nil, nil }

	_, err := f.guard.Run(context.Background(), Request{TenantID: tenant, Scope: "s"}, nil, noop)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = f.guard.Run(context.Background(), Request{TenantID: tenant, Key: "k"}, nil, noop)
	assert.ErrorIs(t, err, ErrInvalidScope)
	_, err = f.guard.Run(context.Background(), Request{Scope: "s", Key: "k"}, nil, noop)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestCanonicalIgnoresFieldOrder(t *testing.T) {
	type payload struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	a, err := Canonical(payload{Amount: 9007199254740993, Currency: "USD"})
	require.NoError(t, err)
	b, err := Canonical(map[string]any{"currency": "USD", "amount": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"amount":9007199254740993,"currency":"USD"}`, string(a))
}
