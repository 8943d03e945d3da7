package logger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())
	ctx := context.Background()
	stmt := func() (string, int64) { return `UPDATE "date_range_claims" SET "kind"=$1 WHERE id = $2`, 1 }
	begin := time.Now()

	l.Trace(ctx, begin, stmt, gormlogger.ErrRecordNotFound)
	l.Trace(ctx, begin, stmt, nil)
	assert.Zero(t, logs.Len(), "misses and fast statements stay quiet at warn")

	l.Trace(ctx, begin, stmt, fmt.Errorf("insert claim: %w", &pgconn.PgError{Code: "23P01"}))
	l.Trace(ctx, begin, stmt, errors.New("connection reset"))
	entries := logs.TakeAll()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, true, entries[0].ContextMap()["contention"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "UPDATE", entries[1].ContextMap()["operation"])
	assert.Equal(t, "date_range_claims", entries[1].ContextMap()["table"])

	l.LogMode(gormlogger.Silent).Trace(ctx, begin, stmt, errors.New("connection reset"))
	assert.Zero(t, logs.Len())
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		sql   string
		op    string
		table string
	}{
		{`SELECT * FROM "reservations" WHERE tenant_id = $1`, "SELECT", "reservations"},
		{`INSERT INTO "ledger_entries" ("id") VALUES ($1)`, "INSERT", "ledger_entries"},
		{`DELETE FROM idempotency_records WHERE status = 'pending'`, "DELETE", "idempotency_records"},
		{`UPDATE stored_value_accounts SET balance = 0`, "UPDATE", "stored_value_accounts"},
		{"", "UNKNOWN", ""},
	}
	for _, tc := range cases {
		op, table := describe(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}
