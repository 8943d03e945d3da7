package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/keepr/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/keepr/internal/ledger/service"
	"github.com/smallbiznis/keepr/internal/notification"
	"github.com/smallbiznis/keepr/internal/storedvalue/domain"
	"github.com/smallbiznis/keepr/internal/storedvalue/repository"
	"github.com/smallbiznis/keepr/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	svc    domain.Service
	ledger ledgerdomain.Service
	events *notification.Recorder
	tenant snowflake.ID
	order  snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t,
		&domain.Account{}, &ledgerdomain.Entry{}, &ledgerdomain.Balance{}, &idempotency.Record{},
	)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	policy, err := config.NewStaticPolicyHolder(config.DefaultPolicy())
	require.NoError(t, err)
	guard := idempotency.New(idempotency.Params{DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Policy: policy})
	events := notification.NewRecorder(64)
	repo := repository.Provide()

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Policy: policy,
		Guard:  guard,
		Repo:   ledgerrepo.Provide(),
		Stores: []ledgerdomain.SubjectStore{
			ledgerrepo.NewBalanceStore(),
			repository.NewAccountStore(repo, clk),
		},
		Dispatcher: events,
	})
	svc := New(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Policy:     policy,
		Guard:      guard,
		Ledger:     ledger,
		Repo:       repo,
		Dispatcher: events,
		PinCost:    bcrypt.MinCost,
	})
	return &fixture{
		db:     conn,
		clock:  clk,
		svc:    svc,
		ledger: ledger,
		events: events,
		tenant: node.Generate(),
		order:  node.Generate(),
	}
}

func (f *fixture) issue(t *testing.T, key string, amount int64, mutate func(*domain.IssueRequest)) domain.Result {
	t.Helper()
	req := domain.IssueRequest{
		TenantID:       f.tenant,
		Type:           domain.TypeGiftCard,
		Currency:       "USD",
		Amount:         amount,
		IdempotencyKey: key,
		ActorID:        "cashier-1",
	}
	if mutate != nil {
		mutate(&req)
	}
	res, err := f.svc.Issue(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (f *fixture) redeem(account snowflake.ID, amount int64, key string) domain.AdjustRequest {
	return domain.AdjustRequest{
		TenantID:       f.tenant,
		AccountID:      account,
		Delta:          -amount,
		Kind:           ledgerdomain.KindRedeem,
		IdempotencyKey: key,
		Reference:      f.order.String(),
		ActorID:        "cashier-1",
	}
}

func (f *fixture) entries(t *testing.T, account snowflake.ID) []ledgerdomain.Entry {
	t.Helper()
	var entries []ledgerdomain.Entry
	require.NoError(t, f.db.Where("subject_id = ?", account).Order("id asc").Find(&entries).Error)
	return entries
}

func (f *fixture) assertReconciled(t *testing.T, account snowflake.ID) {
	t.Helper()
	rec, err := f.svc.Reconcile(context.Background(), f.tenant, account)
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "%+v", rec)
}

func TestGiftCardRedeemRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "K1", 10000, nil)
	assert.Equal(t, int64(10000), issued.Account.Balance)
	assert.Equal(t, domain.StatusActive, issued.Account.Status)
	assert.Len(t, issued.Account.Code, 26)

	redeemed, err := f.svc.AdjustStoredValue(ctx, f.redeem(issued.Account.ID, 4500, "K2"))
	require.NoError(t, err)
	assert.False(t, redeemed.Replayed)
	assert.Equal(t, int64(5500), redeemed.Account.Balance)
	assert.Equal(t, ledgerdomain.KindRedeem, redeemed.Entry.Kind)
	assert.Equal(t, int64(-4500), redeemed.Entry.Amount)

	retried, err := f.svc.AdjustStoredValue(ctx, f.redeem(issued.Account.ID, 4500, "K2"))
	require.NoError(t, err)
	assert.True(t, retried.Replayed)
	assert.Equal(t, redeemed.Entry, retried.Entry)
	assert.Equal(t, redeemed.Account, retried.Account)

	account, err := f.svc.Get(ctx, f.tenant, issued.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5500), account.Balance)

	entries := f.entries(t, issued.Account.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, ledgerdomain.KindIssue, entries[0].Kind)
	assert.Equal(t, ledgerdomain.KindRedeem, entries[1].Kind)

	reissued := f.issue(t, "K1", 10000, nil)
	assert.True(t, reissued.Replayed)
	assert.Equal(t, issued.Account.ID, reissued.Account.ID)

	f.assertReconciled(t, issued.Account.ID)
	assert.Equal(t, []string{
		notification.EventLedgerEntryPosted, notification.EventStoredValueIssued,
		notification.EventLedgerEntryPosted, notification.EventStoredValueRedeemed,
	}, f.events.Types())
}

func TestConcurrentRedemptionsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "K1", 10000, nil)

	amounts := []int64{6000, 7000}
	results := make([]domain.Result, len(amounts))
	errs := make([]error, len(amounts))
	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func(i int, amount int64) {
			defer wg.Done()
			results[i], errs[i] = f.svc.AdjustStoredValue(context.Background(), f.redeem(issued.Account.ID, amount, "T"+string(rune('A'+i))))
		}(i, amount)
	}
	wg.Wait()

	succeeded := 0
	for i := range amounts {
		if errs[i] == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(errs[i], apperror.ErrInsufficientBalance), errs[i])
	}
	assert.Equal(t, 1, succeeded)

	account, err := f.svc.Get(context.Background(), f.tenant, issued.Account.ID)
	require.NoError(t, err)
	assert.Contains(t, []int64{4000, 3000}, account.Balance)
	assert.Len(t, f.entries(t, issued.Account.ID), 2)
	f.assertReconciled(t, issued.Account.ID)
}

func TestRedeemRequiresPIN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.issue(t, "K1", 5000, func(r *domain.IssueRequest) {
		r.PIN = "4321"
		r.Code = "gift-001"
	})
	assert.Equal(t, "GIFT-001", issued.Account.Code)

	req := f.redeem(issued.Account.ID, 1000, "K2")
	req.PIN = "0000"
	_, err := f.svc.AdjustStoredValue(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidPIN)

	req = f.redeem(issued.Account.ID, 1000, "K3")
	req.PIN = "4321"
	res, err := f.svc.AdjustStoredValue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), res.Account.Balance)

	byCode, err := f.svc.GetByCode(ctx, f.tenant, " gift-001 ")
	require.NoError(t, err)
	assert.Equal(t, issued.Account.ID, byCode.ID)
}

func TestLedgerPostCannotBypassAccountChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.issue(t, "K1", 5000, func(r *domain.IssueRequest) { r.PIN = "4321" })

	_, err := f.ledger.Post(ctx, ledgerdomain.PostRequest{
		TenantID:       f.tenant,
		SubjectType:    ledgerdomain.SubjectStoredValueAccount,
		SubjectID:      issued.Account.ID,
		Kind:           ledgerdomain.KindRedeem,
		Amount:         -5000,
		Currency:       "USD",
		IdempotencyKey: "drain",
	})
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidSubjectType)

	account, err := f.svc.Get(ctx, f.tenant, issued.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), account.Balance)
	assert.Len(t, f.entries(t, issued.Account.ID), 1)
	f.assertReconciled(t, issued.Account.ID)
}

func TestIssueRejectsDuplicateCode(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "K1", 5000, func(r *domain.IssueRequest) { r.Code = "DUP" })
	_, err := f.svc.Issue(context.Background(), domain.IssueRequest{
		TenantID: f.tenant, Type: domain.TypeStoreCredit, Code: "dup", Currency: "USD", Amount: 100, IdempotencyKey: "K2",
	})
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestVoidIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.issue(t, "K1", 3000, nil)

	void := domain.VoidRequest{TenantID: f.tenant, AccountID: issued.Account.ID, Reason: "fraud", IdempotencyKey: "V1", ActorID: "manager"}
	voided, err := f.svc.Void(ctx, void)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVoid, voided.Account.Status)
	assert.Zero(t, voided.Account.Balance)
	assert.Equal(t, ledgerdomain.KindVoid, voided.Entry.Kind)
	assert.Equal(t, int64(-3000), voided.Entry.Amount)
	assert.NotNil(t, voided.Account.VoidedAt)

	again, err := f.svc.Void(ctx, void)
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	void.IdempotencyKey = "V2"
	_, err = f.svc.Void(ctx, void)
	assert.True(t, errors.Is(err, apperror.ErrAccountClosed))

	_, err = f.svc.AdjustStoredValue(ctx, f.redeem(issued.Account.ID, 10, "K2"))
	var closed *apperror.AccountClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "void", closed.Status)
	f.assertReconciled(t, issued.Account.ID)
}

func TestExpiryClosesAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soon := f.clock.Now().Add(time.Hour)
	expiring := f.issue(t, "K1", 2500, func(r *domain.IssueRequest) { r.ExpiresAt = &soon })
	lasting := f.issue(t, "K2", 2500, nil)

	f.clock.Advance(2 * time.Hour)
	_, err := f.svc.AdjustStoredValue(ctx, f.redeem(expiring.Account.ID, 100, "K3"))
	var closed *apperror.AccountClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "expired", closed.Status)
	f.events.Events()

	n, err := f.svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	account, err := f.svc.Get(ctx, f.tenant, expiring.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, account.Status)
	assert.Zero(t, account.Balance)
	assert.NotNil(t, account.ExpiredAt)
	assert.Equal(t, []string{notification.EventLedgerEntryPosted, notification.EventStoredValueExpired}, f.events.Types())

	n, err = f.svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	other, err := f.svc.Get(ctx, f.tenant, lasting.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, other.Status)
	f.assertReconciled(t, expiring.Account.ID)
}

func TestReconcileAllReportsDrift(t *testing.T) {
	f := newFixture(t)
	a := f.issue(t, "K1", 1000, nil)
	b := f.issue(t, "K2", 2000, nil)
	f.issue(t, "K3", 3000, nil)

	require.NoError(t, f.db.Model(&domain.Account{}).Where("id = ?", b.Account.ID).Update("balance", 2500).Error)

	report, err := f.svc.ReconcileAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, b.Account.ID, report.Drifted[0].SubjectID)
	assert.Equal(t, int64(2500), report.Drifted[0].Cached)
	assert.Equal(t, int64(2000), report.Drifted[0].Computed)
	f.assertReconciled(t, a.Account.ID)
}

func TestAdjustValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.issue(t, "K1", 1000, nil)

	req := f.redeem(issued.Account.ID, 100, "K2")
	req.Kind = ledgerdomain.KindCharge
	_, err := f.svc.AdjustStoredValue(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	req = f.redeem(issued.Account.ID, -100, "K2")
	_, err = f.svc.AdjustStoredValue(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.AdjustStoredValue(ctx, f.redeem(issued.Account.ID, 100, ""))
	assert.ErrorIs(t, err, domain.ErrInvalidKey)

	_, err = f.svc.AdjustStoredValue(ctx, f.redeem(999, 100, "K4"))
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	reload, err := f.svc.AdjustStoredValue(ctx, domain.AdjustRequest{
		TenantID: f.tenant, AccountID: issued.Account.ID, Delta: 500, Kind: ledgerdomain.KindAdjust, IdempotencyKey: "K5",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), reload.Account.Balance)
}
