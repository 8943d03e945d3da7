package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/config"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/keepr/internal/observability/metrics"
	storedvaluedomain "github.com/smallbiznis/keepr/internal/storedvalue/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// batches hands out queued batch sizes and then zero.
type batches struct {
	sizes []int
	calls int
	err   error
}

func (b *batches) next(_ context.Context, limit int) (int, error) {
	b.calls++
	if b.err != nil {
		return 0, b.err
	}
	if len(b.sizes) == 0 {
		return 0, nil
	}
	n := b.sizes[0]
	b.sizes = b.sizes[1:]
	if n > limit {
		n = limit
	}
	return n, nil
}

type fakeHolds struct{ batches }

func (f *fakeHolds) SweepExpiredHolds(ctx context.Context, limit int) (int, error) {
	return f.next(ctx, limit)
}

type fakeAccounts struct {
	batches
	reconciles int
	report     storedvaluedomain.ReconcileReport
}

func (f *fakeAccounts) ExpireDue(ctx context.Context, limit int) (int, error) {
	return f.next(ctx, limit)
}

func (f *fakeAccounts) ReconcileAll(context.Context, int) (storedvaluedomain.ReconcileReport, error) {
	f.reconciles++
	return f.report, nil
}

type fakeKeys struct{ batches }

func (f *fakeKeys) PurgeExpired(ctx context.Context, limit int) (int, error) {
	return f.next(ctx, limit)
}

type fakeLeader struct {
	grant    bool
	released []string
}

func (f *fakeLeader) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	if !f.grant {
		return "", false, nil
	}
	return "token-1", true, nil
}

func (f *fakeLeader) Release(_ context.Context, _ string, token string) error {
	f.released = append(f.released, token)
	return nil
}

type harness struct {
	sched    *Scheduler
	clock    *clock.FakeClock
	holds    *fakeHolds
	accounts *fakeAccounts
	keys     *fakeKeys
	registry *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "keepr", Environment: "test"})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	h := &harness{
		clock:    clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		holds:    &fakeHolds{},
		accounts: &fakeAccounts{},
		keys:     &fakeKeys{},
		registry: registry,
	}
	h.sched = &Scheduler{
		log:      zap.NewNop(),
		cfg:      cfg.withDefaults(),
		genID:    node,
		clock:    h.clock,
		holds:    h.holds,
		accounts: h.accounts,
		keys:     h.keys,
	}
	return h
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.sched.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{"service": "keepr", "env": "test", "job": "timeout_job"}
	assert.Equal(t, float64(1), getCounterValue(t, h.registry, "keepr_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "keepr",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, h.registry, "keepr_scheduler_job_errors_total", errorLabels))
}

func TestRunOnceDrainsEachSweep(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	h.holds.sizes = []int{2, 2, 1}
	h.accounts.sizes = []int{1}
	h.keys.sizes = nil

	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, 3, h.holds.calls)
	assert.Equal(t, 1, h.accounts.calls)
	assert.Equal(t, 1, h.keys.calls)
	assert.Equal(t, 1, h.accounts.reconciles)

	labels := map[string]string{
		"service":  "keepr",
		"env":      "test",
		"job":      JobExpireHolds,
		"resource": obsmetrics.LockResourceHoldsForExpiry,
	}
	assert.Equal(t, float64(5), getCounterValue(t, h.registry, "keepr_scheduler_batch_processed_total", labels))
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	h := newHarness(t, Config{})
	h.holds.err = errors.New("connection refused")
	h.keys.sizes = []int{1}

	err := h.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobExpireHolds)
	assert.Equal(t, 1, h.keys.calls, "one failing job does not stop the others")
}

func TestRunOnceDefersWithoutLeadership(t *testing.T) {
	h := newHarness(t, Config{})
	leader := &fakeLeader{}
	h.sched.leader = leader

	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Zero(t, h.holds.calls)
	assert.Zero(t, h.accounts.reconciles)
	labels := map[string]string{
		"service": "keepr",
		"env":     "test",
		"job":     "run",
		"reason":  obsmetrics.SchedulerBatchDeferredReasonNotLeader,
	}
	assert.Equal(t, float64(1), getCounterValue(t, h.registry, "keepr_scheduler_batch_deferred_total", labels))

	leader.grant = true
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, h.holds.calls)
	assert.Equal(t, []string{"token-1"}, leader.released)
}

func TestReconcileRunsOnItsInterval(t *testing.T) {
	h := newHarness(t, Config{ReconcileInterval: time.Hour})
	h.accounts.report = storedvaluedomain.ReconcileReport{
		Checked: 3,
		Drifted: []ledgerdomain.ReconcileResult{{SubjectType: ledgerdomain.SubjectStoredValueAccount, SubjectID: 7, Cached: 100, Computed: 90}},
	}

	require.NoError(t, h.sched.RunOnce(context.Background()))
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, h.accounts.reconciles)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, 2, h.accounts.reconciles)

	labels := map[string]string{"service": "keepr", "env": "test", "subject_type": "stored_value_account"}
	assert.Equal(t, float64(2), getCounterValue(t, h.registry, "keepr_ledger_reconcile_drift_total", labels))
}

func TestEnabledJobsFilter(t *testing.T) {
	h := newHarness(t, Config{EnabledJobs: []string{" Expire_Holds "}})
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, h.holds.calls)
	assert.Zero(t, h.accounts.calls)
	assert.Zero(t, h.keys.calls)
	assert.Zero(t, h.accounts.reconciles)
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := ProvideConfig(config.Config{})
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = ProvideConfig(config.Config{Scheduler: config.SchedulerConfig{RunIntervalSeconds: 5, BatchSize: 10, LeaderLockTTLSeconds: 1}})
	assert.Equal(t, 5*time.Second, cfg.RunInterval)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, cfg.JobTimeout, cfg.LeaderLockTTL)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
