package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	availabilitydomain "github.com/smallbiznis/keepr/internal/availability/domain"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/keepr/internal/observability/metrics"
	"github.com/smallbiznis/keepr/internal/ratelimit"
	storedvaluedomain "github.com/smallbiznis/keepr/internal/storedvalue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireHolds        = "expire_holds"
	JobExpireStoredValue  = "expire_stored_value"
	JobIdempotencyCleanup = "idempotency_cleanup"
	JobLedgerReconcile    = "ledger_reconcile"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type (
	// BatchFunc handles up to limit due items and reports how many it handled.
	BatchFunc func(ctx context.Context, limit int) (int, error)

	HoldSweeper interface {
		SweepExpiredHolds(ctx context.Context, limit int) (int, error)
	}
	AccountSweeper interface {
		ExpireDue(ctx context.Context, limit int) (int, error)
		ReconcileAll(ctx context.Context, batchSize int) (storedvaluedomain.ReconcileReport, error)
	}
	KeyPurger interface {
		PurgeExpired(ctx context.Context, limit int) (int, error)
	}
)

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       Config
	Availability availabilitydomain.Service
	StoredValue  storedvaluedomain.Service
	Guard        *idempotency.Guard
	Locker       *ratelimit.Locker `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	holds    HoldSweeper
	accounts AccountSweeper
	keys     KeyPurger
	leader   LeaderLock

	lastReconcile time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Availability == nil || p.StoredValue == nil || p.Guard == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		holds:    p.Availability,
		accounts: p.StoredValue,
		keys:     p.Guard,
	}
	if p.Locker != nil {
		s.leader = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, batchSize int, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		// Whatever is left is picked up by the next pass.
		schedMetrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once when this replica holds leadership.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, leader, err := s.acquireLeadership(parent)
	if err != nil {
		return fmt.Errorf("scheduler leadership: %w", err)
	}
	if !leader {
		obsmetrics.Scheduler().IncBatchDeferred("run", obsmetrics.SchedulerBatchDeferredReasonNotLeader)
		return nil
	}
	defer release()

	jobs := []struct {
		name     string
		resource string
		batch    BatchFunc
	}{
		{JobExpireHolds, obsmetrics.LockResourceHoldsForExpiry, s.holds.SweepExpiredHolds},
		{JobExpireStoredValue, obsmetrics.LockResourceStoredValueForExpiry, s.accounts.ExpireDue},
		{JobIdempotencyCleanup, obsmetrics.LockResourceIdempotencyForCleanup, s.keys.PurgeExpired},
	}
	var runErr error
	for _, job := range jobs {
		if !s.isJobEnabled(job.name) {
			continue
		}
		name, resource, batch := job.name, job.resource, job.batch
		runErr = errors.Join(runErr, s.runJob(parent, name, s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.drain(ctx, name, resource, batch)
		}))
	}

	if s.isJobEnabled(JobLedgerReconcile) && s.reconcileDue() {
		runErr = errors.Join(runErr, s.runJob(parent, JobLedgerReconcile, s.cfg.BatchSize, s.cfg.JobTimeout, s.ReconcileJob))
	}
	return runErr
}

// drain calls batch until it returns a short batch.
func (s *Scheduler) drain(ctx context.Context, job, resource string, batch BatchFunc) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		n, err := batch(ctx, s.cfg.BatchSize)
		schedMetrics.ObserveDBLockWait(resource, time.Since(start))
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.batch.failed", err, zap.String("resource", resource))
			return err
		}
		run.AddProcessed(n)
		schedMetrics.AddBatchProcessed(job, resource, n)
		if n == 0 {
			schedMetrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		}
		if n < s.cfg.BatchSize {
			return nil
		}
	}
}

// ReconcileJob compares every stored value balance with its ledger sum.
// Drift is reported, never repaired.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	report, err := s.accounts.ReconcileAll(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", err)
		return err
	}
	s.lastReconcile = s.clock.Now()
	run.AddProcessed(report.Checked)
	obsmetrics.Scheduler().AddBatchProcessed(JobLedgerReconcile, string(ledgerdomain.SubjectStoredValueAccount), report.Checked)
	if len(report.Drifted) > 0 {
		obsmetrics.Scheduler().AddReconcileDrift(string(ledgerdomain.SubjectStoredValueAccount), len(report.Drifted))
		for _, d := range report.Drifted {
			s.logger(ctx).Error("ledger.balance.drift",
				zap.String("subject_type", string(d.SubjectType)),
				zap.String("subject_id", d.SubjectID.String()),
				zap.Int64("cached", d.Cached),
				zap.Int64("computed", d.Computed),
				zap.Int64("last_snapshot", d.LastSnapshot),
			)
		}
	}
	return nil
}

func (s *Scheduler) reconcileDue() bool {
	return s.lastReconcile.IsZero() || s.clock.Now().Sub(s.lastReconcile) >= s.cfg.ReconcileInterval
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(job string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), job) {
			return true
		}
	}
	return false
}
