package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const leaderLockKey = "keepr:scheduler:leader"

// LeaderLock elects the single replica that runs a scheduler pass.
type LeaderLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// acquireLeadership reports whether this replica may run now. Without a lock
// every replica runs, which the row locks taken by each sweep make safe.
func (s *Scheduler) acquireLeadership(ctx context.Context) (release func(), ok bool, err error) {
	if s.leader == nil {
		return func() {}, true, nil
	}
	token, ok, err := s.leader.TryLock(ctx, leaderLockKey, s.cfg.LeaderLockTTL)
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		if err := s.leader.Release(context.WithoutCancel(ctx), leaderLockKey, token); err != nil {
			s.log.Warn("release scheduler leadership", zap.Error(err))
		}
	}, true, nil
}
