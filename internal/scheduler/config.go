package scheduler

import (
	"time"

	"github.com/smallbiznis/keepr/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	JobTimeout        time.Duration
	ReconcileInterval time.Duration
	LeaderLockTTL     time.Duration
	// EnabledJobs limits a process to the named jobs. Empty runs all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       30 * time.Second,
		BatchSize:         100,
		JobTimeout:        30 * time.Second,
		ReconcileInterval: time.Hour,
		LeaderLockTTL:     time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:   time.Duration(cfg.Scheduler.RunIntervalSeconds) * time.Second,
		BatchSize:     cfg.Scheduler.BatchSize,
		LeaderLockTTL: time.Duration(cfg.Scheduler.LeaderLockTTLSeconds) * time.Second,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = defaults.LeaderLockTTL
	}
	// The lease must outlive a run or a second replica starts mid-run.
	if c.LeaderLockTTL < c.JobTimeout {
		c.LeaderLockTTL = c.JobTimeout
	}
	return c
}
