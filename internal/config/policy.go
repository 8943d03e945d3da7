package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	MinIdempotencyTTL = 24 * time.Hour
	MaxIdempotencyTTL = 72 * time.Hour
)

// Policy carries the tunables of the core that operators adjust at runtime.
type Policy struct {
	Idempotency IdempotencyPolicy `mapstructure:"idempotency"`
	Holds       HoldPolicy        `mapstructure:"holds"`
	Replay      ReplayPolicy      `mapstructure:"replay"`
	Retry       RetryPolicy       `mapstructure:"retry"`
	Scoring     ScoringPolicy     `mapstructure:"scoring"`
	Deposit     DepositPolicy     `mapstructure:"deposit"`
}

type IdempotencyPolicy struct {
	TTL             time.Duration `mapstructure:"ttl"`
	InFlightTimeout time.Duration `mapstructure:"inFlightTimeout"`
}

type HoldPolicy struct {
	DefaultTTL time.Duration `mapstructure:"defaultTtl"`
	MaxTTL     time.Duration `mapstructure:"maxTtl"`
}

type ReplayPolicy struct {
	// Tolerance is the largest accepted difference, in minor units, between
	// recorded and recomputed offline totals.
	Tolerance int64 `mapstructure:"tolerance"`
}

type RetryPolicy struct {
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
}

type ScoringPolicy struct {
	FeatureWeight        float64 `mapstructure:"featureWeight"`
	GapWeight            float64 `mapstructure:"gapWeight"`
	ReturningGuestWeight float64 `mapstructure:"returningGuestWeight"`
	OrphanGapNights      int     `mapstructure:"orphanGapNights"`
	LookaroundNights     int     `mapstructure:"lookaroundNights"`
}

type DepositPolicy struct {
	MinimumFlat int64  `mapstructure:"minimumFlat"`
	Percentage  string `mapstructure:"percentage"`

	percentage decimal.Decimal
}

// PercentageDecimal returns the parsed default deposit percentage.
func (d DepositPolicy) PercentageDecimal() decimal.Decimal {
	return d.percentage
}

func DefaultPolicy() Policy {
	p := Policy{
		Idempotency: IdempotencyPolicy{
			TTL:             24 * time.Hour,
			InFlightTimeout: 60 * time.Second,
		},
		Holds: HoldPolicy{
			DefaultTTL: 15 * time.Minute,
			MaxTTL:     24 * time.Hour,
		},
		Replay: ReplayPolicy{Tolerance: 1},
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     250 * time.Millisecond,
		},
		Scoring: ScoringPolicy{
			FeatureWeight:        1.0,
			GapWeight:            2.0,
			ReturningGuestWeight: 3.0,
			OrphanGapNights:      2,
			LookaroundNights:     14,
		},
		Deposit: DepositPolicy{
			MinimumFlat: 0,
			Percentage:  "0",
		},
	}
	normalized, _ := normalizePolicy(p)
	return normalized
}

// PolicyHolder serves the current Policy and swaps it when policy.yml changes.
type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) (*PolicyHolder, error) {
	normalized, err := normalizePolicy(p)
	if err != nil {
		return nil, err
	}
	holder := &PolicyHolder{}
	holder.current.Store(normalized)
	return holder, nil
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/keepr/config")
	v.AddConfigPath("/etc/keepr")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KEEPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPolicyDefaults(v, DefaultPolicy())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodePolicy(v)
			if err != nil {
				log.Warn("policy reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("policy reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func setPolicyDefaults(v *viper.Viper, p Policy) {
	v.SetDefault("policy.idempotency.ttl", p.Idempotency.TTL)
	v.SetDefault("policy.idempotency.inFlightTimeout", p.Idempotency.InFlightTimeout)
	v.SetDefault("policy.holds.defaultTtl", p.Holds.DefaultTTL)
	v.SetDefault("policy.holds.maxTtl", p.Holds.MaxTTL)
	v.SetDefault("policy.replay.tolerance", p.Replay.Tolerance)
	v.SetDefault("policy.retry.maxAttempts", p.Retry.MaxAttempts)
	v.SetDefault("policy.retry.initialInterval", p.Retry.InitialInterval)
	v.SetDefault("policy.retry.maxInterval", p.Retry.MaxInterval)
	v.SetDefault("policy.scoring.featureWeight", p.Scoring.FeatureWeight)
	v.SetDefault("policy.scoring.gapWeight", p.Scoring.GapWeight)
	v.SetDefault("policy.scoring.returningGuestWeight", p.Scoring.ReturningGuestWeight)
	v.SetDefault("policy.scoring.orphanGapNights", p.Scoring.OrphanGapNights)
	v.SetDefault("policy.scoring.lookaroundNights", p.Scoring.LookaroundNights)
	v.SetDefault("policy.deposit.minimumFlat", p.Deposit.MinimumFlat)
	v.SetDefault("policy.deposit.percentage", p.Deposit.Percentage)
}

func decodePolicy(v *viper.Viper) (Policy, error) {
	// Unmarshal walks every leaf key, so defaults fill what the file omits.
	var file struct {
		Policy Policy `mapstructure:"policy"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return Policy{}, err
	}
	return normalizePolicy(file.Policy)
}

func normalizePolicy(p Policy) (Policy, error) {
	if p.Idempotency.TTL < MinIdempotencyTTL {
		p.Idempotency.TTL = MinIdempotencyTTL
	}
	if p.Idempotency.TTL > MaxIdempotencyTTL {
		p.Idempotency.TTL = MaxIdempotencyTTL
	}
	if p.Idempotency.InFlightTimeout <= 0 {
		return Policy{}, errors.New("policy.idempotency.inFlightTimeout must be positive")
	}
	if p.Holds.DefaultTTL <= 0 {
		return Policy{}, errors.New("policy.holds.defaultTtl must be positive")
	}
	if p.Holds.MaxTTL < p.Holds.DefaultTTL {
		p.Holds.MaxTTL = p.Holds.DefaultTTL
	}
	if p.Replay.Tolerance < 0 {
		return Policy{}, errors.New("policy.replay.tolerance cannot be negative")
	}
	if p.Retry.MaxAttempts < 1 || p.Retry.MaxAttempts > 10 {
		return Policy{}, fmt.Errorf("policy.retry.maxAttempts must be between 1 and 10, got %d", p.Retry.MaxAttempts)
	}
	if p.Retry.InitialInterval <= 0 {
		p.Retry.InitialInterval = 20 * time.Millisecond
	}
	if p.Retry.MaxInterval < p.Retry.InitialInterval {
		p.Retry.MaxInterval = p.Retry.InitialInterval
	}
	if p.Scoring.FeatureWeight < 0 || p.Scoring.GapWeight < 0 || p.Scoring.ReturningGuestWeight < 0 {
		return Policy{}, errors.New("policy.scoring weights cannot be negative")
	}
	if p.Scoring.LookaroundNights <= 0 {
		p.Scoring.LookaroundNights = 14
	}
	if p.Deposit.MinimumFlat < 0 {
		return Policy{}, errors.New("policy.deposit.minimumFlat cannot be negative")
	}
	raw := strings.TrimSpace(p.Deposit.Percentage)
	if raw == "" {
		raw = "0"
	}
	pct, err := decimal.NewFromString(raw)
	if err != nil {
		return Policy{}, fmt.Errorf("policy.deposit.percentage: %w", err)
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(1)) {
		return Policy{}, errors.New("policy.deposit.percentage must be within [0, 1]")
	}
	p.Deposit.Percentage = raw
	p.Deposit.percentage = pct
	return p, nil
}
