package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	SweepActionComplete = "complete"
	SweepActionCancel   = "cancel"
)

// CreditsConfig holds the tunables of the ledger, rate policy store and sweep.
type CreditsConfig struct {
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	RatePolicy RatePolicyConfig `mapstructure:"ratePolicy"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
}

type LedgerConfig struct {
	// LockTimeout bounds row-lock waits on Postgres (SET LOCAL lock_timeout).
	LockTimeout  time.Duration `mapstructure:"lockTimeout"`
	RetryBackoff time.Duration `mapstructure:"retryBackoff"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
	// EarnBurstRate and EarnBurst feed the redis token bucket in front of the earning path.
	EarnBurstRate float64 `mapstructure:"earnBurstRate"`
	EarnBurst     int     `mapstructure:"earnBurst"`
}

type RatePolicyConfig struct {
	CacheTTL time.Duration   `mapstructure:"cacheTTL"`
	Defaults []PolicyDefault `mapstructure:"defaults"`
}

// PolicyDefault seeds a rate policy when the store has no row for its activity.
type PolicyDefault struct {
	ActivityType    string `mapstructure:"activityType"`
	BaseRate        int64  `mapstructure:"baseRate"`
	MaxDaily        *int64 `mapstructure:"maxDaily"`
	CooldownMinutes *int   `mapstructure:"cooldownMinutes"`
	Description     string `mapstructure:"description"`
}

type SweepConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	ExpiredAction string        `mapstructure:"expiredAction"`
	BatchSize     int           `mapstructure:"batchSize"`
	LockTTL       time.Duration `mapstructure:"lockTTL"`
}

func DefaultCreditsConfig() CreditsConfig {
	return CreditsConfig{
		Ledger: LedgerConfig{
			LockTimeout:   5 * time.Second,
			RetryBackoff:  50 * time.Millisecond,
			MaxAttempts:   2,
			EarnBurstRate: 1,
			EarnBurst:     10,
		},
		RatePolicy: RatePolicyConfig{
			CacheTTL: 30 * time.Second,
			Defaults: []PolicyDefault{
				{ActivityType: "daily_login", BaseRate: 5, MaxDaily: int64Ptr(5), CooldownMinutes: intPtr(1440), Description: "Daily login bonus"},
				{ActivityType: "song_play", BaseRate: 1, MaxDaily: int64Ptr(50), CooldownMinutes: intPtr(1), Description: "Completed song play"},
				{ActivityType: "song_upload", BaseRate: 10, MaxDaily: int64Ptr(30), Description: "Published a new track"},
				{ActivityType: "referral", BaseRate: 50, MaxDaily: int64Ptr(500), Description: "Referred a new member"},
				{ActivityType: "profile_completion", BaseRate: 20, MaxDaily: int64Ptr(20), Description: "Completed artist profile"},
			},
		},
		Sweep: SweepConfig{
			Enabled:       true,
			Schedule:      "0 * * * * *",
			ExpiredAction: SweepActionComplete,
			BatchSize:     100,
			LockTTL:       50 * time.Second,
		},
	}
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

// withDefaults fills zero values with the defaults so partial files stay valid.
func (c CreditsConfig) withDefaults() CreditsConfig {
	defaults := DefaultCreditsConfig()
	if c.Ledger.LockTimeout <= 0 {
		c.Ledger.LockTimeout = defaults.Ledger.LockTimeout
	}
	if c.Ledger.RetryBackoff <= 0 {
		c.Ledger.RetryBackoff = defaults.Ledger.RetryBackoff
	}
	if c.Ledger.MaxAttempts <= 0 {
		c.Ledger.MaxAttempts = defaults.Ledger.MaxAttempts
	}
	if c.Ledger.EarnBurstRate <= 0 {
		c.Ledger.EarnBurstRate = defaults.Ledger.EarnBurstRate
	}
	if c.Ledger.EarnBurst <= 0 {
		c.Ledger.EarnBurst = defaults.Ledger.EarnBurst
	}
	if c.RatePolicy.CacheTTL < 0 {
		c.RatePolicy.CacheTTL = 0
	}
	if len(c.RatePolicy.Defaults) == 0 {
		c.RatePolicy.Defaults = defaults.RatePolicy.Defaults
	}
	if strings.TrimSpace(c.Sweep.Schedule) == "" {
		c.Sweep.Schedule = defaults.Sweep.Schedule
	}
	if strings.TrimSpace(c.Sweep.ExpiredAction) == "" {
		c.Sweep.ExpiredAction = defaults.Sweep.ExpiredAction
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = defaults.Sweep.BatchSize
	}
	if c.Sweep.LockTTL <= 0 {
		c.Sweep.LockTTL = defaults.Sweep.LockTTL
	}
	return c
}

type CreditsConfigHolder struct {
	current atomic.Value // holds CreditsConfig
}

// NewStaticCreditsConfigHolder wraps a fixed config, used by tests and tools.
func NewStaticCreditsConfigHolder(cfg CreditsConfig) *CreditsConfigHolder {
	holder := &CreditsConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

// NewCreditsConfigHolder loads credits.yml and keeps it fresh on file changes.
func NewCreditsConfigHolder(log *zap.Logger) (*CreditsConfigHolder, error) {
	log = log.Named("config.credits")
	v := viper.New()

	v.SetConfigName("credits")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/kora")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultCreditsConfig()
	if fileFound {
		var loaded CreditsConfig
		if err := v.UnmarshalKey("credits", &loaded); err != nil {
			return nil, err
		}
		cfg = loaded.withDefaults()
	}
	if err := validateCreditsConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CreditsConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated CreditsConfig
			if err := v.UnmarshalKey("credits", &updated); err != nil {
				log.Warn("reload failed", zap.Error(err))
				return
			}
			updated = updated.withDefaults()
			if err := validateCreditsConfig(updated); err != nil {
				log.Warn("invalid config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *CreditsConfigHolder) Get() CreditsConfig {
	if h == nil {
		return DefaultCreditsConfig()
	}
	cfg, ok := h.current.Load().(CreditsConfig)
	if !ok {
		return DefaultCreditsConfig()
	}
	return cfg
}

func validateCreditsConfig(cfg CreditsConfig) error {
	switch cfg.Sweep.ExpiredAction {
	case SweepActionComplete, SweepActionCancel:
	default:
		return fmt.Errorf("credits.sweep.expiredAction must be %q or %q", SweepActionComplete, SweepActionCancel)
	}
	seen := make(map[string]struct{}, len(cfg.RatePolicy.Defaults))
	for _, def := range cfg.RatePolicy.Defaults {
		activity := strings.TrimSpace(def.ActivityType)
		if activity == "" {
			return errors.New("credits.ratePolicy.defaults: activityType cannot be empty")
		}
		if _, dup := seen[activity]; dup {
			return fmt.Errorf("credits.ratePolicy.defaults: duplicate activityType %q", activity)
		}
		seen[activity] = struct{}{}
		if def.BaseRate <= 0 {
			return fmt.Errorf("credits.ratePolicy.defaults: baseRate for %q must be positive", activity)
		}
	}
	return nil
}
