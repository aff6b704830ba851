package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kora/internal/cache"
	"github.com/smallbiznis/kora/internal/clock"
	"github.com/smallbiznis/kora/internal/config"
	"github.com/smallbiznis/kora/internal/ratepolicy/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	History domain.History
	Cache   cache.Cache[string, domain.RatePolicy] `optional:"true"`
	Config  *config.CreditsConfigHolder            `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	history domain.History
	cache   cache.Cache[string, domain.RatePolicy]
	cfg     *config.CreditsConfigHolder

	// cacheGen advances on every committed mutation; a read that started
	// before the bump must not repopulate the cache.
	cacheMu  sync.Mutex
	cacheGen uint64
}

func New(p Params) domain.Service {
	policyCache := p.Cache
	if policyCache == nil {
		policyCache = cache.NewTTLCache[string, domain.RatePolicy]()
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ratepolicy.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		history: p.History,
		cache:   policyCache,
		cfg:     p.Config,
	}
}

// AuthorizeEarn checks the activity's policy against the user's earning
// history. tx must be the earn transaction holding the user's wallet lock.
func (s *Service) AuthorizeEarn(ctx context.Context, tx *gorm.DB, userID int64, activityType string, proposedAmount int64, now time.Time) (domain.Decision, error) {
	activityType = strings.TrimSpace(activityType)
	if activityType == "" {
		return domain.Decision{}, domain.ErrInvalidActivity
	}

	policy, err := s.lookup(ctx, tx, activityType)
	if err != nil {
		return domain.Decision{}, err
	}
	if policy == nil || !policy.IsActive {
		return domain.Decision{}, &domain.RateLimitedError{Reason: domain.ReasonPolicyDisabled}
	}

	amount := proposedAmount
	if amount <= 0 {
		amount = policy.BaseRate
	}
	now = now.UTC()

	if cooldown := policy.Cooldown(); cooldown > 0 {
		last, err := s.history.LastEarnedAt(ctx, tx, userID, activityType)
		if err != nil {
			return domain.Decision{}, err
		}
		if last != nil {
			if elapsed := now.Sub(*last); elapsed < cooldown {
				return domain.Decision{}, &domain.RateLimitedError{
					Reason:     domain.ReasonCooldown,
					RetryAfter: cooldown - elapsed,
				}
			}
		}
	}

	if policy.MaxDaily != nil {
		dayStart := StartOfUTCDay(now)
		earned, err := s.history.SumEarnedSince(ctx, tx, userID, activityType, dayStart)
		if err != nil {
			return domain.Decision{}, err
		}
		if amount > *policy.MaxDaily-earned {
			return domain.Decision{}, &domain.RateLimitedError{
				Reason:     domain.ReasonDailyCap,
				RetryAfter: dayStart.Add(24 * time.Hour).Sub(now),
			}
		}
	}

	return domain.Decision{Amount: amount, PolicyID: policy.ID}, nil
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (domain.RatePolicy, error) {
	activityType := strings.TrimSpace(req.ActivityType)
	if err := validatePolicy(activityType, req.BaseRate, req.MaxDaily, req.CooldownMinutes); err != nil {
		return domain.RatePolicy{}, err
	}

	now := s.clock.Now()
	policy := domain.RatePolicy{
		ID:              s.genID.Generate(),
		ActivityType:    activityType,
		BaseRate:        req.BaseRate,
		MaxDaily:        req.MaxDaily,
		CooldownMinutes: req.CooldownMinutes,
		IsActive:        req.IsActive,
		Description:     strings.TrimSpace(req.Description),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Upsert(ctx, s.db, &policy); err != nil {
		return domain.RatePolicy{}, err
	}
	s.invalidate(activityType)

	stored, err := s.repo.FindByActivity(ctx, s.db, activityType)
	if err != nil {
		return domain.RatePolicy{}, err
	}
	if stored == nil {
		return domain.RatePolicy{}, domain.ErrNotFound
	}

	s.log.Info("rate policy upserted",
		zap.String("activity_type", activityType),
		zap.Int64("base_rate", stored.BaseRate),
		zap.Bool("is_active", stored.IsActive),
	)
	return *stored, nil
}

func (s *Service) Activate(ctx context.Context, activityType string) (domain.RatePolicy, error) {
	return s.mutate(ctx, activityType, func(p *domain.RatePolicy) error {
		p.IsActive = true
		return nil
	})
}

func (s *Service) Deactivate(ctx context.Context, activityType string) (domain.RatePolicy, error) {
	return s.mutate(ctx, activityType, func(p *domain.RatePolicy) error {
		p.IsActive = false
		return nil
	})
}

func (s *Service) UpdateRate(ctx context.Context, activityType string, baseRate int64) (domain.RatePolicy, error) {
	if baseRate <= 0 {
		return domain.RatePolicy{}, domain.ErrInvalidBaseRate
	}
	return s.mutate(ctx, activityType, func(p *domain.RatePolicy) error {
		p.BaseRate = baseRate
		return nil
	})
}

func (s *Service) UpdateLimits(ctx context.Context, activityType string, req domain.UpdateLimitsRequest) (domain.RatePolicy, error) {
	if req.MaxDaily != nil && *req.MaxDaily <= 0 {
		return domain.RatePolicy{}, domain.ErrInvalidMaxDaily
	}
	if req.CooldownMinutes != nil && *req.CooldownMinutes <= 0 {
		return domain.RatePolicy{}, domain.ErrInvalidCooldown
	}
	return s.mutate(ctx, activityType, func(p *domain.RatePolicy) error {
		p.MaxDaily = req.MaxDaily
		p.CooldownMinutes = req.CooldownMinutes
		return nil
	})
}

func (s *Service) Get(ctx context.Context, activityType string) (domain.RatePolicy, error) {
	activityType = strings.TrimSpace(activityType)
	if activityType == "" {
		return domain.RatePolicy{}, domain.ErrInvalidActivity
	}
	policy, err := s.repo.FindByActivity(ctx, s.db, activityType)
	if err != nil {
		return domain.RatePolicy{}, err
	}
	if policy == nil {
		return domain.RatePolicy{}, domain.ErrNotFound
	}
	return *policy, nil
}

func (s *Service) List(ctx context.Context) ([]domain.RatePolicy, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	policies := make([]domain.RatePolicy, 0, len(items))
	for _, item := range items {
		policies = append(policies, *item)
	}
	return policies, nil
}

func (s *Service) SeedDefaults(ctx context.Context) (int, error) {
	defaults := s.cfg.Get().RatePolicy.Defaults
	now := s.clock.Now()

	seeded := 0
	for _, def := range defaults {
		activityType := strings.TrimSpace(def.ActivityType)
		if err := validatePolicy(activityType, def.BaseRate, def.MaxDaily, def.CooldownMinutes); err != nil {
			s.log.Warn("skipping invalid default policy", zap.String("activity_type", activityType), zap.Error(err))
			continue
		}
		inserted, err := s.repo.InsertIfAbsent(ctx, s.db, &domain.RatePolicy{
			ID:              s.genID.Generate(),
			ActivityType:    activityType,
			BaseRate:        def.BaseRate,
			MaxDaily:        def.MaxDaily,
			CooldownMinutes: def.CooldownMinutes,
			IsActive:        true,
			Description:     def.Description,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return seeded, err
		}
		if inserted {
			seeded++
		}
	}

	if seeded > 0 {
		s.log.Info("seeded default rate policies", zap.Int("count", seeded))
	}
	return seeded, nil
}

func (s *Service) mutate(ctx context.Context, activityType string, fn func(p *domain.RatePolicy) error) (domain.RatePolicy, error) {
	activityType = strings.TrimSpace(activityType)
	if activityType == "" {
		return domain.RatePolicy{}, domain.ErrInvalidActivity
	}

	var updated domain.RatePolicy
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		policy, err := s.repo.LockByActivity(ctx, tx, activityType)
		if err != nil {
			return err
		}
		if policy == nil {
			return domain.ErrNotFound
		}
		if err := fn(policy); err != nil {
			return err
		}
		policy.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, policy); err != nil {
			return err
		}
		updated = *policy
		return nil
	})
	if err != nil {
		return domain.RatePolicy{}, err
	}

	s.invalidate(activityType)
	s.log.Info("rate policy updated",
		zap.String("activity_type", activityType),
		zap.Int64("base_rate", updated.BaseRate),
		zap.Bool("is_active", updated.IsActive),
	)
	return updated, nil
}

// lookup reads through the policy cache. Misses are read on conn so the
// caller's transaction sees the row.
func (s *Service) lookup(ctx context.Context, conn *gorm.DB, activityType string) (*domain.RatePolicy, error) {
	if policy, ok := s.cache.Get(activityType); ok {
		return &policy, nil
	}

	s.cacheMu.Lock()
	gen := s.cacheGen
	s.cacheMu.Unlock()

	policy, err := s.repo.FindByActivity(ctx, conn, activityType)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, nil
	}

	s.cacheMu.Lock()
	if s.cacheGen == gen {
		s.cache.Set(activityType, *policy, s.cfg.Get().RatePolicy.CacheTTL)
	}
	s.cacheMu.Unlock()
	return policy, nil
}

func (s *Service) invalidate(activityType string) {
	s.cacheMu.Lock()
	s.cacheGen++
	s.cache.Delete(activityType)
	s.cacheMu.Unlock()
}

// StartOfUTCDay truncates t to midnight UTC.
func StartOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func validatePolicy(activityType string, baseRate int64, maxDaily *int64, cooldown *int) error {
	if activityType == "" {
		return domain.ErrInvalidActivity
	}
	if baseRate <= 0 {
		return domain.ErrInvalidBaseRate
	}
	if maxDaily != nil && *maxDaily <= 0 {
		return domain.ErrInvalidMaxDaily
	}
	if cooldown != nil && *cooldown <= 0 {
		return domain.ErrInvalidCooldown
	}
	return nil
}
