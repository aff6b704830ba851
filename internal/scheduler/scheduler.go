package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/kora/internal/clock"
	"github.com/smallbiznis/kora/internal/config"
	obsmetrics "github.com/smallbiznis/kora/internal/observability/metrics"
	promotiondomain "github.com/smallbiznis/kora/internal/promotion/domain"
	"github.com/smallbiznis/kora/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// LockManager hands out a single-holder lease so only one instance sweeps.
type LockManager interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	PromotionSvc promotiondomain.Service
	Config       *config.CreditsConfigHolder `optional:"true"`
	Locker       *ratelimit.Locker           `optional:"true"`
	Metrics      *obsmetrics.SweepMetrics    `optional:"true"`
}

type Scheduler struct {
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	promotionSvc promotiondomain.Service
	cfg          *config.CreditsConfigHolder
	locker       LockManager
	metrics      *obsmetrics.SweepMetrics

	mu   sync.Mutex
	cron *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.PromotionSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		genID:        p.GenID,
		clock:        p.Clock,
		promotionSvc: p.PromotionSvc,
		cfg:          p.Config,
		metrics:      p.Metrics,
	}
	// A nil *Locker must not end up as a non-nil interface.
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

// WithLocker swaps the lease implementation.
func (s *Scheduler) WithLocker(locker LockManager) *Scheduler {
	s.locker = locker
	return s
}

// Start registers the sweep on the configured cron schedule. The schedule is
// read once; the action and batch size are re-read on every run.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cfg := s.cfg.Get().Sweep
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	timeout := cfg.LockTTL
	if _, err := c.AddFunc(cfg.Schedule, func() {
		_ = s.runJob(context.Background(), jobExpirePromotions, timeout, func(ctx context.Context) error {
			_, err := s.SweepExpiredPromotions(ctx)
			return err
		})
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	s.log.Info("scheduler started",
		zap.String("schedule", cfg.Schedule),
		zap.String("expired_action", cfg.ExpiredAction),
	)
	return nil
}

// Stop halts the cron and waits for a running sweep to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, s.cfg.Get().Sweep.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger(ctx).Warn("scheduler.job.timeout",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
		)
		return nil
	}
	s.logSchedulerError(ctx, run, "scheduler.job.failed", name, err)
	return err
}
