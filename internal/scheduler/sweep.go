package scheduler

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kora/internal/config"
	obsmetrics "github.com/smallbiznis/kora/internal/observability/metrics"
	promotiondomain "github.com/smallbiznis/kora/internal/promotion/domain"
	"go.uber.org/zap"
)

const (
	jobExpirePromotions = "expire_promotions"
	sweepLockKey        = "kora:sweep:promotions"
)

var ErrInvalidSweepAction = errors.New("invalid_sweep_action")

// SweepResult summarises one sweep run.
type SweepResult struct {
	Finalized int
	Failed    int
	Skipped   bool
}

// SweepExpiredPromotions finalizes every active promotion whose window has
// closed. Running it again, or from several instances at once, only repeats
// no-op finalizations.
func (s *Scheduler) SweepExpiredPromotions(ctx context.Context) (SweepResult, error) {
	start := s.clock.Now()
	cfg := s.cfg.Get().Sweep
	s.metrics.IncRun()
	defer func() { s.metrics.ObserveDuration(s.clock.Now().Sub(start)) }()

	ctx, run, owner := s.ensureJobRun(ctx, jobExpirePromotions, cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	finalize, err := s.finalizer(cfg.ExpiredAction)
	if err != nil {
		s.metrics.IncError(err)
		return SweepResult{}, err
	}

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, cfg.LockTTL)
		if err != nil {
			s.metrics.IncError(err)
			s.logSchedulerError(ctx, run, "scheduler.lock.failed", jobExpirePromotions, err)
			return SweepResult{}, err
		}
		if !ok {
			s.metrics.IncSkipped(obsmetrics.SweepSkippedLockHeld)
			s.logger(ctx).Debug("scheduler.job.skipped",
				zap.String("job", jobExpirePromotions),
				zap.String("reason", obsmetrics.SweepSkippedLockHeld),
			)
			return SweepResult{Skipped: true}, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
				s.logger(ctx).Warn("scheduler.lock.release_failed", zap.Error(err))
			}
		}()
	}

	var result SweepResult
	for {
		batch, err := s.promotionSvc.ListExpired(ctx, s.clock.Now(), cfg.BatchSize)
		if err != nil {
			s.metrics.IncError(err)
			return result, err
		}

		failed := 0
		for _, promotion := range batch {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if _, err := finalize(ctx, promotion.ID); err != nil {
				failed++
				s.metrics.IncError(err)
				s.logSchedulerError(ctx, run, "scheduler.promotion.finalize_failed", jobExpirePromotions, err,
					zap.String("promotion_id", promotion.ID.String()),
					zap.String("action", cfg.ExpiredAction),
				)
				continue
			}
			result.Finalized++
			run.AddProcessed(1)
		}
		result.Failed += failed

		// Failed rows stay active and would be listed again.
		if len(batch) < cfg.BatchSize || failed > 0 {
			break
		}
	}

	s.metrics.AddFinalized(cfg.ExpiredAction, result.Finalized)
	return result, nil
}

func (s *Scheduler) finalizer(action string) (func(context.Context, snowflake.ID) (promotiondomain.Promotion, error), error) {
	switch action {
	case config.SweepActionComplete:
		return s.promotionSvc.Complete, nil
	case config.SweepActionCancel:
		return s.promotionSvc.Cancel, nil
	default:
		return nil, ErrInvalidSweepAction
	}
}
