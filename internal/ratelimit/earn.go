package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/kora/internal/config"
	"go.uber.org/zap"
)

const keyEarnBurst = "credits:earn:%d:%s"

// EarnLimiter is the per-user burst guard in front of the earning path. It
// sheds floods before they reach the wallet row lock; policy limits are still
// enforced in the database.
type EarnLimiter struct {
	bucket *TokenBucket
	cfg    *config.CreditsConfigHolder
	log    *zap.Logger
}

func NewEarnLimiter(client *redis.Client, cfg *config.CreditsConfigHolder, log *zap.Logger) *EarnLimiter {
	if client == nil {
		return nil
	}
	return &EarnLimiter{
		bucket: NewTokenBucket(client),
		cfg:    cfg,
		log:    log.Named("ratelimit.earn"),
	}
}

// Allow reports whether the user may attempt another earn for activity now.
// Redis failures fail open.
func (l *EarnLimiter) Allow(ctx context.Context, userID int64, activity string) (bool, time.Duration) {
	if l == nil || l.bucket == nil {
		return true, 0
	}
	ledgerCfg := l.cfg.Get().Ledger
	key := fmt.Sprintf(keyEarnBurst, userID, strings.TrimSpace(activity))
	res, err := l.bucket.Allow(ctx, key, ledgerCfg.EarnBurstRate, ledgerCfg.EarnBurst)
	if err != nil {
		l.log.Warn("burst check failed, allowing", zap.String("activity_type", activity), zap.Error(err))
		return true, 0
	}
	return res.Allowed, res.RetryAfter
}
