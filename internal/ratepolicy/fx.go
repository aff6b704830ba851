package ratepolicy

import (
	"context"
	"time"

	"github.com/smallbiznis/kora/internal/cache"
	ledgerdomain "github.com/smallbiznis/kora/internal/ledger/domain"
	"github.com/smallbiznis/kora/internal/ratepolicy/domain"
	"github.com/smallbiznis/kora/internal/ratepolicy/repository"
	"github.com/smallbiznis/kora/internal/ratepolicy/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("ratepolicy.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideHistory),
	fx.Provide(providePolicyCache),
	fx.Provide(service.New),
	fx.Provide(NewEarnAuthorizer),
	fx.Invoke(registerSeed),
)

// The ledger repository already answers earning-history queries.
func provideHistory(repo ledgerdomain.Repository) domain.History {
	return repo
}

func providePolicyCache() cache.Cache[string, domain.RatePolicy] {
	return cache.NewTTLCache[string, domain.RatePolicy]()
}

type earnAuthorizer struct {
	svc domain.Service
}

// NewEarnAuthorizer exposes the policy store to the ledger's earning path.
func NewEarnAuthorizer(svc domain.Service) ledgerdomain.EarnAuthorizer {
	return earnAuthorizer{svc: svc}
}

func (a earnAuthorizer) AuthorizeEarn(ctx context.Context, tx *gorm.DB, userID int64, activityType string, proposedAmount int64, now time.Time) (int64, error) {
	decision, err := a.svc.AuthorizeEarn(ctx, tx, userID, activityType, proposedAmount, now)
	if err != nil {
		return 0, err
	}
	return decision.Amount, nil
}

func registerSeed(lc fx.Lifecycle, svc domain.Service, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := svc.SeedDefaults(ctx); err != nil {
				log.Error("seeding default rate policies failed", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
