package ledger

import (
	"github.com/smallbiznis/kora/internal/ledger/domain"
	"github.com/smallbiznis/kora/internal/ledger/repository"
	"github.com/smallbiznis/kora/internal/ledger/service"
	"github.com/smallbiznis/kora/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideBurstLimiter),
	fx.Provide(service.New),
)

func provideBurstLimiter(limiter *ratelimit.EarnLimiter) domain.BurstLimiter {
	if limiter == nil {
		return nil
	}
	return limiter
}
