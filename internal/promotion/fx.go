package promotion

import (
	"github.com/smallbiznis/kora/internal/promotion/repository"
	"github.com/smallbiznis/kora/internal/promotion/service"
	"go.uber.org/fx"
)

var Module = fx.Module("promotion.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
