package promotable

import "go.uber.org/fx"

var Module = fx.Module("promotable.registry",
	fx.Provide(NewDefaultRegistry),
)
