package dedup

import "go.uber.org/fx"

// Module provides duplicate detection
var Module = fx.Module("dedup",
	fx.Provide(
		NewRepository,
		NewService,
	),
)
