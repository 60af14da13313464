package suggestions

import "go.uber.org/fx"

// Module provides the suggested-edit workflow.
var Module = fx.Module("suggestions",
	fx.Provide(
		NewRepository,
		NewService,
	),
)
