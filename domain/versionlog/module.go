package versionlog

import (
	"go.uber.org/fx"
)

// Module provides the version log repository via fx
var Module = fx.Module("versionlog",
	fx.Provide(
		NewRepository,
	),
)
