package graph

import (
	"go.uber.org/fx"
)

// Module provides the graph store gateway via fx
var Module = fx.Module("graph",
	fx.Provide(
		NewGateway,
	),
)
