package engagement

import (
	"go.uber.org/fx"

	"github.com/agoramaps/agora.graph/domain/mutation"
)

// Module provides engagement dependencies via fx
var Module = fx.Module("engagement",
	fx.Provide(
		NewRepository,
		NewService,
		func(s *Service) mutation.EditPolicy { return s },
	),
	fx.Invoke(registerHooks),
)

func registerHooks(c *mutation.Coordinator, s *Service) {
	c.AddPostCommitHook(s.InvalidateOnMutation)
}
