package mutation

import (
	"context"

	"go.uber.org/fx"

	"github.com/agoramaps/agora.graph/domain/dedup"
	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
)

// Module provides the mutation coordinator
var Module = fx.Module("mutation",
	fx.Provide(
		NewCoordinator,
		func(r *versionlog.Repository) VersionLog { return &logStore{r} },
		func(g *graph.Gateway) Graph { return g },
		func(s *dedup.Service) DuplicateChecker { return s },
		func() ProfileSink { return NopProfileSink{} },
	),
	fx.Invoke(registerProfileSink),
)

// registerProfileSink forwards committed mutations to the profile
// collaborator. Replace the ProfileSink provider (fx.Replace) to attach a
// real reputation service.
func registerProfileSink(c *Coordinator, sink ProfileSink) {
	c.AddPostCommitHook(func(ctx context.Context, ev Event) {
		sink.ContributionRecorded(ctx, ev)
	})
}

// logStore adapts *versionlog.Repository to the VersionLog port; only the
// BeginTx return type needs translating.
type logStore struct {
	*versionlog.Repository
}

func (s *logStore) BeginTx(ctx context.Context) (Tx, error) {
	return s.Repository.BeginTx(ctx)
}
