package reconcile

import (
	"context"

	"go.uber.org/fx"

	"github.com/agoramaps/agora.graph/internal/config"
)

// Module provides log-to-graph reconciliation.
var Module = fx.Module("reconcile",
	fx.Provide(
		NewReconciler,
		NewScheduler,
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, sched *Scheduler, cfg *config.Config) error {
	if cfg.Reconcile.Schedule != "" {
		if err := sched.Schedule(cfg.Reconcile.Schedule); err != nil {
			return err
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Reconcile.RunOnStart {
				// Repair divergence from before the restart without
				// holding up startup.
				go sched.RunNow()
			}
			return sched.Start(ctx)
		},
		OnStop: sched.Stop,
	})
	return nil
}
