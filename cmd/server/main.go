// Package main provides the entry point for the agora.graph service.
//
// The service owns the argument-graph contribution pipeline: the version
// log, mutation coordination, deduplication, search, engagement scoring,
// suggested edits, and the log/graph reconciler.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/agoramaps/agora.graph/domain/dedup"
	"github.com/agoramaps/agora.graph/domain/engagement"
	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/mutation"
	"github.com/agoramaps/agora.graph/domain/reconcile"
	"github.com/agoramaps/agora.graph/domain/search"
	"github.com/agoramaps/agora.graph/domain/suggestions"
	"github.com/agoramaps/agora.graph/domain/tracing"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/internal/config"
	"github.com/agoramaps/agora.graph/internal/database"
	"github.com/agoramaps/agora.graph/internal/version"
	"github.com/agoramaps/agora.graph/pkg/logger"
)

func main() {
	// Load .env files if present (for local development)
	// Order matters: .env.local overrides .env
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load("../../.env")
	_ = godotenv.Overload("../../.env.local") // Overload ensures local values take precedence

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		tracing.Module,

		fx.Invoke(func(log *slog.Logger) {
			info := version.Info()
			log.Info("starting agora.graph",
				slog.String("version", info.Version),
				slog.String("commit", info.GitCommit),
				slog.String("built", info.BuildTime),
			)
		}),

		// Graph store gateway
		graph.Module,

		// Domain modules
		versionlog.Module,
		dedup.Module,
		mutation.Module,
		search.Module,
		engagement.Module,
		suggestions.Module,

		// Reconciler (cron-based log/graph repair)
		reconcile.Module,
	).Run()
}
