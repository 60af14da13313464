package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agoramaps/agora.graph/pkg/logger"
)

// runTimeout bounds a single scheduled pass.
const runTimeout = 30 * time.Minute

// Scheduler drives reconciliation passes on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	rec     *Reconciler
	log     *slog.Logger
	mu      sync.Mutex
	busy    sync.Mutex
	running bool
}

// NewScheduler creates a scheduler with seconds-precision cron expressions.
func NewScheduler(rec *Reconciler, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		rec:  rec,
		log:  log.With(logger.Scope("reconcile.scheduler")),
	}
}

// Schedule registers the pass at the given cron expression.
// Cron format: "second minute hour day-of-month month day-of-week".
func (s *Scheduler) Schedule(spec string) error {
	_, err := s.cron.AddFunc(spec, s.RunNow)
	if err != nil {
		return err
	}
	s.log.Info("reconciliation scheduled", slog.String("schedule", spec))
	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running pass up to the
// context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timeout")
	}

	s.running = false
	return nil
}

// RunNow triggers one pass immediately. Passes never overlap: if one is
// still running the trigger is skipped, since the running pass already
// covers the same divergence.
func (s *Scheduler) RunNow() {
	if !s.busy.TryLock() {
		s.log.Warn("previous reconciliation still running, skipping")
		return
	}
	defer s.busy.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if _, err := s.rec.Run(ctx); err != nil {
		s.log.Error("scheduled reconciliation failed", logger.Error(err))
	}
}
