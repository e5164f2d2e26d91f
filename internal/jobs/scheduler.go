package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers the runner on cron schedules evaluated in the lock
// zone. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron    *cron.Cron
	runner  *Runner
	logger  *slog.Logger
	baseCtx context.Context
}

// NewScheduler creates a scheduler. Jobs run with baseCtx so shutdown
// cancels an in-flight cycle between rows.
func NewScheduler(baseCtx context.Context, runner *Runner, loc *time.Location, logger *slog.Logger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Register adds the lock sweep and the scoring cycle.
func (s *Scheduler) Register(lockSpec, scoreSpec string) error {
	if _, err := s.cron.AddFunc(lockSpec, s.lockJob); err != nil {
		return fmt.Errorf("lock schedule %q: %w", lockSpec, err)
	}
	if _, err := s.cron.AddFunc(scoreSpec, s.scoreJob); err != nil {
		return fmt.Errorf("score schedule %q: %w", scoreSpec, err)
	}
	return nil
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) lockJob() {
	if _, err := s.runner.Lock(s.baseCtx); err != nil {
		s.logger.Error("scheduled lock sweep failed", "err", err)
	}
}

func (s *Scheduler) scoreJob() {
	rep, err := s.runner.Score(s.baseCtx, time.Time{})
	switch {
	case IsAborted(err):
		s.logger.Warn("scheduled scoring cycle aborted, will retry on next run", "day", rep.Day)
	case err != nil:
		s.logger.Error("scheduled scoring cycle failed", "day", rep.Day, "err", err)
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", s.Entries())
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
