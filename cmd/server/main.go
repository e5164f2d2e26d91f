package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/updown/round-engine/internal/api"
	"github.com/updown/round-engine/internal/app"
	"github.com/updown/round-engine/internal/config"
	"github.com/updown/round-engine/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, true)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	go a.Hub.Run()

	// --- Scheduler ---
	var sched *jobs.Scheduler
	if cfg.Jobs.SchedulerEnabled {
		sched = jobs.NewScheduler(ctx, a.Runner, a.Gate.Location(), logger)
		if err := sched.Register(cfg.Jobs.LockSchedule, cfg.Jobs.ScoreSchedule); err != nil {
			logger.Error("invalid schedule", "err", err)
			os.Exit(1)
		}
		sched.Start()
	} else {
		logger.Info("scheduler disabled, expecting external cron on /api/v1/admin")
	}

	// --- Server ---
	srv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.NewRouter(api.Deps{
			Store:      a.Store,
			Predict:    a.Predict,
			Runner:     a.Runner,
			Hub:        a.Hub,
			CronSecret: cfg.Server.CronSecret,
			Logger:     logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("round-engine listening",
			"port", cfg.Server.Port,
			"zone", a.Gate.Location().String(),
			"cutoff", a.Gate.Cutoff(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down round-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	if sched != nil {
		sched.Stop()
	}
	logger.Info("round-engine stopped")
}
