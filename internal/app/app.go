// Package app wires configuration into the running components shared by
// the server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/updown/round-engine/internal/config"
	"github.com/updown/round-engine/internal/jobs"
	"github.com/updown/round-engine/internal/lockgate"
	"github.com/updown/round-engine/internal/notify"
	"github.com/updown/round-engine/internal/predict"
	"github.com/updown/round-engine/internal/pricefeed"
	"github.com/updown/round-engine/internal/store"
)

// App holds the wired components.
type App struct {
	Cfg     *config.Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool // nil with the in-memory store
	Store   store.Store
	Gate    *lockgate.Gate
	Feed    pricefeed.Feed
	Hub     *notify.Hub
	Runner  *jobs.Runner
	Predict *predict.Service

	cleanup []func()
}

// NewLogger returns the JSON slog logger used by every binary.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// New connects storage and builds every component. With migrate set,
// pending schema migrations are applied before returning.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*App, error) {
	a := &App{Cfg: cfg, Logger: logger}

	// --- Lock gate ---
	loc, err := lockgate.LoadZone(cfg.Lock.TimeZone)
	if err != nil {
		return nil, err
	}
	gate, err := lockgate.New(loc, cfg.Lock.CutoffHour, cfg.Lock.CutoffMinute)
	if err != nil {
		return nil, err
	}
	a.Gate = gate

	// --- Store ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Pool = pool
		a.cleanup = append(a.cleanup, pool.Close)
		logger.Info("connected to PostgreSQL")

		if migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}

		a.Store = store.NewPostgresStore(pool)
		if rdb != nil {
			a.Store = store.NewCachedStore(a.Store, rdb, cfg.Redis.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// --- Price feed ---
	var feed pricefeed.Feed = pricefeed.NewYahooFeed(cfg.Feed.URL, cfg.Feed.Timeout, logger)
	if rdb != nil && cfg.Feed.CacheTTL > 0 {
		feed = pricefeed.NewCachedFeed(feed, rdb, cfg.Feed.CacheTTL)
	}
	a.Feed = feed

	// --- Services ---
	a.Hub = notify.NewHub(logger)
	a.Runner = jobs.NewRunner(a.Store, gate, feed, jobs.Options{
		FeedTimeout: cfg.Feed.Timeout,
		Workers:     cfg.Jobs.ScoringWorkers,
		PageSize:    cfg.Jobs.PageSize,
		Events:      a.Hub,
		Logger:      logger,
	})
	a.Predict = predict.NewService(a.Store, gate,
		predict.WithEvents(a.Hub),
		predict.WithLogger(logger),
	)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Close()
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
