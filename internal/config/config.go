// Package config loads service settings from the environment. A .env file
// in the working directory, when present, is read first; real environment
// variables always win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/updown/round-engine/internal/lockgate"
)

// Config holds all configuration for the round engine.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Lock     LockConfig
	Feed     FeedConfig
	Jobs     JobsConfig
	LogLevel slog.Level
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port       string
	CronSecret string
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds cache configuration. An empty URL disables caching.
type RedisConfig struct {
	URL      string
	CacheTTL time.Duration
}

// LockConfig is the daily cutoff.
type LockConfig struct {
	TimeZone     string
	CutoffHour   int
	CutoffMinute int
}

// FeedConfig configures the price feed.
type FeedConfig struct {
	URL      string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// JobsConfig configures the batch jobs and their schedule. Schedules use
// six-field cron expressions (with seconds) evaluated in the lock zone.
type JobsConfig struct {
	SchedulerEnabled bool
	LockSchedule     string
	ScoreSchedule    string
	ScoringWorkers   int
	PageSize         int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	var errs []error
	cutH, cutM, err := parseClock(getEnv("LOCK_CUTOFF", "19:00"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOCK_CUTOFF: %w", err))
	}
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:       getEnv("PORT", "8080"),
			CronSecret: strings.TrimSpace(os.Getenv("CRON_SECRET")),
		},
		Database: DatabaseConfig{
			URL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		},
		Redis: RedisConfig{
			URL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
			CacheTTL: getDuration("CACHE_TTL", 30*time.Second, &errs),
		},
		Lock: LockConfig{
			TimeZone:     getEnv("LOCK_TIMEZONE", "Asia/Kolkata"),
			CutoffHour:   cutH,
			CutoffMinute: cutM,
		},
		Feed: FeedConfig{
			URL:      strings.TrimRight(getEnv("PRICE_FEED_URL", "https://query1.finance.yahoo.com/v8/finance/chart"), "/"),
			Timeout:  getDuration("PRICE_FEED_TIMEOUT", 10*time.Second, &errs),
			CacheTTL: getDuration("PRICE_CACHE_TTL", time.Minute, &errs),
		},
		Jobs: JobsConfig{
			SchedulerEnabled: getBool("SCHEDULER_ENABLED", true, &errs),
			LockSchedule:     getEnv("LOCK_SCHEDULE", "5 0 19 * * *"),
			ScoreSchedule:    getEnv("SCORE_SCHEDULE", "0 0 3 * * *"),
			ScoringWorkers:   getInt("SCORING_WORKERS", 8, &errs),
			PageSize:         getInt("ROLLFORWARD_PAGE_SIZE", 500, &errs),
		},
		LogLevel: level,
	}

	if _, err := lockgate.LoadZone(cfg.Lock.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("LOCK_TIMEZONE: %w", err))
	}
	if cfg.Jobs.ScoringWorkers <= 0 {
		errs = append(errs, fmt.Errorf("SCORING_WORKERS must be positive, got %d", cfg.Jobs.ScoringWorkers))
	}
	if cfg.Jobs.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("ROLLFORWARD_PAGE_SIZE must be positive, got %d", cfg.Jobs.PageSize))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getInt(key string, fallback int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

// parseClock parses "HH:MM".
func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return l, nil
}
