// Package jobs runs the daily batch work: the lock sweep, and the scoring
// cycle (sweep, price snapshot, reconcile, roll forward). Each entry point
// is idempotent and is shared by the cron scheduler, the admin API and the
// operator CLI.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/updown/round-engine/internal/lockgate"
	"github.com/updown/round-engine/internal/metrics"
	"github.com/updown/round-engine/internal/model"
	"github.com/updown/round-engine/internal/notify"
	"github.com/updown/round-engine/internal/pricefeed"
	"github.com/updown/round-engine/internal/rollforward"
	"github.com/updown/round-engine/internal/scoring"
	"github.com/updown/round-engine/internal/store"
)

// ErrStaleDay is returned when a roll-forward is asked for a day before
// the most recently closed round.
var ErrStaleDay = errors.New("jobs: day is before the last closed round")

// Runner wires the batch components together.
type Runner struct {
	gate        *lockgate.Gate
	sweeper     *lockgate.Sweeper
	feed        pricefeed.Feed
	feedTimeout time.Duration
	engine      *scoring.Engine
	advancer    *rollforward.Advancer
	events      notify.Publisher
	logger      *slog.Logger
	now         func() time.Time

	// One cycle at a time per process. Storage guards keep concurrent
	// processes safe; this just avoids wasted work.
	mu sync.Mutex
}

// Options configures a Runner.
type Options struct {
	FeedTimeout time.Duration
	Workers     int
	PageSize    int
	Events      notify.Publisher
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewRunner creates a runner over st.
func NewRunner(st store.Store, gate *lockgate.Gate, feed pricefeed.Feed, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	r := &Runner{
		gate:        gate,
		feed:        feed,
		feedTimeout: opts.FeedTimeout,
		engine:      scoring.NewEngine(st, opts.Workers, opts.PageSize, logger),
		advancer:    rollforward.NewAdvancer(st, opts.PageSize, logger),
		events:      opts.Events,
		logger:      logger,
		now:         now,
	}
	r.engine.SetClock(now)
	r.advancer.SetClock(now)
	r.sweeper = lockgate.NewSweeper(gate, st, logger, func(res lockgate.SweepResult) {
		metrics.RoundsLocked.Add(float64(res.Locked))
		notify.Publish(r.events, notify.Event{
			Type:  notify.RoundsLocked,
			Date:  res.Through.Format(time.DateOnly),
			Count: res.Locked,
		})
	})
	return r
}

// CycleReport is the outcome of one scoring cycle.
type CycleReport struct {
	Day     string               `json:"day"`
	Lock    lockgate.SweepResult `json:"lock"`
	Score   *scoring.Report      `json:"score,omitempty"`
	Advance *rollforward.Report  `json:"advance,omitempty"`
}

// Lock freezes every round past its cutoff.
func (r *Runner) Lock(ctx context.Context) (lockgate.SweepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer metrics.ObserveCycle("lock", start)
	return r.sweeper.Sweep(ctx, r.now())
}

// DefaultScoreDay is the round a cycle run at now reconciles: the day
// before the round currently accepting edits.
func (r *Runner) DefaultScoreDay(now time.Time) time.Time {
	return r.gate.RoundDate(now).AddDate(0, 0, -1)
}

// Prices takes one snapshot of every tracked symbol.
func (r *Runner) Prices(ctx context.Context) pricefeed.Snapshot {
	return pricefeed.Fetch(ctx, r.feed, model.Symbols, r.feedTimeout)
}

// Score runs a full cycle for day (zero means DefaultScoreDay): lock
// sweep, price snapshot, reconcile, then roll forward to day+1. When the
// feed returns nothing the cycle stops with scoring.ErrCycleAborted before
// any round is scored or created.
func (r *Runner) Score(ctx context.Context, day time.Time) (*CycleReport, error) {
	return r.score(ctx, day, nil)
}

// ScoreWithPrices is Score with operator-supplied prices instead of a feed
// snapshot.
func (r *Runner) ScoreWithPrices(ctx context.Context, day time.Time, prices map[model.Symbol]decimal.Decimal) (*CycleReport, error) {
	if prices == nil {
		prices = map[model.Symbol]decimal.Decimal{}
	}
	return r.score(ctx, day, prices)
}

func (r *Runner) score(ctx context.Context, day time.Time, prices map[model.Symbol]decimal.Decimal) (*CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer metrics.ObserveCycle("score", start)

	now := r.now()
	if day.IsZero() {
		day = r.DefaultScoreDay(now)
	}
	day = model.Day(day)
	rep := &CycleReport{Day: day.Format(time.DateOnly)}

	lock, err := r.sweeper.Sweep(ctx, now)
	rep.Lock = lock
	if err != nil {
		return rep, fmt.Errorf("lock sweep: %w", err)
	}

	if prices == nil {
		prices = r.Prices(ctx)
	}
	score, err := r.engine.Reconcile(ctx, day, prices)
	rep.Score = score
	if err != nil {
		return rep, err
	}
	notify.Publish(r.events, notify.Event{
		Type:  notify.CycleScored,
		Date:  rep.Day,
		Count: score.Processed,
		Data:  score,
	})

	// Re-scoring an older round must not create rows for days long gone.
	if day.Before(r.DefaultScoreDay(now)) {
		r.logger.Info("skipping roll forward for past round", "day", rep.Day)
		return rep, nil
	}
	adv, err := r.advancer.AdvanceRounds(ctx, day)
	rep.Advance = adv
	if err != nil {
		return rep, fmt.Errorf("roll forward: %w", err)
	}
	if adv.Created > 0 {
		notify.Publish(r.events, notify.Event{
			Type:  notify.RoundsAdvanced,
			Date:  adv.Date,
			Count: adv.Created,
		})
	}
	return rep, nil
}

// Advance creates blank rounds for the day after day (zero means the day
// before the round accepting edits, matching Score). Days before that are
// rejected with ErrStaleDay.
func (r *Runner) Advance(ctx context.Context, day time.Time) (*rollforward.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	earliest := r.DefaultScoreDay(r.now())
	if day.IsZero() {
		day = earliest
	}
	if model.Day(day).Before(earliest) {
		return nil, fmt.Errorf("%w: %s (earliest %s)", ErrStaleDay,
			model.Day(day).Format(time.DateOnly), earliest.Format(time.DateOnly))
	}
	return r.advancer.AdvanceRounds(ctx, day)
}

// IsAborted reports whether err is a fail-closed scoring abort.
func IsAborted(err error) bool {
	return errors.Is(err, scoring.ErrCycleAborted)
}
