// Package scoring reconciles locked rounds against observed prices.
//
// Each set call on a symbol earns +1 when the observed price moved the way
// the user said (strictly above the reference for Up, at or below it for
// Down) and -1 otherwise. A symbol with no reference or no observation is
// skipped: it neither earns nor costs and does not count toward a perfect
// round. Skipped symbols are not retried; the round is marked scored once
// evaluated, whatever was skipped.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/updown/round-engine/internal/fixedpoint"
	"github.com/updown/round-engine/internal/metrics"
	"github.com/updown/round-engine/internal/model"
	"github.com/updown/round-engine/internal/store"
)

// ErrCycleAborted is returned when the feed supplied no usable price at
// all. No row has been touched and the cycle can be retried.
var ErrCycleAborted = errors.New("scoring: no price observations, cycle aborted")

// Defaults for NewEngine.
const (
	DefaultWorkers  = 8
	DefaultPageSize = 500
)

// Failure is one round that could not be applied. The round stays
// unscored and is picked up by the next run.
type Failure struct {
	PredictionID string `json:"prediction_id"`
	UserID       string `json:"user_id"`
	Error        string `json:"error"`
}

// Report summarizes a reconciliation. It is for observability only.
type Report struct {
	Day           string                           `json:"day"`
	Processed     int                              `json:"processed"`
	Perfect       int                              `json:"perfect"`
	TotalDelta    int64                            `json:"total_delta"`
	AlreadyScored int                              `json:"already_scored"`
	Unobserved    []model.Symbol                   `json:"unobserved,omitempty"`
	Failures      []Failure                        `json:"failures,omitempty"`
	Prices        map[model.Symbol]decimal.Decimal `json:"prices"`
}

// Evaluate scores one round against fixed-point observations. It is pure:
// nothing is written.
func Evaluate(p *model.Prediction, observed map[model.Symbol]fixedpoint.Price, now time.Time) model.Outcome {
	o := model.Outcome{
		PredictionID: p.ID,
		UserID:       p.UserID,
		ScoredAt:     now,
	}
	for _, sym := range model.Symbols {
		pk := p.Pick(sym)
		if !pk.Direction.IsSet() {
			continue
		}
		cur, ok := observed[sym]
		if !ok || pk.Reference == nil {
			o.Skipped = append(o.Skipped, sym)
			continue
		}
		o.Evaluated++
		actualUp := cur.Cmp(*pk.Reference) > 0
		if (pk.Direction == model.Up) == actualUp {
			o.Correct++
			o.Delta++
		} else {
			o.Delta--
		}
	}
	o.Perfect = o.Evaluated > 0 && o.Correct == o.Evaluated
	return o
}

// Engine applies outcomes to storage.
type Engine struct {
	store    store.Store
	workers  int
	pageSize int
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a scoring engine. workers bounds concurrent row
// updates; pageSize bounds each storage read. Non-positive values take the
// defaults.
func NewEngine(st store.Store, workers, pageSize int, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		workers:  workers,
		pageSize: pageSize,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock used for ScoredAt.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// observe converts the snapshot to fixed point, dropping anything that
// cannot be represented. A zero or negative quote means no data.
func (e *Engine) observe(prices map[model.Symbol]decimal.Decimal) map[model.Symbol]fixedpoint.Price {
	out := make(map[model.Symbol]fixedpoint.Price, len(prices))
	for sym, px := range prices {
		if !px.IsPositive() {
			e.logger.Warn("dropping non-positive observation", "symbol", sym, "price", px.String())
			continue
		}
		fp, err := fixedpoint.ToFixedPoint(px)
		if err != nil {
			e.logger.Warn("dropping unusable observation", "symbol", sym, "price", px.String(), "err", err)
			continue
		}
		out[sym] = fp
	}
	return out
}

// Reconcile scores every locked, unscored round dated day. Rows are
// independent: one failing row is reported and the rest continue. An
// already-scored row is left alone, so rerunning a cycle is a no-op.
func (e *Engine) Reconcile(ctx context.Context, day time.Time, prices map[model.Symbol]decimal.Decimal) (*Report, error) {
	day = model.Day(day)
	rep := &Report{
		Day:    day.Format(time.DateOnly),
		Prices: prices,
	}

	observed := e.observe(prices)
	if len(observed) == 0 {
		metrics.CycleAborts.Inc()
		e.logger.Warn("scoring cycle aborted", "day", rep.Day, "reason", "no price observations")
		return rep, ErrCycleAborted
	}
	for _, sym := range model.Symbols {
		if _, ok := observed[sym]; !ok {
			rep.Unobserved = append(rep.Unobserved, sym)
		}
	}

	var mu sync.Mutex
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		page, err := e.store.ListPredictions(ctx, store.Filter{
			From:    day,
			To:      day,
			Locked:  store.Bool(true),
			Scored:  store.Bool(false),
			AfterID: cursor,
			Limit:   e.pageSize,
		})
		if err != nil {
			return rep, fmt.Errorf("list rounds for %s: %w", rep.Day, err)
		}
		if len(page) == 0 {
			break
		}
		cursor = page[len(page)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i := range page {
			p := &page[i]
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				e.apply(gctx, p, observed, rep, &mu)
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < e.pageSize {
			break
		}
	}

	sort.Slice(rep.Failures, func(i, j int) bool {
		return rep.Failures[i].PredictionID < rep.Failures[j].PredictionID
	})
	metrics.PointsAwarded.Set(float64(rep.TotalDelta))
	e.logger.Info("scoring cycle complete",
		"day", rep.Day,
		"processed", rep.Processed,
		"perfect", rep.Perfect,
		"total_delta", rep.TotalDelta,
		"already_scored", rep.AlreadyScored,
		"failures", len(rep.Failures),
		"unobserved", len(rep.Unobserved),
	)
	return rep, ctx.Err()
}

func (e *Engine) apply(ctx context.Context, p *model.Prediction, observed map[model.Symbol]fixedpoint.Price, rep *Report, mu *sync.Mutex) {
	o := Evaluate(p, observed, e.now())
	applied, err := e.store.ApplyScore(ctx, o)

	mu.Lock()
	defer mu.Unlock()
	switch {
	case err != nil:
		e.logger.Error("apply score failed", "round", p.ID, "user", p.UserID, "err", err)
		rep.Failures = append(rep.Failures, Failure{PredictionID: p.ID, UserID: p.UserID, Error: err.Error()})
	case !applied:
		rep.AlreadyScored++
	default:
		rep.Processed++
		rep.TotalDelta += o.Delta
		if o.Perfect {
			rep.Perfect++
		}
		metrics.RoundsScored.WithLabelValues(strconv.FormatBool(o.Perfect)).Inc()
	}
}
