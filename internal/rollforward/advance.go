// Package rollforward makes sure every user has a blank round waiting for
// the next day.
package rollforward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/updown/round-engine/internal/metrics"
	"github.com/updown/round-engine/internal/model"
	"github.com/updown/round-engine/internal/store"
)

// DefaultPageSize is the number of user IDs read per page.
const DefaultPageSize = 500

// Failure is a user whose next round could not be created.
type Failure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// Report summarizes one roll-forward.
type Report struct {
	Date     string    `json:"date"`
	Users    int       `json:"users"`
	Created  int       `json:"created"`
	Existing int       `json:"existing"`
	Failures []Failure `json:"failures,omitempty"`
}

// Advancer creates next-day rounds.
type Advancer struct {
	store    store.Store
	pageSize int
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewAdvancer creates an advancer reading users pageSize at a time.
func NewAdvancer(st store.Store, pageSize int, logger *slog.Logger) *Advancer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Advancer{
		store:    st,
		pageSize: pageSize,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
}

// SetClock overrides the wall clock used for CreatedAt.
func (a *Advancer) SetClock(now func() time.Time) { a.now = now }

// AdvanceRounds inserts a blank round dated the day after today for every
// user who does not have one. Running it again, or concurrently, creates
// nothing new. A failing user is reported and the loop moves on; a
// cancelled context stops it between users.
func (a *Advancer) AdvanceRounds(ctx context.Context, today time.Time) (*Report, error) {
	start := time.Now()
	defer metrics.ObserveCycle("rollforward", start)

	next := model.Day(today).AddDate(0, 0, 1)
	rep := &Report{Date: next.Format(time.DateOnly)}

	cursor := ""
	for {
		ids, err := a.store.ListUserIDs(ctx, cursor, a.pageSize)
		if err != nil {
			return rep, fmt.Errorf("list users after %q: %w", cursor, err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			rep.Users++
			created, err := a.ensure(ctx, id, next)
			switch {
			case err != nil:
				metrics.RollForwardFailures.Inc()
				a.logger.Warn("roll-forward failed", "user", id, "date", rep.Date, "err", err)
				rep.Failures = append(rep.Failures, Failure{UserID: id, Error: err.Error()})
			case created:
				metrics.RollForwardCreated.Inc()
				rep.Created++
			default:
				rep.Existing++
			}
		}
		if len(ids) < a.pageSize {
			break
		}
		cursor = ids[len(ids)-1]
	}

	a.logger.Info("roll-forward complete",
		"date", rep.Date,
		"users", rep.Users,
		"created", rep.Created,
		"existing", rep.Existing,
		"failures", len(rep.Failures),
	)
	return rep, nil
}

// ensure creates the user's round for day unless one exists. A conflict on
// insert means a concurrent writer got there first, which only counts as
// success when the row for day is really there.
func (a *Advancer) ensure(ctx context.Context, userID string, day time.Time) (bool, error) {
	exists, err := a.store.HasPredictionOn(ctx, userID, day)
	if err != nil {
		return false, fmt.Errorf("check existing round: %w", err)
	}
	if exists {
		return false, nil
	}

	p := model.NewBlank(a.newID(), userID, day, a.now())
	err = a.store.InsertPrediction(ctx, p)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return false, fmt.Errorf("insert blank round: %w", err)
	}

	exists, cerr := a.store.HasPredictionOn(ctx, userID, day)
	if cerr != nil {
		return false, fmt.Errorf("recheck after conflict: %w", cerr)
	}
	if !exists {
		return false, fmt.Errorf("user has another open round: %w", err)
	}
	return false, nil
}
