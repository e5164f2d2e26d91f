package lockgate

import (
	"context"
	"log/slog"
	"time"
)

// Locker is the storage capability the sweep needs: lock every open round
// dated on or before the given day, returning how many were locked.
type Locker interface {
	LockDue(ctx context.Context, through time.Time, now time.Time) (int, error)
}

// SweepResult reports one sweep.
type SweepResult struct {
	Through time.Time `json:"through"`
	Locked  int       `json:"locked"`
}

// Sweeper persists the gate's verdict for every open round.
type Sweeper struct {
	gate   *Gate
	store  Locker
	logger *slog.Logger
	onLock func(SweepResult)
}

// NewSweeper creates a sweeper. onLock, if non-nil, is called after every
// sweep that locked at least one round.
func NewSweeper(g *Gate, st Locker, logger *slog.Logger, onLock func(SweepResult)) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{gate: g, store: st, logger: logger, onLock: onLock}
}

// Sweep locks every round whose cutoff has passed. Running it before the
// cutoff only catches stragglers from earlier days; running it twice is a
// no-op the second time.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	through := s.gate.Today(now)
	if !s.gate.Locked(now) {
		through = through.AddDate(0, 0, -1)
	}

	n, err := s.store.LockDue(ctx, through, now.UTC())
	if err != nil {
		return SweepResult{Through: through}, err
	}
	res := SweepResult{Through: through, Locked: n}

	s.logger.Info("lock sweep complete",
		"through", through.Format(time.DateOnly),
		"locked", n,
	)
	if n > 0 && s.onLock != nil {
		s.onLock(res)
	}
	return res, nil
}
