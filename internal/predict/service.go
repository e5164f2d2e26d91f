// Package predict implements the round writer: the only path by which a
// user's calls reach storage. A user revises their open round in place any
// number of times before the cutoff; once it locks, the next submission
// opens a new round.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/updown/round-engine/internal/fixedpoint"
	"github.com/updown/round-engine/internal/lockgate"
	"github.com/updown/round-engine/internal/metrics"
	"github.com/updown/round-engine/internal/model"
	"github.com/updown/round-engine/internal/notify"
	"github.com/updown/round-engine/internal/store"
)

// ErrValidation is returned for malformed submissions. Nothing is written.
var ErrValidation = errors.New("predict: invalid submission")

// Action reports what a submission did to storage.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Entry is one symbol's call with the price the user saw when making it.
type Entry struct {
	Direction model.Direction  `json:"direction"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

// SubmitRequest is the JSON body for POST /predict.
type SubmitRequest struct {
	UserID string                 `json:"user_id"`
	Picks  map[model.Symbol]Entry `json:"picks"`
}

// SubmitResult is the JSON body returned from POST /predict.
type SubmitResult struct {
	Action     Action                           `json:"action"`
	Prediction *model.Prediction                `json:"prediction"`
	Prices     map[model.Symbol]decimal.Decimal `json:"prices"`
	LocksAt    time.Time                        `json:"locks_at"`
}

// CurrentRound is the JSON body returned from GET /predict/current.
type CurrentRound struct {
	UserID     string            `json:"user_id"`
	RoundDate  string            `json:"round_date"`
	Locked     bool              `json:"locked"`
	LocksAt    time.Time         `json:"locks_at"`
	Prediction *model.Prediction `json:"prediction,omitempty"`
	State      *model.State      `json:"state,omitempty"`
}

// Service writes rounds.
type Service struct {
	store  store.Store
	gate   *lockgate.Gate
	events notify.Publisher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEvents publishes a prediction_submitted event after every write.
func WithEvents(p notify.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a round writer.
func NewService(st store.Store, gate *lockgate.Gate, opts ...Option) *Service {
	s := &Service{
		store:  st,
		gate:   gate,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// picks validates req and converts it to stored picks plus the echoed
// prices. At least one direction must be set and every set direction
// needs a positive price.
func picks(req SubmitRequest) (map[model.Symbol]model.Pick, map[model.Symbol]decimal.Decimal, error) {
	if req.UserID == "" {
		return nil, nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}

	out := make(map[model.Symbol]model.Pick, len(req.Picks))
	echo := make(map[model.Symbol]decimal.Decimal, len(req.Picks))
	for raw, e := range req.Picks {
		sym, err := model.ParseSymbol(string(raw))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if !e.Direction.IsSet() {
			continue
		}
		if e.Price == nil {
			return nil, nil, fmt.Errorf("%w: %s has a direction but no price", ErrValidation, sym)
		}
		if !e.Price.IsPositive() {
			return nil, nil, fmt.Errorf("%w: %s price must be positive", ErrValidation, sym)
		}
		ref, err := fixedpoint.ToFixedPoint(*e.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s price: %v", ErrValidation, sym, err)
		}
		out[sym] = model.Pick{Direction: e.Direction, Reference: &ref}
		echo[sym] = *e.Price
	}
	if len(out) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one direction must be set", ErrValidation)
	}
	return out, echo, nil
}

// Submit records the user's calls for the round currently accepting edits.
// The latest row is updated in place while it is open; when it is locked,
// or there is none, a new row is inserted for the current round.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	next, echo, err := picks(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	roundDate := s.gate.RoundDate(now)

	latest, err := s.store.LatestPrediction(ctx, req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load latest round: %w", err)
	}

	// A row still flagged open after its own cutoff missed a sweep. Freeze
	// it here rather than let a late edit through.
	if latest != nil && latest.State() == model.Open && !s.gate.IsRoundOpen(latest.Date, now) {
		if err := latest.Lock(now); err != nil {
			return nil, err
		}
		if err := s.store.UpdatePrediction(ctx, latest); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("lock stale round %s: %w", latest.ID, err)
		}
		s.logger.Info("locked stale round on submit", "user", req.UserID, "round", latest.ID,
			"date", latest.Date.Format(time.DateOnly))
		latest.Locked = true
	}

	var (
		p      *model.Prediction
		action Action
	)
	if latest == nil || latest.State() != model.Open {
		p = model.NewBlank(s.newID(), req.UserID, roundDate, now)
		if err := p.SetPicks(next, now); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err := s.store.InsertPrediction(ctx, p); err != nil {
			return nil, fmt.Errorf("insert round: %w", err)
		}
		action = ActionCreated
	} else {
		p = latest
		if err := p.SetPicks(next, now); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		p.Date = roundDate
		p.CreatedAt = now
		if err := s.store.UpdatePrediction(ctx, p); err != nil {
			return nil, fmt.Errorf("update round %s: %w", p.ID, err)
		}
		action = ActionUpdated
	}

	metrics.SubmissionsTotal.WithLabelValues(string(action)).Inc()
	s.logger.Info("prediction submitted",
		"user", req.UserID,
		"round", p.ID,
		"date", p.Date.Format(time.DateOnly),
		"action", action,
		"picks", len(next),
	)
	notify.Publish(s.events, notify.Event{
		Type:   notify.PredictionSubmitted,
		UserID: req.UserID,
		Date:   p.Date.Format(time.DateOnly),
	})

	return &SubmitResult{
		Action:     action,
		Prediction: p,
		Prices:     echo,
		LocksAt:    s.gate.NextCutoff(now),
	}, nil
}

// Current returns the user's latest round and whether the gate is closed.
func (s *Service) Current(ctx context.Context, userID string) (*CurrentRound, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	now := s.now()
	out := &CurrentRound{
		UserID:    userID,
		RoundDate: s.gate.RoundDate(now).Format(time.DateOnly),
		Locked:    s.gate.Locked(now),
		LocksAt:   s.gate.NextCutoff(now),
	}

	p, err := s.store.LatestPrediction(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("load latest round: %w", err)
	}
	st := p.State()
	out.Prediction = p
	out.State = &st
	return out, nil
}
