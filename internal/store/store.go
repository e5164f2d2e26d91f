// Package store defines the persistence interface for the round engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache) and in-memory (for testing).
//
// Two uniqueness rules are enforced by every implementation and surface as
// ErrConflict: one round per (user, date), and at most one open round per
// user.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/updown/round-engine/internal/model"
)

var (
	// ErrNotFound is returned when a user or prediction does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write would violate a uniqueness rule
	// or touch a round that is no longer open.
	ErrConflict = errors.New("store: conflict")
)

// Filter selects predictions. Zero values mean "any". Results are ordered by
// ID so AfterID can be used as a paging cursor.
type Filter struct {
	From    time.Time // inclusive civil day
	To      time.Time // inclusive civil day
	UserID  string
	Locked  *bool
	Scored  *bool
	AfterID string
	Limit   int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// UpsertUser creates or renames a user. Points are never overwritten.
	UpsertUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUserIDs returns up to limit user IDs greater than afterID, ascending.
	ListUserIDs(ctx context.Context, afterID string, limit int) ([]string, error)

	// AddPoints atomically adds delta to a user's balance.
	AddPoints(ctx context.Context, userID string, delta int64) error

	// --- Predictions ---

	// InsertPrediction appends a new round.
	InsertPrediction(ctx context.Context, p *model.Prediction) error

	// UpdatePrediction overwrites a round that is still unlocked in storage.
	UpdatePrediction(ctx context.Context, p *model.Prediction) error

	// GetPrediction retrieves a round by ID.
	GetPrediction(ctx context.Context, id string) (*model.Prediction, error)

	// LatestPrediction returns the user's most recently created round.
	LatestPrediction(ctx context.Context, userID string) (*model.Prediction, error)

	// HasPredictionOn reports whether the user has a round for the civil day.
	HasPredictionOn(ctx context.Context, userID string, day time.Time) (bool, error)

	// ListPredictions returns rounds matching f.
	ListPredictions(ctx context.Context, f Filter) ([]model.Prediction, error)

	// LockDue locks every open round dated on or before through.
	LockDue(ctx context.Context, through time.Time, now time.Time) (int, error)

	// ApplyScore marks a locked, unscored round as scored and adds the delta
	// to the owner's points in one atomic step. It returns false without
	// changing anything when the round was already scored.
	ApplyScore(ctx context.Context, o model.Outcome) (bool, error)
}

// Bool is a helper for Filter flags.
func Bool(v bool) *bool { return &v }
