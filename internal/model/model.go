// Package model defines the core domain types shared across the round engine.
// Reference prices are always fixedpoint.Price, never float64.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/updown/round-engine/internal/fixedpoint"
)

// Symbol is one of the tracked securities.
type Symbol string

const (
	AAPL  Symbol = "AAPL"
	MSFT  Symbol = "MSFT"
	GOOGL Symbol = "GOOGL"
)

// Symbols is the fixed, ordered set of tracked securities.
var Symbols = []Symbol{AAPL, MSFT, GOOGL}

var (
	ErrUnknownSymbol = errors.New("model: unknown symbol")
	ErrInvalidPick   = errors.New("model: invalid pick")

	// ErrInvalidTransition is returned when a round is asked to skip or
	// reverse a lifecycle step.
	ErrInvalidTransition = errors.New("model: invalid round state transition")
)

// ParseSymbol validates a ticker against the tracked set.
func ParseSymbol(s string) (Symbol, error) {
	sym := Symbol(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Symbols {
		if sym == known {
			return sym, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, s)
}

// Direction is a user's call for one symbol.
type Direction int8

const (
	Unset Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unset"
	}
}

// IsSet reports whether a call was made.
func (d Direction) IsSet() bool { return d == Up || d == Down }

// MarshalJSON encodes Up/Down as "up"/"down" and Unset as null.
func (d Direction) MarshalJSON() ([]byte, error) {
	if !d.IsSet() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "up"/"down", true/false and null.
func (d *Direction) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "null", `""`, `"unset"`:
		*d = Unset
	case "true", `"up"`:
		*d = Up
	case "false", `"down"`:
		*d = Down
	default:
		return fmt.Errorf("%w: direction %s", ErrInvalidPick, b)
	}
	return nil
}

// DirectionFromBool maps the nullable boolean storage form to a Direction.
func DirectionFromBool(b *bool) Direction {
	switch {
	case b == nil:
		return Unset
	case *b:
		return Up
	default:
		return Down
	}
}

// Bool is the inverse of DirectionFromBool.
func (d Direction) Bool() *bool {
	if !d.IsSet() {
		return nil
	}
	up := d == Up
	return &up
}

// Pick is one symbol's call plus the price snapshot it was made against.
type Pick struct {
	Direction Direction         `json:"direction"`
	Reference *fixedpoint.Price `json:"reference,omitempty"`
}

// Validate enforces: unset carries no price, set always carries one.
func (p Pick) Validate() error {
	if p.Direction.IsSet() && p.Reference == nil {
		return fmt.Errorf("%w: direction %s without reference price", ErrInvalidPick, p.Direction)
	}
	if !p.Direction.IsSet() && p.Reference != nil {
		return fmt.Errorf("%w: reference price without direction", ErrInvalidPick)
	}
	return nil
}

// State is the lifecycle position of a round, derived from its flags.
type State int8

const (
	Open State = iota
	Locked
	Scored
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Locked:
		return "locked"
	case Scored:
		return "scored"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Transition validates a lifecycle step. Only Open->Locked and
// Locked->Scored are allowed.
func Transition(from, to State) error {
	if (from == Open && to == Locked) || (from == Locked && to == Scored) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// User is the slice of the identity record the engine reads and updates.
type User struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Points    int64     `json:"points" db:"points"` // may go negative
	Onboarded bool      `json:"onboarded" db:"onboarded"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Prediction is one user's round: their calls for a single calendar day.
// Rows are never deleted.
type Prediction struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// Date is the civil day the round targets, at 00:00 UTC.
	Date  time.Time       `json:"date" db:"date"`
	Picks map[Symbol]Pick `json:"picks"`

	Locked      bool  `json:"locked" db:"locked"`
	Scored      bool  `json:"scored" db:"scored"`
	Perfect     bool  `json:"perfect" db:"perfect"`
	PointsDelta int64 `json:"points_delta" db:"points_delta"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewBlank returns an open round with every symbol unset.
func NewBlank(id, userID string, date, now time.Time) *Prediction {
	return &Prediction{
		ID:        id,
		UserID:    userID,
		Date:      Day(date),
		Picks:     map[Symbol]Pick{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// State derives the tagged lifecycle state from the persisted flags.
func (p *Prediction) State() State {
	switch {
	case p.Scored:
		return Scored
	case p.Locked:
		return Locked
	default:
		return Open
	}
}

// Pick returns the call for sym; missing entries are Unset.
func (p *Prediction) Pick(sym Symbol) Pick {
	if p.Picks == nil {
		return Pick{}
	}
	return p.Picks[sym]
}

// SetPicks replaces every symbol's call. Only open rounds accept picks.
func (p *Prediction) SetPicks(picks map[Symbol]Pick, now time.Time) error {
	if p.State() != Open {
		return fmt.Errorf("%w: picks on %s round", ErrInvalidTransition, p.State())
	}
	next := make(map[Symbol]Pick, len(picks))
	for sym, pk := range picks {
		if _, err := ParseSymbol(string(sym)); err != nil {
			return err
		}
		if err := pk.Validate(); err != nil {
			return fmt.Errorf("%s: %w", sym, err)
		}
		if pk.Direction.IsSet() {
			next[sym] = pk
		}
	}
	p.Picks = next
	p.UpdatedAt = now
	return nil
}

// Lock freezes the round.
func (p *Prediction) Lock(now time.Time) error {
	if err := Transition(p.State(), Locked); err != nil {
		return err
	}
	p.Locked = true
	p.UpdatedAt = now
	return nil
}

// MarkScored records the reconciliation outcome.
func (p *Prediction) MarkScored(delta int64, perfect bool, now time.Time) error {
	if err := Transition(p.State(), Scored); err != nil {
		return err
	}
	p.Scored = true
	p.PointsDelta = delta
	p.Perfect = perfect
	p.UpdatedAt = now
	return nil
}

// Validate checks the per-symbol price invariant on every pick.
func (p *Prediction) Validate() error {
	for sym, pk := range p.Picks {
		if err := pk.Validate(); err != nil {
			return fmt.Errorf("%s: %w", sym, err)
		}
	}
	return nil
}

// HasAnyPick reports whether at least one symbol has a set direction.
func (p *Prediction) HasAnyPick() bool {
	for _, pk := range p.Picks {
		if pk.Direction.IsSet() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p *Prediction) Clone() *Prediction {
	c := *p
	c.Picks = make(map[Symbol]Pick, len(p.Picks))
	for sym, pk := range p.Picks {
		if pk.Reference != nil {
			ref := *pk.Reference
			pk.Reference = &ref
		}
		c.Picks[sym] = pk
	}
	return &c
}

// Day truncates t to its civil day in t's own location and returns that
// day at 00:00 UTC, the canonical form of Prediction.Date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Outcome is the reconciliation result for one round, applied atomically:
// the round is marked scored and Delta is added to the user's points.
type Outcome struct {
	PredictionID string    `json:"prediction_id"`
	UserID       string    `json:"user_id"`
	Delta        int64     `json:"delta"`
	Perfect      bool      `json:"perfect"`
	Evaluated    int       `json:"evaluated"`
	Correct      int       `json:"correct"`
	Skipped      []Symbol  `json:"skipped,omitempty"`
	ScoredAt     time.Time `json:"scored_at"`
}
