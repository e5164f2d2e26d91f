// Package lockgate decides, from wall-clock time alone, whether the current
// round is still editable. The cutoff is evaluated against the calendar day
// of a fixed time zone, not the UTC day, so every round dated "today" in that
// zone flips at the same instant.
package lockgate

import (
	"fmt"
	"time"

	"github.com/updown/round-engine/internal/model"
)

// DefaultZone is the zone the game has always locked in.
const DefaultZone = "Asia/Kolkata"

// Gate is a stateless lock predicate. Callers persist its verdicts.
type Gate struct {
	loc          *time.Location
	cutoffHour   int
	cutoffMinute int
}

// New creates a gate that locks at hour:minute in loc.
func New(loc *time.Location, hour, minute int) (*Gate, error) {
	if loc == nil {
		return nil, fmt.Errorf("lockgate: nil location")
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("lockgate: invalid cutoff %02d:%02d", hour, minute)
	}
	return &Gate{loc: loc, cutoffHour: hour, cutoffMinute: minute}, nil
}

// Default returns the 19:00 Asia/Kolkata gate. When tzdata is unavailable
// it falls back to the zone's fixed +05:30 offset.
func Default() *Gate {
	loc, _ := LoadZone(DefaultZone)
	g, _ := New(loc, 19, 0)
	return g
}

// LoadZone loads a named zone. Only the default zone falls back, to IST's
// fixed offset, when tzdata is missing; any other unknown name is an error.
func LoadZone(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc, nil
	}
	if name == DefaultZone {
		return time.FixedZone("IST", 5*3600+30*60), nil
	}
	return nil, fmt.Errorf("lockgate: unknown time zone %q: %w", name, err)
}

// Location returns the gate's zone.
func (g *Gate) Location() *time.Location { return g.loc }

// Cutoff returns the configured cutoff as "HH:MM".
func (g *Gate) Cutoff() string {
	return fmt.Sprintf("%02d:%02d", g.cutoffHour, g.cutoffMinute)
}

// cutoffOn returns the cutoff instant of the given civil day in the zone.
func (g *Gate) cutoffOn(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, g.cutoffHour, g.cutoffMinute, 0, 0, g.loc)
}

// Locked reports whether today's round in the zone is past its cutoff.
func (g *Gate) Locked(now time.Time) bool {
	local := now.In(g.loc)
	return !local.Before(g.cutoffOn(local))
}

// Today returns the zone-local civil day of now, as a model date.
func (g *Gate) Today(now time.Time) time.Time {
	return model.Day(now.In(g.loc))
}

// RoundDate returns the round currently accepting edits: today before the
// cutoff, tomorrow from the cutoff on.
func (g *Gate) RoundDate(now time.Time) time.Time {
	today := g.Today(now)
	if g.Locked(now) {
		return today.AddDate(0, 0, 1)
	}
	return today
}

// IsRoundOpen reports whether the round dated roundDate still accepts edits.
func (g *Gate) IsRoundOpen(roundDate, now time.Time) bool {
	return now.Before(g.cutoffOn(roundDate))
}

// NextCutoff returns the next lock instant at or after now.
func (g *Gate) NextCutoff(now time.Time) time.Time {
	return g.cutoffOn(g.RoundDate(now))
}
