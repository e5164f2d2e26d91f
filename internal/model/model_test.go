package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/updown/round-engine/internal/fixedpoint"
)

func ref(s string) *fixedpoint.Price {
	p := fixedpoint.MustParse(s)
	return &p
}

func TestTransition(t *testing.T) {
	allowed := [][2]State{{Open, Locked}, {Locked, Scored}}
	for _, tc := range allowed {
		if err := Transition(tc[0], tc[1]); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", tc[0], tc[1], err)
		}
	}
	rejected := [][2]State{
		{Open, Scored}, {Locked, Open}, {Scored, Locked}, {Scored, Open},
		{Open, Open}, {Locked, Locked}, {Scored, Scored},
	}
	for _, tc := range rejected {
		if err := Transition(tc[0], tc[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s should be rejected, got %v", tc[0], tc[1], err)
		}
	}
}

func TestPredictionLifecycle(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	p := NewBlank("p1", "u1", now, now)
	if p.State() != Open {
		t.Fatalf("new round should be open, got %s", p.State())
	}

	if err := p.MarkScored(1, true, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("scoring an open round should fail, got %v", err)
	}
	if err := p.Lock(now); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := p.Lock(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second lock should fail, got %v", err)
	}
	if err := p.SetPicks(map[Symbol]Pick{AAPL: {Direction: Up, Reference: ref("1")}}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("picks on a locked round should fail, got %v", err)
	}
	if err := p.MarkScored(-1, false, now); err != nil {
		t.Fatalf("mark scored: %v", err)
	}
	if p.State() != Scored || p.PointsDelta != -1 {
		t.Errorf("unexpected state after scoring: %s delta=%d", p.State(), p.PointsDelta)
	}
}

func TestSetPicks_Invariants(t *testing.T) {
	now := time.Now()
	p := NewBlank("p1", "u1", now, now)

	err := p.SetPicks(map[Symbol]Pick{AAPL: {Direction: Up}}, now)
	if !errors.Is(err, ErrInvalidPick) {
		t.Errorf("set direction without price should fail, got %v", err)
	}
	err = p.SetPicks(map[Symbol]Pick{MSFT: {Direction: Unset, Reference: ref("10")}}, now)
	if !errors.Is(err, ErrInvalidPick) {
		t.Errorf("unset direction with price should fail, got %v", err)
	}
	err = p.SetPicks(map[Symbol]Pick{"TSLA": {Direction: Up, Reference: ref("10")}}, now)
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("unknown symbol should fail, got %v", err)
	}

	err = p.SetPicks(map[Symbol]Pick{
		AAPL:  {Direction: Up, Reference: ref("150")},
		GOOGL: {Direction: Unset},
	}, now)
	if err != nil {
		t.Fatalf("valid picks: %v", err)
	}
	if _, ok := p.Picks[GOOGL]; ok {
		t.Error("unset picks should not be stored")
	}
	if !p.HasAnyPick() {
		t.Error("expected at least one pick")
	}
}

func TestDirectionJSON(t *testing.T) {
	var picks struct {
		A Direction `json:"a"`
		B Direction `json:"b"`
		C Direction `json:"c"`
		D Direction `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"a":true,"b":"down","c":null,"d":"UP"}`), &picks); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if picks.A != Up || picks.B != Down || picks.C != Unset || picks.D != Up {
		t.Errorf("unexpected directions: %+v", picks)
	}
	out, _ := json.Marshal(map[string]Direction{"x": Down, "y": Unset})
	if string(out) != `{"x":"down","y":null}` {
		t.Errorf("unexpected encoding: %s", out)
	}
	if err := json.Unmarshal([]byte(`"sideways"`), &picks.A); !errors.Is(err, ErrInvalidPick) {
		t.Errorf("expected ErrInvalidPick, got %v", err)
	}
}

func TestDirectionBool(t *testing.T) {
	for _, d := range []Direction{Unset, Up, Down} {
		if got := DirectionFromBool(d.Bool()); got != d {
			t.Errorf("bool round trip of %s gave %s", d, got)
		}
	}
}

func TestParseSymbol(t *testing.T) {
	if s, err := ParseSymbol(" googl "); err != nil || s != GOOGL {
		t.Errorf("expected GOOGL, got %q %v", s, err)
	}
	if _, err := ParseSymbol("BTC"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestDay(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	// 2025-03-10 23:00 UTC is already 2025-03-11 in IST.
	instant := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	got := Day(instant.In(ist))
	want := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Day = %v, want %v", got, want)
	}
}

func TestClone_IsDeep(t *testing.T) {
	now := time.Now()
	p := NewBlank("p1", "u1", now, now)
	_ = p.SetPicks(map[Symbol]Pick{AAPL: {Direction: Up, Reference: ref("1")}}, now)
	c := p.Clone()
	*c.Picks[AAPL].Reference = 42
	if *p.Picks[AAPL].Reference == 42 {
		t.Error("clone shares reference pointer")
	}
}
