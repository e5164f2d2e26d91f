package rollforward_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/updown/round-engine/internal/model"
	"github.com/updown/round-engine/internal/rollforward"
	"github.com/updown/round-engine/internal/store"
)

var (
	mar10 = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	mar11 = mar10.AddDate(0, 0, 1)
)

func seedUsers(t *testing.T, ms *store.MemoryStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := ms.UpsertUser(context.Background(), &model.User{ID: fmt.Sprintf("u%02d", i)}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
}

func TestAdvanceRounds_CreatesBlankNextDay(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUsers(t, ms, 5)

	adv := rollforward.NewAdvancer(ms, 2, nil)
	rep, err := adv.AdvanceRounds(ctx, mar10)
	if err != nil {
		t.Fatalf("AdvanceRounds: %v", err)
	}
	if rep.Users != 5 || rep.Created != 5 || rep.Existing != 0 || rep.Date != "2025-03-11" {
		t.Errorf("unexpected report %+v", rep)
	}

	ps, _ := ms.ListPredictions(ctx, store.Filter{From: mar11, To: mar11})
	if len(ps) != 5 {
		t.Fatalf("expected 5 rounds for 2025-03-11, got %d", len(ps))
	}
	for _, p := range ps {
		if p.HasAnyPick() || p.Locked || p.Scored {
			t.Errorf("round %s should be blank and open: %+v", p.ID, p)
		}
	}
}

func TestAdvanceRounds_TwiceCreatesOnce(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUsers(t, ms, 3)
	adv := rollforward.NewAdvancer(ms, 10, nil)

	adv.AdvanceRounds(ctx, mar10)
	rep, err := adv.AdvanceRounds(ctx, mar10)
	if err != nil {
		t.Fatalf("second AdvanceRounds: %v", err)
	}
	if rep.Created != 0 || rep.Existing != 3 {
		t.Errorf("second run must create nothing, got %+v", rep)
	}

	ps, _ := ms.ListPredictions(ctx, store.Filter{})
	if len(ps) != 3 {
		t.Errorf("expected 3 rows total, got %d", len(ps))
	}
}

func TestAdvanceRounds_KeepsUserEdits(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUsers(t, ms, 1)

	// The user already made tomorrow's calls after tonight's cutoff.
	ref := model.NewBlank("mine", "u00", mar11, mar10)
	ms.InsertPrediction(ctx, ref)

	rep, _ := rollforward.NewAdvancer(ms, 10, nil).AdvanceRounds(ctx, mar10)
	if rep.Created != 0 || rep.Existing != 1 {
		t.Errorf("existing round must be kept, got %+v", rep)
	}
}

type conflictStore struct {
	*store.MemoryStore
	failUser string
}

func (s *conflictStore) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	if p.UserID == s.failUser {
		return errors.New("disk full")
	}
	return s.MemoryStore.InsertPrediction(ctx, p)
}

func TestAdvanceRounds_CollectsFailures(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUsers(t, ms, 3)

	adv := rollforward.NewAdvancer(&conflictStore{MemoryStore: ms, failUser: "u01"}, 10, nil)
	rep, err := adv.AdvanceRounds(ctx, mar10)
	if err != nil {
		t.Fatalf("AdvanceRounds: %v", err)
	}
	if rep.Created != 2 || len(rep.Failures) != 1 || rep.Failures[0].UserID != "u01" {
		t.Errorf("unexpected report %+v", rep)
	}
}

func TestAdvanceRounds_OpenRoundElsewhereIsFailure(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUsers(t, ms, 1)

	// An unlocked round for today blocks a second open round.
	ms.InsertPrediction(ctx, model.NewBlank("today", "u00", mar10, mar10))

	rep, _ := rollforward.NewAdvancer(ms, 10, nil).AdvanceRounds(ctx, mar10)
	if len(rep.Failures) != 1 || rep.Existing != 0 {
		t.Errorf("expected a reported failure, got %+v", rep)
	}
}

func TestAdvanceRounds_Cancelled(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUsers(t, ms, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := rollforward.NewAdvancer(ms, 10, nil).AdvanceRounds(ctx, mar10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Created != 0 {
		t.Errorf("cancelled run must stop before creating, got %+v", rep)
	}
}
