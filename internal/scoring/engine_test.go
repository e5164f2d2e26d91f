package scoring_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/updown/round-engine/internal/fixedpoint"
	"github.com/updown/round-engine/internal/lockgate"
	"github.com/updown/round-engine/internal/model"
	"github.com/updown/round-engine/internal/predict"
	"github.com/updown/round-engine/internal/scoring"
	"github.com/updown/round-engine/internal/store"
)

var (
	ist   = time.FixedZone("IST", 5*3600+30*60)
	mar10 = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fp(s string) *fixedpoint.Price {
	p := fixedpoint.MustParse(s)
	return &p
}

func observe(prices map[model.Symbol]string) map[model.Symbol]fixedpoint.Price {
	out := make(map[model.Symbol]fixedpoint.Price, len(prices))
	for sym, s := range prices {
		out[sym] = fixedpoint.MustParse(s)
	}
	return out
}

func round(picks map[model.Symbol]model.Pick) *model.Prediction {
	p := model.NewBlank("p1", "alice", mar10, mar10)
	p.Picks = picks
	p.Locked = true
	return p
}

// --- Evaluate ---

func TestEvaluate_UpCorrectAndWrong(t *testing.T) {
	p := round(map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100.00")},
	})

	o := scoring.Evaluate(p, observe(map[model.Symbol]string{model.AAPL: "101.00"}), mar10)
	if o.Delta != 1 || !o.Perfect {
		t.Errorf("up, price rose: delta=%d perfect=%v, want +1 true", o.Delta, o.Perfect)
	}

	o = scoring.Evaluate(p, observe(map[model.Symbol]string{model.AAPL: "99.00"}), mar10)
	if o.Delta != -1 || o.Perfect {
		t.Errorf("up, price fell: delta=%d perfect=%v, want -1 false", o.Delta, o.Perfect)
	}
}

func TestEvaluate_UnchangedPriceCountsAsNotUp(t *testing.T) {
	p := round(map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100")},
		model.MSFT: {Direction: model.Down, Reference: fp("300")},
	})
	o := scoring.Evaluate(p, observe(map[model.Symbol]string{model.AAPL: "100.000", model.MSFT: "300"}), mar10)
	if o.Delta != 0 || o.Correct != 1 || o.Evaluated != 2 {
		t.Errorf("got delta=%d correct=%d evaluated=%d, want 0 1 2", o.Delta, o.Correct, o.Evaluated)
	}
}

func TestEvaluate_SubUnitMoveIsExact(t *testing.T) {
	p := round(map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("0.1")},
	})
	o := scoring.Evaluate(p, observe(map[model.Symbol]string{model.AAPL: "0.100000000000001"}), mar10)
	if o.Delta != 1 {
		t.Errorf("one ulp rise should score +1, got %d", o.Delta)
	}
}

func TestEvaluate_UnsetSymbolIgnored(t *testing.T) {
	p := round(map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100")},
	})
	o := scoring.Evaluate(p, observe(map[model.Symbol]string{
		model.AAPL: "101", model.MSFT: "1", model.GOOGL: "1",
	}), mar10)
	if o.Evaluated != 1 || o.Delta != 1 || !o.Perfect {
		t.Errorf("GOOGL unset must not count: %+v", o)
	}
	if len(o.Skipped) != 0 {
		t.Errorf("unset symbols are not skips: %v", o.Skipped)
	}
}

func TestEvaluate_MissingObservationSkipped(t *testing.T) {
	p := round(map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100")},
		model.MSFT: {Direction: model.Up, Reference: fp("300")},
	})
	o := scoring.Evaluate(p, observe(map[model.Symbol]string{model.AAPL: "105"}), mar10)
	if o.Delta != 1 || o.Evaluated != 1 || !o.Perfect {
		t.Errorf("MSFT without observation must be skipped: %+v", o)
	}
	if len(o.Skipped) != 1 || o.Skipped[0] != model.MSFT {
		t.Errorf("expected MSFT skipped, got %v", o.Skipped)
	}
}

func TestEvaluate_NothingEvaluatedIsNotPerfect(t *testing.T) {
	p := round(map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100")},
	})
	o := scoring.Evaluate(p, observe(map[model.Symbol]string{model.MSFT: "1"}), mar10)
	if o.Perfect || o.Delta != 0 {
		t.Errorf("no evaluated symbol must not be perfect: %+v", o)
	}
}

// --- Reconcile ---

func seedLocked(t *testing.T, ms *store.MemoryStore, id, user string, picks map[model.Symbol]model.Pick) {
	t.Helper()
	ctx := context.Background()
	if err := ms.UpsertUser(ctx, &model.User{ID: user}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	p := model.NewBlank(id, user, mar10, mar10)
	p.Picks = picks
	p.Locked = true
	if err := ms.InsertPrediction(ctx, p); err != nil {
		t.Fatalf("seed round: %v", err)
	}
}

func points(t *testing.T, ms *store.MemoryStore, user string) int64 {
	t.Helper()
	u, err := ms.GetUser(context.Background(), user)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.Points
}

func TestReconcile_TwiceAppliesOnce(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedLocked(t, ms, "p1", "alice", map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100")},
		model.MSFT: {Direction: model.Down, Reference: fp("300")},
	})
	eng := scoring.NewEngine(ms, 2, 10, nil)
	prices := map[model.Symbol]decimal.Decimal{model.AAPL: d("110"), model.MSFT: d("290")}

	rep, err := eng.Reconcile(ctx, mar10, prices)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Processed != 1 || rep.Perfect != 1 || rep.TotalDelta != 2 {
		t.Errorf("unexpected first report %+v", rep)
	}

	rep, err = eng.Reconcile(ctx, mar10, prices)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if rep.Processed != 0 || rep.TotalDelta != 0 {
		t.Errorf("second run must be a no-op, got %+v", rep)
	}
	if got := points(t, ms, "alice"); got != 2 {
		t.Errorf("expected 2 points, got %d", got)
	}
}

func TestReconcile_AbortsWithoutPrices(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedLocked(t, ms, "p1", "alice", map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100")},
	})
	eng := scoring.NewEngine(ms, 0, 0, nil)

	_, err := eng.Reconcile(ctx, mar10, map[model.Symbol]decimal.Decimal{})
	if !errors.Is(err, scoring.ErrCycleAborted) {
		t.Fatalf("expected ErrCycleAborted, got %v", err)
	}
	p, _ := ms.GetPrediction(ctx, "p1")
	if p.Scored {
		t.Error("aborted cycle must not mark rows scored")
	}

	// Retry succeeds once prices are back.
	rep, err := eng.Reconcile(ctx, mar10, map[model.Symbol]decimal.Decimal{model.AAPL: d("101")})
	if err != nil || rep.Processed != 1 {
		t.Errorf("retry: processed=%d err=%v", rep.Processed, err)
	}
}

func TestReconcile_PartialFeedStillScores(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedLocked(t, ms, "p1", "alice", map[model.Symbol]model.Pick{
		model.AAPL:  {Direction: model.Up, Reference: fp("100")},
		model.GOOGL: {Direction: model.Up, Reference: fp("140")},
	})
	eng := scoring.NewEngine(ms, 1, 10, nil)

	rep, err := eng.Reconcile(ctx, mar10, map[model.Symbol]decimal.Decimal{model.AAPL: d("90")})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(rep.Unobserved) != 2 {
		t.Errorf("expected MSFT and GOOGL unobserved, got %v", rep.Unobserved)
	}
	p, _ := ms.GetPrediction(ctx, "p1")
	if !p.Scored || p.PointsDelta != -1 {
		t.Errorf("row should be scored -1 without retry, got %+v", p)
	}
}

func TestReconcile_ZeroQuoteIsUnobserved(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedLocked(t, ms, "p1", "alice", map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("150")},
		model.MSFT: {Direction: model.Up, Reference: fp("300")},
	})
	eng := scoring.NewEngine(ms, 1, 10, nil)

	rep, err := eng.Reconcile(ctx, mar10, map[model.Symbol]decimal.Decimal{
		model.AAPL: d("0"),
		model.MSFT: d("310"),
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.TotalDelta != 1 || rep.Perfect != 1 {
		t.Errorf("expected +1 and a perfect round, got %+v", rep)
	}
	unobserved := map[model.Symbol]bool{}
	for _, sym := range rep.Unobserved {
		unobserved[sym] = true
	}
	if !unobserved[model.AAPL] || !unobserved[model.GOOGL] {
		t.Errorf("AAPL and GOOGL should be unobserved, got %v", rep.Unobserved)
	}
}

func TestReconcile_OnlyNonPositiveQuotesAborts(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLocked(t, ms, "p1", "alice", map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("150")},
	})
	eng := scoring.NewEngine(ms, 1, 10, nil)

	_, err := eng.Reconcile(context.Background(), mar10, map[model.Symbol]decimal.Decimal{
		model.AAPL: d("0"),
		model.MSFT: d("-5"),
	})
	if !errors.Is(err, scoring.ErrCycleAborted) {
		t.Fatalf("expected ErrCycleAborted, got %v", err)
	}
	if got := points(t, ms, "alice"); got != 0 {
		t.Errorf("points = %d, want 0", got)
	}
}

func TestReconcile_OnlyTargetDayLockedRows(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedLocked(t, ms, "p1", "alice", map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100")},
	})
	ms.UpsertUser(ctx, &model.User{ID: "bob"})
	open := model.NewBlank("p2", "bob", mar10, mar10)
	open.Picks[model.AAPL] = model.Pick{Direction: model.Up, Reference: fp("100")}
	ms.InsertPrediction(ctx, open)

	eng := scoring.NewEngine(ms, 1, 10, nil)
	rep, _ := eng.Reconcile(ctx, mar10.AddDate(0, 0, -1), map[model.Symbol]decimal.Decimal{model.AAPL: d("101")})
	if rep.Processed != 0 {
		t.Errorf("other days must not be scored, processed %d", rep.Processed)
	}
	rep, _ = eng.Reconcile(ctx, mar10, map[model.Symbol]decimal.Decimal{model.AAPL: d("101")})
	if rep.Processed != 1 {
		t.Errorf("expected only the locked row, processed %d", rep.Processed)
	}
	if p, _ := ms.GetPrediction(ctx, "p2"); p.Scored {
		t.Error("open row must not be scored")
	}
}

func TestReconcile_PagesAllRows(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for i := 0; i < 7; i++ {
		seedLocked(t, ms, fmt.Sprintf("p%02d", i), fmt.Sprintf("u%02d", i), map[model.Symbol]model.Pick{
			model.AAPL: {Direction: model.Up, Reference: fp("100")},
		})
	}
	eng := scoring.NewEngine(ms, 3, 2, nil)

	rep, err := eng.Reconcile(ctx, mar10, map[model.Symbol]decimal.Decimal{model.AAPL: d("100.5")})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Processed != 7 || rep.TotalDelta != 7 || rep.Perfect != 7 {
		t.Errorf("unexpected report %+v", rep)
	}
}

type flakyStore struct {
	*store.MemoryStore
	failID string
}

func (s *flakyStore) ApplyScore(ctx context.Context, o model.Outcome) (bool, error) {
	if o.PredictionID == s.failID {
		return false, errors.New("connection reset")
	}
	return s.MemoryStore.ApplyScore(ctx, o)
}

func TestReconcile_RowFailureDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, u := range []string{"a", "b", "c"} {
		seedLocked(t, ms, "p-"+u, u, map[model.Symbol]model.Pick{
			model.AAPL: {Direction: model.Down, Reference: fp("100")},
		})
	}
	eng := scoring.NewEngine(&flakyStore{MemoryStore: ms, failID: "p-b"}, 2, 10, nil)

	rep, err := eng.Reconcile(ctx, mar10, map[model.Symbol]decimal.Decimal{model.AAPL: d("99")})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Processed != 2 || len(rep.Failures) != 1 || rep.Failures[0].PredictionID != "p-b" {
		t.Errorf("unexpected report %+v", rep)
	}
	if p, _ := ms.GetPrediction(ctx, "p-b"); p.Scored {
		t.Error("failed row must stay unscored for the next run")
	}
}

func TestReconcile_CancelledContext(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLocked(t, ms, "p1", "alice", map[model.Symbol]model.Pick{
		model.AAPL: {Direction: model.Up, Reference: fp("100")},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := scoring.NewEngine(ms, 1, 10, nil)
	_, err := eng.Reconcile(ctx, mar10, map[model.Symbol]decimal.Decimal{model.AAPL: d("101")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if p, _ := ms.GetPrediction(context.Background(), "p1"); p.Scored {
		t.Error("cancelled cycle must not score")
	}
}

// TestEndToEnd follows one user from submission to scoring: AAPL up at
// 150, MSFT down at 300, GOOGL unset; prices move to 152 and 310.
func TestEndToEnd_NetZeroRound(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ms.UpsertUser(ctx, &model.User{ID: "alice", Points: 0})

	gate, _ := lockgate.New(ist, 19, 0)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, ist)
	svc := predict.NewService(ms, gate, predict.WithClock(func() time.Time { return now }))

	aapl, msft := d("150.00"), d("300.00")
	res, err := svc.Submit(ctx, predict.SubmitRequest{
		UserID: "alice",
		Picks: map[model.Symbol]predict.Entry{
			model.AAPL: {Direction: model.Up, Price: &aapl},
			model.MSFT: {Direction: model.Down, Price: &msft},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sweep := lockgate.NewSweeper(gate, ms, nil, nil)
	if _, err := sweep.Sweep(ctx, time.Date(2025, 3, 10, 19, 0, 0, 0, ist)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	eng := scoring.NewEngine(ms, 4, 100, nil)
	rep, err := eng.Reconcile(ctx, res.Prediction.Date, map[model.Symbol]decimal.Decimal{
		model.AAPL: d("152.00"),
		model.MSFT: d("310.00"),
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if rep.Processed != 1 || rep.Perfect != 0 || rep.TotalDelta != 0 {
		t.Errorf("unexpected report %+v", rep)
	}
	if got := points(t, ms, "alice"); got != 0 {
		t.Errorf("points should be unchanged, got %d", got)
	}
	p, _ := ms.GetPrediction(ctx, res.Prediction.ID)
	if !p.Scored || p.Perfect || p.PointsDelta != 0 {
		t.Errorf("unexpected round after scoring %+v", p)
	}
	if p.State() != model.Scored {
		t.Errorf("state = %s, want scored", p.State())
	}
}
