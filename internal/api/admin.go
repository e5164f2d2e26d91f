package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/updown/round-engine/internal/jobs"
	"github.com/updown/round-engine/internal/model"
	"github.com/updown/round-engine/internal/store"
)

type admin struct {
	store  store.Store
	runner *jobs.Runner
	logger *slog.Logger
}

// ScoreRequest is the optional JSON body for POST /admin/score. When
// Prices is present it replaces the feed snapshot.
type ScoreRequest struct {
	Prices map[model.Symbol]decimal.Decimal `json:"prices"`
}

// PointsRequest is the JSON body for POST /admin/users/{userID}/points.
type PointsRequest struct {
	Delta int64 `json:"delta"`
}

// PricesResponse is the JSON body for GET /prices.
type PricesResponse struct {
	Prices  map[model.Symbol]decimal.Decimal `json:"prices"`
	Missing []model.Symbol                   `json:"missing,omitempty"`
	Success int                              `json:"success"`
	Total   int                              `json:"total"`
}

// dateParam reads ?date=YYYY-MM-DD. Absent means zero.
func dateParam(r *http.Request) (time.Time, error) {
	s := strings.TrimSpace(r.URL.Query().Get("date"))
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}

func (a *admin) lock(w http.ResponseWriter, r *http.Request) {
	res, err := a.runner.Lock(r.Context())
	if err != nil {
		a.logger.Error("lock sweep failed", "err", err)
		writeError(w, "lock sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *admin) score(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r)
	if err != nil {
		writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	var req ScoreRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	var prices map[model.Symbol]decimal.Decimal
	if req.Prices != nil {
		prices = make(map[model.Symbol]decimal.Decimal, len(req.Prices))
		for raw, px := range req.Prices {
			sym, err := model.ParseSymbol(string(raw))
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			if !px.IsPositive() {
				writeError(w, "price for "+string(sym)+" must be positive", http.StatusBadRequest)
				return
			}
			prices[sym] = px
		}
	}

	var rep *jobs.CycleReport
	if prices != nil {
		rep, err = a.runner.ScoreWithPrices(r.Context(), day, prices)
	} else {
		rep, err = a.runner.Score(r.Context(), day)
	}
	switch {
	case jobs.IsAborted(err):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "report": rep})
	case err != nil:
		a.logger.Error("scoring cycle failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": rep})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (a *admin) advance(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r)
	if err != nil {
		writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	rep, err := a.runner.Advance(r.Context(), day)
	if errors.Is(err, jobs.ErrStaleDay) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		a.logger.Error("roll-forward failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": rep})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *admin) upsertUser(w http.ResponseWriter, r *http.Request) {
	var u model.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	u.ID = chi.URLParam(r, "userID")
	u.Points = 0
	if err := a.store.UpsertUser(r.Context(), &u); err != nil {
		a.logger.Error("upsert user failed", "user", u.ID, "err", err)
		writeError(w, "failed to save user", http.StatusInternalServerError)
		return
	}
	a.getUser(w, r)
}

func (a *admin) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load user", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *admin) addPoints(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Delta == 0 {
		writeError(w, "delta must be non-zero", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "userID")
	err := a.store.AddPoints(r.Context(), id, req.Delta)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("add points failed", "user", id, "err", err)
		writeError(w, "failed to add points", http.StatusInternalServerError)
		return
	}
	a.logger.Info("manual points correction", "user", id, "delta", req.Delta)
	a.getUser(w, r)
}

func (a *admin) prices(w http.ResponseWriter, r *http.Request) {
	snap := a.runner.Prices(r.Context())
	writeJSON(w, http.StatusOK, PricesResponse{
		Prices:  snap,
		Missing: snap.Missing(model.Symbols),
		Success: len(snap),
		Total:   len(model.Symbols),
	})
}
