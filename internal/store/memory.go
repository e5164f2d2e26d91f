package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/updown/round-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	predictions map[string]*model.Prediction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*model.User),
		predictions: make(map[string]*model.Prediction),
	}
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[u.ID]; ok {
		existing.Name = u.Name
		existing.Onboarded = u.Onboarded
		return nil
	}
	copy := *u
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) ListUserIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStore) AddPoints(_ context.Context, userID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u.Points += delta
	return nil
}

func (s *MemoryStore) InsertPrediction(_ context.Context, p *model.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[p.UserID]; !ok {
		return fmt.Errorf("user %s: %w", p.UserID, ErrNotFound)
	}
	if _, ok := s.predictions[p.ID]; ok {
		return fmt.Errorf("prediction %s already exists: %w", p.ID, ErrConflict)
	}
	if err := s.checkUnique(p); err != nil {
		return err
	}
	s.predictions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) UpdatePrediction(_ context.Context, p *model.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.predictions[p.ID]
	if !ok {
		return fmt.Errorf("prediction %s: %w", p.ID, ErrNotFound)
	}
	if existing.Locked {
		return fmt.Errorf("prediction %s is locked: %w", p.ID, ErrConflict)
	}
	if existing.UserID != p.UserID {
		return fmt.Errorf("prediction %s owner mismatch: %w", p.ID, ErrConflict)
	}
	// Outcome fields belong to ApplyScore; only the writable columns change.
	src := p.Clone()
	next := existing.Clone()
	next.Date = model.Day(src.Date)
	next.Picks = src.Picks
	next.Locked = src.Locked
	next.CreatedAt = src.CreatedAt
	next.UpdatedAt = src.UpdatedAt
	if err := s.checkUnique(next); err != nil {
		return err
	}
	s.predictions[p.ID] = next
	return nil
}

// checkUnique enforces one round per (user, date) and one open round per
// user, ignoring the row being written. Caller holds the write lock.
func (s *MemoryStore) checkUnique(p *model.Prediction) error {
	day := model.Day(p.Date)
	for _, other := range s.predictions {
		if other.ID == p.ID || other.UserID != p.UserID {
			continue
		}
		if other.Date.Equal(day) {
			return fmt.Errorf("user %s already has a round on %s: %w",
				p.UserID, day.Format(time.DateOnly), ErrConflict)
		}
		if !p.Locked && !other.Locked {
			return fmt.Errorf("user %s already has an open round: %w", p.UserID, ErrConflict)
		}
	}
	return nil
}

func (s *MemoryStore) GetPrediction(_ context.Context, id string) (*model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.predictions[id]
	if !ok {
		return nil, fmt.Errorf("prediction %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) LatestPrediction(_ context.Context, userID string) (*model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Prediction
	for _, p := range s.predictions {
		if p.UserID != userID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) ||
			(p.CreatedAt.Equal(latest.CreatedAt) && p.ID > latest.ID) {
			latest = p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest prediction for %s: %w", userID, ErrNotFound)
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) HasPredictionOn(_ context.Context, userID string, day time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day = model.Day(day)
	for _, p := range s.predictions {
		if p.UserID == userID && p.Date.Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListPredictions(_ context.Context, f Filter) ([]model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Prediction
	for _, p := range s.predictions {
		if matches(p, f) {
			result = append(result, *p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func matches(p *model.Prediction, f Filter) bool {
	switch {
	case f.UserID != "" && p.UserID != f.UserID:
		return false
	case !f.From.IsZero() && p.Date.Before(model.Day(f.From)):
		return false
	case !f.To.IsZero() && p.Date.After(model.Day(f.To)):
		return false
	case f.Locked != nil && p.Locked != *f.Locked:
		return false
	case f.Scored != nil && p.Scored != *f.Scored:
		return false
	case f.AfterID != "" && p.ID <= f.AfterID:
		return false
	}
	return true
}

func (s *MemoryStore) LockDue(_ context.Context, through time.Time, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	through = model.Day(through)
	n := 0
	for _, p := range s.predictions {
		if p.Locked || p.Date.After(through) {
			continue
		}
		if err := p.Lock(now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) ApplyScore(_ context.Context, o model.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.predictions[o.PredictionID]
	if !ok {
		return false, fmt.Errorf("prediction %s: %w", o.PredictionID, ErrNotFound)
	}
	if p.Scored {
		return false, nil
	}
	if !p.Locked {
		return false, fmt.Errorf("prediction %s is not locked: %w", p.ID, ErrConflict)
	}
	u, ok := s.users[p.UserID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", p.UserID, ErrNotFound)
	}
	if err := p.MarkScored(o.Delta, o.Perfect, o.ScoredAt); err != nil {
		return false, err
	}
	u.Points += o.Delta
	return true, nil
}
