package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/updown/round-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the two hot reads: a user's latest round and a user's record.
// Writes go to the primary store and invalidate the cache.
//
// Bulk writes (LockDue) cannot name the users they touch, so latest-round
// keys carry a generation number that LockDue bumps.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertUser(ctx context.Context, u *model.User) error {
	if err := s.primary.UpsertUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) AddPoints(ctx context.Context, userID string, delta int64) error {
	if err := s.primary.AddPoints(ctx, userID, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

func (s *CachedStore) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	if err := s.primary.InsertPrediction(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, s.latestKey(ctx, p.UserID))
	return nil
}

func (s *CachedStore) UpdatePrediction(ctx context.Context, p *model.Prediction) error {
	if err := s.primary.UpdatePrediction(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, s.latestKey(ctx, p.UserID))
	return nil
}

func (s *CachedStore) LockDue(ctx context.Context, through time.Time, now time.Time) (int, error) {
	n, err := s.primary.LockDue(ctx, through, now)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.rdb.Incr(ctx, latestGenKey)
	}
	return n, nil
}

func (s *CachedStore) ApplyScore(ctx context.Context, o model.Outcome) (bool, error) {
	applied, err := s.primary.ApplyScore(ctx, o)
	if err != nil {
		return applied, err
	}
	if applied {
		s.rdb.Del(ctx, userKey(o.UserID), s.latestKey(ctx, o.UserID))
	}
	return applied, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) LatestPrediction(ctx context.Context, userID string) (*model.Prediction, error) {
	key := s.latestKey(ctx, userID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p model.Prediction
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.LatestPrediction(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUserIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return s.primary.ListUserIDs(ctx, afterID, limit)
}

func (s *CachedStore) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	return s.primary.GetPrediction(ctx, id)
}

func (s *CachedStore) HasPredictionOn(ctx context.Context, userID string, day time.Time) (bool, error) {
	return s.primary.HasPredictionOn(ctx, userID, day)
}

func (s *CachedStore) ListPredictions(ctx context.Context, f Filter) ([]model.Prediction, error) {
	return s.primary.ListPredictions(ctx, f)
}

// --- Cache helpers ---

const latestGenKey = "round:latest:gen"

// latestKey embeds the current generation. A missing generation is 0.
func (s *CachedStore) latestKey(ctx context.Context, userID string) string {
	gen, err := s.rdb.Get(ctx, latestGenKey).Int64()
	if err != nil {
		gen = 0
	}
	return fmt.Sprintf("round:latest:%d:%s", gen, userID)
}

func userKey(id string) string { return fmt.Sprintf("round:user:%s", id) }
