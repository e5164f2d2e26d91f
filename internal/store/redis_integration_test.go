package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/updown/round-engine/internal/model"
)

func TestCachedStore_LockInvalidatesLatest(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("set TEST_REDIS_URL to run Redis integration tests")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)

	user := "it-" + uuid.NewString()
	s.UpsertUser(ctx, &model.User{ID: user})
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	s.InsertPrediction(ctx, model.NewBlank("r-"+user, user, day, day))

	// Warm the cache with the open round.
	got, err := s.LatestPrediction(ctx, user)
	if err != nil || got.Locked {
		t.Fatalf("LatestPrediction: %+v %v", got, err)
	}

	if _, err := s.LockDue(ctx, day, day); err != nil {
		t.Fatalf("LockDue: %v", err)
	}
	got, err = s.LatestPrediction(ctx, user)
	if err != nil {
		t.Fatalf("LatestPrediction: %v", err)
	}
	if !got.Locked {
		t.Error("cached latest round should be invalidated by LockDue")
	}

	if err := s.AddPoints(ctx, user, 4); err != nil {
		t.Fatalf("AddPoints: %v", err)
	}
	u, _ := s.GetUser(ctx, user)
	if u.Points != 4 {
		t.Errorf("expected 4 points through cache, got %d", u.Points)
	}
}
