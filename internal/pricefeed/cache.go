package pricefeed

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/updown/round-engine/internal/model"
)

// CachedFeed keeps each observed quote in Redis for ttl so that bursts of
// client page loads do not each hit the upstream feed. Absent quotes are
// not cached.
type CachedFeed struct {
	feed Feed
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCachedFeed wraps feed with a Redis cache.
func NewCachedFeed(feed Feed, rdb *redis.Client, ttl time.Duration) *CachedFeed {
	return &CachedFeed{feed: feed, rdb: rdb, ttl: ttl}
}

func (c *CachedFeed) CurrentPrice(ctx context.Context, sym model.Symbol) (decimal.Decimal, bool) {
	key := "price:" + string(sym)
	if s, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if p, err := decimal.NewFromString(s); err == nil {
			return p, true
		}
	}

	p, ok := c.feed.CurrentPrice(ctx, sym)
	if !ok {
		return p, false
	}
	c.rdb.Set(ctx, key, p.String(), c.ttl)
	return p, true
}
