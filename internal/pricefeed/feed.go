// Package pricefeed supplies current quotes for the tracked symbols. A feed
// never fails a whole batch because of one symbol: a symbol it cannot price
// is reported as absent.
package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/updown/round-engine/internal/metrics"
	"github.com/updown/round-engine/internal/model"
)

// Feed returns the latest price for a symbol, or false when none is
// available.
type Feed interface {
	CurrentPrice(ctx context.Context, sym model.Symbol) (decimal.Decimal, bool)
}

// Snapshot is one observation per symbol. Absent symbols are missing keys.
type Snapshot map[model.Symbol]decimal.Decimal

// Missing returns the symbols of want that have no observation.
func (s Snapshot) Missing(want []model.Symbol) []model.Symbol {
	var out []model.Symbol
	for _, sym := range want {
		if _, ok := s[sym]; !ok {
			out = append(out, sym)
		}
	}
	return out
}

// Fetch queries every symbol concurrently, each bounded by timeout. A call
// that times out counts as no observation.
func Fetch(ctx context.Context, feed Feed, symbols []model.Symbol, timeout time.Duration) Snapshot {
	var (
		mu   sync.Mutex
		snap = make(Snapshot, len(symbols))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			cctx := gctx
			if timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(gctx, timeout)
				defer cancel()
			}
			price, ok := feed.CurrentPrice(cctx, sym)
			if !ok || cctx.Err() != nil {
				metrics.FeedMisses.WithLabelValues(string(sym)).Inc()
				return nil
			}
			mu.Lock()
			snap[sym] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return snap
}

// StaticFeed serves fixed prices. Used in tests and for operator overrides.
type StaticFeed map[model.Symbol]decimal.Decimal

func (f StaticFeed) CurrentPrice(_ context.Context, sym model.Symbol) (decimal.Decimal, bool) {
	p, ok := f[sym]
	return p, ok
}
