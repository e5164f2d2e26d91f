package pricefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/updown/round-engine/internal/model"
)

// DefaultYahooURL is the public chart endpoint.
const DefaultYahooURL = "https://query1.finance.yahoo.com/v8/finance/chart"

// YahooFeed reads the latest close from the Yahoo Finance chart API.
type YahooFeed struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewYahooFeed creates a feed against baseURL (DefaultYahooURL when empty).
// Every request is bounded by timeout.
func NewYahooFeed(baseURL string, timeout time.Duration, logger *slog.Logger) *YahooFeed {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YahooFeed{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Indicators struct {
				Quote []struct {
					Close []json.RawMessage `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error json.RawMessage `json:"error"`
	} `json:"chart"`
}

// CurrentPrice returns the last non-null close. Transport errors, non-200
// responses and malformed payloads are logged and reported as absent.
func (f *YahooFeed) CurrentPrice(ctx context.Context, sym model.Symbol) (decimal.Decimal, bool) {
	price, err := f.fetch(ctx, sym)
	if err != nil {
		f.logger.Warn("price unavailable", "symbol", sym, "err", err)
		return decimal.Zero, false
	}
	return price, true
}

func (f *YahooFeed) fetch(ctx context.Context, sym model.Symbol) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+string(sym), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; round-engine)")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s: %w", sym, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch %s: status %d", sym, resp.StatusCode)
	}

	var body chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode %s: %w", sym, err)
	}
	if e := bytes.TrimSpace(body.Chart.Error); len(e) > 0 && !bytes.Equal(e, []byte("null")) {
		return decimal.Zero, fmt.Errorf("chart error for %s: %s", sym, e)
	}
	if len(body.Chart.Result) == 0 || len(body.Chart.Result[0].Indicators.Quote) == 0 {
		return decimal.Zero, fmt.Errorf("no quote data for %s", sym)
	}

	closes := body.Chart.Result[0].Indicators.Quote[0].Close
	for i := len(closes) - 1; i >= 0; i-- {
		raw := strings.TrimSpace(string(closes[i]))
		if raw == "" || raw == "null" {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse close %q for %s: %w", raw, sym, err)
		}
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("non-positive close %s for %s", price, sym)
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("no close for %s", sym)
}
