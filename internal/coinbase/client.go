// Package coinbase reads public spot prices from the Coinbase v2 API.
package coinbase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/market"
)

const DefaultBaseURL = "https://api.coinbase.com"

var ErrNoPrice = errors.New("coinbase returned no price")

type Client struct {
	httpClient *http.Client
	baseURL    string
	limit      int
	logger     *logger.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limit = n
		}
	}
}

func NewClient(log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		limit:      4,
		logger:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spot returns the current spot price for an instrument such as BTC-USD.
func (c *Client) Spot(ctx context.Context, instrument string) (float64, error) {
	return c.fetch(ctx, instrument, "")
}

// SpotOn returns the spot price Coinbase reports for a UTC calendar day.
func (c *Client) SpotOn(ctx context.Context, instrument string, day time.Time) (float64, error) {
	return c.fetch(ctx, instrument, day.UTC().Format("2006-01-02"))
}

func (c *Client) fetch(ctx context.Context, instrument, date string) (float64, error) {
	url := fmt.Sprintf("%s/v2/prices/%s/spot", c.baseURL, instrument)
	if date != "" {
		url += "?date=" + date
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s spot: %w", instrument, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coinbase returned status %d for %s", resp.StatusCode, instrument)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	amount := gjson.GetBytes(body, "data.amount")
	if !amount.Exists() {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, instrument)
	}
	px := amount.Float()
	if px <= 0 {
		return 0, fmt.Errorf("%w: %s amount %q", ErrNoPrice, instrument, amount.String())
	}
	return px, nil
}

// LatestPrices fetches spot prices concurrently. Instruments that fail are
// left out; an error is returned only when nothing could be read.
func (c *Client) LatestPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	var (
		mu      sync.Mutex
		out     = make(map[string]float64, len(instruments))
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for _, inst := range instruments {
		inst := inst
		g.Go(func() error {
			px, err := c.Spot(gctx, inst)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("coinbase spot failed", "instrument", inst, "error", err)
				lastErr = err
				return nil
			}
			out[inst] = px
			return nil
		})
	}
	_ = g.Wait()

	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// PriceTicks backfills one tick per UTC day from since to today.
func (c *Client) PriceTicks(ctx context.Context, instrument string, since time.Time) ([]market.Tick, error) {
	start := since.UTC().Truncate(24 * time.Hour)
	today := time.Now().UTC().Truncate(24 * time.Hour)
	var days []time.Time
	for d := start; !d.After(today); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}

	ticks := make([]market.Tick, len(days))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for i, day := range days {
		i, day := i, day
		g.Go(func() error {
			px, err := c.SpotOn(gctx, instrument, day)
			if err != nil {
				return err
			}
			ticks[i] = market.Tick{Instrument: instrument, TS: day.Add(23*time.Hour + 59*time.Minute), Price: px}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("backfill %s: %w", instrument, err)
	}
	return ticks, nil
}
