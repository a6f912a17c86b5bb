// Package exchange is a read-only Binance spot adapter: prices, daily
// history and account balances. It never places orders.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/market"
	"github.com/camuig/crypto-rebalancer/internal/policy"
)

const maxKlines = 1000

type Config struct {
	APIKey      string
	SecretKey   string
	BaseURL     string
	QuoteAsset  string
	HTTPTimeout time.Duration
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

type Client struct {
	cfg    Config
	client *binance.Client
	logger *logger.Logger
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	final := cfg.withDefaults()
	client := binance.NewClient(final.APIKey, final.SecretKey)
	if base := strings.TrimSpace(final.BaseURL); base != "" {
		client.BaseURL = strings.TrimRight(base, "/")
	}
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Client{cfg: final, client: client, logger: log}
}

// Symbol maps BTC-USD to the exchange pair, e.g. BTCUSDT.
func (c *Client) Symbol(instrument string) string {
	return policy.AssetOf(strings.ToUpper(instrument)) + c.cfg.QuoteAsset
}

func (c *Client) LatestPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	if len(instruments) == 0 {
		return map[string]float64{}, nil
	}
	bySymbol := make(map[string]string, len(instruments))
	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		sym := c.Symbol(inst)
		bySymbol[sym] = inst
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	res, err := c.client.NewListPricesService().Symbols(symbols).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance prices: %w", err)
	}

	out := make(map[string]float64, len(res))
	for _, p := range res {
		if p == nil {
			continue
		}
		inst, ok := bySymbol[p.Symbol]
		if !ok {
			continue
		}
		px, err := decimal.NewFromString(p.Price)
		if err != nil || !px.IsPositive() {
			c.logger.Warn("binance price unusable", "symbol", p.Symbol, "price", p.Price)
			continue
		}
		out[inst] = px.InexactFloat64()
	}
	return out, nil
}

// PriceTicks returns daily closes since the given time. Klines that have not
// closed yet are dropped.
func (c *Client) PriceTicks(ctx context.Context, instrument string, since time.Time) ([]market.Tick, error) {
	days := int(time.Since(since).Hours()/24) + 1
	if days > maxKlines {
		days = maxKlines
	}
	if days < 1 {
		days = 1
	}
	kls, err := c.client.NewKlinesService().
		Symbol(c.Symbol(instrument)).
		Interval("1d").
		StartTime(since.UnixMilli()).
		Limit(days).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", instrument, err)
	}

	now := time.Now()
	ticks := make([]market.Tick, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		closeTime := time.UnixMilli(kl.CloseTime).UTC()
		if closeTime.After(now) {
			continue
		}
		px, err := decimal.NewFromString(kl.Close)
		if err != nil {
			continue
		}
		ticks = append(ticks, market.Tick{Instrument: instrument, TS: closeTime, Price: px.InexactFloat64()})
	}
	return ticks, nil
}

// History fetches daily ticks for several instruments concurrently.
func (c *Client) History(ctx context.Context, instruments []string, since time.Time) (map[string][]market.Tick, error) {
	var mu sync.Mutex
	out := make(map[string][]market.Tick, len(instruments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, inst := range instruments {
		inst := inst
		g.Go(func() error {
			ticks, err := c.PriceTicks(gctx, inst, since)
			if err != nil {
				return err
			}
			mu.Lock()
			out[inst] = ticks
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestBalances reads free plus locked spot balances. The quote asset and
// USD count as cash; every other asset becomes "<ASSET>-USD".
func (c *Client) LatestBalances(ctx context.Context, account string) (market.AccountSnapshot, error) {
	acct, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return market.AccountSnapshot{}, fmt.Errorf("binance account: %w", err)
	}

	snap := market.AccountSnapshot{Account: account, Qty: map[string]float64{}}
	cash := decimal.Zero
	for _, b := range acct.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			locked = decimal.Zero
		}
		total := free.Add(locked)
		if !total.IsPositive() {
			continue
		}
		asset := strings.ToUpper(b.Asset)
		if asset == c.cfg.QuoteAsset || asset == policy.QuoteCurrency {
			cash = cash.Add(total)
			continue
		}
		snap.Qty[policy.Instrument(asset)] = total.InexactFloat64()
	}
	snap.USD = cash.InexactFloat64()
	return snap, nil
}
