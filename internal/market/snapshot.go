package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/crypto-rebalancer/internal/logger"
)

// CashSymbol is the balance key for USD cash.
const CashSymbol = "USD"

type PriceSource interface {
	LatestPrices(ctx context.Context, instruments []string) (map[string]float64, error)
}

type BalanceSource interface {
	LatestBalances(ctx context.Context, account string) (AccountSnapshot, error)
}

type HistorySource interface {
	PriceTicks(ctx context.Context, instrument string, since time.Time) ([]Tick, error)
}

// AccountSnapshot is the latest USD cash and quantity per instrument.
type AccountSnapshot struct {
	Account string
	USD     float64
	Qty     map[string]float64
}

func (a AccountSnapshot) Clone() AccountSnapshot {
	qty := make(map[string]float64, len(a.Qty))
	for k, v := range a.Qty {
		qty[k] = v
	}
	return AccountSnapshot{Account: a.Account, USD: a.USD, Qty: qty}
}

// Snapshot is an immutable read of prices, balances and history for one cycle.
type Snapshot struct {
	TakenAt time.Time
	Prices  map[string]float64
	Account AccountSnapshot
	History SeriesSet
}

type Reader struct {
	prices     PriceSource
	balances   BalanceSource
	history    HistorySource
	logger     *logger.Logger
	retries    int
	retryDelay time.Duration
	fetchLimit int
	now        func() time.Time
}

type ReaderOption func(*Reader)

func WithRetries(n int, delay time.Duration) ReaderOption {
	return func(r *Reader) {
		r.retries = n
		r.retryDelay = delay
	}
}

func WithFetchLimit(n int) ReaderOption {
	return func(r *Reader) { r.fetchLimit = n }
}

func WithClock(now func() time.Time) ReaderOption {
	return func(r *Reader) { r.now = now }
}

func NewReader(prices PriceSource, balances BalanceSource, history HistorySource, log *logger.Logger, opts ...ReaderOption) *Reader {
	r := &Reader{
		prices:     prices,
		balances:   balances,
		history:    history,
		logger:     log,
		retryDelay: time.Second,
		fetchLimit: 4,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot reads everything one planning cycle needs. Missing prices are not
// an error here; the planner reports them.
func (r *Reader) Snapshot(ctx context.Context, account string, instruments []string, lookbackDays int) (*Snapshot, error) {
	instruments = sortedCopy(instruments)

	prices, err := r.readPrices(ctx, instruments)
	if err != nil {
		return nil, err
	}

	acct, err := r.balances.LatestBalances(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("read balances: %w", err)
	}
	if acct.Qty == nil {
		acct.Qty = make(map[string]float64)
	}

	history, err := r.readHistory(ctx, instruments, lookbackDays)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		TakenAt: r.now().UTC(),
		Prices:  prices,
		Account: acct,
		History: history,
	}, nil
}

func (r *Reader) readPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("retrying price read", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
		prices, err := r.prices.LatestPrices(ctx, instruments)
		if err == nil {
			return prices, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("read prices: %w", lastErr)
}

func (r *Reader) readHistory(ctx context.Context, instruments []string, lookbackDays int) (SeriesSet, error) {
	if r.history == nil || lookbackDays <= 0 {
		return SeriesSet{}, nil
	}
	// two extra days so a full window survives a partial current day
	since := r.now().UTC().AddDate(0, 0, -(lookbackDays + 2))

	var mu sync.Mutex
	set := make(SeriesSet, len(instruments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fetchLimit)
	for _, inst := range instruments {
		inst := inst
		g.Go(func() error {
			ticks, err := r.history.PriceTicks(gctx, inst, since)
			if err != nil {
				r.logger.Warn("price history unavailable", "instrument", inst, "error", err)
				return nil
			}
			series := BuildDailySeries(ticks)
			mu.Lock()
			set[inst] = series
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return set, nil
}

// NamedSource labels a PriceSource for logging.
type NamedSource struct {
	Name   string
	Source PriceSource
}

// FallbackPrices asks each source in order for the instruments still missing.
type FallbackPrices struct {
	sources []NamedSource
	logger  *logger.Logger
}

func NewFallbackPrices(log *logger.Logger, sources ...NamedSource) *FallbackPrices {
	return &FallbackPrices{sources: sources, logger: log}
}

func (f *FallbackPrices) LatestPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	out := make(map[string]float64, len(instruments))
	missing := sortedCopy(instruments)

	var lastErr error
	for _, src := range f.sources {
		if len(missing) == 0 {
			break
		}
		got, err := src.Source.LatestPrices(ctx, missing)
		if err != nil {
			lastErr = err
			f.logger.Warn("price source failed", "source", src.Name, "error", err)
			continue
		}
		var still []string
		for _, inst := range missing {
			if px, ok := got[inst]; ok && px > 0 {
				out[inst] = px
			} else {
				still = append(still, inst)
			}
		}
		if len(still) < len(missing) && len(still) > 0 {
			f.logger.Debug("partial prices from source", "source", src.Name, "missing", still)
		}
		missing = still
	}

	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
