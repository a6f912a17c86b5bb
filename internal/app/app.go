// Package app wires configuration into a ready service. Both binaries share it.
package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/camuig/crypto-rebalancer/internal/ai"
	"github.com/camuig/crypto-rebalancer/internal/coinbase"
	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/exchange"
	"github.com/camuig/crypto-rebalancer/internal/executor"
	"github.com/camuig/crypto-rebalancer/internal/guard"
	"github.com/camuig/crypto-rebalancer/internal/lock"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/market"
	"github.com/camuig/crypto-rebalancer/internal/policy"
	"github.com/camuig/crypto-rebalancer/internal/service"
	"github.com/camuig/crypto-rebalancer/internal/storage"
	"github.com/camuig/crypto-rebalancer/internal/telegram"
)

type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Repo     *storage.Repository
	Policies *policy.Store
	Guard    *guard.Guard
	Notifier *telegram.Notifier
	Service  *service.Service

	closers []func() error
}

// Build opens storage, loads the policy and assembles the service. Close
// releases whatever Build opened.
func Build(cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	if cfg.Storage.Driver == storage.DriverSQLite {
		if dir := filepath.Dir(cfg.Storage.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	db, err := storage.NewDatabase(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	a.Repo = storage.NewRepository(db)

	a.Policies, err = policy.NewStore(cfg.Policy.Path, log.With("component", "policy"))
	if err != nil {
		a.Close()
		return nil, err
	}

	locker, err := a.newLocker()
	if err != nil {
		a.Close()
		return nil, err
	}

	var ex *exchange.Client
	if cfg.Exchange.Enabled {
		ex = exchange.NewClient(exchange.Config{
			APIKey:      cfg.Exchange.APIKey,
			SecretKey:   cfg.Exchange.SecretKey,
			BaseURL:     cfg.Exchange.BaseURL,
			QuoteAsset:  cfg.Exchange.QuoteAsset,
			HTTPTimeout: cfg.ExchangeTimeout(),
			Concurrency: cfg.Exchange.Concurrency,
		}, log.With("component", "exchange"))
	}
	var cb *coinbase.Client
	if cfg.Prices.Coinbase {
		cb = coinbase.NewClient(log.With("component", "coinbase"))
	}

	var live []market.NamedSource
	if ex != nil {
		live = append(live, market.NamedSource{Name: "binance", Source: ex})
	}
	if cb != nil {
		live = append(live, market.NamedSource{Name: "coinbase", Source: cb})
	}
	chain := live
	if cfg.Prices.Store || len(chain) == 0 {
		chain = append(append([]market.NamedSource(nil), live...), market.NamedSource{Name: "store", Source: a.Repo})
	}
	prices := market.NewFallbackPrices(log.With("component", "prices"), chain...)

	var balances market.BalanceSource = a.Repo
	if cfg.Exchange.UseBalances && ex != nil {
		balances = ex
	}

	reader := market.NewReader(prices, balances, a.Repo, log.With("component", "market"),
		market.WithRetries(cfg.Prices.Retries, cfg.RetryDelay()),
		market.WithFetchLimit(cfg.Exchange.Concurrency))

	a.Guard = guard.New(cfg.Guard.Limits, cfg.Guard.KillFile)
	a.Notifier = telegram.NewNotifier(cfg.Telegram, log.With("component", "telegram"))

	deps := service.Deps{
		Account:  cfg.Account,
		Mode:     cfg.Mode,
		Policies: a.Policies,
		Reader:   reader,
		Repo:     a.Repo,
		Guard:    a.Guard,
		Executor: executor.NewExecutor(a.Repo, locker, log.With("component", "executor")),
		Locker:   locker,
		Notifier: a.Notifier,
		Narrator: ai.NewNarrator(cfg.AI, log.With("component", "ai")),
		Logger:   log.With("component", "service"),
	}
	if len(live) > 0 {
		deps.LiveFeed = market.NewFallbackPrices(log.With("component", "live"), live...)
	}
	switch {
	case ex != nil:
		deps.HistoryFeed = ex
	case cb != nil:
		deps.HistoryFeed = cb
	}
	a.Service = service.New(deps)
	return a, nil
}

func (a *App) newLocker() (lock.Locker, error) {
	cfg := a.Config
	opts := lock.Options{TTL: cfg.LockTTL(), Wait: cfg.LockWait()}
	switch cfg.Lock.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr, DB: cfg.Lock.RedisDB})
		a.closers = append(a.closers, client.Close)
		return lock.NewRedisLocker(client, opts), nil
	default:
		return lock.NewFileLocker(cfg.Lock.Dir, opts)
	}
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
