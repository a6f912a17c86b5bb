// Package service orchestrates one rebalancing cycle: snapshot, plan, guard,
// archive, optional paper apply and notifications.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/executor"
	"github.com/camuig/crypto-rebalancer/internal/guard"
	"github.com/camuig/crypto-rebalancer/internal/lock"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/market"
	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/policy"
	"github.com/camuig/crypto-rebalancer/internal/report"
	"github.com/camuig/crypto-rebalancer/internal/storage"
)

const (
	StatusPlanned = "planned"
	StatusHalted  = "halted"
	StatusError   = "error"
)

type Policies interface {
	Current() policy.Policy
	Snapshot() policy.Snapshot
}

type Notifier interface {
	NotifyPlan(plan *planner.Plan, comment string)
	NotifyApplied(res *executor.Result)
	NotifyHalted(plan *planner.Plan)
	NotifyError(where string, err error)
}

type Commenter interface {
	Comment(ctx context.Context, plan *planner.Plan) string
}

type Deps struct {
	Account  string
	Mode     string
	Policies Policies
	Reader   *market.Reader
	Repo     *storage.Repository
	Guard    *guard.Guard
	Executor *executor.Executor
	Locker   lock.Locker
	Notifier Notifier
	Narrator Commenter
	Logger   *logger.Logger

	// LiveFeed feeds Ingest and HistoryFeed feeds Backfill. Both are optional.
	LiveFeed    market.PriceSource
	HistoryFeed market.HistorySource
}

type Service struct {
	Deps
	metrics *Metrics
	now     func() time.Time
}

func New(deps Deps) *Service {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Narrator == nil {
		deps.Narrator = nopCommenter{}
	}
	return &Service{Deps: deps, metrics: &Metrics{}, now: time.Now}
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Result is the outcome of a preview or a cycle.
type Result struct {
	RunID   string           `json:"run_id"`
	Plan    *planner.Plan    `json:"plan"`
	Hits    []guard.Hit      `json:"hits,omitempty"`
	Comment string           `json:"comment,omitempty"`
	Applied *executor.Result `json:"applied,omitempty"`
}

// Preview computes a guarded plan with optional what-if price overrides. The
// plan is archived; balances are never touched.
func (s *Service) Preview(ctx context.Context, overrides map[string]float64) (*Result, error) {
	runID := uuid.NewString()
	pol := s.Policies.Current()

	snap, err := s.Reader.Snapshot(ctx, s.Account, pol.Instruments(), pol.MaxLookback())
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	plan, err := planner.Compute(planner.Input{
		Account:   s.Account,
		Policy:    pol,
		Prices:    snap.Prices,
		Balances:  snap.Account,
		History:   snap.History,
		Overrides: overrides,
	})
	if err != nil {
		return &Result{RunID: runID}, err
	}

	res := &Result{RunID: runID}
	if source, killed := s.Guard.Killed(); killed {
		res.Plan = guard.Kill(plan, source)
	} else {
		res.Plan, res.Hits = s.Guard.Evaluate(plan)
	}
	s.metrics.plans.Add(1)

	if err := s.archive(ctx, runID, res.Plan); err != nil {
		s.Logger.Error("archive plan", "run_id", runID, "error", err)
	}
	s.Logger.Info("plan computed",
		"run_id", runID, "actions", len(res.Plan.Actions),
		"band", res.Plan.Config.Band, "halted", res.Plan.Halted, "config_hash", res.Plan.Config.ConfigHash)
	return res, nil
}

// Run executes one cycle under the cycle lock. Actions are filled only when
// apply is requested and the service runs in paper mode.
func (s *Service) Run(ctx context.Context, apply bool) (*Result, error) {
	s.metrics.cycles.Add(1)
	s.metrics.lastRun.Store(s.now().Unix())

	lease, err := s.Locker.Acquire(ctx, "cycle-"+s.Account)
	if err != nil {
		s.metrics.errors.Add(1)
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Error("release cycle lock", "error", err)
		}
	}()

	res, err := s.Preview(ctx, nil)
	if err != nil {
		s.metrics.errors.Add(1)
		runID := uuid.NewString()
		if res != nil {
			runID = res.RunID
		}
		s.saveRun(ctx, &storage.RunLog{RunID: runID, Account: s.Account, Mode: s.Mode, Status: StatusError, Error: err.Error()})
		s.Notifier.NotifyError("plan", err)
		return res, err
	}

	plan := res.Plan
	if plan.Halted {
		s.metrics.halted.Add(1)
		s.saveRun(ctx, s.runLog(res.RunID, plan, StatusHalted))
		s.Notifier.NotifyHalted(plan)
		return res, nil
	}

	res.Comment = s.Narrator.Comment(ctx, plan)
	s.Notifier.NotifyPlan(plan, res.Comment)

	if !apply || s.Mode != config.ModePaper || len(plan.Actions) == 0 {
		s.saveRun(ctx, s.runLog(res.RunID, plan, StatusPlanned))
		return res, nil
	}

	applied, err := s.Executor.Apply(ctx, plan, res.RunID)
	if err != nil {
		s.metrics.errors.Add(1)
		run := s.runLog(res.RunID, plan, StatusError)
		run.Error = err.Error()
		s.saveRun(ctx, run)
		s.Notifier.NotifyError("apply", err)
		return res, fmt.Errorf("apply plan: %w", err)
	}
	s.metrics.applied.Add(int64(applied.Applied))
	res.Applied = applied
	s.Notifier.NotifyApplied(applied)
	return res, nil
}

// Ingest stores the current live prices as ticks so history accumulates.
func (s *Service) Ingest(ctx context.Context) (int, error) {
	if s.LiveFeed == nil {
		return 0, nil
	}
	pol := s.Policies.Current()
	prices, err := s.LiveFeed.LatestPrices(ctx, pol.Instruments())
	if err != nil {
		return 0, fmt.Errorf("live prices: %w", err)
	}
	now := s.now().UTC()
	ticks := make([]storage.PriceTick, 0, len(prices))
	for _, inst := range pol.Instruments() {
		if px, ok := prices[inst]; ok {
			ticks = append(ticks, storage.PriceTick{TS: now, Instrument: inst, Price: px, Source: "live"})
		}
	}
	if err := s.Repo.SavePriceTicks(ctx, ticks); err != nil {
		return 0, fmt.Errorf("save ticks: %w", err)
	}
	return len(ticks), nil
}

// batchHistory is implemented by feeds that fetch several instruments at once.
type batchHistory interface {
	History(ctx context.Context, instruments []string, since time.Time) (map[string][]market.Tick, error)
}

// Backfill loads daily history for every policy instrument into storage.
func (s *Service) Backfill(ctx context.Context, days int) (int, error) {
	if s.HistoryFeed == nil {
		return 0, errors.New("no history source configured")
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	instruments := s.Policies.Current().Instruments()

	var batch map[string][]market.Tick
	if bh, ok := s.HistoryFeed.(batchHistory); ok {
		var err error
		if batch, err = bh.History(ctx, instruments, since); err != nil {
			return 0, fmt.Errorf("backfill: %w", err)
		}
	}

	var total int
	for _, inst := range instruments {
		ticks, ok := batch[inst]
		if !ok {
			var err error
			if ticks, err = s.HistoryFeed.PriceTicks(ctx, inst, since); err != nil {
				return total, fmt.Errorf("backfill %s: %w", inst, err)
			}
		}
		rows := make([]storage.PriceTick, len(ticks))
		for i, t := range ticks {
			rows[i] = storage.PriceTick{TS: t.TS, Instrument: t.Instrument, Price: t.Price, Source: "backfill"}
		}
		if err := s.Repo.SavePriceTicks(ctx, rows); err != nil {
			return total, fmt.Errorf("save %s ticks: %w", inst, err)
		}
		total += len(rows)
		s.Logger.Info("history backfilled", "instrument", inst, "ticks", len(rows))
	}
	return total, nil
}

func (s *Service) archive(ctx context.Context, runID string, plan *planner.Plan) error {
	data, err := report.JSON(plan)
	if err != nil {
		return err
	}
	return s.Repo.ArchivePlan(ctx, &storage.PlanRecord{
		RunID:       runID,
		Account:     plan.Account,
		Fingerprint: plan.Fingerprint(),
		Band:        plan.Config.Band,
		ActionCount: len(plan.Actions),
		Halted:      plan.Halted,
		HaltReason:  plan.HaltReason,
		ConfigHash:  plan.Config.ConfigHash,
		Plan:        datatypes.JSON(data),
	})
}

func (s *Service) runLog(runID string, plan *planner.Plan, status string) *storage.RunLog {
	return &storage.RunLog{
		RunID:      runID,
		Account:    s.Account,
		Mode:       s.Mode,
		Status:     status,
		Actions:    len(plan.Actions),
		BuyUSD:     plan.BuyUSD(),
		SellUSD:    plan.SellUSD(),
		Band:       plan.Config.Band,
		NAV:        plan.NAV(),
		ConfigHash: plan.Config.ConfigHash,
		Error:      plan.HaltReason,
	}
}

func (s *Service) saveRun(ctx context.Context, run *storage.RunLog) {
	if err := s.Repo.SaveRunLog(ctx, run); err != nil {
		s.Logger.Error("save run log", "run_id", run.RunID, "error", err)
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyPlan(*planner.Plan, string) {}
func (nopNotifier) NotifyApplied(*executor.Result)   {}
func (nopNotifier) NotifyHalted(*planner.Plan)       {}
func (nopNotifier) NotifyError(string, error)        {}

type nopCommenter struct{}

func (nopCommenter) Comment(context.Context, *planner.Plan) string { return "" }
