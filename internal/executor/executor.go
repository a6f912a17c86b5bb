// Package executor applies plans as paper fills against stored balances.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-rebalancer/internal/ledger"
	"github.com/camuig/crypto-rebalancer/internal/lock"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/market"
	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/storage"
)

var (
	ErrInvalidPlan         = errors.New("invalid plan")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"

	balanceSource = "paper"
	bps           = 10000.0
)

type Result struct {
	RunID    string                 `json:"run_id"`
	Applied  int                    `json:"applied"`
	Skipped  int                    `json:"skipped"`
	Realized float64                `json:"realized"`
	NAV      float64                `json:"nav"`
	Balances market.AccountSnapshot `json:"balances"`
}

type Executor struct {
	repo   *storage.Repository
	ledger *ledger.Ledger
	locker lock.Locker
	logger *logger.Logger
	now    func() time.Time
}

func NewExecutor(repo *storage.Repository, locker lock.Locker, log *logger.Logger) *Executor {
	return &Executor{
		repo:   repo,
		ledger: ledger.New(repo),
		locker: locker,
		logger: log,
		now:    time.Now,
	}
}

// LockName is the lock guarding applies for one account.
func LockName(account string) string {
	return "apply-" + account
}

// Apply validates the whole plan, then fills every action under the account
// lock in one transaction. Nothing is written unless every action succeeds.
func (e *Executor) Apply(ctx context.Context, plan *planner.Plan, runID string) (*Result, error) {
	if plan.Halted {
		return nil, fmt.Errorf("%w: plan is halted: %s", ErrInvalidPlan, plan.HaltReason)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	lease, err := e.locker.Acquire(ctx, LockName(plan.Account))
	if err != nil {
		return nil, fmt.Errorf("acquire apply lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("release apply lock", "account", plan.Account, "error", err)
		}
	}()

	current, err := e.repo.LatestBalances(ctx, plan.Account)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	if err := checkFunds(plan, current); err != nil {
		return nil, err
	}

	result := &Result{RunID: runID}
	fingerprint := plan.Fingerprint()
	err = e.repo.Transaction(ctx, func(tx *storage.Repository) error {
		l := e.ledger.WithRepository(tx)
		balances := current.Clone()

		for i, a := range plan.Actions {
			token := ledger.IdempotencyToken(fingerprint, i, a)
			applied, realized, err := e.applyAction(ctx, l, token, runID, plan.Account, a)
			if err != nil {
				return fmt.Errorf("action %d %s %s: %w", i, a.Side, a.Instrument, err)
			}
			if !applied {
				result.Skipped++
				continue
			}
			result.Applied++
			result.Realized += realized
			settle(&balances, a)
		}

		result.Balances = balances
		result.NAV = nav(balances, plan.Prices)
		if result.Applied == 0 {
			return tx.SaveRunLog(ctx, runLog(runID, plan, StatusDuplicate, result.NAV))
		}

		now := e.now().UTC()
		if err := tx.SaveBalances(ctx, balances, now, balanceSource); err != nil {
			return fmt.Errorf("save balances: %w", err)
		}
		if err := tx.SaveRunLog(ctx, runLog(runID, plan, StatusApplied, result.NAV)); err != nil {
			return fmt.Errorf("save run log: %w", err)
		}
		return tx.SaveNAV(ctx, &storage.NAVSnapshot{
			Account:     plan.Account,
			Day:         now.Format("2006-01-02"),
			NAV:         result.NAV,
			CryptoValue: result.NAV - balances.USD,
			CashUSD:     balances.USD,
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("plan applied",
		"run_id", runID, "account", plan.Account,
		"applied", result.Applied, "skipped", result.Skipped,
		"realized", result.Realized, "nav", result.NAV)
	return result, nil
}

// applyAction walks one order through the ledger to filled. A token the
// ledger already knows is skipped.
func (e *Executor) applyAction(ctx context.Context, l *ledger.Ledger, token, runID, account string, a planner.Action) (applied bool, realized float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in executor", "instrument", a.Instrument, "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	order, err := l.Submit(ctx, token, runID, account, a)
	if errors.Is(err, ledger.ErrDuplicateOrder) {
		e.logger.Info("order already submitted, skipping", "client_order_id", token, "state", order.State)
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	for _, s := range []ledger.State{ledger.StateSubmitted, ledger.StateAcknowledged} {
		if _, err := l.Transition(ctx, token, s, nil); err != nil {
			return false, 0, err
		}
	}
	fill := simulateFill(a)
	order, err = l.Transition(ctx, token, ledger.StateFilled, &fill)
	if err != nil {
		return false, 0, err
	}
	realized, err = l.RecordFill(ctx, order, fill)
	if err != nil {
		return false, 0, err
	}
	return true, realized, nil
}

// simulateFill splits the execution price into slippage and an explicit fee.
func simulateFill(a planner.Action) ledger.Fill {
	slip := a.SlipBps / bps
	px := a.Price * (1 + slip)
	if a.Side == planner.SideSell {
		px = a.Price * (1 - slip)
	}
	return ledger.Fill{
		Qty:   a.Qty,
		Price: px,
		Fee:   a.Qty * a.Price * a.FeeBps / bps,
	}
}

// checkFunds verifies sells against held quantity and buys against cash plus
// sell proceeds using the balances the fills will settle against.
func checkFunds(plan *planner.Plan, current market.AccountSnapshot) error {
	sold := map[string]decimal.Decimal{}
	for _, a := range plan.Actions {
		if a.Side == planner.SideSell {
			sold[a.Instrument] = sold[a.Instrument].Add(decimal.NewFromFloat(a.Qty))
		}
	}
	for inst, qty := range sold {
		held := decimal.NewFromFloat(current.Qty[inst])
		if qty.GreaterThan(held) {
			return fmt.Errorf("%w: sell %s %s exceeds held %s", ErrInsufficientBalance, qty, inst, held)
		}
	}

	cash := decimal.NewFromFloat(current.USD).Add(decimal.NewFromFloat(plan.SellUSD()))
	buys := decimal.NewFromFloat(plan.BuyUSD())
	tolerance := decimal.NewFromFloat(1e-6)
	if buys.GreaterThan(cash.Add(tolerance)) {
		return fmt.Errorf("%w: buys %s exceed cash %s", ErrInsufficientBalance, buys.StringFixed(2), cash.StringFixed(2))
	}
	return nil
}

func settle(b *market.AccountSnapshot, a planner.Action) {
	qty := decimal.NewFromFloat(b.Qty[a.Instrument])
	delta := decimal.NewFromFloat(a.Qty)
	if a.Side == planner.SideSell {
		delta = delta.Neg()
	}
	b.Qty[a.Instrument] = qty.Add(delta).InexactFloat64()
	b.USD = decimal.NewFromFloat(b.USD).Sub(decimal.NewFromFloat(a.USD)).InexactFloat64()
}

func nav(b market.AccountSnapshot, prices map[string]float64) float64 {
	total := decimal.NewFromFloat(b.USD)
	for inst, qty := range b.Qty {
		total = total.Add(decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(prices[inst])))
	}
	return total.InexactFloat64()
}

func runLog(runID string, plan *planner.Plan, status string, navUSD float64) *storage.RunLog {
	return &storage.RunLog{
		RunID:      runID,
		Account:    plan.Account,
		Mode:       balanceSource,
		Status:     status,
		Actions:    len(plan.Actions),
		BuyUSD:     plan.BuyUSD(),
		SellUSD:    plan.SellUSD(),
		Band:       plan.Config.Band,
		NAV:        navUSD,
		ConfigHash: plan.Config.ConfigHash,
	}
}
