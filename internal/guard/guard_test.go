package guard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-rebalancer/internal/planner"
)

func testPlan(btc, eth, usd float64, actions ...planner.Action) *planner.Plan {
	prices := map[string]float64{"BTC-USD": 100, "ETH-USD": 100}
	return &planner.Plan{
		Account:     "main",
		Prices:      prices,
		Balances:    map[string]float64{"BTC-USD": btc, "ETH-USD": eth, "USD": usd},
		CryptoValue: btc*100 + eth*100,
		Actions:     actions,
	}
}

func buy(inst string, qty float64) planner.Action {
	return planner.Action{Instrument: inst, Side: planner.SideBuy, Price: 100, ExecPrice: 100, Qty: qty, USD: qty * 100}
}

func sell(inst string, qty float64) planner.Action {
	return planner.Action{Instrument: inst, Side: planner.SideSell, Price: 100, ExecPrice: 100, Qty: qty, USD: -qty * 100}
}

func TestEvaluate(t *testing.T) {
	g := New(Limits{}, "")
	assert.Equal(t, DefaultLimits(), g.Limits())

	tests := []struct {
		name      string
		plan      *planner.Plan
		halted    bool
		reason    string
		hitTypes  []string
		remaining int
	}{
		{
			name:      "within limits strips dust",
			plan:      testPlan(50, 40, 1000, buy("BTC-USD", 5), sell("ETH-USD", 0.1)),
			remaining: 1,
		},
		{
			name:     "turnover",
			plan:     testPlan(50, 40, 1000, buy("BTC-USD", 20)),
			halted:   true,
			reason:   "ConstraintHit: MaxTurnover",
			hitTypes: []string{HitMaxTurnover},
		},
		{
			name:     "single asset exposure",
			plan:     testPlan(90, 0, 1000),
			halted:   true,
			reason:   "ConstraintHit: MaxExposure",
			hitTypes: []string{HitMaxExposure},
		},
		{
			name:     "exposure after trades",
			plan:     testPlan(80, 10, 1000, buy("BTC-USD", 6)),
			halted:   true,
			reason:   "ConstraintHit: MaxExposure",
			hitTypes: []string{HitMaxExposure},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(tt.plan.Actions)
			out, hits := g.Evaluate(tt.plan)

			assert.Equal(t, before, len(tt.plan.Actions), "input plan must stay untouched")
			assert.Equal(t, tt.halted, out.Halted)
			assert.Equal(t, tt.reason, out.HaltReason)
			if tt.halted {
				assert.Empty(t, out.Actions)
				require.Len(t, hits, len(tt.hitTypes))
				for i, typ := range tt.hitTypes {
					assert.Equal(t, typ, hits[i].Type)
				}
				return
			}
			assert.Empty(t, hits)
			assert.Len(t, out.Actions, tt.remaining)
		})
	}
}

func TestMinOrderLimit(t *testing.T) {
	plan := testPlan(50, 40, 1000, buy("BTC-USD", 5), sell("ETH-USD", 0.1))

	out, hits := New(Limits{MaxTurnoverPct: 0.5}, "").Evaluate(plan)
	assert.Empty(t, hits)
	require.Len(t, out.Actions, 1)
	assert.Equal(t, "BTC-USD", out.Actions[0].Instrument)

	off := New(Limits{MinOrderUSD: -1}, "")
	assert.Zero(t, off.Limits().MinOrderUSD)
	out, hits = off.Evaluate(plan)
	assert.Empty(t, hits)
	assert.Len(t, out.Actions, 2)
}

func TestEvaluateMaxOrders(t *testing.T) {
	g := New(Limits{MaxOrders: 2}, "")
	plan := testPlan(45, 45, 1000, buy("BTC-USD", 1), sell("ETH-USD", 1), buy("BTC-USD", 0.5))

	out, hits := g.Evaluate(plan)
	require.Len(t, hits, 1)
	assert.Equal(t, HitMaxOrders, hits[0].Type)
	assert.Equal(t, 3.0, hits[0].Value)
	assert.True(t, out.Halted)
	assert.Equal(t, "ConstraintHit: MaxOrders", out.HaltReason)
}

func TestEvaluateReportsEveryHit(t *testing.T) {
	g := New(Limits{MaxOrders: 1}, "")
	plan := testPlan(84, 0, 1600, buy("BTC-USD", 10), buy("BTC-USD", 10))

	out, hits := g.Evaluate(plan)
	require.Len(t, hits, 3)
	assert.Equal(t, "ConstraintHit: MaxTurnover, MaxOrders, MaxExposure", out.HaltReason)
	assert.Equal(t, "BTC-USD", hits[2].Asset)
}

func TestKillSwitch(t *testing.T) {
	t.Run("env", func(t *testing.T) {
		g := New(DefaultLimits(), "")
		g.getenv = func(k string) string {
			if k == "KILL" {
				return "1"
			}
			return ""
		}
		source, ok := g.Killed()
		assert.True(t, ok)
		assert.Equal(t, "env KILL", source)
		assert.ErrorIs(t, g.CheckKill(), ErrKillSwitch)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "KILL")
		g := New(DefaultLimits(), path)
		g.getenv = func(string) string { return "" }
		assert.NoError(t, g.CheckKill())

		require.NoError(t, os.WriteFile(path, nil, 0o644))
		assert.ErrorIs(t, g.CheckKill(), ErrKillSwitch)
	})

	t.Run("halted plan", func(t *testing.T) {
		plan := testPlan(50, 40, 1000, buy("BTC-USD", 1))
		out := Kill(plan, "env KILL")
		assert.True(t, out.Halted)
		assert.Empty(t, out.Actions)
		assert.Equal(t, "KILLED: env KILL", out.HaltReason)
		assert.Len(t, plan.Actions, 1)
	})
}
