// Package guard applies post-plan safety limits and the kill switch.
package guard

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/camuig/crypto-rebalancer/internal/planner"
)

var ErrKillSwitch = errors.New("kill switch engaged")

const (
	HitMaxTurnover = "MaxTurnover"
	HitMaxOrders   = "MaxOrders"
	HitMaxExposure = "MaxExposure"
)

// Limits left at zero take their defaults. A negative MinOrderUSD turns the
// dust filter off.
type Limits struct {
	MaxTurnoverPct float64 `yaml:"max_turnover_pct"`
	MaxOrders      int     `yaml:"max_orders"`
	MaxExposurePct float64 `yaml:"max_exposure_pct"`
	MinOrderUSD    float64 `yaml:"min_order_usd"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxTurnoverPct: 0.15,
		MaxOrders:      10,
		MaxExposurePct: 0.85,
		MinOrderUSD:    25,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxTurnoverPct <= 0 {
		l.MaxTurnoverPct = d.MaxTurnoverPct
	}
	if l.MaxOrders <= 0 {
		l.MaxOrders = d.MaxOrders
	}
	if l.MaxExposurePct <= 0 {
		l.MaxExposurePct = d.MaxExposurePct
	}
	switch {
	case l.MinOrderUSD == 0:
		l.MinOrderUSD = d.MinOrderUSD
	case l.MinOrderUSD < 0:
		l.MinOrderUSD = 0
	}
	return l
}

type Hit struct {
	Type  string  `json:"type"`
	Asset string  `json:"asset,omitempty"`
	Value float64 `json:"value"`
	Limit float64 `json:"limit"`
}

func (h Hit) String() string {
	if h.Asset != "" {
		return fmt.Sprintf("%s(%s %.4f > %.4f)", h.Type, h.Asset, h.Value, h.Limit)
	}
	return fmt.Sprintf("%s(%.4f > %.4f)", h.Type, h.Value, h.Limit)
}

type Guard struct {
	limits   Limits
	killFile string
	getenv   func(string) string
}

func New(limits Limits, killFile string) *Guard {
	return &Guard{limits: limits.withDefaults(), killFile: killFile, getenv: os.Getenv}
}

func (g *Guard) Limits() Limits {
	return g.limits
}

// Killed reports whether the kill switch is engaged and by what.
func (g *Guard) Killed() (string, bool) {
	if v := strings.TrimSpace(g.getenv("KILL")); v == "1" || strings.EqualFold(v, "true") {
		return "env KILL", true
	}
	if g.killFile != "" {
		if _, err := os.Stat(g.killFile); err == nil {
			return "file " + g.killFile, true
		}
	}
	return "", false
}

// CheckKill returns ErrKillSwitch when the switch is engaged.
func (g *Guard) CheckKill() error {
	if source, ok := g.Killed(); ok {
		return fmt.Errorf("%w: %s", ErrKillSwitch, source)
	}
	return nil
}

// Kill halts the plan with the kill switch reason.
func Kill(plan *planner.Plan, source string) *planner.Plan {
	return plan.Halt("KILLED: " + source)
}

// Evaluate strips dust legs and checks the limits. Any hit returns a halted
// copy of the plan with no actions; the input plan is never modified.
func (g *Guard) Evaluate(plan *planner.Plan) (*planner.Plan, []Hit) {
	nav := math.Max(plan.NAV(), 1e-9)

	var hits []Hit
	if pct := plan.Turnover() / nav; pct > g.limits.MaxTurnoverPct {
		hits = append(hits, Hit{Type: HitMaxTurnover, Value: pct, Limit: g.limits.MaxTurnoverPct})
	}
	if n := len(plan.Actions); n > g.limits.MaxOrders {
		hits = append(hits, Hit{Type: HitMaxOrders, Value: float64(n), Limit: float64(g.limits.MaxOrders)})
	}
	hits = append(hits, g.exposureHits(plan, nav)...)

	if len(hits) > 0 {
		types := make([]string, len(hits))
		for i, h := range hits {
			types[i] = h.Type
		}
		return plan.Halt("ConstraintHit: " + strings.Join(types, ", ")), hits
	}

	kept := make([]planner.Action, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		if a.Notional() >= g.limits.MinOrderUSD {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(plan.Actions) {
		return plan, nil
	}
	cp := *plan
	cp.Actions = kept
	return &cp, nil
}

// exposureHits projects each asset's share of NAV after the plan's trades.
func (g *Guard) exposureHits(plan *planner.Plan, nav float64) []Hit {
	after := make(map[string]float64, len(plan.Prices))
	for inst := range plan.Prices {
		after[inst] = plan.Balances[inst]
	}
	for _, a := range plan.Actions {
		if a.Side == planner.SideBuy {
			after[a.Instrument] += a.Qty
		} else {
			after[a.Instrument] -= a.Qty
		}
	}

	var hits []Hit
	for _, inst := range sortedKeys(after) {
		expo := after[inst] * plan.Prices[inst] / nav
		if expo > g.limits.MaxExposurePct {
			hits = append(hits, Hit{Type: HitMaxExposure, Asset: inst, Value: expo, Limit: g.limits.MaxExposurePct})
		}
	}
	return hits
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
