package planner

import (
	"math"
	"sort"

	"github.com/camuig/crypto-rebalancer/internal/policy"
)

// chain reshapes draft actions into a feasible action list. Passes run in a
// fixed order; each may shrink notional but never grow it.
type chain struct {
	sizer
	cashUSD float64
	weights map[string]float64
	targets map[string]float64
}

func (c chain) run(actions []Action) []Action {
	actions = c.strip(c.capPerAsset(actions))
	if c.pol.EnsureCash {
		actions = c.strip(c.ensureCash(actions))
	}
	actions = c.strip(c.capTurnover(actions))
	actions = c.strip(c.autoDeploy(actions))
	actions = c.truncate(actions)
	actions = c.strip(c.clawback(actions))
	return actions
}

func (c chain) capPerAsset(actions []Action) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		limit := c.assetCap(a.Instrument)
		if limit > 0 && a.Notional() > limit {
			a = c.scale(a, limit/a.Notional())
		}
		out[i] = a
	}
	return out
}

func (c chain) ensureCash(actions []Action) []Action {
	var required, proceeds float64
	for _, a := range actions {
		if a.Side == SideBuy {
			required += a.USD
		} else {
			proceeds += -a.USD
		}
	}
	available := c.cashUSD + proceeds
	if required <= available {
		return actions
	}
	factor := 0.0
	if available > 0 && required > 0 {
		factor = available / required
	}
	return c.scaleSide(actions, SideBuy, factor, "")
}

func (c chain) capTurnover(actions []Action) []Action {
	limit := c.pol.DailyTurnoverCapUSD
	total := turnover(actions)
	if limit <= 0 || total <= limit {
		return actions
	}
	factor := limit / total
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = c.scale(a, factor)
	}
	return out
}

// autoDeploy spends idle cash above the floor on underweight assets.
func (c chain) autoDeploy(actions []Action) []Action {
	deploy := c.pol.Cash.AutoDeployUSDPerDay
	if deploy <= 0 {
		return actions
	}
	headroom := math.Inf(1)
	if c.pol.DailyTurnoverCapUSD > 0 {
		headroom = math.Max(0, c.pol.DailyTurnoverCapUSD-turnover(actions))
	}
	excess := math.Max(0, c.cashUSD-c.pol.Cash.FloorUSD)
	budget := math.Min(excess, math.Min(deploy, headroom))
	if budget <= 0 || budget < c.pol.MinTradeUSD {
		return actions
	}

	var under []string
	var underSum float64
	for _, inst := range sortedKeys(c.weights) {
		gap := c.targets[policy.AssetOf(inst)] - c.weights[inst]
		if gap > 0 {
			under = append(under, inst)
			underSum += gap
		}
	}
	if len(under) == 0 {
		return actions
	}

	for _, inst := range under {
		alloc := budget / float64(len(under))
		if c.pol.Cash.ProRataUnderweights && underSum > 0 {
			gap := c.targets[policy.AssetOf(inst)] - c.weights[inst]
			alloc = budget * gap / underSum
		}
		if limit := c.assetCap(inst); limit > 0 {
			room := math.Max(0, limit-usedNotional(actions, inst))
			alloc = math.Min(alloc, room)
		}
		if alloc < c.pol.MinTradeUSD {
			continue
		}
		if a, ok := c.size(inst, alloc, NoteCashDeploy); ok {
			actions = append(actions, a)
		}
	}
	return actions
}

func (c chain) truncate(actions []Action) []Action {
	sorted := append([]Action(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Notional() > sorted[j].Notional()
	})
	if limit := c.pol.MaxTradeCount; limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// clawback is the final cash check: net new cash spent on buys may not exceed
// min(auto-deploy allowance, cash above the floor).
func (c chain) clawback(actions []Action) []Action {
	budget := math.Max(0, c.cashUSD-c.pol.Cash.FloorUSD)
	if deploy := c.pol.Cash.AutoDeployUSDPerDay; deploy > 0 {
		budget = math.Min(budget, deploy)
	}

	var buys, sells float64
	for _, a := range actions {
		if a.Side == SideBuy {
			buys += a.USD
		} else {
			sells += -a.USD
		}
	}
	need := math.Max(0, buys-sells)
	if buys <= 0 || need <= budget+cashEpsilon*math.Max(1, buys) {
		return actions
	}
	factor := clamp((sells+budget)/buys, 0, 1)
	return c.scaleSide(actions, SideBuy, factor, NoteCashDeploy)
}

func (c chain) scaleSide(actions []Action, side Side, factor float64, note string) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		if a.Side == side {
			a = c.scale(a, factor)
			if note != "" {
				a.Note = note
			}
		}
		out[i] = a
	}
	return out
}

func (c chain) strip(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if c.keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (c chain) assetCap(instrument string) float64 {
	return c.pol.PerAssetCapUSD[policy.AssetOf(instrument)]
}

func turnover(actions []Action) float64 {
	var sum float64
	for _, a := range actions {
		sum += a.Notional()
	}
	return sum
}

func usedNotional(actions []Action, instrument string) float64 {
	var sum float64
	for _, a := range actions {
		if a.Instrument == instrument {
			sum += a.Notional()
		}
	}
	return sum
}
