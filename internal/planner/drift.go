package planner

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-rebalancer/internal/policy"
)

const bpsDenominator = 10000.0

// sizer turns USD moves into rounded actions for one cycle.
type sizer struct {
	pol      policy.Policy
	prices   map[string]float64
	holdings map[string]float64
}

func (s sizer) step(instrument string) float64 {
	return s.pol.QtyStep[policy.AssetOf(instrument)]
}

// execPrice applies fees and slippage as a cost: buys pay more, sells receive less.
func (s sizer) execPrice(px float64, side Side) float64 {
	cost := (s.pol.TakerFeeBps + s.pol.SlippageBps) / bpsDenominator
	if side == SideBuy {
		return px * (1 + cost)
	}
	return px * (1 - cost)
}

// size builds a rounded action for a signed USD move. It reports false when
// the rounded leg is empty or below the minimum notional.
func (s sizer) size(instrument string, usdMove float64, note string) (Action, bool) {
	if usdMove == 0 || math.IsNaN(usdMove) || math.IsInf(usdMove, 0) {
		return Action{}, false
	}
	side := SideBuy
	if usdMove < 0 {
		side = SideSell
	}
	px := s.prices[instrument]
	pxEff := s.execPrice(px, side)
	if pxEff <= 0 {
		return Action{}, false
	}

	step := s.step(instrument)
	qty := floorStep(math.Abs(usdMove)/pxEff, step)
	if side == SideSell {
		if held := floorStep(s.holdings[instrument], step); qty > held {
			qty = held
		}
	}
	a := Action{
		Instrument: instrument,
		Side:       side,
		Price:      px,
		ExecPrice:  pxEff,
		FeeBps:     s.pol.TakerFeeBps,
		SlipBps:    s.pol.SlippageBps,
		Note:       note,
	}
	a = withQty(a, qty)
	if !s.keep(a) {
		return Action{}, false
	}
	return a, true
}

// scale shrinks an action by factor, re-flooring its quantity to the step.
func (s sizer) scale(a Action, factor float64) Action {
	if factor >= 1 {
		return a
	}
	if factor <= 0 || math.IsNaN(factor) {
		return withQty(a, 0)
	}
	return withQty(a, floorStep(a.Qty*factor, s.step(a.Instrument)))
}

func (s sizer) keep(a Action) bool {
	return a.Qty > 0 && a.Notional() >= s.pol.MinTradeUSD
}

func withQty(a Action, qty float64) Action {
	a.Qty = qty
	usd := qty * a.ExecPrice
	if a.Side == SideSell {
		usd = -usd
	}
	a.USD = usd
	return a
}

// DraftActions emits one action per instrument whose drift exceeds the band.
func DraftActions(pol policy.Policy, prices, holdings, weights, targets map[string]float64, cryptoValue, band float64) []Action {
	s := sizer{pol: pol, prices: prices, holdings: holdings}
	return s.draft(weights, targets, cryptoValue, band)
}

func (s sizer) draft(weights, targets map[string]float64, cryptoValue, band float64) []Action {
	var actions []Action
	for _, inst := range sortedKeys(weights) {
		drift := weights[inst] - targets[policy.AssetOf(inst)]
		if math.Abs(drift) <= band {
			continue
		}
		usdMove := -drift * cryptoValue * s.pol.MoveFraction
		if a, ok := s.size(inst, usdMove, ""); ok {
			actions = append(actions, a)
		}
	}
	return actions
}

// floorStep rounds q down to a multiple of step. Decimal arithmetic keeps
// values like 0.3/0.1 from flooring to 2.
func floorStep(q, step float64) float64 {
	if q <= 0 || math.IsNaN(q) || math.IsInf(q, 0) {
		return 0
	}
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return q
	}
	d := decimal.NewFromFloat(q)
	st := decimal.NewFromFloat(step)
	floored := d.Div(st).Floor().Mul(st)
	f, _ := floored.Float64()
	return f
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
