package ledger

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/camuig/crypto-rebalancer/internal/storage"
)

// Match is one lot consumed by a sell.
type Match struct {
	LotIndex  int
	Qty       float64
	OpenPx    float64
	Proceeds  float64
	CostBasis float64
	GainLoss  float64
}

// MatchHIFO consumes open lots highest open price first. The sell fee is
// spread evenly over the sold quantity. It returns the matches and any
// quantity no lot could cover. Lots are not modified.
func MatchHIFO(lots []storage.Lot, qty, px, fee float64) ([]Match, float64) {
	if qty <= 0 {
		return nil, 0
	}
	remaining := dec(qty)
	feePerUnit := dec(fee).Div(dec(qty))
	netPx := dec(px).Sub(feePerUnit)

	order := make([]int, 0, len(lots))
	for i, lot := range lots {
		if lot.RemainingQty > 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lots[order[a]].OpenPx > lots[order[b]].OpenPx
	})

	var matches []Match
	for _, i := range order {
		if !remaining.IsPositive() {
			break
		}
		lot := lots[i]
		take := decimal.Min(remaining, dec(lot.RemainingQty))
		proceeds := netPx.Mul(take)
		cost := dec(lot.OpenPx).Mul(take)

		matches = append(matches, Match{
			LotIndex:  i,
			Qty:       take.InexactFloat64(),
			OpenPx:    lot.OpenPx,
			Proceeds:  proceeds.InexactFloat64(),
			CostBasis: cost.InexactFloat64(),
			GainLoss:  proceeds.Sub(cost).InexactFloat64(),
		})
		remaining = remaining.Sub(take)
	}
	return matches, remaining.InexactFloat64()
}

// OpenPrice is the per-unit cost basis of a buy including its fee.
func OpenPrice(qty, px, fee float64) float64 {
	if qty <= 0 {
		return px
	}
	return dec(px).Add(dec(fee).Div(dec(qty))).InexactFloat64()
}

func dec(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}
