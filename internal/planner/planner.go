// Package planner computes rebalancing plans. It is a pure function of its
// inputs: it performs no I/O, keeps no state between calls and never logs.
package planner

import (
	"math"

	"github.com/camuig/crypto-rebalancer/internal/market"
)

// Compute runs the full pipeline: targets, band, drift actions, constraints,
// assembly. Identical inputs yield identical plans.
func Compute(in Input) (*Plan, error) {
	pol := in.Policy.Clone()
	pol.Normalize()
	instruments := pol.Instruments()

	prices := make(map[string]float64, len(instruments))
	var missing []string
	for _, inst := range instruments {
		px, ok := in.Prices[inst]
		if o, has := in.Overrides[inst]; has {
			px, ok = o, true
		}
		if !ok || px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
			missing = append(missing, inst)
			continue
		}
		prices[inst] = px
	}
	if len(missing) > 0 {
		return nil, missingPrices(missing)
	}

	balances := make(map[string]float64, len(instruments)+1)
	holdings := make(map[string]float64, len(instruments))
	var cryptoValue float64
	for _, inst := range instruments {
		qty := in.Balances.Qty[inst]
		balances[inst] = qty
		holdings[inst] = qty
		cryptoValue += qty * prices[inst]
	}
	balances[market.CashSymbol] = in.Balances.USD
	if cryptoValue <= 0 || math.IsNaN(cryptoValue) {
		return nil, noCryptoBalance(cryptoValue)
	}

	weights := make(map[string]float64, len(instruments))
	for _, inst := range instruments {
		weights[inst] = holdings[inst] * prices[inst] / cryptoValue
	}

	targets := ResolveTargets(pol, in.History)
	band := ComputeBand(pol, weights, in.History)

	s := sizer{pol: pol, prices: prices, holdings: holdings}
	c := chain{sizer: s, cashUSD: in.Balances.USD, weights: weights, targets: targets}
	actions := c.run(s.draft(weights, targets, cryptoValue, band.Band))
	if actions == nil {
		actions = []Action{}
	}

	return &Plan{
		Account:     in.Account,
		Prices:      prices,
		Balances:    balances,
		Weights:     weights,
		Targets:     targets,
		CryptoValue: cryptoValue,
		Actions:     actions,
		Config: AppliedConfig{
			Band:         band.Band,
			BandSource:   band.Source,
			PortfolioVol: band.PortfolioVol,
			ConfigHash:   pol.Hash(),
			Policy:       pol,
		},
	}, nil
}
