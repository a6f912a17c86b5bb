package planner

import (
	"math"

	"github.com/camuig/crypto-rebalancer/internal/market"
	"github.com/camuig/crypto-rebalancer/internal/policy"
)

const (
	BandFixed    = "fixed"
	BandDynamic  = "dynamic"
	BandFallback = "fallback"
)

type BandResult struct {
	Band         float64
	Source       string
	PortfolioVol float64
}

// ComputeBand returns the drift tolerance for this cycle. The volatility model
// is diagonal: sigma_port = sqrt(sum w_i^2 * sigma_i^2).
func ComputeBand(pol policy.Policy, weights map[string]float64, history market.HistoryProvider) BandResult {
	cfg := pol.BandDynamic
	if !cfg.Enabled {
		return BandResult{Band: pol.BandsPct, Source: BandFixed}
	}
	if cfg.TargetAnnVol <= 0 || history == nil {
		return BandResult{Band: cfg.Base, Source: BandFallback}
	}

	var variance float64
	used := 0
	for _, inst := range sortedKeys(weights) {
		vol, ok := market.AnnualizedVol(history.Series(inst), cfg.LookbackDays)
		if !ok {
			continue
		}
		w := weights[inst]
		variance += w * w * vol * vol
		used++
	}
	if used == 0 {
		return BandResult{Band: cfg.Base, Source: BandFallback}
	}

	portVol := math.Sqrt(variance)
	band := clamp(cfg.Base*(portVol/cfg.TargetAnnVol), cfg.Min, cfg.Max)
	return BandResult{Band: band, Source: BandDynamic, PortfolioVol: portVol}
}
