package planner

import (
	"github.com/camuig/crypto-rebalancer/internal/market"
	"github.com/camuig/crypto-rebalancer/internal/policy"
)

// ResolveTargets turns policy weights into effective targets: momentum tilt
// first, then the satellite gate. Both stages keep the total sleeve mass.
func ResolveTargets(pol policy.Policy, history market.HistoryProvider) map[string]float64 {
	targets := make(map[string]float64, len(pol.Targets))
	for asset, w := range pol.Targets {
		targets[asset] = w
	}
	if history == nil {
		history = market.SeriesSet{}
	}

	if pol.Momentum.Enabled {
		targets = applyMomentum(targets, pol.Momentum, history)
	}
	if pol.SatelliteGate.Enabled {
		targets = applyGate(targets, pol.SatelliteGate, history)
	}
	return targets
}

func applyMomentum(base map[string]float64, cfg policy.Momentum, history market.HistoryProvider) map[string]float64 {
	assets := sortedKeys(base)

	var baseSum, tiltedSum float64
	tilted := make(map[string]float64, len(base))
	for _, asset := range assets {
		w := base[asset]
		baseSum += w

		tilt := 0.0
		if r, ok := market.LookbackReturn(history.Series(policy.Instrument(asset)), cfg.LookbackDays); ok {
			tilt = clamp(r*cfg.TiltStrength, -cfg.TiltMaxPct, cfg.TiltMaxPct)
		}
		nw := w * (1 + tilt)
		if nw < 0 {
			nw = 0
		}
		tilted[asset] = nw
		tiltedSum += nw
	}

	if tiltedSum <= 0 {
		return base
	}
	scale := baseSum / tiltedSum
	for _, asset := range assets {
		tilted[asset] *= scale
	}
	return tilted
}

func applyGate(eff map[string]float64, cfg policy.SatelliteGate, history market.HistoryProvider) map[string]float64 {
	assets := sortedKeys(eff)

	var preSum float64
	for _, asset := range assets {
		preSum += eff[asset]
	}

	gated := make(map[string]float64, len(eff))
	for asset, w := range eff {
		gated[asset] = w
	}
	for _, sym := range cfg.Symbols {
		if _, ok := gated[sym]; !ok {
			continue
		}
		r, ok := market.LookbackReturn(history.Series(policy.Instrument(sym)), cfg.LookbackDays)
		if !ok || r < cfg.ThresholdRet {
			gated[sym] = 0
			continue
		}
		if maxW, ok := cfg.MaxWeightPct[sym]; ok && gated[sym] > maxW {
			gated[sym] = maxW
		}
	}

	var gatedSum float64
	for _, asset := range assets {
		gatedSum += gated[asset]
	}
	// Everything gated: keep the pre-gate targets rather than move the sleeve to cash.
	if gatedSum <= 0 {
		return eff
	}
	scale := preSum / gatedSum
	for _, asset := range assets {
		gated[asset] *= scale
	}
	return gated
}
