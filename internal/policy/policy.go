package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// QuoteCurrency is the quote leg of every instrument and the cash balance key.
const QuoteCurrency = "USD"

const (
	DefaultBandsPct        = 0.05
	DefaultMinTradeUSD     = 1000.0
	DefaultMoveFraction    = 0.5
	DefaultMaxTradeCount   = 99
	DefaultMomentumDays    = 60
	DefaultTiltMaxPct      = 0.05
	DefaultTiltStrength    = 1.0
	DefaultGateDays        = 60
	DefaultBandLookback    = 30
	DefaultTargetAnnVol    = 0.35
	DefaultBandMin         = 0.02
	DefaultBandMax         = 0.08
	hashLength             = 12
	weightSumTolerance     = 0.02
	maxReasonableBandRatio = 1.0
)

type DynamicBand struct {
	Enabled      bool    `mapstructure:"enabled" json:"enabled"`
	Base         float64 `mapstructure:"base" json:"base"`
	Min          float64 `mapstructure:"min" json:"min"`
	Max          float64 `mapstructure:"max" json:"max"`
	LookbackDays int     `mapstructure:"lookback_days" json:"lookback_days"`
	TargetAnnVol float64 `mapstructure:"target_ann_vol" json:"target_ann_vol"`
}

type Momentum struct {
	Enabled      bool    `mapstructure:"enabled" json:"enabled"`
	LookbackDays int     `mapstructure:"lookback_days" json:"lookback_days"`
	TiltMaxPct   float64 `mapstructure:"tilt_max_pct" json:"tilt_max_pct"`
	TiltStrength float64 `mapstructure:"tilt_strength" json:"tilt_strength"`
}

type SatelliteGate struct {
	Enabled      bool               `mapstructure:"enabled" json:"enabled"`
	Symbols      []string           `mapstructure:"symbols" json:"symbols"`
	LookbackDays int                `mapstructure:"lookback_days" json:"lookback_days"`
	ThresholdRet float64            `mapstructure:"threshold_ret" json:"threshold_ret"`
	MaxWeightPct map[string]float64 `mapstructure:"max_weight_pct" json:"max_weight_pct"`
}

type Cash struct {
	FloorUSD            float64 `mapstructure:"floor_usd" json:"floor_usd"`
	AutoDeployUSDPerDay float64 `mapstructure:"auto_deploy_usd_per_day" json:"auto_deploy_usd_per_day"`
	ProRataUnderweights bool    `mapstructure:"pro_rata_underweights" json:"pro_rata_underweights"`
}

// Policy is the static rebalancing configuration for one planning cycle.
// Asset keys (targets, steps, caps) are upper-case base assets such as "BTC".
type Policy struct {
	Targets             map[string]float64 `mapstructure:"targets" json:"targets"`
	BandsPct            float64            `mapstructure:"bands_pct" json:"bands_pct"`
	BandDynamic         DynamicBand        `mapstructure:"band_dynamic" json:"band_dynamic"`
	Momentum            Momentum           `mapstructure:"momentum" json:"momentum"`
	SatelliteGate       SatelliteGate      `mapstructure:"satellite_gate" json:"satellite_gate"`
	Cash                Cash               `mapstructure:"cash" json:"cash"`
	TakerFeeBps         float64            `mapstructure:"taker_fee_bps" json:"taker_fee_bps"`
	SlippageBps         float64            `mapstructure:"slippage_bps" json:"slippage_bps"`
	QtyStep             map[string]float64 `mapstructure:"qty_step" json:"qty_step"`
	PerAssetCapUSD      map[string]float64 `mapstructure:"per_asset_cap_usd" json:"per_asset_cap_usd"`
	DailyTurnoverCapUSD float64            `mapstructure:"daily_turnover_cap_usd" json:"daily_turnover_cap_usd"`
	MinTradeUSD         float64            `mapstructure:"min_trade_usd" json:"min_trade_usd"`
	MoveFraction        float64            `mapstructure:"move_fraction" json:"move_fraction"`
	MaxTradeCount       int                `mapstructure:"max_trade_count" json:"max_trade_count"`
	EnsureCash          bool               `mapstructure:"ensure_cash" json:"ensure_cash"`
}

// Default returns a policy with every knob at its documented default and no targets.
func Default() Policy {
	return Policy{
		Targets:  map[string]float64{},
		BandsPct: DefaultBandsPct,
		BandDynamic: DynamicBand{
			Base:         DefaultBandsPct,
			Min:          DefaultBandMin,
			Max:          DefaultBandMax,
			LookbackDays: DefaultBandLookback,
			TargetAnnVol: DefaultTargetAnnVol,
		},
		Momentum: Momentum{
			LookbackDays: DefaultMomentumDays,
			TiltMaxPct:   DefaultTiltMaxPct,
			TiltStrength: DefaultTiltStrength,
		},
		SatelliteGate: SatelliteGate{
			LookbackDays: DefaultGateDays,
			MaxWeightPct: map[string]float64{},
		},
		Cash:           Cash{ProRataUnderweights: true},
		QtyStep:        map[string]float64{},
		PerAssetCapUSD: map[string]float64{},
		MinTradeUSD:    DefaultMinTradeUSD,
		MoveFraction:   DefaultMoveFraction,
		MaxTradeCount:  DefaultMaxTradeCount,
		EnsureCash:     true,
	}
}

// Normalize upper-cases asset keys and drops cash from the targets. Only
// lookback windows, move_fraction and max_trade_count fall back to defaults
// when zero; every other zero is honored as given.
func (p *Policy) Normalize() {
	p.Targets = upperKeys(p.Targets)
	delete(p.Targets, QuoteCurrency)
	p.QtyStep = upperKeys(p.QtyStep)
	p.PerAssetCapUSD = upperKeys(p.PerAssetCapUSD)
	p.SatelliteGate.MaxWeightPct = upperKeys(p.SatelliteGate.MaxWeightPct)

	syms := make([]string, 0, len(p.SatelliteGate.Symbols))
	seen := make(map[string]bool)
	for _, s := range p.SatelliteGate.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		syms = append(syms, s)
	}
	sort.Strings(syms)
	p.SatelliteGate.Symbols = syms

	if p.BandDynamic.LookbackDays == 0 {
		p.BandDynamic.LookbackDays = DefaultBandLookback
	}
	if p.Momentum.LookbackDays == 0 {
		p.Momentum.LookbackDays = DefaultMomentumDays
	}
	if p.SatelliteGate.LookbackDays == 0 {
		p.SatelliteGate.LookbackDays = DefaultGateDays
	}
	if p.MoveFraction == 0 {
		p.MoveFraction = DefaultMoveFraction
	}
	if p.MaxTradeCount <= 0 {
		p.MaxTradeCount = DefaultMaxTradeCount
	}
}

func (p Policy) Validate() error {
	if len(p.Targets) == 0 {
		return fmt.Errorf("targets must not be empty")
	}
	var sum float64
	for asset, w := range p.Targets {
		if !finite(w) || w < 0 {
			return fmt.Errorf("targets.%s must be a non-negative number", asset)
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("targets must sum to a positive weight")
	}
	if sum > 1+weightSumTolerance {
		return fmt.Errorf("targets sum to %.4f, expected at most 1", sum)
	}
	if err := checkFraction("bands_pct", p.BandsPct); err != nil {
		return err
	}
	if p.BandDynamic.Min > p.BandDynamic.Max {
		return fmt.Errorf("band_dynamic.min %.4f exceeds band_dynamic.max %.4f", p.BandDynamic.Min, p.BandDynamic.Max)
	}
	if err := checkFraction("band_dynamic.base", p.BandDynamic.Base); err != nil {
		return err
	}
	if err := checkFraction("band_dynamic.min", p.BandDynamic.Min); err != nil {
		return err
	}
	if err := checkFraction("band_dynamic.max", p.BandDynamic.Max); err != nil {
		return err
	}
	if p.Momentum.TiltMaxPct < 0 || p.Momentum.TiltMaxPct >= 1 {
		return fmt.Errorf("momentum.tilt_max_pct must be in [0, 1)")
	}
	for asset, w := range p.SatelliteGate.MaxWeightPct {
		if err := checkFraction("satellite_gate.max_weight_pct."+asset, w); err != nil {
			return err
		}
	}
	if p.Cash.FloorUSD < 0 || p.Cash.AutoDeployUSDPerDay < 0 {
		return fmt.Errorf("cash amounts must not be negative")
	}
	if p.TakerFeeBps < 0 || p.SlippageBps < 0 {
		return fmt.Errorf("fee and slippage bps must not be negative")
	}
	if p.TakerFeeBps+p.SlippageBps >= 10000 {
		return fmt.Errorf("fee plus slippage must stay below 10000 bps")
	}
	for asset, step := range p.QtyStep {
		if !finite(step) || step < 0 {
			return fmt.Errorf("qty_step.%s must be a non-negative number", asset)
		}
	}
	for asset, limit := range p.PerAssetCapUSD {
		if !finite(limit) || limit < 0 {
			return fmt.Errorf("per_asset_cap_usd.%s must be a non-negative number", asset)
		}
	}
	if p.MinTradeUSD < 0 {
		return fmt.Errorf("min_trade_usd must not be negative")
	}
	if p.MoveFraction <= 0 || p.MoveFraction > 1 {
		return fmt.Errorf("move_fraction must be in (0, 1]")
	}
	return nil
}

// Assets returns the target assets in sorted order.
func (p Policy) Assets() []string {
	assets := make([]string, 0, len(p.Targets))
	for a := range p.Targets {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}

// Instruments returns "<ASSET>-USD" for every target asset, sorted.
func (p Policy) Instruments() []string {
	assets := p.Assets()
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = Instrument(a)
	}
	return out
}

// MaxLookback is the longest history window any enabled stage needs.
func (p Policy) MaxLookback() int {
	days := 0
	if p.Momentum.Enabled && p.Momentum.LookbackDays > days {
		days = p.Momentum.LookbackDays
	}
	if p.SatelliteGate.Enabled && p.SatelliteGate.LookbackDays > days {
		days = p.SatelliteGate.LookbackDays
	}
	if p.BandDynamic.Enabled && p.BandDynamic.LookbackDays > days {
		days = p.BandDynamic.LookbackDays
	}
	return days
}

// Clone returns a deep copy so callers can hand out immutable snapshots.
func (p Policy) Clone() Policy {
	c := p
	c.Targets = copyMap(p.Targets)
	c.QtyStep = copyMap(p.QtyStep)
	c.PerAssetCapUSD = copyMap(p.PerAssetCapUSD)
	c.SatelliteGate.MaxWeightPct = copyMap(p.SatelliteGate.MaxWeightPct)
	if p.SatelliteGate.Symbols != nil {
		c.SatelliteGate.Symbols = append(make([]string, 0, len(p.SatelliteGate.Symbols)), p.SatelliteGate.Symbols...)
	}
	return c
}

// Hash is the first 12 hex chars of sha256 over the canonical JSON form.
// Nil and empty collections hash the same.
func (p Policy) Hash() string {
	c := p.Clone()
	if c.SatelliteGate.Symbols == nil {
		c.SatelliteGate.Symbols = []string{}
	}
	for _, m := range []*map[string]float64{&c.Targets, &c.QtyStep, &c.PerAssetCapUSD, &c.SatelliteGate.MaxWeightPct} {
		if *m == nil {
			*m = map[string]float64{}
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLength]
}

func Instrument(asset string) string {
	return strings.ToUpper(asset) + "-" + QuoteCurrency
}

// AssetOf strips the quote suffix from an instrument id.
func AssetOf(instrument string) string {
	return strings.TrimSuffix(instrument, "-"+QuoteCurrency)
}

func upperKeys(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}

func copyMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func checkFraction(name string, v float64) error {
	if !finite(v) || v < 0 || v > maxReasonableBandRatio {
		return fmt.Errorf("%s must be in [0, 1]", name)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
