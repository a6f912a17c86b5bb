package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPolicy() Policy {
	p := Default()
	p.Targets = map[string]float64{"btc": 0.6, " eth ": 0.4, "usd": 0.1}
	p.Normalize()
	return p
}

func TestNormalize(t *testing.T) {
	p := Policy{
		Targets:       map[string]float64{"btc": 0.5, "Sol": 0.3, "usd": 0.2},
		SatelliteGate: SatelliteGate{Symbols: []string{" sol", "SOL", "", "avax"}},
	}
	p.Normalize()

	assert.Equal(t, map[string]float64{"BTC": 0.5, "SOL": 0.3}, p.Targets)
	assert.Equal(t, []string{"AVAX", "SOL"}, p.SatelliteGate.Symbols)
	assert.Equal(t, DefaultMomentumDays, p.Momentum.LookbackDays)
	assert.Equal(t, DefaultBandLookback, p.BandDynamic.LookbackDays)
	assert.Equal(t, DefaultMoveFraction, p.MoveFraction)
	assert.Equal(t, DefaultMaxTradeCount, p.MaxTradeCount)
	assert.NotNil(t, p.QtyStep)
	assert.NotNil(t, p.PerAssetCapUSD)
}

func TestNormalizeKeepsExplicitZeros(t *testing.T) {
	p := Default()
	p.Targets = map[string]float64{"BTC": 1}
	p.BandsPct = 0
	p.BandDynamic.Min = 0
	p.Momentum.TiltMaxPct = 0
	p.Momentum.TiltStrength = 0
	p.Normalize()

	assert.Zero(t, p.BandsPct)
	assert.Zero(t, p.BandDynamic.Min)
	assert.Zero(t, p.Momentum.TiltMaxPct)
	assert.Zero(t, p.Momentum.TiltStrength)
	assert.NoError(t, p.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Policy)
		wantErr string
	}{
		{name: "valid", mutate: func(*Policy) {}},
		{name: "empty targets", mutate: func(p *Policy) { p.Targets = map[string]float64{} }, wantErr: "targets must not be empty"},
		{name: "negative target", mutate: func(p *Policy) { p.Targets["BTC"] = -0.1 }, wantErr: "targets.BTC"},
		{name: "zero sum", mutate: func(p *Policy) { p.Targets = map[string]float64{"BTC": 0} }, wantErr: "positive weight"},
		{name: "sum above one", mutate: func(p *Policy) { p.Targets["ETH"] = 0.6 }, wantErr: "expected at most 1"},
		{name: "band too wide", mutate: func(p *Policy) { p.BandsPct = 1.5 }, wantErr: "bands_pct"},
		{name: "band min above max", mutate: func(p *Policy) { p.BandDynamic.Min = 0.1 }, wantErr: "exceeds band_dynamic.max"},
		{name: "tilt cap", mutate: func(p *Policy) { p.Momentum.TiltMaxPct = 1 }, wantErr: "tilt_max_pct"},
		{name: "negative floor", mutate: func(p *Policy) { p.Cash.FloorUSD = -1 }, wantErr: "cash amounts"},
		{name: "fees eat everything", mutate: func(p *Policy) { p.TakerFeeBps = 9000; p.SlippageBps = 1000 }, wantErr: "below 10000 bps"},
		{name: "negative step", mutate: func(p *Policy) { p.QtyStep["BTC"] = -0.001 }, wantErr: "qty_step.BTC"},
		{name: "negative cap", mutate: func(p *Policy) { p.PerAssetCapUSD["ETH"] = -5 }, wantErr: "per_asset_cap_usd.ETH"},
		{name: "move fraction", mutate: func(p *Policy) { p.MoveFraction = 1.2 }, wantErr: "move_fraction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInstruments(t *testing.T) {
	p := validPolicy()
	assert.Equal(t, []string{"BTC", "ETH"}, p.Assets())
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, p.Instruments())
	assert.Equal(t, "SOL-USD", Instrument("sol"))
	assert.Equal(t, "SOL", AssetOf("SOL-USD"))
}

func TestMaxLookback(t *testing.T) {
	p := validPolicy()
	assert.Equal(t, 0, p.MaxLookback())

	p.BandDynamic.Enabled = true
	assert.Equal(t, DefaultBandLookback, p.MaxLookback())

	p.Momentum.Enabled = true
	p.Momentum.LookbackDays = 90
	assert.Equal(t, 90, p.MaxLookback())
}

func TestHashIsStable(t *testing.T) {
	a := validPolicy()
	b := validPolicy()
	require.Len(t, a.Hash(), hashLength)
	assert.Equal(t, a.Hash(), b.Hash())

	b.BandsPct = 0.07
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestCloneKeepsHash(t *testing.T) {
	p := validPolicy()
	require.NotNil(t, p.SatelliteGate.Symbols)
	assert.Empty(t, p.SatelliteGate.Symbols)

	c := p.Clone()
	assert.NotNil(t, c.SatelliteGate.Symbols)
	assert.Equal(t, p.Hash(), c.Hash())

	c.SatelliteGate.Symbols = nil
	assert.Equal(t, p.Hash(), c.Hash())
}

func TestCloneIsDeep(t *testing.T) {
	p := validPolicy()
	p.SatelliteGate.Symbols = []string{"SOL"}
	c := p.Clone()

	c.Targets["BTC"] = 0.9
	c.SatelliteGate.Symbols[0] = "AVAX"
	c.QtyStep["BTC"] = 1

	assert.Equal(t, 0.6, p.Targets["BTC"])
	assert.Equal(t, "SOL", p.SatelliteGate.Symbols[0])
	_, ok := p.QtyStep["BTC"]
	assert.False(t, ok)
}

func TestValidatePolicySchema(t *testing.T) {
	p := validPolicy()
	require.NoError(t, ValidatePolicy(p))

	p.Targets["BTC"] = 1.4
	err := ValidatePolicy(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy schema")

	assert.Error(t, validateJSON([]byte(`{"bands_pct": 0.05}`)))
	assert.Error(t, validateJSON([]byte(`{"targets": {"BTC": "lots"}}`)))
	assert.NoError(t, validateJSON([]byte(`{"targets": {"BTC": 1}}`)))
}
