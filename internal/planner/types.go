package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/camuig/crypto-rebalancer/internal/market"
	"github.com/camuig/crypto-rebalancer/internal/policy"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// NoteCashDeploy tags buys funded from idle cash.
const NoteCashDeploy = "cash_deploy"

const cashEpsilon = 1e-9

// Action is one proposed trade. USD is signed: positive for buys.
type Action struct {
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Price      float64 `json:"px"`
	ExecPrice  float64 `json:"px_eff"`
	Qty        float64 `json:"qty"`
	USD        float64 `json:"usd"`
	FeeBps     float64 `json:"est_fee_bps"`
	SlipBps    float64 `json:"est_slip_bps"`
	Note       string  `json:"note,omitempty"`
}

func (a Action) Notional() float64 {
	return math.Abs(a.USD)
}

func (a Action) Validate(minTradeUSD float64) error {
	switch {
	case a.Instrument == "":
		return errors.New("action without instrument")
	case a.Qty <= 0:
		return fmt.Errorf("%s: quantity %.8f is not positive", a.Instrument, a.Qty)
	case a.Notional() < minTradeUSD:
		return fmt.Errorf("%s: notional %.2f below minimum %.2f", a.Instrument, a.Notional(), minTradeUSD)
	case a.Side == SideBuy && a.USD <= 0, a.Side == SideSell && a.USD >= 0:
		return fmt.Errorf("%s: usd sign does not match side %s", a.Instrument, a.Side)
	case a.Side != SideBuy && a.Side != SideSell:
		return fmt.Errorf("%s: unknown side %q", a.Instrument, a.Side)
	case a.ExecPrice <= 0:
		return fmt.Errorf("%s: execution price %.8f is not positive", a.Instrument, a.ExecPrice)
	}
	return nil
}

// AppliedConfig echoes the configuration actually used, including the realized band.
type AppliedConfig struct {
	Band         float64       `json:"band"`
	BandSource   string        `json:"band_source"`
	PortfolioVol float64       `json:"portfolio_vol,omitempty"`
	ConfigHash   string        `json:"config_hash"`
	Policy       policy.Policy `json:"policy"`
}

// Plan is the output of one planning cycle.
type Plan struct {
	Account     string             `json:"account"`
	Prices      map[string]float64 `json:"prices"`
	Balances    map[string]float64 `json:"balances"`
	Weights     map[string]float64 `json:"weights"`
	Targets     map[string]float64 `json:"targets"`
	CryptoValue float64            `json:"crypto_val"`
	Actions     []Action           `json:"actions"`
	Config      AppliedConfig      `json:"config"`
	Halted      bool               `json:"halted,omitempty"`
	HaltReason  string             `json:"halt_reason,omitempty"`
}

func (p *Plan) BuyUSD() float64 {
	var sum float64
	for _, a := range p.Actions {
		if a.Side == SideBuy {
			sum += a.USD
		}
	}
	return sum
}

func (p *Plan) SellUSD() float64 {
	var sum float64
	for _, a := range p.Actions {
		if a.Side == SideSell {
			sum += -a.USD
		}
	}
	return sum
}

func (p *Plan) Turnover() float64 {
	var sum float64
	for _, a := range p.Actions {
		sum += a.Notional()
	}
	return sum
}

func (p *Plan) CashUSD() float64 {
	return p.Balances[market.CashSymbol]
}

// NAV is crypto sleeve value plus cash.
func (p *Plan) NAV() float64 {
	return p.CryptoValue + p.CashUSD()
}

// Validate re-checks every action invariant and cash conservation.
func (p *Plan) Validate() error {
	minUSD := p.Config.Policy.MinTradeUSD
	for _, a := range p.Actions {
		if err := a.Validate(minUSD); err != nil {
			return err
		}
		if _, ok := p.Prices[a.Instrument]; !ok {
			return fmt.Errorf("%s: no price in plan", a.Instrument)
		}
	}
	buys, sells := p.BuyUSD(), p.SellUSD()
	if buys > p.CashUSD()+sells+cashEpsilon*math.Max(1, buys) {
		return fmt.Errorf("buys %.2f exceed cash %.2f plus sells %.2f", buys, p.CashUSD(), sells)
	}
	return nil
}

// Halt returns a copy of the plan with no actions and the given reason.
func (p *Plan) Halt(reason string) *Plan {
	cp := *p
	cp.Actions = []Action{}
	cp.Halted = true
	cp.HaltReason = reason
	return &cp
}

// Fingerprint identifies the plan content. Identical inputs give identical fingerprints.
func (p *Plan) Fingerprint() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Input is everything one planning cycle reads.
type Input struct {
	Account   string
	Policy    policy.Policy
	Prices    map[string]float64
	Balances  market.AccountSnapshot
	History   market.HistoryProvider
	Overrides map[string]float64
}
