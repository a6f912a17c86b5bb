// Package report renders plans for people and for machines.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/camuig/crypto-rebalancer/internal/market"
	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/policy"
)

const (
	Title  = "=== Rebalancer Report (multi-asset) ==="
	NoOp   = "Within bands; No-Op."
	Trades = "-- Proposed trades (dry-run) --"
)

func USD(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}

// Human renders the plan as the plain-text report.
func Human(plan *planner.Plan) string {
	var b strings.Builder
	symbols := make([]string, 0, len(plan.Prices))
	for s := range plan.Prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	b.WriteString(Title + "\n")
	if plan.Account != "" {
		fmt.Fprintf(&b, "Account: %s\n", plan.Account)
	}

	parts := make([]string, 0, len(symbols))
	for _, s := range symbols {
		parts = append(parts, fmt.Sprintf("%s=%s", s, USD(plan.Prices[s])))
	}
	fmt.Fprintf(&b, "Prices: %s\n", strings.Join(parts, ", "))

	parts = parts[:0]
	for _, s := range symbols {
		qty, px := plan.Balances[s], plan.Prices[s]
		parts = append(parts, fmt.Sprintf("%s=%.6f (~%s) @ %s", s, qty, USD(qty*px), USD(px)))
	}
	parts = append(parts, fmt.Sprintf("%s=%s", market.CashSymbol, USD(plan.CashUSD())))
	fmt.Fprintf(&b, "Balances: %s\n", strings.Join(parts, "; "))

	for _, s := range symbols {
		fmt.Fprintf(&b, "%s: weight %.2f%% (tgt %.2f%%)\n", s, plan.Weights[s]*100, plan.Targets[policy.AssetOf(s)]*100)
	}
	fmt.Fprintf(&b, "Band: %.2f%% (%s)\n", plan.Config.Band*100, plan.Config.BandSource)

	if plan.Halted {
		fmt.Fprintf(&b, "HALTED: %s\n", plan.HaltReason)
		return b.String()
	}
	if len(plan.Actions) == 0 {
		b.WriteString(NoOp + "\n")
		return b.String()
	}

	b.WriteString(Trades + "\n")
	for _, a := range plan.Actions {
		line := fmt.Sprintf("%s %.6f %s (~%s) at %s", strings.ToUpper(string(a.Side)), a.Qty, a.Instrument, USD(a.Notional()), USD(a.ExecPrice))
		if a.Note != "" {
			line += " [" + a.Note + "]"
		}
		b.WriteString(line + "\n")
	}
	fmt.Fprintf(&b, "Buys %s, sells %s, turnover %s\n", USD(plan.BuyUSD()), USD(plan.SellUSD()), USD(plan.Turnover()))
	return b.String()
}

// JSON renders the plan as indented JSON.
func JSON(plan *planner.Plan) ([]byte, error) {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return data, nil
}
