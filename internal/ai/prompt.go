package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/policy"
)

const systemPrompt = `You review rebalancing plans for a crypto portfolio.
You receive current weights, target weights, the drift band and the proposed trades.
Explain the plan to the portfolio owner in at most two short sentences of plain English.
Do not recommend trades that are not in the plan and do not give price predictions.
Reply with the explanation only, no lists and no markdown.`

func BuildUserPrompt(plan *planner.Plan) string {
	var sb strings.Builder

	sb.WriteString("## Portfolio\n")
	fmt.Fprintf(&sb, "Crypto value: %.2f USD / Cash: %.2f USD\n", plan.CryptoValue, plan.CashUSD())
	fmt.Fprintf(&sb, "Band: %.2f%% (%s)\n\n", plan.Config.Band*100, plan.Config.BandSource)

	instruments := make([]string, 0, len(plan.Prices))
	for inst := range plan.Prices {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	sb.WriteString("| Asset | Price | Weight% | Target% |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, inst := range instruments {
		fmt.Fprintf(&sb, "| %s | %.2f | %.2f | %.2f |\n",
			inst, plan.Prices[inst], plan.Weights[inst]*100, plan.Targets[policy.AssetOf(inst)]*100)
	}

	sb.WriteString("\n## Proposed trades\n")
	if len(plan.Actions) == 0 {
		sb.WriteString("None, every asset is within its band.\n")
		return sb.String()
	}
	for _, a := range plan.Actions {
		fmt.Fprintf(&sb, "- %s %.6f %s (~%.2f USD)", strings.ToUpper(string(a.Side)), a.Qty, a.Instrument, a.Notional())
		if a.Note != "" {
			fmt.Fprintf(&sb, " [%s]", a.Note)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
