package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/camuig/crypto-rebalancer/internal/app"
	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/report"
	"github.com/camuig/crypto-rebalancer/internal/web"
)

type pairFlags []string

func (p *pairFlags) String() string { return strings.Join(*p, ",") }

func (p *pairFlags) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	var pairs pairFlags
	configPath := flag.String("config", "config.yaml", "path to config file")
	policyPath := flag.String("policy", "", "policy file (overrides policy.path)")
	asJSON := flag.Bool("json", false, "print the plan as JSON")
	apply := flag.Bool("apply", false, "run a full cycle and paper-apply the plan (paper mode only)")
	backfill := flag.Int("backfill", 0, "load N days of daily history before planning")
	flag.Var(&pairs, "pair", "what-if price override SYMBOL=PRICE (repeatable)")
	flag.Parse()

	if err := run(*configPath, *policyPath, pairs, *asJSON, *apply, *backfill); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var planErr *planner.PlanError
		if errors.As(err, &planErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(configPath, policyPath string, pairs []string, asJSON, apply bool, backfill int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if policyPath != "" {
		cfg.Policy.Path = policyPath
	}
	log := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	overrides, err := web.ParsePairs(pairs)
	if err != nil {
		return err
	}
	if apply && len(overrides) > 0 {
		return fmt.Errorf("-pair is a what-if preview and cannot be combined with -apply")
	}

	a, err := app.Build(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	if backfill > 0 {
		n, err := a.Service.Backfill(ctx, backfill)
		if err != nil {
			return err
		}
		log.Info("backfill done", "ticks", n)
	}

	var plan *planner.Plan
	var summary string
	if apply {
		if !cfg.IsPaper() {
			return fmt.Errorf("-apply requires mode: %s", config.ModePaper)
		}
		if err := a.Guard.CheckKill(); err != nil {
			return err
		}
		res, err := a.Service.Run(ctx, true)
		if err != nil {
			return err
		}
		plan = res.Plan
		if res.Applied != nil {
			summary = fmt.Sprintf("applied %d orders (skipped %d), NAV %s\n",
				res.Applied.Applied, res.Applied.Skipped, report.USD(res.Applied.NAV))
		}
	} else {
		res, err := a.Service.Preview(ctx, overrides)
		if err != nil {
			return err
		}
		plan = res.Plan
		for _, h := range res.Hits {
			log.Warn("guard hit", "hit", h.String())
		}
	}

	if asJSON {
		data, err := report.JSON(plan)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(report.Human(plan))
	}
	fmt.Fprint(os.Stderr, summary)
	return nil
}
