package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camuig/crypto-rebalancer/internal/app"
	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/policy"
	"github.com/camuig/crypto-rebalancer/internal/scheduler"
	"github.com/camuig/crypto-rebalancer/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting rebalancer", "account", cfg.Account, "mode", cfg.Mode)

	a, err := app.Build(cfg, log)
	if err != nil {
		log.Error("init failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.Policy.Watch {
		a.Policies.Subscribe(func(snap policy.Snapshot) {
			a.Notifier.NotifyStatus(fmt.Sprintf("Policy reloaded: v%d (%s)", snap.Version, snap.Hash))
		})
		a.Policies.Watch()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Schedule.Enabled {
		sched := scheduler.NewScheduler(a.Service, a.Notifier, cfg.ScheduleInterval(), cfg.Schedule.AutoApply, log.With("component", "scheduler"))
		go sched.Run(ctx)
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(a.Service, a.Policies, a.Repo, cfg, log.With("component", "web"))
		go func() {
			if err := webServer.Start(); err != nil {
				log.Error("web server error", "error", err)
			}
		}()
	}

	snap := a.Policies.Snapshot()
	a.Notifier.NotifyStatus(fmt.Sprintf("Rebalancer started: %s (%s), policy %s", cfg.Account, cfg.Mode, snap.Hash))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if webServer != nil {
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			log.Error("web server shutdown error", "error", err)
		}
	}

	a.Notifier.NotifyStatus("Rebalancer stopped")
	log.Info("rebalancer stopped")
}
