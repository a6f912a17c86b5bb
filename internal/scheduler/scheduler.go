package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/service"
)

type Cycler interface {
	Ingest(ctx context.Context) (int, error)
	Run(ctx context.Context, apply bool) (*service.Result, error)
}

type ErrorNotifier interface {
	NotifyError(where string, err error)
}

type Scheduler struct {
	cycler    Cycler
	notifier  ErrorNotifier
	interval  time.Duration
	autoApply bool
	logger    *logger.Logger
}

func NewScheduler(c Cycler, notifier ErrorNotifier, interval time.Duration, autoApply bool, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cycler:    c,
		notifier:  notifier,
		interval:  interval,
		autoApply: autoApply,
		logger:    log,
	}
}

// Run ticks until ctx is cancelled. The first cycle runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval.String(), "auto_apply", s.autoApply)

	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler cycle", "panic", fmt.Sprint(r))
			s.notifier.NotifyError("scheduler panic", fmt.Errorf("%v", r))
		}
	}()

	start := time.Now()
	if n, err := s.cycler.Ingest(ctx); err != nil {
		// stored prices still serve as the last fallback
		s.logger.Error("ingest prices", "error", err)
	} else if n > 0 {
		s.logger.Debug("prices ingested", "ticks", n)
	}

	res, err := s.cycler.Run(ctx, s.autoApply)
	if err != nil {
		s.logger.Error("cycle failed", "error", err, "duration", time.Since(start).String())
		return
	}

	switch {
	case res.Plan.Halted:
		s.logger.Warn("cycle halted", "run_id", res.RunID, "reason", res.Plan.HaltReason)
	case res.Applied != nil:
		s.logger.Info("cycle applied", "run_id", res.RunID, "orders", res.Applied.Applied, "nav", res.Applied.NAV)
	default:
		s.logger.Info("cycle planned", "run_id", res.RunID, "actions", len(res.Plan.Actions),
			"duration", time.Since(start).String())
	}
}
