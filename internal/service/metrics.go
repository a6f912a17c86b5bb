package service

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Metrics holds process-lifetime counters exposed as plain text.
type Metrics struct {
	cycles  atomic.Int64
	plans   atomic.Int64
	applied atomic.Int64
	halted  atomic.Int64
	errors  atomic.Int64
	lastRun atomic.Int64
}

type MetricsSnapshot struct {
	Cycles      int64 `json:"cycles"`
	Plans       int64 `json:"plans"`
	Applied     int64 `json:"orders_applied"`
	Halted      int64 `json:"halted"`
	Errors      int64 `json:"errors"`
	LastRunUnix int64 `json:"last_run_unix"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Cycles:      m.cycles.Load(),
		Plans:       m.plans.Load(),
		Applied:     m.applied.Load(),
		Halted:      m.halted.Load(),
		Errors:      m.errors.Load(),
		LastRunUnix: m.lastRun.Load(),
	}
}

func (m *Metrics) WriteText(w io.Writer) error {
	s := m.Snapshot()
	_, err := fmt.Fprintf(w,
		"rebalancer_cycles_total %d\nrebalancer_plans_total %d\nrebalancer_orders_applied_total %d\nrebalancer_halted_total %d\nrebalancer_errors_total %d\nrebalancer_last_run_unix %d\n",
		s.Cycles, s.Plans, s.Applied, s.Halted, s.Errors, s.LastRunUnix)
	return err
}
