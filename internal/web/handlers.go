package web

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/gofiber/fiber/v2"

	"github.com/camuig/crypto-rebalancer/internal/lock"
	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/policy"
	"github.com/camuig/crypto-rebalancer/internal/report"
)

const (
	defaultRunsLimit = 20
	defaultNAVLimit  = 90
	maxLimit         = 1000
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	snap := s.policies.Snapshot()
	return c.JSON(fiber.Map{
		"ok":             true,
		"mode":           s.mode,
		"account":        s.account,
		"config_hash":    snap.Hash,
		"policy_version": snap.Version,
	})
}

func (s *Server) handlePlan(c *fiber.Ctx) error {
	overrides, err := ParsePairs(queryValues(c, "pair"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	res, err := s.planner.Preview(c.UserContext(), overrides)
	if err != nil {
		return err
	}

	if c.Query("format", "text") == "json" {
		return c.JSON(res)
	}
	body := report.Human(res.Plan)
	for _, h := range res.Hits {
		body += "hit: " + h.String() + "\n"
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(body)
}

func (s *Server) handleApply(c *fiber.Ctx) error {
	res, err := s.planner.Run(c.UserContext(), true)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) handleRuns(c *fiber.Ctx) error {
	runs, err := s.repo.RecentRuns(c.UserContext(), limitParam(c, defaultRunsLimit))
	if err != nil {
		return err
	}
	return c.JSON(runs)
}

func (s *Server) handleNAV(c *fiber.Ctx) error {
	navs, err := s.repo.NAVHistory(c.UserContext(), s.account, limitParam(c, defaultNAVLimit))
	if err != nil {
		return err
	}
	return c.JSON(navs)
}

func (s *Server) handleNAVChart(c *fiber.Ctx) error {
	navs, err := s.repo.NAVHistory(c.UserContext(), s.account, limitParam(c, defaultNAVLimit))
	if err != nil {
		return err
	}

	days := make([]string, len(navs))
	nav := make([]opts.LineData, len(navs))
	cash := make([]opts.LineData, len(navs))
	for i, n := range navs {
		days[i] = n.Day
		nav[i] = opts.LineData{Value: n.NAV}
		cash[i] = opts.LineData{Value: n.CashUSD}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "NAV " + s.account, Width: "1100px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "NAV", Subtitle: s.account + " (" + s.mode + ")"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	line.SetXAxis(days).
		AddSeries("NAV", nav).
		AddSeries("Cash", cash)

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return line.Render(c.Response().BodyWriter())
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return s.planner.Metrics().WriteText(c.Response().BodyWriter())
}

// handleError maps service errors onto status codes with a JSON body.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var planErr *planner.PlanError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
	case errors.As(err, &planErr):
		code = fiber.StatusUnprocessableEntity
	case errors.Is(err, lock.ErrNotAcquired):
		code = fiber.StatusConflict
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// ParsePairs turns "BTC-USD=65000" (or "BTC=65000") into price overrides.
func ParsePairs(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, raw := range pairs {
		sym, px, ok := strings.Cut(strings.TrimSpace(raw), "=")
		if !ok || sym == "" {
			return nil, fmt.Errorf("pair %q: want SYMBOL=PRICE", raw)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(px), 64)
		if err != nil || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return nil, fmt.Errorf("pair %q: price must be a positive finite number", raw)
		}
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if !strings.Contains(sym, "-") {
			sym = policy.Instrument(sym)
		}
		out[sym] = price
	}
	return out, nil
}

func queryValues(c *fiber.Ctx, key string) []string {
	var out []string
	for _, v := range c.Context().QueryArgs().PeekMulti(key) {
		out = append(out, string(v))
	}
	return out
}

func limitParam(c *fiber.Ctx, def int) int {
	n := c.QueryInt("limit", def)
	if n <= 0 {
		return def
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
