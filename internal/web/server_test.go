package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/lock"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/policy"
	"github.com/camuig/crypto-rebalancer/internal/service"
	"github.com/camuig/crypto-rebalancer/internal/storage"
)

type fakePlanner struct {
	overrides map[string]float64
	applied   bool
	err       error
	metrics   service.Metrics
}

func (f *fakePlanner) Preview(_ context.Context, overrides map[string]float64) (*service.Result, error) {
	f.overrides = overrides
	if f.err != nil {
		return nil, f.err
	}
	return &service.Result{RunID: "run-1", Plan: samplePlan()}, nil
}

func (f *fakePlanner) Run(_ context.Context, apply bool) (*service.Result, error) {
	f.applied = apply
	if f.err != nil {
		return nil, f.err
	}
	return &service.Result{RunID: "run-2", Plan: samplePlan()}, nil
}

func (f *fakePlanner) Metrics() *service.Metrics { return &f.metrics }

type fakePolicies struct{}

func (fakePolicies) Current() policy.Policy { return policy.Default() }
func (fakePolicies) Snapshot() policy.Snapshot {
	return policy.Snapshot{Version: 3, Hash: "abc123def456"}
}

func samplePlan() *planner.Plan {
	return &planner.Plan{
		Account:     "main",
		Prices:      map[string]float64{"BTC-USD": 50000},
		Balances:    map[string]float64{"BTC-USD": 1, "USD": 100},
		Weights:     map[string]float64{"BTC-USD": 1},
		Targets:     map[string]float64{"BTC": 1},
		CryptoValue: 50000,
		Actions:     []planner.Action{},
		Config:      planner.AppliedConfig{Band: 0.05, BandSource: "fixed"},
	}
}

func newTestServer(t *testing.T, p *fakePlanner) (*Server, *storage.Repository) {
	t.Helper()
	db, err := storage.NewDatabase(storage.DriverSQLite, filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	repo := storage.NewRepository(db)
	cfg := &config.Config{Account: "main", Mode: config.ModePaper, Web: config.WebConfig{Port: 8080, APIKey: "secret"}}
	return NewServer(p, fakePolicies{}, repo, cfg, logger.Discard()), repo
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, string) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakePlanner{})
	code, body := do(t, s.app, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, code)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, "paper", got["mode"])
	assert.Equal(t, "abc123def456", got["config_hash"])
	assert.Equal(t, float64(3), got["policy_version"])
}

func TestPlan(t *testing.T) {
	p := &fakePlanner{}
	s, _ := newTestServer(t, p)

	code, body := do(t, s.app, httptest.NewRequest(http.MethodGet, "/plan?pair=BTC-USD=65000&pair=eth=3000", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "=== Rebalancer Report (multi-asset) ===")
	assert.Equal(t, map[string]float64{"BTC-USD": 65000, "ETH-USD": 3000}, p.overrides)

	code, body = do(t, s.app, httptest.NewRequest(http.MethodGet, "/plan?format=json", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"run_id":"run-1"`)
	assert.Nil(t, p.overrides)

	code, body = do(t, s.app, httptest.NewRequest(http.MethodGet, "/plan?pair=BTC-USD", nil))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "SYMBOL=PRICE")

	code, body = do(t, s.app, httptest.NewRequest(http.MethodGet, "/plan?pair=ETH=NaN", nil))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "positive finite number")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "plan error", err: &planner.PlanError{Kind: planner.ErrMissingPrices, Instruments: []string{"ETH-USD"}}, code: http.StatusUnprocessableEntity},
		{name: "lock busy", err: fmt.Errorf("acquire cycle lock: %w", lock.ErrNotAcquired), code: http.StatusConflict},
		{name: "other", err: fmt.Errorf("disk full"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, &fakePlanner{err: tt.err})
			code, body := do(t, s.app, httptest.NewRequest(http.MethodGet, "/plan", nil))
			assert.Equal(t, tt.code, code)
			assert.Contains(t, body, `"error"`)
		})
	}
}

func TestApplyRequiresKey(t *testing.T) {
	p := &fakePlanner{}
	s, _ := newTestServer(t, p)

	code, _ := do(t, s.app, httptest.NewRequest(http.MethodPost, "/apply", nil))
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodPost, "/apply", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	code, _ = do(t, s.app, req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, p.applied)

	req = httptest.NewRequest(http.MethodPost, "/apply", nil)
	req.Header.Set("Authorization", "Bearer secret")
	code, body := do(t, s.app, req)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, p.applied)
	assert.Contains(t, body, `"run_id":"run-2"`)
}

func TestRunsAndNAV(t *testing.T) {
	s, repo := newTestServer(t, &fakePlanner{})
	ctx := context.Background()
	require.NoError(t, repo.SaveRunLog(ctx, &storage.RunLog{RunID: "r1", Account: "main", Status: "planned"}))
	require.NoError(t, repo.SaveNAV(ctx, &storage.NAVSnapshot{Account: "main", Day: "2026-10-14", NAV: 90000, CashUSD: 1000}))
	require.NoError(t, repo.SaveNAV(ctx, &storage.NAVSnapshot{Account: "main", Day: "2026-10-15", NAV: 91000, CashUSD: 1200}))

	code, body := do(t, s.app, httptest.NewRequest(http.MethodGet, "/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, code)
	var runs []storage.RunLog
	require.NoError(t, json.Unmarshal([]byte(body), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].RunID)

	code, body = do(t, s.app, httptest.NewRequest(http.MethodGet, "/nav", nil))
	require.Equal(t, http.StatusOK, code)
	var navs []storage.NAVSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &navs))
	require.Len(t, navs, 2)
	assert.Equal(t, "2026-10-14", navs[0].Day)

	code, body = do(t, s.app, httptest.NewRequest(http.MethodGet, "/nav/chart", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "2026-10-15")
	assert.Contains(t, body, "echarts")
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakePlanner{})
	code, body := do(t, s.app, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "rebalancer_cycles_total 0")
}

func TestParsePairs(t *testing.T) {
	got, err := ParsePairs([]string{"btc-usd=65000", " SOL = 150.5 "})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTC-USD": 65000, "SOL-USD": 150.5}, got)

	none, err := ParsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	for _, bad := range []string{"BTC", "=5", "BTC=abc", "BTC=-1", "BTC=NaN", "ETH=Inf", "ETH=-inf"} {
		_, err := ParsePairs([]string{bad})
		assert.Error(t, err, bad)
	}
}
