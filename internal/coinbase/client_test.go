package coinbase

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-rebalancer/internal/logger"
)

func newTestServer(t *testing.T, prices map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		pair := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/prices/"), "/spot")
		amount, ok := prices[pair]
		if !ok {
			http.Error(w, `{"errors":[{"id":"not_found"}]}`, http.StatusNotFound)
			return
		}
		if date := r.URL.Query().Get("date"); date != "" {
			amount = prices[pair+"@"+date]
		}
		fmt.Fprintf(w, `{"data":{"base":"%s","currency":"USD","amount":"%s"}}`, strings.TrimSuffix(pair, "-USD"), amount)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSpot(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{"BTC-USD": "65000.12", "DOGE-USD": "0"})
	c := NewClient(logger.Discard(), WithBaseURL(srv.URL+"/"))
	ctx := context.Background()

	px, err := c.Spot(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 65000.12, px)

	_, err = c.Spot(ctx, "DOGE-USD")
	assert.ErrorIs(t, err, ErrNoPrice)

	_, err = c.Spot(ctx, "XYZ-USD")
	assert.ErrorContains(t, err, "status 404")
}

func TestLatestPricesSkipsFailures(t *testing.T) {
	srv, calls := newTestServer(t, map[string]string{"BTC-USD": "65000", "ETH-USD": "3000"})
	c := NewClient(logger.Discard(), WithBaseURL(srv.URL), WithConcurrency(2))

	prices, err := c.LatestPrices(context.Background(), []string{"BTC-USD", "ETH-USD", "XYZ-USD"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTC-USD": 65000, "ETH-USD": 3000}, prices)
	assert.Equal(t, int32(3), calls.Load())

	_, err = c.LatestPrices(context.Background(), []string{"XYZ-USD"})
	assert.Error(t, err)
}

func TestPriceTicksBackfillsDays(t *testing.T) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	yesterday := today.AddDate(0, 0, -1)
	srv, _ := newTestServer(t, map[string]string{
		"SOL-USD":                                     "150",
		"SOL-USD@" + yesterday.Format("2006-01-02"): "140",
		"SOL-USD@" + today.Format("2006-01-02"):     "150",
	})
	c := NewClient(logger.Discard(), WithBaseURL(srv.URL))

	ticks, err := c.PriceTicks(context.Background(), "SOL-USD", yesterday.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, 140.0, ticks[0].Price)
	assert.Equal(t, 150.0, ticks[1].Price)
	assert.Equal(t, "SOL-USD", ticks[1].Instrument)
	assert.True(t, ticks[0].TS.Before(ticks[1].TS))
}
