package market

import (
	"math"
	"sort"
	"time"

	talib "github.com/markcheno/go-talib"
)

const (
	dayLayout      = "2006-01-02"
	tradingDays    = 365.0
	minVolPoints   = 3
	minVolReturns  = 2
	minReturnPoint = 2
)

// Tick is one observed price for an instrument.
type Tick struct {
	Instrument string
	TS         time.Time
	Price      float64
}

// DayClose is the last observed price of one UTC calendar day.
type DayClose struct {
	Day   string
	Close float64
}

// DailySeries holds one close per calendar day, newest first.
type DailySeries []DayClose

// BuildDailySeries keeps the latest tick of each UTC day. Non-positive and
// non-finite prices are ignored.
func BuildDailySeries(ticks []Tick) DailySeries {
	latest := make(map[string]Tick)
	for _, t := range ticks {
		if t.Price <= 0 || math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
			continue
		}
		day := t.TS.UTC().Format(dayLayout)
		if cur, ok := latest[day]; !ok || !t.TS.Before(cur.TS) {
			latest[day] = t
		}
	}

	series := make(DailySeries, 0, len(latest))
	for day, t := range latest {
		series = append(series, DayClose{Day: day, Close: t.Price})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Day > series[j].Day })
	return series
}

// Window returns the last lookback+1 closes in ascending day order, or nil
// when fewer than two days are available.
func (s DailySeries) Window(lookback int) []float64 {
	n := lookback + 1
	if n > len(s) {
		n = len(s)
	}
	if n < minReturnPoint {
		return nil
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = s[i].Close
	}
	return out
}

// LookbackReturn is last/first - 1 over the window.
func LookbackReturn(s DailySeries, lookback int) (float64, bool) {
	w := s.Window(lookback)
	if len(w) < minReturnPoint || w[0] <= 0 {
		return 0, false
	}
	return w[len(w)-1]/w[0] - 1, true
}

// AnnualizedVol is the sample standard deviation of simple daily returns
// scaled by sqrt(365).
func AnnualizedVol(s DailySeries, lookback int) (float64, bool) {
	w := s.Window(lookback)
	if len(w) < minVolPoints {
		return 0, false
	}

	returns := make([]float64, 0, len(w)-1)
	for i := 1; i < len(w); i++ {
		if w[i-1] <= 0 {
			continue
		}
		returns = append(returns, w[i]/w[i-1]-1)
	}
	n := len(returns)
	if n < minVolReturns {
		return 0, false
	}

	// talib reports the population deviation; rescale to the sample estimator.
	pop := talib.StdDev(returns, n, 1.0)[n-1]
	sample := pop * math.Sqrt(float64(n)/float64(n-1))
	if math.IsNaN(sample) || math.IsInf(sample, 0) {
		return 0, false
	}
	return sample * math.Sqrt(tradingDays), true
}

// HistoryProvider supplies daily close series for lookback calculations.
type HistoryProvider interface {
	Series(instrument string) DailySeries
}

// SeriesSet is an in-memory HistoryProvider.
type SeriesSet map[string]DailySeries

func (s SeriesSet) Series(instrument string) DailySeries {
	if s == nil {
		return nil
	}
	return s[instrument]
}

// NewSeriesSet groups ticks by instrument and derives a daily series for each.
func NewSeriesSet(ticks []Tick) SeriesSet {
	grouped := make(map[string][]Tick)
	for _, t := range ticks {
		grouped[t.Instrument] = append(grouped[t.Instrument], t)
	}
	set := make(SeriesSet, len(grouped))
	for inst, ts := range grouped {
		set[inst] = BuildDailySeries(ts)
	}
	return set
}
