package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.Repository) {
	t.Helper()
	db, err := storage.NewDatabase(storage.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	repo := storage.NewRepository(db)
	return New(repo), repo
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePendingSubmit, StateSubmitted, true},
		{StatePendingSubmit, StateFilled, false},
		{StateSubmitted, StateAcknowledged, true},
		{StateAcknowledged, StatePartiallyFilled, true},
		{StatePartiallyFilled, StatePartiallyFilled, true},
		{StatePartiallyFilled, StateFilled, true},
		{StatePendingCancel, StateCancelled, true},
		{StateUnknown, StateFilled, true},
		{StateFilled, StateCancelled, false},
		{StateRejected, StateSubmitted, false},
		{StateExpired, StateAcknowledged, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}

	assert.True(t, StateFilled.Terminal())
	assert.False(t, StateAcknowledged.Terminal())
	assert.False(t, State("bogus").Valid())
	assert.ErrorIs(t, checkTransition(StateSubmitted, State("bogus")), ErrInvalidTransition)
}

func TestIdempotencyTokenIsStable(t *testing.T) {
	a := planner.Action{Instrument: "BTC-USD", Side: planner.SideSell, Qty: 0.1502}

	assert.Equal(t, IdempotencyToken("fp", 0, a), IdempotencyToken("fp", 0, a))
	assert.NotEqual(t, IdempotencyToken("fp", 0, a), IdempotencyToken("fp", 1, a))
	assert.NotEqual(t, IdempotencyToken("fp", 0, a), IdempotencyToken("other", 0, a))
}

func TestMatchHIFO(t *testing.T) {
	lots := []storage.Lot{
		{ID: 1, OpenPx: 100, RemainingQty: 1},
		{ID: 2, OpenPx: 300, RemainingQty: 1},
		{ID: 3, OpenPx: 200, RemainingQty: 2},
		{ID: 4, OpenPx: 500, RemainingQty: 0},
	}

	matches, unmatched := MatchHIFO(lots, 2, 250, 10)
	require.Len(t, matches, 2)
	assert.Equal(t, 0.0, unmatched)

	assert.Equal(t, 1, matches[0].LotIndex)
	assert.Equal(t, 1.0, matches[0].Qty)
	// net price 250 - 10/2 = 245
	assert.InDelta(t, 245-300, matches[0].GainLoss, 1e-9)

	assert.Equal(t, 2, matches[1].LotIndex)
	assert.Equal(t, 1.0, matches[1].Qty)
	assert.InDelta(t, 245-200, matches[1].GainLoss, 1e-9)

	t.Run("sell larger than lots", func(t *testing.T) {
		_, unmatched := MatchHIFO(lots, 5, 250, 0)
		assert.InDelta(t, 1, unmatched, 1e-12)
	})

	t.Run("zero quantity", func(t *testing.T) {
		matches, unmatched := MatchHIFO(lots, 0, 250, 0)
		assert.Empty(t, matches)
		assert.Equal(t, 0.0, unmatched)
	})
}

func TestOpenPrice(t *testing.T) {
	assert.InDelta(t, 101, OpenPrice(2, 100, 2), 1e-12)
	assert.Equal(t, 100.0, OpenPrice(0, 100, 2))
}

func TestSubmitIsIdempotent(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	a := planner.Action{Instrument: "BTC-USD", Side: planner.SideBuy, Qty: 1, Price: 100, ExecPrice: 100.1, USD: 100.1}

	order, err := l.Submit(ctx, "tok-1", "run-1", "main", a)
	require.NoError(t, err)
	assert.Equal(t, string(StatePendingSubmit), order.State)

	again, err := l.Submit(ctx, "tok-1", "run-2", "main", a)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
	assert.Equal(t, "run-1", again.RunID)

	events, err := repo.Events(ctx, "tok-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventOrderCreated, events[0].EventType)
}

func TestTransitionLifecycle(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	a := planner.Action{Instrument: "ETH-USD", Side: planner.SideSell, Qty: 2, Price: 3000, ExecPrice: 2997, USD: -5994}

	_, err := l.Submit(ctx, "tok-2", "run-1", "main", a)
	require.NoError(t, err)

	_, err = l.Transition(ctx, "tok-2", StateFilled, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, s := range []State{StateSubmitted, StateAcknowledged} {
		_, err = l.Transition(ctx, "tok-2", s, nil)
		require.NoError(t, err)
	}
	order, err := l.Transition(ctx, "tok-2", StateFilled, &Fill{Qty: 2, Price: 2997, Fee: 1.5})
	require.NoError(t, err)
	assert.Equal(t, string(StateFilled), order.State)
	assert.Equal(t, 2.0, order.FilledQty)
	assert.Equal(t, 1.5, order.Fee)

	events, err := repo.Events(ctx, "tok-2")
	require.NoError(t, err)
	assert.Len(t, events, 4)

	_, err = l.Transition(ctx, "missing", StateSubmitted, nil)
	assert.True(t, errors.Is(err, ErrOrderNotFound))
}

func TestRecordFillBooksLots(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	buys := []struct {
		id string
		px float64
	}{{"b1", 100}, {"b2", 300}, {"b3", 200}}
	for _, b := range buys {
		order := &storage.Order{ClientOrderID: b.id, Account: "main", Instrument: "SOL-USD", Side: "buy"}
		realized, err := l.RecordFill(ctx, order, Fill{Qty: 1, Price: b.px})
		require.NoError(t, err)
		assert.Equal(t, 0.0, realized)
	}

	sell := &storage.Order{ClientOrderID: "s1", Account: "main", Instrument: "SOL-USD", Side: "sell"}
	realized, err := l.RecordFill(ctx, sell, Fill{Qty: 1.5, Price: 250})
	require.NoError(t, err)
	// 1 @ 300 then 0.5 @ 200
	assert.InDelta(t, (250-300)*1+(250-200)*0.5, realized, 1e-9)

	lots, err := repo.OpenLots(ctx, "main", "SOL-USD")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	remaining := map[float64]float64{}
	for _, lot := range lots {
		remaining[lot.OpenPx] = lot.RemainingQty
	}
	assert.Equal(t, map[float64]float64{100: 1, 200: 0.5}, remaining)

	total, err := repo.RealizedGain(ctx)
	require.NoError(t, err)
	assert.InDelta(t, realized, total, 1e-9)

	t.Run("unmatched sell is logged", func(t *testing.T) {
		order := &storage.Order{ClientOrderID: "s2", Account: "main", Instrument: "LINK-USD", Side: "sell"}
		_, err := l.RecordFill(ctx, order, Fill{Qty: 3, Price: 10})
		require.NoError(t, err)
		events, err := repo.Events(ctx, "s2")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, EventUnmatchedSell, events[1].EventType)
	})
}
