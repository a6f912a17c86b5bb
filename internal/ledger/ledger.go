package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/storage"
)

var (
	ErrDuplicateOrder    = errors.New("duplicate client order id")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrOrderNotFound     = errors.New("order not found")
)

const (
	EventOrderCreated  = "order_created"
	EventStateChanged  = "state_changed"
	EventFill          = "fill"
	EventLotOpened     = "lot_opened"
	EventLotMatched    = "lot_matched"
	EventUnmatchedSell = "unmatched_sell"
)

var orderNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("crypto-rebalancer/orders"))

// IdempotencyToken derives a stable client order id for one leg of a plan.
// Re-submitting the same plan yields the same tokens.
func IdempotencyToken(planFingerprint string, index int, a planner.Action) string {
	key := planFingerprint + "|" + strconv.Itoa(index) + "|" + a.Instrument + "|" + string(a.Side) + "|" +
		strconv.FormatFloat(a.Qty, 'g', -1, 64)
	return uuid.NewSHA1(orderNamespace, []byte(key)).String()
}

// Fill is an execution report for an order.
type Fill struct {
	Qty   float64
	Price float64
	Fee   float64
}

type Ledger struct {
	repo *storage.Repository
	now  func() time.Time
}

func New(repo *storage.Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// WithRepository binds the ledger to another repository, typically a transaction.
func (l *Ledger) WithRepository(repo *storage.Repository) *Ledger {
	return &Ledger{repo: repo, now: l.now}
}

// Submit records a new order in pending_submit. A known client order id
// returns the existing order together with ErrDuplicateOrder.
func (l *Ledger) Submit(ctx context.Context, clientOrderID, runID, account string, a planner.Action) (*storage.Order, error) {
	existing, err := l.repo.GetOrder(ctx, clientOrderID)
	if err == nil {
		return existing, ErrDuplicateOrder
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup order: %w", err)
	}

	order := &storage.Order{
		ClientOrderID: clientOrderID,
		RunID:         runID,
		Account:       account,
		Instrument:    a.Instrument,
		Side:          string(a.Side),
		Qty:           a.Qty,
		Price:         a.Price,
		ExecPrice:     a.ExecPrice,
		USD:           a.USD,
		State:         string(StatePendingSubmit),
		Note:          a.Note,
	}
	if err := l.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if err := l.event(ctx, order, EventOrderCreated, map[string]any{"state": order.State}); err != nil {
		return nil, err
	}
	return order, nil
}

// Transition moves an order to a new state. Fill information, when present,
// accumulates into the filled quantity.
func (l *Ledger) Transition(ctx context.Context, clientOrderID string, to State, fill *Fill) (*storage.Order, error) {
	order, err := l.repo.GetOrder(ctx, clientOrderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup order: %w", err)
	}

	from := State(order.State)
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	order.State = string(to)
	if fill != nil {
		order.FilledQty += fill.Qty
		order.Fee += fill.Fee
	}
	if err := l.repo.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	if err := l.event(ctx, order, EventStateChanged, map[string]any{"from": from, "to": to}); err != nil {
		return nil, err
	}
	return order, nil
}

// RecordFill books lots for a filled order: buys open a lot, sells consume
// lots highest cost first. It returns the realized gain.
func (l *Ledger) RecordFill(ctx context.Context, order *storage.Order, fill Fill) (float64, error) {
	if err := l.eventWith(ctx, order, EventFill, fill.Qty, fill.Price, map[string]any{"fee": fill.Fee}); err != nil {
		return 0, err
	}

	if order.Side == string(planner.SideBuy) {
		lot := &storage.Lot{
			Account:       order.Account,
			Instrument:    order.Instrument,
			ClientOrderID: order.ClientOrderID,
			OpenTS:        l.now().UTC(),
			OpenQty:       fill.Qty,
			OpenPx:        OpenPrice(fill.Qty, fill.Price, fill.Fee),
			RemainingQty:  fill.Qty,
		}
		if err := l.repo.SaveLot(ctx, lot); err != nil {
			return 0, fmt.Errorf("save lot: %w", err)
		}
		return 0, l.eventWith(ctx, order, EventLotOpened, fill.Qty, lot.OpenPx, map[string]any{"lot_id": lot.ID})
	}

	lots, err := l.repo.OpenLots(ctx, order.Account, order.Instrument)
	if err != nil {
		return 0, fmt.Errorf("load lots: %w", err)
	}
	matches, unmatched := MatchHIFO(lots, fill.Qty, fill.Price, fill.Fee)

	var realized float64
	for _, m := range matches {
		lot := lots[m.LotIndex]
		lot.RemainingQty = dec(lot.RemainingQty).Sub(dec(m.Qty)).InexactFloat64()
		if err := l.repo.SaveLot(ctx, &lot); err != nil {
			return 0, fmt.Errorf("save lot: %w", err)
		}
		if err := l.repo.SaveLotMatch(ctx, &storage.LotMatch{
			LotID:         lot.ID,
			ClientOrderID: order.ClientOrderID,
			Qty:           m.Qty,
			OpenPx:        m.OpenPx,
			ClosePx:       fill.Price,
			Proceeds:      m.Proceeds,
			CostBasis:     m.CostBasis,
			GainLoss:      m.GainLoss,
		}); err != nil {
			return 0, fmt.Errorf("save lot match: %w", err)
		}
		if err := l.eventWith(ctx, order, EventLotMatched, m.Qty, m.OpenPx, map[string]any{"lot_id": lot.ID, "gain_loss": m.GainLoss}); err != nil {
			return 0, err
		}
		realized += m.GainLoss
	}
	if unmatched > 0 {
		if err := l.eventWith(ctx, order, EventUnmatchedSell, unmatched, fill.Price, nil); err != nil {
			return 0, err
		}
	}
	return realized, nil
}

func (l *Ledger) event(ctx context.Context, order *storage.Order, kind string, payload map[string]any) error {
	return l.eventWith(ctx, order, kind, order.Qty, order.ExecPrice, payload)
}

func (l *Ledger) eventWith(ctx context.Context, order *storage.Order, kind string, qty, px float64, payload map[string]any) error {
	var raw datatypes.JSON
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		raw = datatypes.JSON(data)
	}
	usd := qty * px
	if order.Side == string(planner.SideSell) {
		usd = -usd
	}
	ev := &storage.TradeEvent{
		EventID:       uuid.NewString(),
		RunID:         order.RunID,
		ClientOrderID: order.ClientOrderID,
		EventType:     kind,
		Instrument:    order.Instrument,
		Side:          order.Side,
		Qty:           qty,
		USD:           usd,
		Price:         px,
		Payload:       raw,
	}
	if err := l.repo.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
