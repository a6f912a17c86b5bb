package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camuig/crypto-rebalancer/internal/market"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Transaction runs fn against a repository bound to one database transaction.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Prices

func (r *Repository) SavePriceTicks(ctx context.Context, ticks []PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&ticks).Error
}

// LatestPrices returns the most recent stored price per instrument. Instruments
// without any stored price are absent from the result.
func (r *Repository) LatestPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	out := make(map[string]float64, len(instruments))
	for _, inst := range instruments {
		var tick PriceTick
		err := r.db.WithContext(ctx).
			Where("instrument = ?", inst).
			Order("ts DESC, id DESC").
			First(&tick).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest price %s: %w", inst, err)
		}
		out[inst] = tick.Price
	}
	return out, nil
}

func (r *Repository) PriceTicks(ctx context.Context, instrument string, since time.Time) ([]market.Tick, error) {
	var rows []PriceTick
	err := r.db.WithContext(ctx).
		Where("instrument = ? AND ts >= ?", instrument, since).
		Order("ts ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ticks := make([]market.Tick, len(rows))
	for i, row := range rows {
		ticks[i] = market.Tick{Instrument: row.Instrument, TS: row.TS, Price: row.Price}
	}
	return ticks, nil
}

// Balances

func (r *Repository) SaveBalances(ctx context.Context, snap market.AccountSnapshot, ts time.Time, source string) error {
	rows := make([]BalanceRecord, 0, len(snap.Qty)+1)
	rows = append(rows, BalanceRecord{TS: ts, Account: snap.Account, Instrument: market.CashSymbol, Qty: snap.USD, Source: source})
	for inst, qty := range snap.Qty {
		rows = append(rows, BalanceRecord{TS: ts, Account: snap.Account, Instrument: inst, Qty: qty, Source: source})
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// LatestBalances folds the balance history so the newest row per instrument wins.
func (r *Repository) LatestBalances(ctx context.Context, account string) (market.AccountSnapshot, error) {
	var rows []BalanceRecord
	err := r.db.WithContext(ctx).
		Where("account = ?", account).
		Order("ts ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return market.AccountSnapshot{}, err
	}

	snap := market.AccountSnapshot{Account: account, Qty: make(map[string]float64)}
	for _, row := range rows {
		if row.Instrument == market.CashSymbol {
			snap.USD = row.Qty
			continue
		}
		snap.Qty[row.Instrument] = row.Qty
	}
	return snap, nil
}

// Plans

func (r *Repository) ArchivePlan(ctx context.Context, rec *PlanRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *Repository) GetPlan(ctx context.Context, runID string) (*PlanRecord, error) {
	var rec PlanRecord
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// Run log

func (r *Repository) SaveRunLog(ctx context.Context, run *RunLog) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repository) RecentRuns(ctx context.Context, limit int) ([]RunLog, error) {
	var runs []RunLog
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// Events

func (r *Repository) AppendEvent(ctx context.Context, ev *TradeEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *Repository) Events(ctx context.Context, clientOrderID string) ([]TradeEvent, error) {
	var events []TradeEvent
	err := r.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

// NAV

// SaveNAV keeps one row per account and day; later writes on the same day replace it.
func (r *Repository) SaveNAV(ctx context.Context, snap *NAVSnapshot) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account"}, {Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"nav", "crypto_value", "cash_usd", "updated_at"}),
	}).Create(snap).Error
}

func (r *Repository) NAVHistory(ctx context.Context, account string, limit int) ([]NAVSnapshot, error) {
	var rows []NAVSnapshot
	err := r.db.WithContext(ctx).
		Where("account = ?", account).
		Order("day DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	// oldest first for charts
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Orders

func (r *Repository) CreateOrder(ctx context.Context, order *Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *Repository) GetOrder(ctx context.Context, clientOrderID string) (*Order, error) {
	var order Order
	if err := r.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *Repository) UpdateOrder(ctx context.Context, order *Order) error {
	return r.db.WithContext(ctx).Save(order).Error
}

func (r *Repository) OrdersByState(ctx context.Context, state string) ([]Order, error) {
	var orders []Order
	err := r.db.WithContext(ctx).Where("state = ?", state).Order("created_at ASC").Find(&orders).Error
	return orders, err
}

// Lots

func (r *Repository) OpenLots(ctx context.Context, account, instrument string) ([]Lot, error) {
	var lots []Lot
	err := r.db.WithContext(ctx).
		Where("account = ? AND instrument = ? AND remaining_qty > 0", account, instrument).
		Order("id ASC").
		Find(&lots).Error
	return lots, err
}

func (r *Repository) SaveLot(ctx context.Context, lot *Lot) error {
	return r.db.WithContext(ctx).Save(lot).Error
}

func (r *Repository) SaveLotMatch(ctx context.Context, m *LotMatch) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repository) RealizedGain(ctx context.Context) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&LotMatch{}).
		Select("COALESCE(SUM(gain_loss), 0)").Scan(&total).Error
	return total, err
}
