package storage

import (
	"time"

	"gorm.io/datatypes"
)

type SchemaVersionRecord struct {
	Version   int       `gorm:"primarykey;autoIncrement:false" json:"version"`
	AppliedAt time.Time `json:"applied_at"`
}

func (SchemaVersionRecord) TableName() string { return "schema_versions" }

type PriceTick struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	TS         time.Time `gorm:"index:idx_price_instrument_ts,priority:2;not null" json:"ts"`
	Instrument string    `gorm:"index:idx_price_instrument_ts,priority:1;not null" json:"instrument"`
	Price      float64   `gorm:"not null" json:"price"`
	Source     string    `json:"source"`
}

// BalanceRecord is one observed quantity. The latest row per instrument wins.
type BalanceRecord struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	TS         time.Time `gorm:"index;not null" json:"ts"`
	Account    string    `gorm:"index;not null" json:"account"`
	Instrument string    `gorm:"not null" json:"instrument"`
	Qty        float64   `gorm:"not null" json:"qty"`
	Source     string    `json:"source"`
}

// PlanRecord archives a full plan as JSON.
type PlanRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID       string         `gorm:"uniqueIndex;not null" json:"run_id"`
	Account     string         `gorm:"index" json:"account"`
	Fingerprint string         `gorm:"index" json:"fingerprint"`
	Band        float64        `json:"band"`
	ActionCount int            `json:"action_count"`
	Halted      bool           `json:"halted"`
	HaltReason  string         `json:"halt_reason"`
	ConfigHash  string         `json:"config_hash"`
	Plan        datatypes.JSON `json:"plan"`
}

type RunLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID      string  `gorm:"uniqueIndex;not null" json:"run_id"`
	Account    string  `gorm:"index" json:"account"`
	Mode       string  `json:"mode"`
	Status     string  `json:"status"`
	Actions    int     `json:"actions"`
	BuyUSD     float64 `gorm:"column:buy_usd" json:"buy_usd"`
	SellUSD    float64 `gorm:"column:sell_usd" json:"sell_usd"`
	Band       float64 `json:"band"`
	NAV        float64 `gorm:"column:nav" json:"nav"`
	ConfigHash string  `json:"config_hash"`
	Error      string  `json:"error"`
}

// TradeEvent is the append-only trade/order event log.
type TradeEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	EventID       string         `gorm:"uniqueIndex;not null" json:"event_id"`
	RunID         string         `gorm:"index" json:"run_id"`
	ClientOrderID string         `gorm:"index" json:"client_order_id"`
	EventType     string         `gorm:"not null" json:"event_type"`
	Instrument    string         `json:"instrument"`
	Side          string         `json:"side"`
	Qty           float64        `json:"qty"`
	USD           float64        `gorm:"column:usd" json:"usd"`
	Price         float64        `json:"price"`
	Payload       datatypes.JSON `json:"payload"`
}

type NAVSnapshot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	Account     string  `gorm:"uniqueIndex:idx_nav_account_day;not null" json:"account"`
	Day         string  `gorm:"uniqueIndex:idx_nav_account_day;not null" json:"day"`
	NAV         float64 `gorm:"column:nav" json:"nav"`
	CryptoValue float64 `json:"crypto_value"`
	CashUSD     float64 `gorm:"column:cash_usd" json:"cash_usd"`
}

type Order struct {
	ClientOrderID string    `gorm:"primarykey" json:"client_order_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	RunID      string  `gorm:"index" json:"run_id"`
	Account    string  `gorm:"index" json:"account"`
	Instrument string  `gorm:"not null" json:"instrument"`
	Side       string  `gorm:"not null" json:"side"`
	Qty        float64 `json:"qty"`
	FilledQty  float64 `json:"filled_qty"`
	Price      float64 `json:"price"`
	ExecPrice  float64 `json:"px_eff"`
	USD        float64 `gorm:"column:usd" json:"usd"`
	Fee        float64 `json:"fee"`
	State      string  `gorm:"index;not null" json:"state"`
	Note       string  `json:"note"`
}

// Lot is an open tax lot. RemainingQty reaches zero when fully matched.
type Lot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Account       string    `gorm:"index:idx_lot_account_instrument;not null" json:"account"`
	Instrument    string    `gorm:"index:idx_lot_account_instrument;not null" json:"instrument"`
	ClientOrderID string    `json:"client_order_id"`
	OpenTS        time.Time `json:"open_ts"`
	OpenQty       float64   `json:"open_qty"`
	OpenPx        float64   `json:"open_px"`
	RemainingQty  float64   `json:"remaining_qty"`
}

type LotMatch struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	LotID         uint    `gorm:"index" json:"lot_id"`
	ClientOrderID string  `gorm:"index" json:"client_order_id"`
	Qty           float64 `json:"qty"`
	OpenPx        float64 `json:"open_px"`
	ClosePx       float64 `json:"close_px"`
	Proceeds      float64 `json:"proceeds"`
	CostBasis     float64 `json:"cost_basis"`
	GainLoss      float64 `json:"gain_loss"`
}
