package domain

import "time"

// TradeType distinguishes entry fills from exit fills in the trade ledger.
type TradeType string

const (
	TradeEntry TradeType = "ENTRY"
	TradeExit  TradeType = "EXIT"
)

// OrderRecord is the durable snapshot of an order, written before submission
// and updated as status changes arrive.
type OrderRecord struct {
	OrderID      string
	Symbol       string
	Side         OrderSide
	Kind         OrderKind
	Signal       Signal
	Quantity     int
	Price        float64 // limit price, 0 for market
	TriggerPrice float64 // stop trigger, 0 otherwise
	Status       OrderStatus
	FilledQty    int
	FilledPrice  float64
	EntryOrderID string // set for broker-side SL/TP orders, links back to the entry
	PlacedAt     time.Time
	UpdatedAt    time.Time
}

// TradeRecord is one append-only row in the trade ledger: a single entry or
// exit fill with its accounting context.
type TradeRecord struct {
	OrderID    string
	Type       TradeType
	Symbol     string
	Price      float64 // fill price
	Quantity   int
	FillNumber int // 1-based per order, for partial fills
	EntryPrice float64     // EXIT only
	ExitPrice  float64     // EXIT only
	PnL        float64     // EXIT only
	Reason     CloseReason // EXIT only
	Time       time.Time
}

// DailySummary aggregates one session's closed trades.
type DailySummary struct {
	Date        time.Time
	TotalTrades int
	Wins        int
	Losses      int
	NetPnL      float64
	MaxDrawdown float64
}
