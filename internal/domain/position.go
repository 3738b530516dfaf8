package domain

import "time"

// AggregatePosition is the ledger's per-symbol view of everything filled
// against one instrument. At most one OPEN aggregate exists per symbol.
//
// Invariant: OpenQuantity = OpenedQuantity - ClosedQuantity >= 0.
type AggregatePosition struct {
	Symbol         string
	OpenQuantity   int
	OpenedQuantity int
	ClosedQuantity int
	AvgEntryPrice  float64 // quantity-weighted across all entry fills
	AvgExitPrice   float64 // quantity-weighted across all exit fills
	LastPrice      float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	NetPnL         float64
	Status         PositionStatus
	OrderIDs       []string // entry order ids that contributed
	ExitOrderIDs   []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       time.Time
}

// IsOpen reports whether the aggregate still has open quantity.
func (p *AggregatePosition) IsOpen() bool {
	return p.Status == StatusOpen
}
