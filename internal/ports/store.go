package ports

import (
	"context"
	"time"

	"optionbot/internal/domain"
)

// PositionStore is the durable counterpart of the in-memory position ledger,
// plus the append-only order/trade/summary records consumed by reporting.
// Store failures are soft: the ledger stays authoritative for the session and
// callers log and continue.
type PositionStore interface {
	// SaveOrder inserts the initial snapshot of an order; written before the
	// order is handed to the broker.
	SaveOrder(ctx context.Context, rec *domain.OrderRecord) error

	// UpdateOrder patches status and fill fields of an existing order row.
	UpdateOrder(ctx context.Context, orderID string, status domain.OrderStatus, filledQty int, filledPrice float64) error

	// SaveTrade appends one entry or exit fill row.
	SaveTrade(ctx context.Context, rec *domain.TradeRecord) error

	// UpsertPosition writes the aggregate position keyed by symbol.
	UpsertPosition(ctx context.Context, pos *domain.AggregatePosition) error

	// SaveDailySummary appends one session summary row.
	SaveDailySummary(ctx context.Context, s *domain.DailySummary) error

	// TradesForDay returns the day's trade rows ordered by time.
	TradesForDay(ctx context.Context, day time.Time) ([]*domain.TradeRecord, error)
}

// Clock gates trading on session time. Implementations decide the timezone.
type Clock interface {
	// IsMarketOpen reports whether the trading session is currently open.
	IsMarketOpen() bool
	// IsSquareoffTime reports whether the forced end-of-day exit time has
	// been reached.
	IsSquareoffTime() bool
	// Now returns the current wall-clock time.
	Now() time.Time
}
