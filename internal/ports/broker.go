package ports

import (
	"context"

	"optionbot/internal/domain"
)

// OrderRequest carries everything a broker needs to place one order.
type OrderRequest struct {
	Contract     domain.Contract
	Side         domain.OrderSide
	Quantity     int
	Kind         domain.OrderKind
	Price        float64 // limit price, 0 for market
	TriggerPrice float64 // stop trigger, 0 otherwise
	OrderID      string  // optional pre-generated id; brokers that accept it
	// must use it so fills arriving before PlaceOrder returns can still be
	// correlated by the caller.
}

// OrderFilledEvent is delivered by the broker's fill callback. FilledQty is
// cumulative for the order, not the size of the latest slice; consumers must
// compute their own deltas.
type OrderFilledEvent struct {
	OrderID   string
	Contract  domain.Contract
	FillPrice float64 // average price across fills so far
	Quantity  int     // total order quantity
	FilledQty int     // cumulative filled quantity
	IsPartial bool
}

// Broker abstracts order execution and account state. It is implemented by
// the simulated matching engine for paper sessions and by a live brokerage
// adapter otherwise.
type Broker interface {
	// PlaceOrder submits an order and returns its id. If req.OrderID is set
	// the broker must adopt it. Fill callbacks may fire before PlaceOrder
	// returns.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder requests cancellation of a pending order. Returns
	// ErrOrderNotFound if the order is unknown or already terminal; callers
	// treat that as a benign race with a concurrent fill.
	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatus returns the current lifecycle status of an order.
	OrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error)

	// LTP returns the last traded price for a contract, or 0 when no price
	// has been observed yet.
	LTP(ctx context.Context, contract domain.Contract) (float64, error)

	// AccountBalance returns the available cash balance.
	AccountBalance(ctx context.Context) (float64, error)

	// SetOrderFilledHandler registers the single asynchronous fill callback.
	// Implementations must survive a panicking handler.
	SetOrderFilledHandler(handler func(OrderFilledEvent))
}

// MarketData is a tick stream plus per-contract subscription management.
type MarketData interface {
	// Subscribe requests LTP ticks for a contract. Idempotent.
	Subscribe(ctx context.Context, contract domain.Contract) error

	// StreamTicks starts delivering ticks to handler until ctx is cancelled
	// or a value is sent on stopCh. doneCh closes when the stream has shut
	// down.
	StreamTicks(ctx context.Context, handler func(domain.Tick), errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
