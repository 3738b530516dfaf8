package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderKind is the execution style of an order.
type OrderKind string

const (
	Market OrderKind = "MARKET"
	Limit  OrderKind = "LIMIT"
	Stop   OrderKind = "STOP"
)

// OrderStatus tracks an order through its lifecycle. FILLED, CANCELLED and
// REJECTED are terminal.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Signal is a strategy entry signal for an option leg.
type Signal string

const (
	SignalBuyCE Signal = "BUY_CE" // bullish: buy a call
	SignalBuyPE Signal = "BUY_PE" // bearish: buy a put
)

// IsValid reports whether the signal is one the execution layer understands.
func (s Signal) IsValid() bool {
	return s == SignalBuyCE || s == SignalBuyPE
}

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// PositionStatus represents the status of an aggregate position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// CloseReason indicates why a position was exited.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonSquareoff  CloseReason = "SQUAREOFF"
	CloseReasonShutdown   CloseReason = "SHUTDOWN"
)

// SizingMode selects how the risk governor converts capital into quantity.
type SizingMode string

const (
	SizeFixedLot SizingMode = "fixed_lot" // value = number of lots
	SizePercent  SizingMode = "percent"   // value = percent of available capital
)
