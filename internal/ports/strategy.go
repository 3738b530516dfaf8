package ports

import "optionbot/internal/domain"

// SignalStrategy turns closed candles of the underlying into entry signals.
// The execution core treats it as an opaque producer.
type SignalStrategy interface {
	// OnCandle consumes one closed candle and returns a signal, or "" when
	// nothing triggered.
	OnCandle(candle domain.Candle) domain.Signal
}

// ContractResolver picks the tradable option contract for a signal.
// Resolution failures are soft: the caller drops the signal.
type ContractResolver interface {
	// Resolve returns the contract to trade for the given signal at the
	// given underlying spot price, or ErrNoContract.
	Resolve(signal domain.Signal, spotPrice float64) (domain.Contract, error)
}
