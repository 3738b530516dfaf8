package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these sentinels so the
// core can branch on errors.Is without knowing the adapter.
var (
	// ErrInvalidConfiguration is fatal: startup must halt (e.g. an unknown
	// position sizing mode).
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidState marks a per-entity precondition failure, such as
	// registering a position without a usable entry price. Fatal for that
	// entity only.
	ErrInvalidState = errors.New("invalid state")

	// ErrPriceUnavailable is soft: no usable last traded price within the
	// retry budget. The current signal is dropped.
	ErrPriceUnavailable = errors.New("last traded price unavailable")

	// ErrBrokerRejected is soft: the broker refused the order, no position
	// was created.
	ErrBrokerRejected = errors.New("order rejected by broker")

	// ErrOrderNotFound is the expected outcome of cancelling an order that
	// already filled or was already cancelled. Callers treat it as a benign
	// race, not a failure.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInsufficientFunds signals the simulated account cannot cover a fill.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoContract means contract resolution produced nothing tradable for
	// the signal; the signal is dropped.
	ErrNoContract = errors.New("no tradable contract resolved")
)
