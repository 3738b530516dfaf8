package domain

import "time"

// Contract identifies a tradable instrument. Contracts are owned by the
// instrument master and treated as immutable values everywhere else.
type Contract struct {
	Symbol      string     // e.g. "NIFTY24SEP24500CE"
	Token       string     // exchange token for market data subscription
	Exchange    string     // e.g. "NFO"
	LotSize     int        // minimum tradable multiple
	StrikePrice float64    // 0 for the underlying itself
	OptionType  OptionType // empty for the underlying
	Expiry      time.Time
}

// IsZero reports whether the contract is unset.
func (c Contract) IsZero() bool {
	return c.Symbol == "" && c.Token == ""
}
