package domain

import "time"

// Tick is a single last-traded-price observation for a contract.
type Tick struct {
	Contract Contract
	LTP      float64
	Time     time.Time
}

// Candle is a fixed-interval OHLC aggregate built from ticks.
type Candle struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	StartTime time.Time
	EndTime   time.Time
}

// Fill is one execution slice of an order. Fills are append-only; the fills
// for an order must sum to at most the order quantity.
type Fill struct {
	OrderID  string
	Quantity int
	Price    float64
	Seq      int
	Time     time.Time
}
