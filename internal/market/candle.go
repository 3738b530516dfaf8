// Package market holds the session-time and instrument plumbing around the
// execution core: candle aggregation, the market clock and option contract
// selection.
package market

import (
	"time"

	"optionbot/internal/domain"
)

// CandleAggregator buckets ticks into fixed-interval OHLC candles. A candle
// is emitted when the first tick of the next bucket arrives, so candle close
// always trails the wall clock by at most one tick. Not safe for concurrent
// use; the tick flow is single-threaded.
type CandleAggregator struct {
	symbol   string
	interval time.Duration
	current  *domain.Candle
}

// NewCandleAggregator buckets ticks for one symbol at the given interval.
func NewCandleAggregator(symbol string, interval time.Duration) *CandleAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CandleAggregator{symbol: symbol, interval: interval}
}

// Apply folds one tick into the current bucket. When the tick starts a new
// bucket the finished candle is returned with ok=true.
func (a *CandleAggregator) Apply(tick domain.Tick) (closed domain.Candle, ok bool) {
	if tick.Contract.Symbol != a.symbol || tick.LTP <= 0 {
		return domain.Candle{}, false
	}

	bucketStart := tick.Time.Truncate(a.interval)
	if a.current == nil {
		a.current = a.newCandle(bucketStart, tick.LTP)
		return domain.Candle{}, false
	}

	if bucketStart.After(a.current.StartTime) {
		finished := *a.current
		a.current = a.newCandle(bucketStart, tick.LTP)
		return finished, true
	}

	a.current.Close = tick.LTP
	if tick.LTP > a.current.High {
		a.current.High = tick.LTP
	}
	if tick.LTP < a.current.Low {
		a.current.Low = tick.LTP
	}
	return domain.Candle{}, false
}

// Current returns a copy of the in-progress candle, ok=false before the
// first tick.
func (a *CandleAggregator) Current() (domain.Candle, bool) {
	if a.current == nil {
		return domain.Candle{}, false
	}
	return *a.current, true
}

func (a *CandleAggregator) newCandle(start time.Time, price float64) *domain.Candle {
	return &domain.Candle{
		Symbol:    a.symbol,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		StartTime: start,
		EndTime:   start.Add(a.interval),
	}
}
