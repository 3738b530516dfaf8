// Package indicators holds streaming technical indicators computed candle by
// candle.
package indicators

import "fmt"

// EMA is a streaming exponential moving average. The first value is seeded
// with a simple moving average over the initial period, then each update
// applies the standard smoothing multiplier 2/(period+1).
type EMA struct {
	period     int
	multiplier float64
	seed       []float64
	value      float64
	ready      bool
}

// NewEMA validates the period and returns an empty indicator.
func NewEMA(period int) (*EMA, error) {
	if period <= 0 {
		return nil, fmt.Errorf("EMA period must be positive, got %d", period)
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
		seed:       make([]float64, 0, period),
	}, nil
}

// Update folds one closing price into the average and returns the current
// value. ok is false until the seeding window has filled.
func (e *EMA) Update(close float64) (value float64, ok bool) {
	if !e.ready {
		e.seed = append(e.seed, close)
		if len(e.seed) < e.period {
			return 0, false
		}
		total := 0.0
		for _, v := range e.seed {
			total += v
		}
		e.value = total / float64(e.period)
		e.seed = nil
		e.ready = true
		return e.value, true
	}
	e.value = (close-e.value)*e.multiplier + e.value
	return e.value, true
}

// Value returns the current average; ok is false before seeding completes.
func (e *EMA) Value() (float64, bool) {
	return e.value, e.ready
}

// RequiredDataPoints returns the number of candles needed before the first
// value.
func (e *EMA) RequiredDataPoints() int {
	return e.period
}
