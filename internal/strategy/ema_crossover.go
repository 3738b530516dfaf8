// Package strategy contains signal generators that consume closed candles of
// the underlying index.
package strategy

import (
	"context"
	"fmt"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
	"optionbot/internal/strategy/indicators"
)

// EMACrossoverConfig parameterizes the crossover strategy.
type EMACrossoverConfig struct {
	FastPeriod int
	SlowPeriod int
}

// Validate checks the configuration values.
func (c EMACrossoverConfig) Validate() error {
	if c.FastPeriod <= 0 {
		return fmt.Errorf("%w: fast EMA period must be positive, got %d", ports.ErrInvalidConfiguration, c.FastPeriod)
	}
	if c.SlowPeriod <= 0 {
		return fmt.Errorf("%w: slow EMA period must be positive, got %d", ports.ErrInvalidConfiguration, c.SlowPeriod)
	}
	if c.FastPeriod >= c.SlowPeriod {
		return fmt.Errorf("%w: fast EMA period (%d) must be less than slow EMA period (%d)",
			ports.ErrInvalidConfiguration, c.FastPeriod, c.SlowPeriod)
	}
	return nil
}

// EMACrossover emits BUY_CE when the fast EMA crosses above the slow EMA and
// BUY_PE when it crosses below. It holds no position state; the execution
// layer decides what to do with each signal.
type EMACrossover struct {
	cfg    EMACrossoverConfig
	logger ports.Logger

	fast *indicators.EMA
	slow *indicators.EMA

	prevFast float64
	prevSlow float64
	primed   bool // both EMAs produced at least one prior value
}

// NewEMACrossover validates the config and builds the strategy.
func NewEMACrossover(cfg EMACrossoverConfig, logger ports.Logger) (*EMACrossover, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrInvalidConfiguration)
	}
	fast, err := indicators.NewEMA(cfg.FastPeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidConfiguration, err)
	}
	slow, err := indicators.NewEMA(cfg.SlowPeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidConfiguration, err)
	}
	return &EMACrossover{
		cfg:    cfg,
		logger: logger,
		fast:   fast,
		slow:   slow,
	}, nil
}

// OnCandle folds one closed candle into both averages and reports a signal
// when their ordering flipped since the previous candle.
func (s *EMACrossover) OnCandle(candle domain.Candle) domain.Signal {
	fastVal, fastOK := s.fast.Update(candle.Close)
	slowVal, slowOK := s.slow.Update(candle.Close)
	if !fastOK || !slowOK {
		return ""
	}

	defer func() {
		s.prevFast = fastVal
		s.prevSlow = slowVal
		s.primed = true
	}()

	// The first candle where both EMAs exist establishes the baseline; a
	// crossover needs a previous ordering to compare against.
	if !s.primed {
		return ""
	}

	ctx := context.Background()
	if s.prevFast <= s.prevSlow && fastVal > slowVal {
		s.logger.Info(ctx, "Bullish EMA crossover", map[string]interface{}{
			"symbol": candle.Symbol,
			"close":  candle.Close,
			"fast":   fastVal,
			"slow":   slowVal,
		})
		return domain.SignalBuyCE
	}
	if s.prevFast >= s.prevSlow && fastVal < slowVal {
		s.logger.Info(ctx, "Bearish EMA crossover", map[string]interface{}{
			"symbol": candle.Symbol,
			"close":  candle.Close,
			"fast":   fastVal,
			"slow":   slowVal,
		})
		return domain.SignalBuyPE
	}
	return ""
}
