// Package tickfeed provides a synthetic market data source for paper
// sessions: a random-walk price per subscribed contract, published on a
// fixed tick interval.
package tickfeed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

const minPrice = 0.05 // exchange tick floor, prices never walk below this

// Config holds configuration for the synthetic feed.
type Config struct {
	// Underlying is the index contract whose ticks drive candles and
	// signals. It is subscribed implicitly.
	Underlying domain.Contract

	// StartPrice is the opening price of the underlying.
	StartPrice float64

	// TickInterval is the publish period. Defaults to 1s.
	TickInterval time.Duration

	// VolatilityPct is the half-width of the per-tick random move as a
	// percentage of the current price. Defaults to 0.05.
	VolatilityPct float64

	// PremiumPct prices a freshly subscribed option at intrinsic value plus
	// this percentage of spot as time value. Defaults to 0.5.
	PremiumPct float64

	// Rand, when set, makes the walk deterministic for tests.
	Rand *rand.Rand
}

// Feed implements ports.MarketData with simulated prices. Option contracts
// walk independently once subscribed; their starting price is derived from
// the underlying's current level.
type Feed struct {
	cfg    Config
	logger ports.Logger

	mu     sync.Mutex
	prices map[string]float64        // symbol -> current price
	subs   []domain.Contract         // publish order, underlying first
	rng    *rand.Rand
	active bool
}

// New validates the config and returns a feed with the underlying already
// subscribed.
func New(cfg Config, logger ports.Logger) (*Feed, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrInvalidConfiguration)
	}
	if cfg.Underlying.IsZero() {
		return nil, fmt.Errorf("%w: underlying contract is required", ports.ErrInvalidConfiguration)
	}
	if cfg.StartPrice <= 0 {
		return nil, fmt.Errorf("%w: start price must be positive, got %.2f", ports.ErrInvalidConfiguration, cfg.StartPrice)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.VolatilityPct <= 0 {
		cfg.VolatilityPct = 0.05
	}
	if cfg.PremiumPct <= 0 {
		cfg.PremiumPct = 0.5
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	f := &Feed{
		cfg:    cfg,
		logger: logger,
		prices: map[string]float64{cfg.Underlying.Symbol: cfg.StartPrice},
		subs:   []domain.Contract{cfg.Underlying},
		rng:    rng,
	}
	return f, nil
}

// Subscribe adds a contract to the publish set. Idempotent. Options are
// priced off the underlying's current level when first seen.
func (f *Feed) Subscribe(ctx context.Context, contract domain.Contract) error {
	if contract.IsZero() {
		return fmt.Errorf("%w: cannot subscribe to an empty contract", ports.ErrInvalidState)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.prices[contract.Symbol]; ok {
		return nil
	}
	f.prices[contract.Symbol] = f.seedPriceLocked(contract)
	f.subs = append(f.subs, contract)
	f.logger.Debug(ctx, "Tick feed subscription added", map[string]interface{}{
		"symbol":     contract.Symbol,
		"startPrice": f.prices[contract.Symbol],
	})
	return nil
}

// seedPriceLocked derives an option's opening premium from the current spot:
// intrinsic value plus a flat time-value slice.
func (f *Feed) seedPriceLocked(contract domain.Contract) float64 {
	spot := f.prices[f.cfg.Underlying.Symbol]
	if contract.StrikePrice <= 0 {
		return spot
	}
	var intrinsic float64
	switch contract.OptionType {
	case domain.Call:
		intrinsic = spot - contract.StrikePrice
	case domain.Put:
		intrinsic = contract.StrikePrice - spot
	}
	if intrinsic < 0 {
		intrinsic = 0
	}
	premium := intrinsic + spot*f.cfg.PremiumPct/100
	if premium < minPrice {
		premium = minPrice
	}
	return premium
}

// StreamTicks starts the publish loop. Each interval every subscribed
// contract takes one random step and is delivered to handler, underlying
// first. The loop runs until ctx is cancelled or stopCh is signalled; doneCh
// closes when it has fully stopped.
func (f *Feed) StreamTicks(ctx context.Context, handler func(domain.Tick), errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	if handler == nil {
		return nil, nil, fmt.Errorf("%w: tick handler is required", ports.ErrInvalidConfiguration)
	}

	f.mu.Lock()
	if f.active {
		f.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: tick stream already running", ports.ErrInvalidState)
	}
	f.active = true
	f.mu.Unlock()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		defer func() {
			f.mu.Lock()
			f.active = false
			f.mu.Unlock()
			close(doneCh)
		}()

		ticker := time.NewTicker(f.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				f.logger.Info(ctx, "Tick feed stopping: context cancelled")
				return
			case <-stopCh:
				f.logger.Info(ctx, "Tick feed stopping: stop signal received")
				return
			case now := <-ticker.C:
				for _, tick := range f.step(now) {
					func() {
						defer func() {
							if r := recover(); r != nil {
								err := fmt.Errorf("tick handler panicked: %v", r)
								f.logger.Error(ctx, err, "Recovered from tick handler panic", map[string]interface{}{
									"symbol": tick.Contract.Symbol,
								})
								if errHandler != nil {
									errHandler(err)
								}
							}
						}()
						handler(tick)
					}()
				}
			}
		}
	}()

	return doneCh, stopCh, nil
}

// step advances every subscribed price by one random move and returns the
// resulting ticks in subscription order.
func (f *Feed) step(now time.Time) []domain.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()

	ticks := make([]domain.Tick, 0, len(f.subs))
	for _, c := range f.subs {
		price := f.prices[c.Symbol]
		move := price * f.cfg.VolatilityPct / 100 * (2*f.rng.Float64() - 1)
		price += move
		if price < minPrice {
			price = minPrice
		}
		f.prices[c.Symbol] = price
		ticks = append(ticks, domain.Tick{Contract: c, LTP: price, Time: now})
	}
	return ticks
}

// LastPrice returns the feed's current price for a symbol, 0 if unknown.
func (f *Feed) LastPrice(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[symbol]
}
