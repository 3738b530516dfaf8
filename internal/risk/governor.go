package risk

import (
	"context"
	"fmt"
	"math"
	"sync"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

// Config holds the governor's risk parameters.
type Config struct {
	MaxDailyLoss float64           // kill-switch threshold on |realized PnL|
	SizingMode   domain.SizingMode // fixed_lot or percent
	SizingValue  float64           // lots for fixed_lot, percent of capital otherwise
}

// Governor tracks available capital and realized PnL, sizes new orders and
// enforces the daily-loss kill switch. All state is in memory; the only I/O
// is the lazy opening-balance query against the broker.
type Governor struct {
	cfg    Config
	broker ports.Broker
	logger ports.Logger

	mu             sync.Mutex
	openingCapital float64
	capitalSet     bool
	realizedPnL    float64
	tradingEnabled bool
	open           map[string]openEntry // orderID -> registration
}

type openEntry struct {
	entryPrice float64
	quantity   int
}

// NewGovernor validates the sizing configuration and returns a governor.
// An unknown sizing mode is a startup-fatal ErrInvalidConfiguration.
func NewGovernor(cfg Config, broker ports.Broker, logger ports.Logger) (*Governor, error) {
	if broker == nil || logger == nil {
		return nil, fmt.Errorf("%w: governor requires broker and logger", ports.ErrInvalidConfiguration)
	}
	switch cfg.SizingMode {
	case domain.SizeFixedLot, domain.SizePercent:
	default:
		return nil, fmt.Errorf("%w: unknown position sizing mode %q", ports.ErrInvalidConfiguration, cfg.SizingMode)
	}
	if cfg.MaxDailyLoss <= 0 {
		return nil, fmt.Errorf("%w: max daily loss must be positive", ports.ErrInvalidConfiguration)
	}
	return &Governor{
		cfg:            cfg,
		broker:         broker,
		logger:         logger,
		tradingEnabled: true,
		open:           make(map[string]openEntry),
	}, nil
}

// AvailableCapital returns opening capital plus cumulative realized PnL,
// floored at zero. Opening capital is captured from the broker on first use.
func (g *Governor) AvailableCapital(ctx context.Context) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.availableCapitalLocked(ctx)
}

func (g *Governor) availableCapitalLocked(ctx context.Context) float64 {
	if !g.capitalSet {
		balance, err := g.broker.AccountBalance(ctx)
		if err != nil {
			g.logger.Error(ctx, err, "Failed to capture opening capital, treating as zero")
			return 0
		}
		g.openingCapital = balance
		g.capitalSet = true
		g.logger.Info(ctx, "Opening capital captured", map[string]interface{}{"capital": balance})
	}
	return math.Max(0, g.openingCapital+g.realizedPnL)
}

// CanTakeNewTrade reports whether the kill switch has not fired.
func (g *Governor) CanTakeNewTrade() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tradingEnabled
}

// RealizedPnL returns the cumulative realized PnL for the session.
func (g *Governor) RealizedPnL() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.realizedPnL
}

// SizeOrder converts an entry price into an order quantity.
// fixed_lot returns value*lotSize unconditionally; percent spends
// value% of available capital in whole lots, returning 0 when that rounds
// down to no lots. An entry price <= 0 always yields 0.
func (g *Governor) SizeOrder(ctx context.Context, entryPrice float64, lotSize int) int {
	if entryPrice <= 0 || lotSize <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.cfg.SizingMode {
	case domain.SizeFixedLot:
		return int(g.cfg.SizingValue) * lotSize
	case domain.SizePercent:
		capitalToUse := g.availableCapitalLocked(ctx) * g.cfg.SizingValue / 100
		maxLots := int(capitalToUse / (entryPrice * float64(lotSize)))
		if maxLots <= 0 {
			return 0
		}
		return maxLots * lotSize
	}
	// Unreachable: the mode is validated in NewGovernor.
	return 0
}

// OnPositionOpened registers a filled entry for later closing accounting.
// Safe to call repeatedly as partial fills refine the entry price.
func (g *Governor) OnPositionOpened(orderID string, entryPrice float64, quantity int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open[orderID] = openEntry{entryPrice: entryPrice, quantity: quantity}
}

// OnPositionClosed books the realized PnL of an exit and fires the kill
// switch when cumulative losses reach the daily limit. The entry price is
// supplied by the caller (the ledger's view), not recomputed here, so the
// two components cannot drift.
func (g *Governor) OnPositionClosed(ctx context.Context, orderID string, exitPrice float64, quantity int, entryPrice float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.open[orderID]; !ok {
		// Benign race with a duplicate exit notification.
		g.logger.Debug(ctx, "Position close for unregistered order ignored", map[string]interface{}{"orderID": orderID})
		return
	}
	delete(g.open, orderID)

	pnl := (exitPrice - entryPrice) * float64(quantity)
	g.realizedPnL += pnl
	g.logger.Info(ctx, "Realized PnL updated", map[string]interface{}{
		"orderID": orderID,
		"pnl":     pnl,
		"total":   g.realizedPnL,
	})

	if g.tradingEnabled && math.Abs(g.realizedPnL) >= g.cfg.MaxDailyLoss {
		g.tradingEnabled = false
		g.logger.Warn(ctx, "Daily loss limit reached, trading disabled for the session", map[string]interface{}{
			"realizedPnL":  g.realizedPnL,
			"maxDailyLoss": g.cfg.MaxDailyLoss,
		})
	}
}
