// Package execution turns strategy signals into broker orders and reconciles
// the resulting fill stream into open positions and exits.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

// RiskGovernor is the slice of the risk governor the execution layer needs.
type RiskGovernor interface {
	CanTakeNewTrade() bool
	SizeOrder(ctx context.Context, entryPrice float64, lotSize int) int
	OnPositionOpened(orderID string, entryPrice float64, quantity int)
	OnPositionClosed(ctx context.Context, orderID string, exitPrice float64, quantity int, entryPrice float64)
}

// PositionLedger is the slice of the position ledger the execution layer
// needs.
type PositionLedger interface {
	ApplyEntryFill(ctx context.Context, contract domain.Contract, orderID string, quantity int, fillPrice float64)
	ApplyExitFill(ctx context.Context, contract domain.Contract, exitOrderID string, quantity int, exitPrice float64, reason domain.CloseReason)
	Open(symbol string) (domain.AggregatePosition, bool)
}

// Position is the controller's working view of one entry order, from
// submission until the exit controller finalizes it.
type Position struct {
	OrderID       string
	Contract      domain.Contract
	Signal        domain.Signal
	Quantity      int // requested
	FilledQty     int // accounted so far
	AvgEntryPrice float64
	Status        domain.OrderStatus
	PlacedAt      time.Time
}

// ControllerConfig tunes entry-order behaviour.
type ControllerConfig struct {
	// EntryKind is MARKET or LIMIT.
	EntryKind domain.OrderKind
	// LimitTolerancePct pads the limit price above the last traded price.
	LimitTolerancePct float64
	// OrderTimeout is how long a working entry may rest before the watchdog
	// cancels it.
	OrderTimeout time.Duration
	// MaxDriftPct cancels a resting LIMIT order once price has moved this far
	// from the limit, whichever of deadline/drift comes first.
	MaxDriftPct float64
	// LTPRetries bounds the wait for a first tradable price after
	// subscribing a freshly resolved contract.
	LTPRetries int
	// LTPInterval is the fixed delay between price polls.
	LTPInterval time.Duration
	// WatchdogInterval is how often the order watchdog re-checks order
	// status and price drift.
	WatchdogInterval time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.EntryKind == "" {
		c.EntryKind = domain.Market
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 30 * time.Second
	}
	if c.LTPRetries <= 0 {
		c.LTPRetries = 15
	}
	if c.LTPInterval <= 0 {
		c.LTPInterval = time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Second
	}
	return c
}

// Controller owns the entry-order state machine: PENDING -> PARTIAL ... ->
// FILLED | CANCELLED | REJECTED. It is the single writer of the
// open-position table; fills are applied as deltas so replaying a broker
// event never double-counts.
type Controller struct {
	cfg      ControllerConfig
	broker   ports.Broker
	market   ports.MarketData
	resolver ports.ContractResolver
	governor RiskGovernor
	ledger   PositionLedger
	store    ports.PositionStore
	logger   ports.Logger

	mu        sync.Mutex
	open      map[string]*Position     // order id -> working view
	watchdogs map[string]chan struct{} // order id -> stop channel
	fillSeq   map[string]int           // order id -> fills recorded
}

// NewController wires the controller. store may be nil for memory-only runs.
func NewController(
	cfg ControllerConfig,
	broker ports.Broker,
	market ports.MarketData,
	resolver ports.ContractResolver,
	governor RiskGovernor,
	ledger PositionLedger,
	store ports.PositionStore,
	logger ports.Logger,
) (*Controller, error) {
	if broker == nil || market == nil || resolver == nil || governor == nil || ledger == nil || logger == nil {
		return nil, fmt.Errorf("%w: controller requires broker, market data, resolver, governor, ledger and logger", ports.ErrInvalidConfiguration)
	}
	cfg = cfg.withDefaults()
	if cfg.EntryKind != domain.Market && cfg.EntryKind != domain.Limit {
		return nil, fmt.Errorf("%w: unsupported entry order kind %q", ports.ErrInvalidConfiguration, cfg.EntryKind)
	}
	return &Controller{
		cfg:       cfg,
		broker:    broker,
		market:    market,
		resolver:  resolver,
		governor:  governor,
		ledger:    ledger,
		store:     store,
		logger:    logger,
		open:      make(map[string]*Position),
		watchdogs: make(map[string]chan struct{}),
		fillSeq:   make(map[string]int),
	}, nil
}

// OnSignal sizes and submits one entry order for a strategy signal. Soft
// failures (no contract, no price, zero quantity, broker rejection) drop the
// signal with a log line; only the next signal retries.
func (c *Controller) OnSignal(ctx context.Context, signal domain.Signal, spotPrice float64) error {
	if !c.governor.CanTakeNewTrade() {
		c.logger.Info(ctx, "Trading disabled, signal dropped", map[string]interface{}{"signal": signal})
		return nil
	}
	if !signal.IsValid() {
		c.logger.Warn(ctx, "Unrecognized signal dropped", map[string]interface{}{"signal": signal})
		return nil
	}

	contract, err := c.resolver.Resolve(signal, spotPrice)
	if err != nil {
		c.logger.Error(ctx, err, "Contract resolution failed, signal dropped", map[string]interface{}{
			"signal": signal,
			"spot":   spotPrice,
		})
		return nil
	}

	if err := c.market.Subscribe(ctx, contract); err != nil {
		c.logger.Error(ctx, err, "Subscription failed, signal dropped", map[string]interface{}{"symbol": contract.Symbol})
		return nil
	}

	ltp, err := c.waitForPrice(ctx, contract)
	if err != nil {
		c.logger.Warn(ctx, "No tradable price, signal dropped", map[string]interface{}{
			"symbol": contract.Symbol,
			"error":  err.Error(),
		})
		return nil
	}

	quantity := c.governor.SizeOrder(ctx, ltp, contract.LotSize)
	if quantity <= 0 {
		c.logger.Info(ctx, "Sized quantity is zero, signal dropped", map[string]interface{}{
			"symbol": contract.Symbol,
			"ltp":    ltp,
		})
		return nil
	}

	orderID := uuid.NewString()
	req := ports.OrderRequest{
		Contract: contract,
		Side:     domain.Buy,
		Quantity: quantity,
		Kind:     c.cfg.EntryKind,
		OrderID:  orderID,
	}
	if c.cfg.EntryKind == domain.Limit {
		req.Price = ltp * (1 + c.cfg.LimitTolerancePct/100)
	}

	now := time.Now().UTC()
	pos := &Position{
		OrderID:  orderID,
		Contract: contract,
		Signal:   signal,
		Quantity: quantity,
		Status:   domain.OrderPending,
		PlacedAt: now,
	}

	// Register before PlaceOrder: the fill callback may fire before the
	// broker call returns.
	c.mu.Lock()
	c.open[orderID] = pos
	c.mu.Unlock()

	c.saveOrderRecord(ctx, pos, req)

	if _, err := c.broker.PlaceOrder(ctx, req); err != nil {
		c.logger.Error(ctx, err, "Order placement failed", map[string]interface{}{
			"orderID": orderID,
			"symbol":  contract.Symbol,
		})
		c.mu.Lock()
		if cur, ok := c.open[orderID]; ok && cur.FilledQty == 0 {
			cur.Status = domain.OrderRejected
			delete(c.open, orderID)
		}
		c.mu.Unlock()
		c.updateOrderRecord(ctx, orderID, domain.OrderRejected, 0, 0)
		return nil
	}

	c.logger.Info(ctx, "Entry order placed", map[string]interface{}{
		"orderID":  orderID,
		"symbol":   contract.Symbol,
		"signal":   signal,
		"quantity": quantity,
		"kind":     req.Kind,
		"price":    req.Price,
	})

	// Market orders get a watchdog too: a parked order the broker later
	// rejects produces no fill callback, and the watchdog reaps it.
	c.startWatchdog(orderID, req.Price)
	return nil
}

// OnOrderFilled applies one broker fill event. Events carry cumulative
// filled quantity, so only the delta beyond what has already been accounted
// is applied; replaying an event is a no-op.
func (c *Controller) OnOrderFilled(ctx context.Context, event ports.OrderFilledEvent) {
	c.mu.Lock()
	pos, ok := c.open[event.OrderID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug(ctx, "Fill for untracked order ignored", map[string]interface{}{"orderID": event.OrderID})
		return
	}

	delta := event.FilledQty - pos.FilledQty
	if delta <= 0 {
		c.mu.Unlock()
		return
	}

	// The event's FillPrice is the running average across all fills; recover
	// the latest slice's price from the two averages.
	slicePrice := event.FillPrice
	if delta != event.FilledQty {
		slicePrice = (event.FillPrice*float64(event.FilledQty) - pos.AvgEntryPrice*float64(pos.FilledQty)) / float64(delta)
	}

	prev := float64(pos.FilledQty)
	pos.AvgEntryPrice = (pos.AvgEntryPrice*prev + slicePrice*float64(delta)) / (prev + float64(delta))
	pos.FilledQty = event.FilledQty
	if pos.FilledQty >= pos.Quantity {
		pos.Status = domain.OrderFilled
	} else {
		pos.Status = domain.OrderPartial
	}
	c.fillSeq[event.OrderID]++
	fillNumber := c.fillSeq[event.OrderID]
	snapshot := *pos
	c.mu.Unlock()

	if snapshot.Status == domain.OrderFilled {
		c.stopWatchdog(event.OrderID)
	}

	c.ledger.ApplyEntryFill(ctx, snapshot.Contract, snapshot.OrderID, delta, slicePrice)
	c.governor.OnPositionOpened(snapshot.OrderID, snapshot.AvgEntryPrice, snapshot.FilledQty)

	c.logger.Info(ctx, "Entry fill applied", map[string]interface{}{
		"orderID":    snapshot.OrderID,
		"symbol":     snapshot.Contract.Symbol,
		"delta":      delta,
		"filledQty":  snapshot.FilledQty,
		"avgPrice":   snapshot.AvgEntryPrice,
		"fillNumber": fillNumber,
		"status":     snapshot.Status,
	})

	c.saveTradeRecord(ctx, &snapshot, delta, slicePrice, fillNumber)
	c.updateOrderRecord(ctx, snapshot.OrderID, snapshot.Status, snapshot.FilledQty, snapshot.AvgEntryPrice)
}

// OnOrderExit removes a finalized position from the open set. Called by the
// exit controller; unknown ids are a benign race.
func (c *Controller) OnOrderExit(orderID string) {
	c.mu.Lock()
	delete(c.open, orderID)
	delete(c.fillSeq, orderID)
	c.mu.Unlock()
	c.stopWatchdog(orderID)
}

// OpenPosition returns a snapshot of the working view for an order id.
func (c *Controller) OpenPosition(orderID string) (Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.open[orderID]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// OpenPositions returns snapshots of every tracked position.
func (c *Controller) OpenPositions() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.open))
	for _, pos := range c.open {
		out = append(out, *pos)
	}
	return out
}

// Shutdown stops all watchdog goroutines.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	for orderID, stop := range c.watchdogs {
		close(stop)
		delete(c.watchdogs, orderID)
	}
	c.mu.Unlock()
}

// waitForPrice polls the broker for a usable last traded price with a
// bounded number of fixed-interval retries.
func (c *Controller) waitForPrice(ctx context.Context, contract domain.Contract) (float64, error) {
	b := &backoff.Backoff{
		Min:    c.cfg.LTPInterval,
		Max:    c.cfg.LTPInterval,
		Factor: 1,
	}
	for attempt := 0; attempt < c.cfg.LTPRetries; attempt++ {
		ltp, err := c.broker.LTP(ctx, contract)
		if err == nil && ltp > 0 {
			return ltp, nil
		}
		if err != nil {
			c.logger.Debug(ctx, "Price poll failed", map[string]interface{}{
				"symbol":  contract.Symbol,
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return 0, fmt.Errorf("%w: no price for %s after %d attempts", ports.ErrPriceUnavailable, contract.Symbol, c.cfg.LTPRetries)
}

// startWatchdog monitors one working entry order: it cancels a resting order
// when the deadline elapses or price drifts too far from the limit, and reaps
// orders the broker terminated without a single fill. The goroutine is keyed
// by order id and stopped deterministically on terminal transitions. A zero
// limitPrice (market entries) disables the drift check.
func (c *Controller) startWatchdog(orderID string, limitPrice float64) {
	stop := make(chan struct{})
	c.mu.Lock()
	if _, exists := c.watchdogs[orderID]; exists {
		c.mu.Unlock()
		close(stop)
		return
	}
	c.watchdogs[orderID] = stop
	c.mu.Unlock()

	go c.runWatchdog(orderID, limitPrice, stop)
}

func (c *Controller) runWatchdog(orderID string, limitPrice float64, stop chan struct{}) {
	ctx := context.Background()
	deadline := time.NewTimer(c.cfg.OrderTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
			c.cancelRestingOrder(ctx, orderID, "timeout")
			return
		case <-ticker.C:
			status, err := c.broker.OrderStatus(ctx, orderID)
			if err == nil && status.IsTerminal() {
				c.clearWatchdog(orderID)
				if status != domain.OrderFilled {
					c.reapDeadOrder(ctx, orderID, status)
				}
				return
			}
			if c.cfg.MaxDriftPct <= 0 || limitPrice <= 0 {
				continue
			}
			c.mu.Lock()
			pos, ok := c.open[orderID]
			var contract domain.Contract
			if ok {
				contract = pos.Contract
			}
			c.mu.Unlock()
			if !ok {
				c.clearWatchdog(orderID)
				return
			}
			ltp, err := c.broker.LTP(ctx, contract)
			if err != nil || ltp <= 0 {
				continue
			}
			driftPct := (ltp - limitPrice) / limitPrice * 100
			if driftPct < 0 {
				driftPct = -driftPct
			}
			if driftPct >= c.cfg.MaxDriftPct {
				c.cancelRestingOrder(ctx, orderID, "price drift")
				return
			}
		}
	}
}

// cancelRestingOrder cancels a LIMIT order that timed out or drifted. A
// concurrent fill wins the race: ErrOrderNotFound and already-filled orders
// are left alone.
func (c *Controller) cancelRestingOrder(ctx context.Context, orderID, cause string) {
	c.clearWatchdog(orderID)

	if err := c.broker.CancelOrder(ctx, orderID); err != nil {
		c.logger.Debug(ctx, "Cancel lost race with fill", map[string]interface{}{
			"orderID": orderID,
			"cause":   cause,
		})
		return
	}

	c.mu.Lock()
	pos, ok := c.open[orderID]
	cancelled := false
	if ok && pos.FilledQty == 0 {
		pos.Status = domain.OrderCancelled
		delete(c.open, orderID)
		delete(c.fillSeq, orderID)
		cancelled = true
	}
	c.mu.Unlock()

	if cancelled {
		c.logger.Info(ctx, "Resting limit order cancelled", map[string]interface{}{
			"orderID": orderID,
			"cause":   cause,
		})
		c.updateOrderRecord(ctx, orderID, domain.OrderCancelled, 0, 0)
	}
}

// reapDeadOrder drops a position whose order the broker rejected or cancelled
// without a single fill, so it does not sit PENDING in the open set forever.
// Partially filled positions are left for the exit path to flatten.
func (c *Controller) reapDeadOrder(ctx context.Context, orderID string, status domain.OrderStatus) {
	c.mu.Lock()
	pos, ok := c.open[orderID]
	reaped := false
	if ok && pos.FilledQty == 0 {
		pos.Status = status
		delete(c.open, orderID)
		delete(c.fillSeq, orderID)
		reaped = true
	}
	c.mu.Unlock()

	if reaped {
		c.logger.Warn(ctx, "Entry order died unfilled", map[string]interface{}{
			"orderID": orderID,
			"status":  status,
		})
		c.updateOrderRecord(ctx, orderID, status, 0, 0)
	}
}

func (c *Controller) stopWatchdog(orderID string) {
	c.mu.Lock()
	stop, ok := c.watchdogs[orderID]
	if ok {
		delete(c.watchdogs, orderID)
	}
	c.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (c *Controller) clearWatchdog(orderID string) {
	c.mu.Lock()
	delete(c.watchdogs, orderID)
	c.mu.Unlock()
}

// --- store write-through; failures are soft ---

func (c *Controller) saveOrderRecord(ctx context.Context, pos *Position, req ports.OrderRequest) {
	if c.store == nil {
		return
	}
	rec := &domain.OrderRecord{
		OrderID:   pos.OrderID,
		Symbol:    pos.Contract.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		Signal:    pos.Signal,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    domain.OrderPending,
		PlacedAt:  pos.PlacedAt,
		UpdatedAt: pos.PlacedAt,
	}
	if err := c.store.SaveOrder(ctx, rec); err != nil {
		c.logger.Error(ctx, err, "Failed to persist order", map[string]interface{}{"orderID": pos.OrderID})
	}
}

func (c *Controller) updateOrderRecord(ctx context.Context, orderID string, status domain.OrderStatus, filledQty int, filledPrice float64) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateOrder(ctx, orderID, status, filledQty, filledPrice); err != nil {
		c.logger.Error(ctx, err, "Failed to update order", map[string]interface{}{"orderID": orderID})
	}
}

func (c *Controller) saveTradeRecord(ctx context.Context, pos *Position, delta int, price float64, fillNumber int) {
	if c.store == nil {
		return
	}
	rec := &domain.TradeRecord{
		OrderID:    pos.OrderID,
		Type:       domain.TradeEntry,
		Symbol:     pos.Contract.Symbol,
		Price:      price,
		Quantity:   delta,
		FillNumber: fillNumber,
		EntryPrice: pos.AvgEntryPrice,
		Time:       time.Now().UTC(),
	}
	if err := c.store.SaveTrade(ctx, rec); err != nil {
		c.logger.Error(ctx, err, "Failed to persist entry trade", map[string]interface{}{"orderID": pos.OrderID})
	}
}
