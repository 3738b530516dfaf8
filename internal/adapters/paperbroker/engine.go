// Package paperbroker implements ports.Broker as an in-process matching
// engine driven by the tick stream. It models cash-limited, randomized
// partial fills so paper sessions exercise the same fill-handling paths a
// live brokerage would.
package paperbroker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

// Config controls the simulation.
type Config struct {
	// InitialCash is the opening account balance.
	InitialCash float64
	// LimitOrderWindow bounds how long a resting limit order stays working
	// before the engine cancels it. Zero disables the auto-cancel.
	LimitOrderWindow time.Duration
	// Rand drives slice counts and price perturbation. Nil gets a
	// time-seeded source; tests inject a fixed seed.
	Rand *rand.Rand
}

type simOrder struct {
	req       ports.OrderRequest
	status    domain.OrderStatus
	filledQty int
	avgPrice  float64
}

// Engine is the simulated matching engine. All state is guarded by a single
// mutex; fill callbacks are dispatched outside the lock on a dedicated
// goroutine per batch so a slow or panicking handler cannot stall matching.
type Engine struct {
	cfg    Config
	logger ports.Logger

	mu           sync.Mutex
	cash         float64
	ltp          map[string]float64   // symbol -> last traded price
	held         map[string]int       // symbol -> quantity bought and not yet sold
	orders       map[string]*simOrder // all orders ever accepted
	awaitMarket  map[string]struct{}  // market orders waiting for a first price
	pendingLimit map[string]struct{}
	pendingStop  map[string]struct{}
	rng          *rand.Rand

	handlerMu sync.RWMutex
	handler   func(ports.OrderFilledEvent)
}

// New builds an engine with the given starting cash.
func New(cfg Config, logger ports.Logger) (*Engine, error) {
	if cfg.InitialCash <= 0 {
		return nil, fmt.Errorf("%w: initial cash must be positive", ports.ErrInvalidConfiguration)
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		cash:         cfg.InitialCash,
		ltp:          make(map[string]float64),
		held:         make(map[string]int),
		orders:       make(map[string]*simOrder),
		awaitMarket:  make(map[string]struct{}),
		pendingLimit: make(map[string]struct{}),
		pendingStop:  make(map[string]struct{}),
		rng:          rng,
	}, nil
}

// SetOrderFilledHandler registers the single fill callback.
func (e *Engine) SetOrderFilledHandler(handler func(ports.OrderFilledEvent)) {
	e.handlerMu.Lock()
	e.handler = handler
	e.handlerMu.Unlock()
}

// PlaceOrder accepts an order and attempts to match it against the last
// traded price. Market orders with no price yet are parked until the first
// tick. An order that cannot fill at all -- a buy with no cash, a sell with
// no holdings -- is REJECTED.
func (e *Engine) PlaceOrder(ctx context.Context, req ports.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: order quantity must be positive", ports.ErrInvalidState)
	}
	if req.Contract.IsZero() {
		return "", fmt.Errorf("%w: order has no contract", ports.ErrInvalidState)
	}
	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	e.mu.Lock()
	if _, exists := e.orders[orderID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: duplicate order id %s", ports.ErrInvalidState, orderID)
	}
	ord := &simOrder{req: req, status: domain.OrderPending}
	ord.req.OrderID = orderID
	e.orders[orderID] = ord

	var events []ports.OrderFilledEvent
	switch req.Kind {
	case domain.Market:
		price, ok := e.ltp[req.Contract.Symbol]
		if !ok || price <= 0 {
			e.awaitMarket[orderID] = struct{}{}
			break
		}
		events = e.matchLocked(orderID, ord, price, true)
		if ord.filledQty == 0 {
			ord.status = domain.OrderRejected
			e.mu.Unlock()
			return orderID, fmt.Errorf("%w: insufficient funds or holdings for order %s", ports.ErrBrokerRejected, orderID)
		}
	case domain.Limit:
		price, ok := e.ltp[req.Contract.Symbol]
		if ok && limitCrossed(req.Side, price, req.Price) {
			events = e.matchLocked(orderID, ord, limitFillPrice(req.Side, price, req.Price), false)
		}
		if !ord.status.IsTerminal() && ord.filledQty < ord.req.Quantity {
			e.pendingLimit[orderID] = struct{}{}
			e.scheduleLimitExpiry(orderID)
		}
	case domain.Stop:
		if req.TriggerPrice <= 0 {
			e.mu.Unlock()
			return "", fmt.Errorf("%w: stop order requires a trigger price", ports.ErrInvalidState)
		}
		e.pendingStop[orderID] = struct{}{}
	default:
		e.mu.Unlock()
		return "", fmt.Errorf("%w: unsupported order kind %q", ports.ErrInvalidState, req.Kind)
	}
	e.mu.Unlock()

	e.emit(events)
	return orderID, nil
}

// CancelOrder removes a working order. Orders that are unknown or already
// terminal return ErrOrderNotFound, which callers treat as a race with a
// concurrent fill.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ord, ok := e.orders[orderID]
	if !ok || ord.status.IsTerminal() {
		return ports.ErrOrderNotFound
	}
	ord.status = domain.OrderCancelled
	delete(e.awaitMarket, orderID)
	delete(e.pendingLimit, orderID)
	delete(e.pendingStop, orderID)
	return nil
}

// OrderStatus reports an order's lifecycle status.
func (e *Engine) OrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[orderID]
	if !ok {
		return "", ports.ErrOrderNotFound
	}
	return ord.status, nil
}

// LTP returns the cached last traded price, 0 when none has been seen.
func (e *Engine) LTP(ctx context.Context, contract domain.Contract) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ltp[contract.Symbol], nil
}

// AccountBalance returns the remaining simulated cash.
func (e *Engine) AccountBalance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash, nil
}

// HeldQuantity returns how many units of a symbol have been bought and not
// yet sold back.
func (e *Engine) HeldQuantity(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held[symbol]
}

// OnTick feeds one market tick into the engine: the price cache is updated
// and every working order eligible at the new price is matched. Each order
// takes at most one fill path per tick.
func (e *Engine) OnTick(tick domain.Tick) {
	if tick.LTP <= 0 {
		return
	}
	symbol := tick.Contract.Symbol

	e.mu.Lock()
	e.ltp[symbol] = tick.LTP

	var events []ports.OrderFilledEvent
	for orderID := range e.awaitMarket {
		ord := e.orders[orderID]
		if ord.req.Contract.Symbol != symbol {
			continue
		}
		delete(e.awaitMarket, orderID)
		events = append(events, e.matchLocked(orderID, ord, tick.LTP, true)...)
		if ord.filledQty == 0 {
			ord.status = domain.OrderRejected
		}
	}
	for orderID := range e.pendingLimit {
		ord := e.orders[orderID]
		if ord.req.Contract.Symbol != symbol || !limitCrossed(ord.req.Side, tick.LTP, ord.req.Price) {
			continue
		}
		events = append(events, e.matchLocked(orderID, ord, limitFillPrice(ord.req.Side, tick.LTP, ord.req.Price), false)...)
		if ord.status.IsTerminal() || ord.filledQty >= ord.req.Quantity {
			delete(e.pendingLimit, orderID)
		}
	}
	for orderID := range e.pendingStop {
		ord := e.orders[orderID]
		if ord.req.Contract.Symbol != symbol || !stopTriggered(ord.req.Side, tick.LTP, ord.req.TriggerPrice) {
			continue
		}
		delete(e.pendingStop, orderID)
		events = append(events, e.matchLocked(orderID, ord, tick.LTP, true)...)
		if ord.filledQty == 0 {
			ord.status = domain.OrderRejected
		}
	}
	e.mu.Unlock()

	e.emit(events)
}

// matchLocked fills an order against the given reference price, splitting it
// into 1-3 randomized slices, honouring the cash balance on buys and the held
// quantity on sells. perturb enables the +/-1% per-slice price noise used for
// market-style executions. Returns the fill events to dispatch after the lock
// is released.
func (e *Engine) matchLocked(orderID string, ord *simOrder, refPrice float64, perturb bool) []ports.OrderFilledEvent {
	remaining := ord.req.Quantity - ord.filledQty
	if remaining <= 0 {
		return nil
	}

	slices := 1
	if remaining >= 50 {
		slices = 1 + e.rng.Intn(3)
	}

	var events []ports.OrderFilledEvent
	for i := 0; i < slices && remaining > 0; i++ {
		qty := remaining
		if i < slices-1 {
			// 30-70% of what is left, at least one unit.
			qty = int(float64(remaining) * (0.3 + e.rng.Float64()*0.4))
			if qty < 1 {
				qty = 1
			}
		}
		price := refPrice
		if perturb {
			price = refPrice * (1 + (e.rng.Float64()*2-1)*0.01)
		}

		symbol := ord.req.Contract.Symbol
		if ord.req.Side == domain.Buy {
			cost := price * float64(qty)
			if cost > e.cash {
				qty = int(e.cash / price)
				if qty <= 0 {
					break
				}
				cost = price * float64(qty)
			}
			e.cash -= cost
			e.held[symbol] += qty
		} else {
			if avail := e.held[symbol]; qty > avail {
				qty = avail
			}
			if qty <= 0 {
				break
			}
			e.cash += price * float64(qty)
			e.held[symbol] -= qty
		}

		prev := float64(ord.filledQty)
		ord.avgPrice = (ord.avgPrice*prev + price*float64(qty)) / (prev + float64(qty))
		ord.filledQty += qty
		remaining = ord.req.Quantity - ord.filledQty

		if ord.filledQty >= ord.req.Quantity {
			ord.status = domain.OrderFilled
		} else {
			ord.status = domain.OrderPartial
		}
		events = append(events, ports.OrderFilledEvent{
			OrderID:   orderID,
			Contract:  ord.req.Contract,
			FillPrice: ord.avgPrice,
			Quantity:  ord.req.Quantity,
			FilledQty: ord.filledQty,
			IsPartial: ord.filledQty < ord.req.Quantity,
		})
	}
	return events
}

// scheduleLimitExpiry cancels a limit order that is still working once the
// configured window elapses. Called with the lock held.
func (e *Engine) scheduleLimitExpiry(orderID string) {
	if e.cfg.LimitOrderWindow <= 0 {
		return
	}
	time.AfterFunc(e.cfg.LimitOrderWindow, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ord, ok := e.orders[orderID]
		if !ok || ord.status.IsTerminal() {
			return
		}
		if _, pending := e.pendingLimit[orderID]; !pending {
			return
		}
		ord.status = domain.OrderCancelled
		delete(e.pendingLimit, orderID)
		if e.logger != nil {
			e.logger.Info(context.Background(), "Limit order expired unfilled", map[string]interface{}{
				"orderID":   orderID,
				"filledQty": ord.filledQty,
			})
		}
	})
}

// emit dispatches fill events in order on a fresh goroutine, recovering from
// handler panics so matching keeps running.
func (e *Engine) emit(events []ports.OrderFilledEvent) {
	if len(events) == 0 {
		return
	}
	e.handlerMu.RLock()
	handler := e.handler
	e.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	go func() {
		for _, ev := range events {
			e.safeInvoke(handler, ev)
		}
	}()
}

func (e *Engine) safeInvoke(handler func(ports.OrderFilledEvent), ev ports.OrderFilledEvent) {
	defer func() {
		if r := recover(); r != nil && e.logger != nil {
			e.logger.Error(context.Background(), fmt.Errorf("panic: %v", r), "Order fill handler panicked", map[string]interface{}{
				"orderID": ev.OrderID,
			})
		}
	}()
	handler(ev)
}

func limitCrossed(side domain.OrderSide, ltp, limit float64) bool {
	if side == domain.Buy {
		return ltp <= limit
	}
	return ltp >= limit
}

func limitFillPrice(side domain.OrderSide, ltp, limit float64) float64 {
	if side == domain.Buy {
		if ltp < limit {
			return ltp
		}
		return limit
	}
	if ltp > limit {
		return ltp
	}
	return limit
}

// stopTriggered reports whether a stop order fires at the given price. Sell
// stops protect long positions and trigger when price falls to the trigger;
// buy stops trigger on a rise.
func stopTriggered(side domain.OrderSide, ltp, trigger float64) bool {
	if side == domain.Sell {
		return ltp <= trigger
	}
	return ltp >= trigger
}
