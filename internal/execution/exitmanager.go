package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

// EntryView is the slice of the execution controller the exit manager needs:
// entry-price lookups for the fallback chain and exit notification.
type EntryView interface {
	OpenPosition(orderID string) (Position, bool)
	OnOrderExit(orderID string)
}

// ExitConfig tunes stop-loss, take-profit and trailing behaviour.
type ExitConfig struct {
	// SLPct places the initial stop this far below entry, in percent.
	SLPct float64
	// TPPct places the target this far above entry, in percent. Zero or
	// negative disables target exits.
	TPPct float64
	// TrailingEnabled raises the stop toward price*(1-SLPct/100) on candle
	// close.
	TrailingEnabled bool
	// BreakevenTriggerPct latches the stop to the entry price once profit
	// reaches this percentage. Zero or negative disables breakeven.
	BreakevenTriggerPct float64
	// MinStopMovePct is the minimum stop movement, in percent, before a
	// broker-side stop order is cancelled and replaced.
	MinStopMovePct float64
	// UseBrokerExits mirrors SL/TP as broker-side STOP/LIMIT orders. When a
	// placement fails the affected position falls back to software
	// monitoring; other positions are unaffected.
	UseBrokerExits bool
}

// exitState tracks one registered position: REGISTERED -> (tracking) ->
// EXITED. Only the exit manager mutates it.
type exitState struct {
	orderID    string
	contract   domain.Contract
	quantity   int
	entryPrice float64

	slPrice   float64
	tpPrice   float64 // +Inf when targets are disabled
	lastPrice float64
	highest   float64
	lowest    float64

	breakevenLatched bool
	softwareOnly     bool // broker-side placement failed for this position

	slOrderID string
	tpOrderID string
}

// ExitManager owns the exit lifecycle of every open position: initial SL/TP,
// breakeven latch, trailing stop, time-based square-off and exit
// finalization into the ledger and risk governor.
type ExitManager struct {
	cfg      ExitConfig
	broker   ports.Broker
	entries  EntryView
	governor RiskGovernor
	ledger   PositionLedger
	clock    ports.Clock
	store    ports.PositionStore
	logger   ports.Logger

	mu      sync.Mutex
	tracked map[string]*exitState // entry order id -> state
}

// NewExitManager wires the exit controller. store may be nil.
func NewExitManager(
	cfg ExitConfig,
	broker ports.Broker,
	entries EntryView,
	governor RiskGovernor,
	ledger PositionLedger,
	clock ports.Clock,
	store ports.PositionStore,
	logger ports.Logger,
) (*ExitManager, error) {
	if broker == nil || entries == nil || governor == nil || ledger == nil || clock == nil || logger == nil {
		return nil, fmt.Errorf("%w: exit manager requires broker, entry view, governor, ledger, clock and logger", ports.ErrInvalidConfiguration)
	}
	if cfg.SLPct <= 0 {
		return nil, fmt.Errorf("%w: stop loss percentage must be positive", ports.ErrInvalidConfiguration)
	}
	return &ExitManager{
		cfg:      cfg,
		broker:   broker,
		entries:  entries,
		governor: governor,
		ledger:   ledger,
		clock:    clock,
		store:    store,
		logger:   logger,
		tracked:  make(map[string]*exitState),
	}, nil
}

// RegisterPosition starts exit tracking for a filled (or partially filled)
// entry. The first call creates the state and places broker-side exits when
// configured; repeat calls for the same order id, as partial fills
// accumulate, refresh quantity and entry price and re-sync any broker-side
// exit legs so they cover the full filled quantity.
func (m *ExitManager) RegisterPosition(ctx context.Context, pos Position) error {
	if pos.AvgEntryPrice <= 0 {
		return fmt.Errorf("%w: position %s has no usable entry price", ports.ErrInvalidState, pos.OrderID)
	}

	m.mu.Lock()
	if st, ok := m.tracked[pos.OrderID]; ok {
		changed := st.quantity != pos.FilledQty || st.entryPrice != pos.AvgEntryPrice
		st.quantity = pos.FilledQty
		st.entryPrice = pos.AvgEntryPrice
		if changed {
			base := pos.AvgEntryPrice * (1 - m.cfg.SLPct/100)
			if st.breakevenLatched {
				base = pos.AvgEntryPrice
			}
			// The stop only ever rises; trailing gains survive the refresh.
			if base > st.slPrice {
				st.slPrice = base
			}
			if m.cfg.TPPct > 0 {
				st.tpPrice = pos.AvgEntryPrice * (1 + m.cfg.TPPct/100)
			}
		}
		needReplace := changed && m.cfg.UseBrokerExits && !st.softwareOnly && st.slOrderID != ""
		m.mu.Unlock()
		if needReplace {
			m.replaceBrokerExits(ctx, st)
		}
		return nil
	}

	entry := pos.AvgEntryPrice
	st := &exitState{
		orderID:    pos.OrderID,
		contract:   pos.Contract,
		quantity:   pos.FilledQty,
		entryPrice: entry,
		slPrice:    entry * (1 - m.cfg.SLPct/100),
		tpPrice:    math.Inf(1),
		lastPrice:  entry,
		highest:    entry,
		lowest:     entry,
	}
	if m.cfg.TPPct > 0 {
		st.tpPrice = entry * (1 + m.cfg.TPPct/100)
	}
	m.tracked[pos.OrderID] = st
	m.mu.Unlock()

	m.logger.Info(ctx, "Position registered for exit tracking", map[string]interface{}{
		"orderID": pos.OrderID,
		"symbol":  pos.Contract.Symbol,
		"entry":   entry,
		"sl":      st.slPrice,
		"tp":      st.tpPrice,
	})

	if m.cfg.UseBrokerExits {
		m.placeBrokerExits(ctx, st)
	}
	return nil
}

// placeBrokerExits mirrors SL (and TP when enabled) as broker orders. Any
// failure flips this position to software monitoring and best-effort cancels
// whatever was already placed.
func (m *ExitManager) placeBrokerExits(ctx context.Context, st *exitState) {
	slID := uuid.NewString()
	_, err := m.broker.PlaceOrder(ctx, ports.OrderRequest{
		Contract:     st.contract,
		Side:         domain.Sell,
		Quantity:     st.quantity,
		Kind:         domain.Stop,
		TriggerPrice: st.slPrice,
		OrderID:      slID,
	})
	if err != nil {
		m.logger.Warn(ctx, "Broker stop placement failed, software monitoring engaged", map[string]interface{}{
			"orderID": st.orderID,
			"error":   err.Error(),
		})
		m.mu.Lock()
		st.softwareOnly = true
		m.mu.Unlock()
		return
	}
	m.saveExitOrderRecord(ctx, st, slID, domain.Stop, 0, st.slPrice)

	var tpID string
	if !math.IsInf(st.tpPrice, 1) {
		tpID = uuid.NewString()
		_, err = m.broker.PlaceOrder(ctx, ports.OrderRequest{
			Contract: st.contract,
			Side:     domain.Sell,
			Quantity: st.quantity,
			Kind:     domain.Limit,
			Price:    st.tpPrice,
			OrderID:  tpID,
		})
		if err != nil {
			m.logger.Warn(ctx, "Broker target placement failed, software monitoring engaged", map[string]interface{}{
				"orderID": st.orderID,
				"error":   err.Error(),
			})
			if cancelErr := m.broker.CancelOrder(ctx, slID); cancelErr != nil {
				m.logger.Debug(ctx, "Stop cancel after failed target placement", map[string]interface{}{
					"orderID": st.orderID,
				})
			}
			m.mu.Lock()
			st.softwareOnly = true
			m.mu.Unlock()
			return
		}
		m.saveExitOrderRecord(ctx, st, tpID, domain.Limit, st.tpPrice, 0)
	}

	m.mu.Lock()
	st.slOrderID = slID
	st.tpOrderID = tpID
	m.mu.Unlock()
}

// replaceBrokerExits cancels both broker exit legs and places fresh ones
// after a partial-fill refresh changed the position's quantity or entry
// price. A cancel failure means the old leg just executed; the fill router
// finalizes the position and nothing new is placed.
func (m *ExitManager) replaceBrokerExits(ctx context.Context, st *exitState) {
	m.mu.Lock()
	slOrderID := st.slOrderID
	tpOrderID := st.tpOrderID
	m.mu.Unlock()

	if err := m.broker.CancelOrder(ctx, slOrderID); err != nil {
		m.logger.Debug(ctx, "Old stop cancel lost race", map[string]interface{}{"orderID": st.orderID})
		return
	}
	if tpOrderID != "" {
		if err := m.broker.CancelOrder(ctx, tpOrderID); err != nil {
			m.logger.Debug(ctx, "Old target cancel lost race", map[string]interface{}{"orderID": st.orderID})
			return
		}
	}

	m.mu.Lock()
	st.slOrderID = ""
	st.tpOrderID = ""
	m.mu.Unlock()

	m.placeBrokerExits(ctx, st)
}

// OnTick refreshes watermarks for positions on the ticked symbol and, for
// software-monitored positions, fires hard stop/target exits synchronously.
func (m *ExitManager) OnTick(ctx context.Context, tick domain.Tick) {
	type pendingExit struct {
		orderID string
		price   float64
		reason  domain.CloseReason
	}
	var exits []pendingExit

	m.mu.Lock()
	for _, st := range m.tracked {
		if st.contract.Symbol != tick.Contract.Symbol {
			continue
		}
		st.lastPrice = tick.LTP
		if tick.LTP > st.highest {
			st.highest = tick.LTP
		}
		if tick.LTP < st.lowest {
			st.lowest = tick.LTP
		}
		if !m.cfg.UseBrokerExits || st.softwareOnly {
			switch {
			case tick.LTP <= st.slPrice:
				exits = append(exits, pendingExit{st.orderID, tick.LTP, domain.CloseReasonStopLoss})
			case tick.LTP >= st.tpPrice:
				exits = append(exits, pendingExit{st.orderID, tick.LTP, domain.CloseReasonTakeProfit})
			}
		}
	}
	m.mu.Unlock()

	for _, e := range exits {
		if err := m.ExitPosition(ctx, e.orderID, "", e.price, e.reason); err != nil {
			m.logger.Error(ctx, err, "Tick-triggered exit failed", map[string]interface{}{"orderID": e.orderID})
		}
	}
}

// OnCandleClose recomputes stop levels once per aggregation interval, using
// each position's last observed price. Breakeven takes priority: once profit
// reaches the trigger the stop latches to the entry price permanently, and
// trailing no longer applies to that position. Trailing otherwise raises
// (never lowers) the stop toward lastPrice*(1-SLPct/100).
func (m *ExitManager) OnCandleClose(ctx context.Context, candle domain.Candle) {
	type stopMove struct {
		st      *exitState
		oldStop float64
		newStop float64
	}
	var moves []stopMove

	m.mu.Lock()
	for _, st := range m.tracked {
		price := st.lastPrice
		if price <= 0 {
			continue
		}
		oldStop := st.slPrice

		if !st.breakevenLatched && m.cfg.BreakevenTriggerPct > 0 &&
			price >= st.entryPrice*(1+m.cfg.BreakevenTriggerPct/100) {
			st.breakevenLatched = true
			if st.entryPrice > st.slPrice {
				st.slPrice = st.entryPrice
			}
		} else if m.cfg.TrailingEnabled && !st.breakevenLatched {
			candidate := price * (1 - m.cfg.SLPct/100)
			if candidate > st.slPrice {
				st.slPrice = candidate
			}
		}

		if st.slPrice != oldStop {
			moves = append(moves, stopMove{st, oldStop, st.slPrice})
		}
	}
	m.mu.Unlock()

	for _, mv := range moves {
		m.logger.Info(ctx, "Stop level updated", map[string]interface{}{
			"orderID":   mv.st.orderID,
			"oldStop":   mv.oldStop,
			"newStop":   mv.newStop,
			"breakeven": mv.st.breakevenLatched,
		})
		m.replaceBrokerStop(ctx, mv.st, mv.oldStop, mv.newStop)
	}
}

// replaceBrokerStop cancels and re-places the broker-side stop when the stop
// moved by at least the configured minimum percentage.
func (m *ExitManager) replaceBrokerStop(ctx context.Context, st *exitState, oldStop, newStop float64) {
	m.mu.Lock()
	slOrderID := st.slOrderID
	quantity := st.quantity
	contract := st.contract
	m.mu.Unlock()

	if !m.cfg.UseBrokerExits || slOrderID == "" {
		return
	}
	movedPct := math.Abs(newStop-oldStop) / oldStop * 100
	if movedPct < m.cfg.MinStopMovePct {
		return
	}

	if err := m.broker.CancelOrder(ctx, slOrderID); err != nil {
		// The old stop may have just executed; the fill router finalizes it.
		m.logger.Debug(ctx, "Old stop cancel lost race", map[string]interface{}{"orderID": st.orderID})
		return
	}

	newID := uuid.NewString()
	_, err := m.broker.PlaceOrder(ctx, ports.OrderRequest{
		Contract:     contract,
		Side:         domain.Sell,
		Quantity:     quantity,
		Kind:         domain.Stop,
		TriggerPrice: newStop,
		OrderID:      newID,
	})
	if err != nil {
		m.logger.Warn(ctx, "Stop replacement failed, software monitoring engaged", map[string]interface{}{
			"orderID": st.orderID,
			"error":   err.Error(),
		})
		m.mu.Lock()
		st.slOrderID = ""
		st.softwareOnly = true
		m.mu.Unlock()
		return
	}
	m.saveExitOrderRecord(ctx, st, newID, domain.Stop, 0, newStop)

	m.mu.Lock()
	st.slOrderID = newID
	m.mu.Unlock()
}

// CheckSquareoff force-exits every tracked position once the clock reaches
// the configured square-off time.
func (m *ExitManager) CheckSquareoff(ctx context.Context) {
	if !m.clock.IsSquareoffTime() {
		return
	}
	m.ExitAll(ctx, domain.CloseReasonSquareoff)
}

// ExitAll force-exits every tracked position at its last observed price.
// Used for square-off and process shutdown.
func (m *ExitManager) ExitAll(ctx context.Context, reason domain.CloseReason) {
	m.mu.Lock()
	type exitReq struct {
		orderID string
		price   float64
	}
	reqs := make([]exitReq, 0, len(m.tracked))
	for _, st := range m.tracked {
		reqs = append(reqs, exitReq{st.orderID, st.lastPrice})
	}
	m.mu.Unlock()

	for _, r := range reqs {
		if err := m.ExitPosition(ctx, r.orderID, "", r.price, reason); err != nil {
			m.logger.Error(ctx, err, "Forced exit failed", map[string]interface{}{
				"orderID": r.orderID,
				"reason":  reason,
			})
		}
	}
}

// MatchExitOrder reports whether a broker order id belongs to a tracked
// position's SL or TP order. The fill router uses it to finalize broker-side
// exits with the right reason.
func (m *ExitManager) MatchExitOrder(brokerOrderID string) (entryOrderID string, reason domain.CloseReason, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.tracked {
		switch brokerOrderID {
		case "":
			continue
		case st.slOrderID:
			return st.orderID, domain.CloseReasonStopLoss, true
		case st.tpOrderID:
			return st.orderID, domain.CloseReasonTakeProfit, true
		}
	}
	return "", "", false
}

// Tracked reports whether an entry order id is still under exit tracking.
func (m *ExitManager) Tracked(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[orderID]
	return ok
}

// ExitPosition finalizes one position. exitOrderID is the broker-side SL/TP
// order that filled, or "" when the exit is software-driven and a SELL
// MARKET order must be placed. Idempotent: a position no longer tracked is a
// benign no-op.
func (m *ExitManager) ExitPosition(ctx context.Context, orderID, exitOrderID string, exitPrice float64, reason domain.CloseReason) error {
	m.mu.Lock()
	st, ok := m.tracked[orderID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.tracked, orderID)
	snapshot := *st
	m.mu.Unlock()

	if exitPrice <= 0 {
		exitPrice = snapshot.lastPrice
	}
	if exitPrice <= 0 {
		if ltp, err := m.broker.LTP(ctx, snapshot.contract); err == nil && ltp > 0 {
			exitPrice = ltp
		}
	}
	entryPrice := m.resolveEntryPrice(ctx, orderID, &snapshot, exitPrice)

	// Software-driven exits flatten the position with a market sell; the
	// simulated engine (or live broker) books the cash movement.
	if exitOrderID == "" {
		exitOrderID = uuid.NewString()
		if _, err := m.broker.PlaceOrder(ctx, ports.OrderRequest{
			Contract: snapshot.contract,
			Side:     domain.Sell,
			Quantity: snapshot.quantity,
			Kind:     domain.Market,
			OrderID:  exitOrderID,
		}); err != nil {
			m.logger.Error(ctx, err, "Exit market order failed, booking exit at last price", map[string]interface{}{
				"orderID": orderID,
			})
		}
	}

	pnl := (exitPrice - entryPrice) * float64(snapshot.quantity)

	m.ledger.ApplyExitFill(ctx, snapshot.contract, exitOrderID, snapshot.quantity, exitPrice, reason)
	m.entries.OnOrderExit(orderID)
	m.governor.OnPositionClosed(ctx, orderID, exitPrice, snapshot.quantity, entryPrice)

	m.cancelResidualExitOrders(ctx, &snapshot, exitOrderID)

	m.logger.Info(ctx, "Position exited", map[string]interface{}{
		"orderID": orderID,
		"symbol":  snapshot.contract.Symbol,
		"reason":  reason,
		"entry":   entryPrice,
		"exit":    exitPrice,
		"pnl":     pnl,
	})

	m.saveExitTradeRecord(ctx, &snapshot, exitOrderID, entryPrice, exitPrice, pnl, reason)
	return nil
}

// resolveEntryPrice walks the fallback chain: exit state -> controller view
// -> ledger aggregate -> the exit price itself. The last resort books a
// zero-PnL exit and is logged loudly because it indicates lost entry data.
func (m *ExitManager) resolveEntryPrice(ctx context.Context, orderID string, st *exitState, exitPrice float64) float64 {
	if st.entryPrice > 0 {
		return st.entryPrice
	}
	if pos, ok := m.entries.OpenPosition(orderID); ok && pos.AvgEntryPrice > 0 {
		return pos.AvgEntryPrice
	}
	if agg, ok := m.ledger.Open(st.contract.Symbol); ok && agg.AvgEntryPrice > 0 {
		return agg.AvgEntryPrice
	}
	m.logger.Error(ctx, ports.ErrInvalidState, "Entry price unresolvable, booking zero-PnL exit", map[string]interface{}{
		"orderID": orderID,
		"symbol":  st.contract.Symbol,
	})
	return exitPrice
}

// cancelResidualExitOrders best-effort cancels whichever broker-side SL/TP
// orders are still open. ErrOrderNotFound is the expected outcome when the
// order already executed or was cancelled.
func (m *ExitManager) cancelResidualExitOrders(ctx context.Context, st *exitState, executedOrderID string) {
	for _, id := range []string{st.slOrderID, st.tpOrderID} {
		if id == "" || id == executedOrderID {
			continue
		}
		if err := m.broker.CancelOrder(ctx, id); err != nil {
			m.logger.Debug(ctx, "Residual exit order already terminal", map[string]interface{}{
				"orderID":       st.orderID,
				"brokerOrderID": id,
			})
		}
	}
}

func (m *ExitManager) saveExitOrderRecord(ctx context.Context, st *exitState, brokerOrderID string, kind domain.OrderKind, price, triggerPrice float64) {
	if m.store == nil {
		return
	}
	now := time.Now().UTC()
	rec := &domain.OrderRecord{
		OrderID:      brokerOrderID,
		Symbol:       st.contract.Symbol,
		Side:         domain.Sell,
		Kind:         kind,
		Quantity:     st.quantity,
		Price:        price,
		TriggerPrice: triggerPrice,
		Status:       domain.OrderPending,
		EntryOrderID: st.orderID,
		PlacedAt:     now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveOrder(ctx, rec); err != nil {
		m.logger.Error(ctx, err, "Failed to persist exit order", map[string]interface{}{"orderID": st.orderID})
	}
}

func (m *ExitManager) saveExitTradeRecord(ctx context.Context, st *exitState, exitOrderID string, entryPrice, exitPrice, pnl float64, reason domain.CloseReason) {
	if m.store == nil {
		return
	}
	rec := &domain.TradeRecord{
		OrderID:    exitOrderID,
		Type:       domain.TradeExit,
		Symbol:     st.contract.Symbol,
		Price:      exitPrice,
		Quantity:   st.quantity,
		FillNumber: 1,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		Reason:     reason,
		Time:       time.Now().UTC(),
	}
	if err := m.store.SaveTrade(ctx, rec); err != nil {
		m.logger.Error(ctx, err, "Failed to persist exit trade", map[string]interface{}{"orderID": st.orderID})
	}
}
