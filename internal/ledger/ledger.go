// Package ledger reconciles entry and exit fills into per-symbol aggregate
// positions. The in-memory state is authoritative for the session; every
// mutation is mirrored best-effort to the durable position store.
package ledger

import (
	"context"
	"sync"
	"time"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

// Ledger owns the aggregate-position table. It performs no deduplication of
// its own: callers are responsible for delivering each fill exactly once
// (the execution controller applies fill deltas, never raw events).
type Ledger struct {
	store  ports.PositionStore // nil disables write-through
	logger ports.Logger

	mu        sync.Mutex
	open      map[string]*domain.AggregatePosition // symbol -> OPEN aggregate
	closedLog []*domain.AggregatePosition
}

// New returns an empty ledger. store may be nil for memory-only sessions.
func New(store ports.PositionStore, logger ports.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		open:   make(map[string]*domain.AggregatePosition),
	}
}

// ApplyEntryFill merges one entry fill into the symbol's OPEN aggregate,
// creating it when none exists. The entry price is quantity-weighted across
// all contributing fills. A non-positive quantity is a no-op.
func (l *Ledger) ApplyEntryFill(ctx context.Context, contract domain.Contract, orderID string, quantity int, fillPrice float64) {
	if quantity <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	pos, ok := l.open[contract.Symbol]
	if !ok {
		pos = &domain.AggregatePosition{
			Symbol:         contract.Symbol,
			OpenQuantity:   quantity,
			OpenedQuantity: quantity,
			AvgEntryPrice:  fillPrice,
			LastPrice:      fillPrice,
			Status:         domain.StatusOpen,
			OrderIDs:       []string{orderID},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		l.open[contract.Symbol] = pos
	} else {
		oldQty := float64(pos.OpenedQuantity)
		pos.AvgEntryPrice = (pos.AvgEntryPrice*oldQty + fillPrice*float64(quantity)) / (oldQty + float64(quantity))
		pos.OpenedQuantity += quantity
		pos.OpenQuantity += quantity
		pos.UpdatedAt = now
		if !containsID(pos.OrderIDs, orderID) {
			pos.OrderIDs = append(pos.OrderIDs, orderID)
		}
	}
	l.recomputeLocked(pos)
	l.persistLocked(ctx, pos)
}

// ApplyExitFill books one exit fill against the symbol's OPEN aggregate.
// The exit quantity is clamped to the currently open quantity, so an
// over-reported exit can never drive the position negative. The aggregate
// transitions to CLOSED exactly when open quantity reaches zero. A no-op when
// no OPEN aggregate exists.
func (l *Ledger) ApplyExitFill(ctx context.Context, contract domain.Contract, exitOrderID string, quantity int, exitPrice float64, reason domain.CloseReason) {
	if quantity <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.open[contract.Symbol]
	if !ok {
		if l.logger != nil {
			l.logger.Warn(ctx, "Exit fill for symbol with no open aggregate ignored", map[string]interface{}{
				"symbol":      contract.Symbol,
				"exitOrderID": exitOrderID,
			})
		}
		return
	}

	clamped := quantity
	if clamped > pos.OpenQuantity {
		if l.logger != nil {
			l.logger.Warn(ctx, "Exit quantity exceeds open quantity, clamping", map[string]interface{}{
				"symbol":    contract.Symbol,
				"requested": quantity,
				"open":      pos.OpenQuantity,
			})
		}
		clamped = pos.OpenQuantity
	}
	if clamped == 0 {
		return
	}

	pos.RealizedPnL += (exitPrice - pos.AvgEntryPrice) * float64(clamped)

	oldClosed := float64(pos.ClosedQuantity)
	pos.AvgExitPrice = (pos.AvgExitPrice*oldClosed + exitPrice*float64(clamped)) / (oldClosed + float64(clamped))
	pos.ClosedQuantity += clamped
	pos.OpenQuantity -= clamped
	pos.LastPrice = exitPrice
	pos.UpdatedAt = time.Now().UTC()
	if !containsID(pos.ExitOrderIDs, exitOrderID) {
		pos.ExitOrderIDs = append(pos.ExitOrderIDs, exitOrderID)
	}

	if pos.OpenQuantity == 0 {
		pos.Status = domain.StatusClosed
		pos.ClosedAt = pos.UpdatedAt
		delete(l.open, contract.Symbol)
		l.closedLog = append(l.closedLog, pos)
	}
	l.recomputeLocked(pos)
	l.persistLocked(ctx, pos)
}

// MarkToMarket refreshes the last price and unrealized PnL of the symbol's
// OPEN aggregate. Safe to call at tick frequency; a no-op when no OPEN
// aggregate exists or the aggregate has no entry price yet.
func (l *Ledger) MarkToMarket(ctx context.Context, contract domain.Contract, lastPrice float64) {
	if lastPrice <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.open[contract.Symbol]
	if !ok || pos.AvgEntryPrice <= 0 {
		return
	}
	pos.LastPrice = lastPrice
	pos.UpdatedAt = time.Now().UTC()
	l.recomputeLocked(pos)
}

// Open returns a snapshot of the OPEN aggregate for a symbol. The second
// return is false when none exists; callers treat that as a benign race.
func (l *Ledger) Open(symbol string) (domain.AggregatePosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.open[symbol]
	if !ok {
		return domain.AggregatePosition{}, false
	}
	snapshot := *pos
	snapshot.OrderIDs = append([]string(nil), pos.OrderIDs...)
	snapshot.ExitOrderIDs = append([]string(nil), pos.ExitOrderIDs...)
	return snapshot, true
}

// Closed returns snapshots of all aggregates closed during the session.
func (l *Ledger) Closed() []domain.AggregatePosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.AggregatePosition, 0, len(l.closedLog))
	for _, pos := range l.closedLog {
		out = append(out, *pos)
	}
	return out
}

func (l *Ledger) recomputeLocked(pos *domain.AggregatePosition) {
	if pos.OpenQuantity > 0 && pos.AvgEntryPrice > 0 && pos.LastPrice > 0 {
		pos.UnrealizedPnL = (pos.LastPrice - pos.AvgEntryPrice) * float64(pos.OpenQuantity)
	} else {
		pos.UnrealizedPnL = 0
	}
	pos.NetPnL = pos.RealizedPnL + pos.UnrealizedPnL
}

// persistLocked mirrors the aggregate to the store. Failures are soft: the
// in-memory state stays authoritative for the session.
func (l *Ledger) persistLocked(ctx context.Context, pos *domain.AggregatePosition) {
	if l.store == nil {
		return
	}
	snapshot := *pos
	if err := l.store.UpsertPosition(ctx, &snapshot); err != nil && l.logger != nil {
		l.logger.Error(ctx, err, "Failed to persist aggregate position", map[string]interface{}{"symbol": pos.Symbol})
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
