// Package app wires the trading session together: it routes market ticks to
// the simulated broker, exit manager, ledger and candle aggregator, routes
// broker fill events to the entry and exit controllers, and owns startup and
// graceful shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"optionbot/internal/domain"
	"optionbot/internal/execution"
	"optionbot/internal/market"
	"optionbot/internal/ports"
)

// TickSink receives every market tick before anything else. The simulated
// matching engine implements it to drive order matching; a live broker
// session runs without one.
type TickSink interface {
	OnTick(tick domain.Tick)
}

// PositionLedger is the slice of the ledger the service needs for
// mark-to-market.
type PositionLedger interface {
	MarkToMarket(ctx context.Context, contract domain.Contract, lastPrice float64)
}

// ServiceConfig holds session-level settings.
type ServiceConfig struct {
	// Underlying is the index contract whose candles drive the strategy.
	Underlying domain.Contract
	// SquareoffCheckInterval is how often the square-off clock is polled.
	// Defaults to 30s.
	SquareoffCheckInterval time.Duration
	// StreamStopTimeout bounds the wait for the tick stream to shut down.
	// Defaults to 5s.
	StreamStopTimeout time.Duration
}

// Service is the session orchestrator.
type Service struct {
	cfg        ServiceConfig
	logger     ports.Logger
	marketData ports.MarketData
	broker     ports.Broker
	tickSink   TickSink // nil for live sessions
	controller *execution.Controller
	exits      *execution.ExitManager
	ledger     PositionLedger
	strategy   ports.SignalStrategy
	clock      ports.Clock
	aggregator *market.CandleAggregator
	store      ports.PositionStore
}

// NewService validates dependencies and builds the service. tickSink and
// store may be nil.
func NewService(
	cfg ServiceConfig,
	logger ports.Logger,
	marketData ports.MarketData,
	broker ports.Broker,
	tickSink TickSink,
	controller *execution.Controller,
	exits *execution.ExitManager,
	ledger PositionLedger,
	strategy ports.SignalStrategy,
	clock ports.Clock,
	aggregator *market.CandleAggregator,
	store ports.PositionStore,
) (*Service, error) {
	if logger == nil || marketData == nil || broker == nil || controller == nil ||
		exits == nil || ledger == nil || strategy == nil || clock == nil || aggregator == nil {
		return nil, fmt.Errorf("%w: service is missing required dependencies", ports.ErrInvalidConfiguration)
	}
	if cfg.Underlying.IsZero() {
		return nil, fmt.Errorf("%w: underlying contract is required", ports.ErrInvalidConfiguration)
	}
	if cfg.SquareoffCheckInterval <= 0 {
		cfg.SquareoffCheckInterval = 30 * time.Second
	}
	if cfg.StreamStopTimeout <= 0 {
		cfg.StreamStopTimeout = 5 * time.Second
	}
	return &Service{
		cfg:        cfg,
		logger:     logger,
		marketData: marketData,
		broker:     broker,
		tickSink:   tickSink,
		controller: controller,
		exits:      exits,
		ledger:     ledger,
		strategy:   strategy,
		clock:      clock,
		aggregator: aggregator,
		store:      store,
	}, nil
}

// Start runs the session until the context is cancelled, a SIGINT/SIGTERM
// arrives, or the tick stream dies. On shutdown every open position is
// force-exited and the daily summary is written.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting trading session", map[string]interface{}{
		"underlying": s.cfg.Underlying.Symbol,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	s.broker.SetOrderFilledHandler(func(ev ports.OrderFilledEvent) {
		s.handleFillEvent(context.Background(), ev)
	})

	if err := s.marketData.Subscribe(ctx, s.cfg.Underlying); err != nil {
		s.logger.Error(ctx, err, "Failed to subscribe to the underlying")
		return fmt.Errorf("subscribe underlying: %w", err)
	}

	doneCh, stopCh, err := s.marketData.StreamTicks(ctx, s.handleTick, s.handleStreamError)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to start tick stream")
		return fmt.Errorf("start tick stream: %w", err)
	}
	s.logger.Info(ctx, "Tick stream started")

	go s.squareoffLoop(ctx)

	streamDied := false
	select {
	case <-ctx.Done():
		s.logger.Info(ctx, "Session context cancelled, shutting down")
	case <-doneCh:
		streamDied = true
		s.logger.Error(ctx, fmt.Errorf("tick stream closed unexpectedly"), "Tick stream stopped")
	}

	s.shutdown(stopCh, doneCh)

	if streamDied {
		return fmt.Errorf("tick stream stopped unexpectedly")
	}
	return nil
}

// handleTick is the hot path, invoked once per tick for every subscribed
// contract. Ordering matters: the matching engine sees the price first so
// resting orders can fill, then exits are evaluated, then the ledger is
// marked, and only underlying ticks feed the candle aggregator.
func (s *Service) handleTick(tick domain.Tick) {
	ctx := context.Background()

	if s.tickSink != nil {
		s.tickSink.OnTick(tick)
	}
	s.exits.OnTick(ctx, tick)
	s.ledger.MarkToMarket(ctx, tick.Contract, tick.LTP)

	if tick.Contract.Symbol != s.cfg.Underlying.Symbol {
		return
	}
	closed, ok := s.aggregator.Apply(tick)
	if !ok {
		return
	}
	s.onCandleClose(ctx, closed)
}

// onCandleClose runs the per-candle flow: exit adjustments first so stops
// trail before a new entry can race them, then the strategy.
func (s *Service) onCandleClose(ctx context.Context, candle domain.Candle) {
	s.exits.OnCandleClose(ctx, candle)

	if !s.clock.IsMarketOpen() {
		s.logger.Debug(ctx, "Market closed, skipping signal evaluation", map[string]interface{}{
			"candleStart": candle.StartTime,
		})
		return
	}

	sig := s.strategy.OnCandle(candle)
	if !sig.IsValid() {
		return
	}
	if err := s.controller.OnSignal(ctx, sig, candle.Close); err != nil {
		// Soft by contract: the signal is dropped, the next one retries.
		s.logger.Warn(ctx, "Signal dropped", map[string]interface{}{
			"signal": sig,
			"spot":   candle.Close,
			"error":  err.Error(),
		})
	}
}

// handleFillEvent routes one broker fill. Exit-order fills (broker-side SL or
// TP) finalize the position they protect; everything else is an entry fill
// for the controller, whose updated position snapshot is handed to the exit
// manager.
func (s *Service) handleFillEvent(ctx context.Context, ev ports.OrderFilledEvent) {
	if entryID, reason, ok := s.exits.MatchExitOrder(ev.OrderID); ok {
		if ev.IsPartial {
			s.logger.Debug(ctx, "Partial exit fill, waiting for completion", map[string]interface{}{
				"exitOrderID": ev.OrderID,
				"filledQty":   ev.FilledQty,
			})
			return
		}
		if err := s.exits.ExitPosition(ctx, entryID, ev.OrderID, ev.FillPrice, reason); err != nil {
			s.logger.Error(ctx, err, "Failed to finalize broker-side exit", map[string]interface{}{
				"entryOrderID": entryID,
				"exitOrderID":  ev.OrderID,
			})
		}
		return
	}

	s.controller.OnOrderFilled(ctx, ev)

	pos, ok := s.controller.OpenPosition(ev.OrderID)
	if !ok || pos.FilledQty <= 0 {
		return
	}
	if err := s.exits.RegisterPosition(ctx, pos); err != nil {
		s.logger.Error(ctx, err, "Failed to register position for exit tracking", map[string]interface{}{
			"orderID": pos.OrderID,
		})
	}
}

// handleStreamError receives asynchronous stream errors. The stream itself
// decides whether to keep running; the service only logs.
func (s *Service) handleStreamError(err error) {
	s.logger.Error(context.Background(), err, "Tick stream error")
}

// squareoffLoop polls the clock and force-exits everything once square-off
// time is reached.
func (s *Service) squareoffLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SquareoffCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.exits.CheckSquareoff(ctx)
		}
	}
}

// shutdown force-exits open positions, writes the daily summary and stops
// the tick stream. Uses a fresh context because the session context is
// already cancelled.
func (s *Service) shutdown(stopCh, doneCh chan struct{}) {
	ctx := context.Background()

	s.exits.ExitAll(ctx, domain.CloseReasonShutdown)
	s.controller.Shutdown()
	s.writeDailySummary(ctx)

	select {
	case stopCh <- struct{}{}:
	default:
		// Stream already stopped on its own.
	}
	select {
	case <-doneCh:
		s.logger.Info(ctx, "Tick stream shut down")
	case <-time.After(s.cfg.StreamStopTimeout):
		s.logger.Warn(ctx, "Timed out waiting for tick stream shutdown")
	}
	s.logger.Info(ctx, "Trading session stopped")
}

// writeDailySummary aggregates today's exit rows into one summary record.
// Persistence failures are soft.
func (s *Service) writeDailySummary(ctx context.Context) {
	if s.store == nil {
		return
	}
	day := s.clock.Now()
	trades, err := s.store.TradesForDay(ctx, day)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load today's trades for the summary")
		return
	}
	summary := domain.Summarize(day, trades)
	if err := s.store.SaveDailySummary(ctx, &summary); err != nil {
		s.logger.Error(ctx, err, "Failed to save daily summary")
		return
	}
	s.logger.Info(ctx, "Daily summary saved", map[string]interface{}{
		"trades":      summary.TotalTrades,
		"wins":        summary.Wins,
		"losses":      summary.Losses,
		"netPnL":      summary.NetPnL,
		"maxDrawdown": summary.MaxDrawdown,
	})
}
