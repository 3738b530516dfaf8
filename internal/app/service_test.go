package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionbot/internal/domain"
	"optionbot/internal/execution"
	"optionbot/internal/market"
	"optionbot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockBroker struct {
	mu      sync.Mutex
	ltp     float64
	placed  []ports.OrderRequest
	handler func(ports.OrderFilledEvent)
	seq     int
}

func (m *mockBroker) PlaceOrder(ctx context.Context, req ports.OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)
	if req.OrderID != "" {
		return req.OrderID, nil
	}
	m.seq++
	return "mock-order", nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (m *mockBroker) OrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	return domain.OrderPending, nil
}

func (m *mockBroker) LTP(ctx context.Context, contract domain.Contract) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ltp, nil
}

func (m *mockBroker) AccountBalance(ctx context.Context) (float64, error) { return 100000, nil }

func (m *mockBroker) SetOrderFilledHandler(handler func(ports.OrderFilledEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockBroker) fillHandler() func(ports.OrderFilledEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *mockBroker) placedOrders() []ports.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.OrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

type mockMarketData struct {
	mu      sync.Mutex
	subs    []domain.Contract
	handler func(domain.Tick)
}

func (m *mockMarketData) Subscribe(ctx context.Context, contract domain.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, contract)
	return nil
}

func (m *mockMarketData) StreamTicks(ctx context.Context, handler func(domain.Tick), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		close(done)
	}()
	return done, stop, nil
}

func (m *mockMarketData) push(tick domain.Tick) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(tick)
	}
}

type mockResolver struct{ contract domain.Contract }

func (m *mockResolver) Resolve(signal domain.Signal, spotPrice float64) (domain.Contract, error) {
	return m.contract, nil
}

type mockGovernor struct {
	mu     sync.Mutex
	closed []string
}

func (m *mockGovernor) CanTakeNewTrade() bool { return true }
func (m *mockGovernor) SizeOrder(ctx context.Context, entryPrice float64, lotSize int) int {
	return 25
}
func (m *mockGovernor) OnPositionOpened(orderID string, entryPrice float64, quantity int) {}
func (m *mockGovernor) OnPositionClosed(ctx context.Context, orderID string, exitPrice float64, quantity int, entryPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, orderID)
}

func (m *mockGovernor) closedOrders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.closed))
	copy(out, m.closed)
	return out
}

type mockLedger struct {
	mu     sync.Mutex
	marks  []domain.Tick
	entry  int
	exit   int
}

func (m *mockLedger) ApplyEntryFill(ctx context.Context, contract domain.Contract, orderID string, quantity int, fillPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry++
}

func (m *mockLedger) ApplyExitFill(ctx context.Context, contract domain.Contract, exitOrderID string, quantity int, exitPrice float64, reason domain.CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exit++
}

func (m *mockLedger) Open(symbol string) (domain.AggregatePosition, bool) {
	return domain.AggregatePosition{}, false
}

func (m *mockLedger) MarkToMarket(ctx context.Context, contract domain.Contract, lastPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, domain.Tick{Contract: contract, LTP: lastPrice})
}

func (m *mockLedger) markCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marks)
}

func (m *mockLedger) exitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exit
}

type mockStore struct {
	mu        sync.Mutex
	trades    []*domain.TradeRecord
	summaries []*domain.DailySummary
}

func (m *mockStore) SaveOrder(ctx context.Context, rec *domain.OrderRecord) error { return nil }
func (m *mockStore) UpdateOrder(ctx context.Context, orderID string, status domain.OrderStatus, filledQty int, filledPrice float64) error {
	return nil
}
func (m *mockStore) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, rec)
	return nil
}
func (m *mockStore) UpsertPosition(ctx context.Context, pos *domain.AggregatePosition) error {
	return nil
}
func (m *mockStore) SaveDailySummary(ctx context.Context, s *domain.DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}
func (m *mockStore) TradesForDay(ctx context.Context, day time.Time) ([]*domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.TradeRecord, len(m.trades))
	copy(out, m.trades)
	return out, nil
}

func (m *mockStore) savedSummaries() []*domain.DailySummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.DailySummary, len(m.summaries))
	copy(out, m.summaries)
	return out
}

type mockClock struct {
	open      bool
	squareoff bool
}

func (m *mockClock) IsMarketOpen() bool    { return m.open }
func (m *mockClock) IsSquareoffTime() bool { return m.squareoff }
func (m *mockClock) Now() time.Time        { return time.Now() }

// scriptedStrategy emits its queued signals in order, one per candle.
type scriptedStrategy struct {
	mu      sync.Mutex
	signals []domain.Signal
	candles int
}

func (m *scriptedStrategy) OnCandle(candle domain.Candle) domain.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles++
	if len(m.signals) == 0 {
		return ""
	}
	sig := m.signals[0]
	m.signals = m.signals[1:]
	return sig
}

func (m *scriptedStrategy) candleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candles
}

func underlyingContract() domain.Contract {
	return domain.Contract{Symbol: "NIFTY", Token: "256265", Exchange: "NSE"}
}

func optionContract() domain.Contract {
	return domain.Contract{
		Symbol:      "NIFTY24SEP22500CE",
		Token:       "1001",
		Exchange:    "NFO",
		LotSize:     25,
		StrikePrice: 22500,
		OptionType:  domain.Call,
	}
}

type fixture struct {
	svc      *Service
	broker   *mockBroker
	feed     *mockMarketData
	governor *mockGovernor
	ledger   *mockLedger
	store    *mockStore
	clock    *mockClock
	strategy *scriptedStrategy
	exits    *execution.ExitManager
}

func newFixture(t *testing.T, signals ...domain.Signal) *fixture {
	t.Helper()
	logger := &mockLogger{}
	broker := &mockBroker{ltp: 150}
	feed := &mockMarketData{}
	governor := &mockGovernor{}
	ledger := &mockLedger{}
	store := &mockStore{}
	clock := &mockClock{open: true}
	strat := &scriptedStrategy{signals: signals}

	ctrl, err := execution.NewController(execution.ControllerConfig{
		EntryKind:   domain.Market,
		LTPRetries:  2,
		LTPInterval: time.Millisecond,
	}, broker, feed, &mockResolver{contract: optionContract()}, governor, ledger, store, logger)
	require.NoError(t, err)
	t.Cleanup(ctrl.Shutdown)

	exits, err := execution.NewExitManager(execution.ExitConfig{
		SLPct: 5,
		TPPct: 10,
	}, broker, ctrl, governor, ledger, clock, store, logger)
	require.NoError(t, err)

	agg := market.NewCandleAggregator("NIFTY", time.Minute)

	svc, err := NewService(ServiceConfig{
		Underlying:             underlyingContract(),
		SquareoffCheckInterval: 10 * time.Millisecond,
	}, logger, feed, broker, nil, ctrl, exits, ledger, strat, clock, agg, store)
	require.NoError(t, err)

	return &fixture{
		svc:      svc,
		broker:   broker,
		feed:     feed,
		governor: governor,
		ledger:   ledger,
		store:    store,
		clock:    clock,
		strategy: strat,
		exits:    exits,
	}
}

// start runs the service loop and returns a cancel function that also waits
// for it to stop.
func (f *fixture) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.Start(ctx)
	}()
	// Wait for the stream handler to be wired before pushing ticks.
	require.Eventually(t, func() bool {
		f.feed.mu.Lock()
		defer f.feed.mu.Unlock()
		return f.feed.handler != nil
	}, time.Second, time.Millisecond)
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("service did not stop")
		}
	}
}

func tickAt(c domain.Contract, price float64, at time.Time) domain.Tick {
	return domain.Tick{Contract: c, LTP: price, Time: at}
}

func TestNewService_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := NewService(ServiceConfig{}, &mockLogger{}, f.feed, f.broker, nil,
		nil, f.exits, f.ledger, f.strategy, f.clock, market.NewCandleAggregator("NIFTY", time.Minute), f.store)
	assert.Error(t, err)

	_, err = NewService(ServiceConfig{Underlying: domain.Contract{}}, &mockLogger{}, f.feed, f.broker, nil,
		nil, f.exits, f.ledger, f.strategy, f.clock, market.NewCandleAggregator("NIFTY", time.Minute), f.store)
	assert.Error(t, err)
}

func TestTickRouting_MarksLedgerAndAggregatesUnderlyingOnly(t *testing.T) {
	f := newFixture(t)
	stop := f.start(t)
	defer stop()

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	f.feed.push(tickAt(underlyingContract(), 22500, base))
	f.feed.push(tickAt(optionContract(), 150, base.Add(time.Second)))

	assert.Eventually(t, func() bool { return f.ledger.markCount() == 2 }, time.Second, time.Millisecond)
	// Option ticks must not feed the candle aggregator; no candle has closed
	// yet so the strategy has seen nothing.
	assert.Equal(t, 0, f.strategy.candleCount())
}

func TestCandleClose_RunsStrategyAndPlacesEntry(t *testing.T) {
	f := newFixture(t, domain.SignalBuyCE)
	stop := f.start(t)
	defer stop()

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	f.feed.push(tickAt(underlyingContract(), 22500, base))
	// Next-minute tick closes the first candle.
	f.feed.push(tickAt(underlyingContract(), 22510, base.Add(time.Minute)))

	assert.Eventually(t, func() bool {
		return f.strategy.candleCount() == 1 && len(f.broker.placedOrders()) == 1
	}, time.Second, time.Millisecond)

	placed := f.broker.placedOrders()[0]
	assert.Equal(t, domain.Buy, placed.Side)
	assert.Equal(t, "NIFTY24SEP22500CE", placed.Contract.Symbol)
	assert.Equal(t, 25, placed.Quantity)
}

func TestCandleClose_SkipsSignalWhenMarketClosed(t *testing.T) {
	f := newFixture(t, domain.SignalBuyCE)
	f.clock.open = false
	stop := f.start(t)
	defer stop()

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	f.feed.push(tickAt(underlyingContract(), 22500, base))
	f.feed.push(tickAt(underlyingContract(), 22510, base.Add(time.Minute)))

	// The candle closes but the strategy never runs outside market hours.
	assert.Never(t, func() bool { return f.strategy.candleCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, f.broker.placedOrders())
}

func TestFillRouting_EntryFillRegistersExitTracking(t *testing.T) {
	f := newFixture(t, domain.SignalBuyCE)
	stop := f.start(t)
	defer stop()

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	f.feed.push(tickAt(underlyingContract(), 22500, base))
	f.feed.push(tickAt(underlyingContract(), 22510, base.Add(time.Minute)))

	require.Eventually(t, func() bool { return len(f.broker.placedOrders()) == 1 }, time.Second, time.Millisecond)
	entryID := f.broker.placedOrders()[0].OrderID
	require.NotEmpty(t, entryID)

	f.broker.fillHandler()(ports.OrderFilledEvent{
		OrderID:   entryID,
		Contract:  optionContract(),
		FillPrice: 150,
		Quantity:  25,
		FilledQty: 25,
	})

	assert.Eventually(t, func() bool { return f.exits.Tracked(entryID) }, time.Second, time.Millisecond)
}

func TestSquareoffLoop_ForcesExits(t *testing.T) {
	f := newFixture(t, domain.SignalBuyCE)
	stop := f.start(t)
	defer stop()

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	f.feed.push(tickAt(underlyingContract(), 22500, base))
	f.feed.push(tickAt(underlyingContract(), 22510, base.Add(time.Minute)))
	require.Eventually(t, func() bool { return len(f.broker.placedOrders()) == 1 }, time.Second, time.Millisecond)
	entryID := f.broker.placedOrders()[0].OrderID

	f.broker.fillHandler()(ports.OrderFilledEvent{
		OrderID:   entryID,
		Contract:  optionContract(),
		FillPrice: 150,
		Quantity:  25,
		FilledQty: 25,
	})
	require.Eventually(t, func() bool { return f.exits.Tracked(entryID) }, time.Second, time.Millisecond)

	f.clock.squareoff = true

	assert.Eventually(t, func() bool {
		return !f.exits.Tracked(entryID) && f.ledger.exitCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.governor.closedOrders(), entryID)
}

func TestShutdown_ExitsPositionsAndWritesSummary(t *testing.T) {
	f := newFixture(t, domain.SignalBuyCE)
	stop := f.start(t)

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	f.feed.push(tickAt(underlyingContract(), 22500, base))
	f.feed.push(tickAt(underlyingContract(), 22510, base.Add(time.Minute)))
	require.Eventually(t, func() bool { return len(f.broker.placedOrders()) == 1 }, time.Second, time.Millisecond)
	entryID := f.broker.placedOrders()[0].OrderID

	f.broker.fillHandler()(ports.OrderFilledEvent{
		OrderID:   entryID,
		Contract:  optionContract(),
		FillPrice: 150,
		Quantity:  25,
		FilledQty: 25,
	})
	require.Eventually(t, func() bool { return f.exits.Tracked(entryID) }, time.Second, time.Millisecond)

	stop()

	assert.False(t, f.exits.Tracked(entryID))
	assert.Equal(t, 1, f.ledger.exitCount())
	require.Len(t, f.store.savedSummaries(), 1)
	summary := f.store.savedSummaries()[0]
	assert.Equal(t, 1, summary.TotalTrades)
}
