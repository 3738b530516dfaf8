package paperbroker

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func testContract() domain.Contract {
	return domain.Contract{Symbol: "NIFTY24AUG22500CE", Token: "43210", Exchange: "NFO", LotSize: 50}
}

func newTestEngine(t *testing.T, cash float64) (*Engine, chan ports.OrderFilledEvent) {
	t.Helper()
	eng, err := New(Config{
		InitialCash:      cash,
		LimitOrderWindow: 200 * time.Millisecond,
		Rand:             rand.New(rand.NewSource(42)),
	}, &mockLogger{})
	require.NoError(t, err)

	events := make(chan ports.OrderFilledEvent, 16)
	eng.SetOrderFilledHandler(func(ev ports.OrderFilledEvent) { events <- ev })
	return eng, events
}

func tickAt(price float64) domain.Tick {
	return domain.Tick{Contract: testContract(), LTP: price, Time: time.Now()}
}

// collect drains fill events until the terminal (non-partial) event for the
// order arrives or the timeout fires.
func collect(t *testing.T, events chan ports.OrderFilledEvent, orderID string, timeout time.Duration) []ports.OrderFilledEvent {
	t.Helper()
	var out []ports.OrderFilledEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.OrderID != orderID {
				continue
			}
			out = append(out, ev)
			if !ev.IsPartial {
				return out
			}
		case <-deadline:
			return out
		}
	}
}

func TestEngine_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{InitialCash: 0}, &mockLogger{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInvalidConfiguration)
}

func TestEngine_MarketOrderFillsAtLastPrice(t *testing.T) {
	eng, events := newTestEngine(t, 100000)
	eng.OnTick(tickAt(100.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 100,
		Kind:     domain.Market,
	})
	require.NoError(t, err)

	fills := collect(t, events, orderID, time.Second)
	require.NotEmpty(t, fills)

	last := fills[len(fills)-1]
	assert.Equal(t, 100, last.FilledQty, "cumulative quantity must reach the order size")
	assert.False(t, last.IsPartial)
	assert.InDelta(t, 100.0, last.FillPrice, 100.0*0.011, "average price stays within the perturbation band")

	// Cumulative quantities are strictly increasing.
	prev := 0
	for _, ev := range fills {
		assert.Greater(t, ev.FilledQty, prev)
		prev = ev.FilledQty
	}

	status, err := eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, status)

	balance, err := eng.AccountBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100000-last.FillPrice*100, balance, 1e-6)
}

func TestEngine_SmallMarketOrderSingleFill(t *testing.T) {
	eng, events := newTestEngine(t, 100000)
	eng.OnTick(tickAt(100.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Market,
	})
	require.NoError(t, err)

	fills := collect(t, events, orderID, time.Second)
	require.Len(t, fills, 1, "orders under the slicing threshold fill in one shot")
	assert.Equal(t, 25, fills[0].FilledQty)
	assert.False(t, fills[0].IsPartial)
}

func TestEngine_MarketOrderWaitsForFirstPrice(t *testing.T) {
	eng, events := newTestEngine(t, 100000)

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Market,
	})
	require.NoError(t, err)

	status, err := eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, status)

	eng.OnTick(tickAt(80.0))
	fills := collect(t, events, orderID, time.Second)
	require.NotEmpty(t, fills)
	assert.Equal(t, 25, fills[len(fills)-1].FilledQty)
}

func TestEngine_CashLimitedPartialFill(t *testing.T) {
	eng, events := newTestEngine(t, 1000)
	eng.OnTick(tickAt(100.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Market,
	})
	require.NoError(t, err)

	var fills []ports.OrderFilledEvent
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				fills = append(fills, ev)
			default:
				return len(fills) > 0
			}
		}
	}, time.Second, 10*time.Millisecond)

	last := fills[len(fills)-1]
	assert.True(t, last.IsPartial, "cash-limited fill must be flagged partial")
	assert.Greater(t, last.FilledQty, 0)
	assert.Less(t, last.FilledQty, 25)

	status, err := eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartial, status)

	balance, err := eng.AccountBalance(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance, 0.0, "cash can never go negative")
}

func TestEngine_RejectsWhenNothingFillable(t *testing.T) {
	eng, _ := newTestEngine(t, 10)
	eng.OnTick(tickAt(100.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 10,
		Kind:     domain.Market,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrBrokerRejected)

	status, statusErr := eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, statusErr)
	assert.Equal(t, domain.OrderRejected, status)
}

func TestEngine_LimitOrderFillsWhenCrossed(t *testing.T) {
	eng, events := newTestEngine(t, 100000)
	eng.OnTick(tickAt(110.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Limit,
		Price:    105.0,
	})
	require.NoError(t, err)

	status, err := eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, status, "limit above market must rest")

	eng.OnTick(tickAt(104.0))
	fills := collect(t, events, orderID, time.Second)
	require.NotEmpty(t, fills)
	last := fills[len(fills)-1]
	assert.Equal(t, 25, last.FilledQty)
	assert.LessOrEqual(t, last.FillPrice, 105.0, "a buy limit never fills above its price")
}

func TestEngine_LimitOrderExpires(t *testing.T) {
	eng, _ := newTestEngine(t, 100000)
	eng.OnTick(tickAt(110.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Limit,
		Price:    100.0,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, statusErr := eng.OrderStatus(context.Background(), orderID)
		return statusErr == nil && status == domain.OrderCancelled
	}, time.Second, 20*time.Millisecond)
}

func TestEngine_SellStopTriggersOnFall(t *testing.T) {
	eng, events := newTestEngine(t, 100000)
	eng.OnTick(tickAt(100.0))

	buyID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Market,
	})
	require.NoError(t, err)
	require.NotEmpty(t, collect(t, events, buyID, time.Second))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract:     testContract(),
		Side:         domain.Sell,
		Quantity:     25,
		Kind:         domain.Stop,
		TriggerPrice: 95.0,
	})
	require.NoError(t, err)

	eng.OnTick(tickAt(97.0))
	status, err := eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, status, "stop must not trigger above its price")

	eng.OnTick(tickAt(94.5))
	fills := collect(t, events, orderID, time.Second)
	require.NotEmpty(t, fills)
	assert.Equal(t, 25, fills[len(fills)-1].FilledQty)
}

func TestEngine_CancelOrder(t *testing.T) {
	eng, _ := newTestEngine(t, 100000)
	eng.OnTick(tickAt(110.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Limit,
		Price:    100.0,
	})
	require.NoError(t, err)

	require.NoError(t, eng.CancelOrder(context.Background(), orderID))
	status, err := eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, status)

	// Cancelling a terminal or unknown order reports ErrOrderNotFound.
	assert.ErrorIs(t, eng.CancelOrder(context.Background(), orderID), ports.ErrOrderNotFound)
	assert.ErrorIs(t, eng.CancelOrder(context.Background(), "no-such-order"), ports.ErrOrderNotFound)

	// The cancelled order never fills, even when its price is crossed.
	eng.OnTick(tickAt(99.0))
	status, err = eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, status)
}

func TestEngine_AdoptsPreGeneratedOrderID(t *testing.T) {
	eng, events := newTestEngine(t, 100000)
	eng.OnTick(tickAt(100.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Market,
		OrderID:  "pre-generated-id",
	})
	require.NoError(t, err)
	assert.Equal(t, "pre-generated-id", orderID)

	fills := collect(t, events, orderID, time.Second)
	require.NotEmpty(t, fills)
	assert.Equal(t, "pre-generated-id", fills[0].OrderID)
}

func TestEngine_SurvivesPanickingHandler(t *testing.T) {
	eng, err := New(Config{InitialCash: 100000, Rand: rand.New(rand.NewSource(42))}, &mockLogger{})
	require.NoError(t, err)
	eng.SetOrderFilledHandler(func(ev ports.OrderFilledEvent) { panic("boom") })
	eng.OnTick(tickAt(100.0))

	_, placeErr := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Market,
	})
	require.NoError(t, placeErr)

	// The engine keeps matching after the handler panic.
	require.Eventually(t, func() bool {
		balance, balErr := eng.AccountBalance(context.Background())
		return balErr == nil && balance < 100000
	}, time.Second, 10*time.Millisecond)

	_, placeErr = eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Sell,
		Quantity: 25,
		Kind:     domain.Market,
	})
	require.NoError(t, placeErr)
}

func TestEngine_SellReturnsCashForHeldQuantity(t *testing.T) {
	eng, events := newTestEngine(t, 100000)
	eng.OnTick(tickAt(100.0))

	buyID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 25,
		Kind:     domain.Market,
	})
	require.NoError(t, err)
	require.NotEmpty(t, collect(t, events, buyID, time.Second))
	require.Equal(t, 25, eng.HeldQuantity(testContract().Symbol))

	afterBuy, err := eng.AccountBalance(context.Background())
	require.NoError(t, err)

	sellID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Sell,
		Quantity: 25,
		Kind:     domain.Market,
	})
	require.NoError(t, err)

	fills := collect(t, events, sellID, time.Second)
	require.NotEmpty(t, fills)
	assert.Equal(t, 25, fills[len(fills)-1].FilledQty)

	balance, err := eng.AccountBalance(context.Background())
	require.NoError(t, err)
	assert.Greater(t, balance, afterBuy)
	assert.Equal(t, 0, eng.HeldQuantity(testContract().Symbol))
}

func TestEngine_RejectsSellWithoutHoldings(t *testing.T) {
	eng, _ := newTestEngine(t, 2000)
	eng.OnTick(tickAt(100.0))

	orderID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Sell,
		Quantity: 49,
		Kind:     domain.Market,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrBrokerRejected)

	status, statusErr := eng.OrderStatus(context.Background(), orderID)
	require.NoError(t, statusErr)
	assert.Equal(t, domain.OrderRejected, status)

	balance, balErr := eng.AccountBalance(context.Background())
	require.NoError(t, balErr)
	assert.Equal(t, 2000.0, balance, "a sell with nothing held must not create cash")
}

func TestEngine_SellClampedToHeldQuantity(t *testing.T) {
	eng, events := newTestEngine(t, 100000)
	eng.OnTick(tickAt(100.0))

	buyID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Buy,
		Quantity: 30,
		Kind:     domain.Market,
	})
	require.NoError(t, err)
	require.NotEmpty(t, collect(t, events, buyID, time.Second))
	require.Equal(t, 30, eng.HeldQuantity(testContract().Symbol))

	sellID, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(),
		Side:     domain.Sell,
		Quantity: 50,
		Kind:     domain.Market,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, eng.HeldQuantity(testContract().Symbol))

	status, err := eng.OrderStatus(context.Background(), sellID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartial, status, "a sell larger than the holding stays partial")

	fills := collect(t, events, sellID, 200*time.Millisecond)
	require.NotEmpty(t, fills)
	assert.Equal(t, 30, fills[len(fills)-1].FilledQty, "fills stop at the held quantity")
}

func TestEngine_ErrorsOnBadRequests(t *testing.T) {
	eng, _ := newTestEngine(t, 100000)

	_, err := eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(), Side: domain.Buy, Quantity: 0, Kind: domain.Market,
	})
	assert.ErrorIs(t, err, ports.ErrInvalidState)

	_, err = eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Side: domain.Buy, Quantity: 10, Kind: domain.Market,
	})
	assert.ErrorIs(t, err, ports.ErrInvalidState)

	_, err = eng.PlaceOrder(context.Background(), ports.OrderRequest{
		Contract: testContract(), Side: domain.Sell, Quantity: 10, Kind: domain.Stop,
	})
	assert.ErrorIs(t, err, ports.ErrInvalidState)
}
