package tickfeed

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionbot/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func underlying() domain.Contract {
	return domain.Contract{Symbol: "NIFTY", Token: "256265", Exchange: "NSE"}
}

func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	f, err := New(Config{
		Underlying:    underlying(),
		StartPrice:    22500,
		TickInterval:  5 * time.Millisecond,
		VolatilityPct: 0.1,
		Rand:          rand.New(rand.NewSource(7)),
	}, &mockLogger{})
	require.NoError(t, err)
	return f
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Underlying: underlying(), StartPrice: 100}, nil)
	assert.Error(t, err)

	_, err = New(Config{StartPrice: 100}, &mockLogger{})
	assert.Error(t, err)

	_, err = New(Config{Underlying: underlying()}, &mockLogger{})
	assert.Error(t, err)
}

func TestSubscribe_SeedsOptionFromSpot(t *testing.T) {
	f := newTestFeed(t)
	ctx := context.Background()

	call := domain.Contract{
		Symbol:      "NIFTY24SEP22400CE",
		Token:       "1001",
		Exchange:    "NFO",
		LotSize:     25,
		StrikePrice: 22400,
		OptionType:  domain.Call,
	}
	require.NoError(t, f.Subscribe(ctx, call))

	// Intrinsic 100 plus 0.5% of 22500 time value.
	assert.InDelta(t, 100+22500*0.005, f.LastPrice(call.Symbol), 1e-9)

	otmPut := domain.Contract{
		Symbol:      "NIFTY24SEP22400PE",
		Token:       "1002",
		Exchange:    "NFO",
		LotSize:     25,
		StrikePrice: 22400,
		OptionType:  domain.Put,
	}
	require.NoError(t, f.Subscribe(ctx, otmPut))
	assert.InDelta(t, 22500*0.005, f.LastPrice(otmPut.Symbol), 1e-9)
}

func TestSubscribe_IdempotentAndRejectsEmpty(t *testing.T) {
	f := newTestFeed(t)
	ctx := context.Background()

	require.NoError(t, f.Subscribe(ctx, underlying()))
	assert.Error(t, f.Subscribe(ctx, domain.Contract{}))
	assert.Len(t, f.subs, 1)
}

func TestStreamTicks_DeliversAllSubscriptions(t *testing.T) {
	f := newTestFeed(t)
	ctx := context.Background()

	call := domain.Contract{Symbol: "NIFTY24SEP22500CE", Token: "1003", Exchange: "NFO", LotSize: 25, StrikePrice: 22500, OptionType: domain.Call}
	require.NoError(t, f.Subscribe(ctx, call))

	var mu sync.Mutex
	seen := map[string]int{}
	done, stop, err := f.StreamTicks(ctx, func(tick domain.Tick) {
		mu.Lock()
		seen[tick.Contract.Symbol]++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["NIFTY"] >= 3 && seen[call.Symbol] >= 3
	}, time.Second, 5*time.Millisecond)

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not shut down")
	}
}

func TestStreamTicks_SecondStreamRejectedWhileRunning(t *testing.T) {
	f := newTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done, _, err := f.StreamTicks(ctx, func(domain.Tick) {}, nil)
	require.NoError(t, err)

	_, _, err = f.StreamTicks(ctx, func(domain.Tick) {}, nil)
	assert.Error(t, err)

	cancel()
	<-done
}

func TestStreamTicks_SurvivesHandlerPanic(t *testing.T) {
	f := newTestFeed(t)
	ctx := context.Background()

	var mu sync.Mutex
	var calls int
	var errs int
	done, stop, err := f.StreamTicks(ctx, func(domain.Tick) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
	}, func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3 && errs == 1
	}, time.Second, 5*time.Millisecond)

	close(stop)
	<-done
}

func TestRandomWalk_StaysAboveFloor(t *testing.T) {
	f, err := New(Config{
		Underlying:    underlying(),
		StartPrice:    0.06,
		VolatilityPct: 50,
		Rand:          rand.New(rand.NewSource(11)),
	}, &mockLogger{})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		f.step(time.Now())
	}
	assert.GreaterOrEqual(t, f.LastPrice("NIFTY"), 0.05)
}
