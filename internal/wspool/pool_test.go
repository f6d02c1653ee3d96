package wspool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/fillmonitor"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/position"
	"github.com/tradecore/execution-core/internal/sse"
	"github.com/tradecore/execution-core/internal/store"
)

type fakeHandle struct{ stopped chan struct{} }

func (h *fakeHandle) Stop() {
	select {
	case <-h.stopped:
	default:
		close(h.stopped)
	}
}

type fakeAdapter struct {
	name        string
	startCalls  int32
	failNTimes  int32
	unsupported bool
	onFillHook  func(func(domain.FillEvent))
}

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.CreateOrderResult, error) {
	return exchange.CreateOrderResult{}, nil
}
func (a *fakeAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}
func (a *fakeAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	return nil, nil
}
func (a *fakeAdapter) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (domain.OpenOrder, error) {
	return domain.OpenOrder{}, nil
}
func (a *fakeAdapter) GetBalances(ctx context.Context) ([]exchange.Balance, error) { return nil, nil }
func (a *fakeAdapter) GetSymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	return exchange.SymbolInfo{}, nil
}
func (a *fakeAdapter) StartUserStream(ctx context.Context, onFill func(domain.FillEvent)) (exchange.StreamHandle, error) {
	n := atomic.AddInt32(&a.startCalls, 1)
	if a.unsupported {
		return nil, exchange.ErrUnsupported("StartUserStream", a.name)
	}
	if n <= a.failNTimes {
		return nil, fmt.Errorf("acquire listen key: boom")
	}
	if a.onFillHook != nil {
		a.onFillHook(onFill)
	}
	return &fakeHandle{stopped: make(chan struct{})}, nil
}

type fakeResolver struct{ adapters map[int64]exchange.Adapter }

func (r *fakeResolver) Adapter(accountID int64) (exchange.Adapter, error) {
	a, ok := r.adapters[accountID]
	if !ok {
		return nil, fmt.Errorf("no adapter for account %d", accountID)
	}
	return a, nil
}

func testMonitor(t *testing.T) *fillmonitor.Monitor {
	t.Helper()
	logger, err := logging.New("ERROR", "test")
	require.NoError(t, err)
	st := store.NewMem()
	pm := position.New(st, logger)
	hub := sse.New(st, logger)
	return fillmonitor.New(st, pm, hub, logger)
}

func TestPool_StartCallsStartUserStreamOnce(t *testing.T) {
	logger, err := logging.New("ERROR", "test")
	require.NoError(t, err)

	adapter := &fakeAdapter{name: "binance"}
	resolver := &fakeResolver{adapters: map[int64]exchange.Adapter{1: adapter}}
	p := New(resolver, testMonitor(t), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.startCalls))

	p.Stop(1)
}

func TestPool_RetriesWithBackoffOnAcquireFailure(t *testing.T) {
	logger, err := logging.New("ERROR", "test")
	require.NoError(t, err)

	adapter := &fakeAdapter{name: "binance", failNTimes: 2}
	resolver := &fakeResolver{adapters: map[int64]exchange.Adapter{1: adapter}}
	p := New(resolver, testMonitor(t), logger)

	// The backoff is not shrunk here: initialBackoff is 1s, so the third
	// attempt comes after the 1s and 2s retry windows, and this test only
	// asserts the eventual-success path rather than timing precisely.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, 1)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&adapter.startCalls) >= 3
	}, 10*time.Second, 50*time.Millisecond)

	p.Stop(1)
}

func TestPool_UnsupportedVenueExitsWithoutRetry(t *testing.T) {
	logger, err := logging.New("ERROR", "test")
	require.NoError(t, err)

	adapter := &fakeAdapter{name: "korea_investment", unsupported: true}
	resolver := &fakeResolver{adapters: map[int64]exchange.Adapter{1: adapter}}
	p := New(resolver, testMonitor(t), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, 1)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.startCalls), "should not retry a venue that doesn't support streaming")

	p.Stop(1)
}

func TestPool_StopAllTearsDownEveryStream(t *testing.T) {
	logger, err := logging.New("ERROR", "test")
	require.NoError(t, err)

	a1 := &fakeAdapter{name: "binance"}
	a2 := &fakeAdapter{name: "upbit"}
	resolver := &fakeResolver{adapters: map[int64]exchange.Adapter{1: a1, 2: a2}}
	p := New(resolver, testMonitor(t), logger)

	p.StartAll(context.Background(), []domain.Account{
		{ID: 1, Exchange: "binance", Active: true},
		{ID: 2, Exchange: "upbit", Active: true},
	})
	time.Sleep(50 * time.Millisecond)
	p.StopAll()
}
