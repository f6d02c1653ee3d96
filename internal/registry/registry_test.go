package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/logging"
)

func testLogger() logging.Logger { return logging.NewNop() }

type fakeAdapter struct {
	name      string
	info      exchange.SymbolInfo
	err       error
	fetchCalls int
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) CreateOrder(context.Context, exchange.CreateOrderRequest) (exchange.CreateOrderResult, error) {
	return exchange.CreateOrderResult{}, nil
}
func (f *fakeAdapter) CancelOrder(context.Context, string, string) error { return nil }
func (f *fakeAdapter) GetOpenOrders(context.Context, string) ([]domain.OpenOrder, error) {
	return nil, nil
}
func (f *fakeAdapter) GetOrder(context.Context, string, string) (domain.OpenOrder, error) {
	return domain.OpenOrder{}, nil
}
func (f *fakeAdapter) GetBalances(context.Context) ([]exchange.Balance, error) { return nil, nil }
func (f *fakeAdapter) GetSymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	f.fetchCalls++
	if f.err != nil {
		return exchange.SymbolInfo{}, f.err
	}
	return f.info, nil
}
func (f *fakeAdapter) StartUserStream(context.Context, func(domain.FillEvent)) (exchange.StreamHandle, error) {
	return nil, nil
}

func TestRegistry_Get_CachesWithinTTL(t *testing.T) {
	r := New(testLogger())
	adapter := &fakeAdapter{name: "binance", info: exchange.SymbolInfo{Symbol: "BTCUSDT"}}

	info1, err := r.Get(context.Background(), adapter, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", info1.Symbol)

	_, err = r.Get(context.Background(), adapter, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.fetchCalls, "second Get within TTL should be served from cache")
}

func TestRegistry_Get_ServesStaleOnRefreshFailure(t *testing.T) {
	r := New(testLogger())
	r.ttl = time.Millisecond
	adapter := &fakeAdapter{name: "binance", info: exchange.SymbolInfo{Symbol: "BTCUSDT", MinQty: decimal.NewFromInt(1)}}

	_, err := r.Get(context.Background(), adapter, "BTCUSDT")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	adapter.err = errors.New("venue unavailable")

	info, err := r.Get(context.Background(), adapter, "BTCUSDT")
	require.NoError(t, err, "a stale cached entry should be served instead of propagating the refresh error")
	assert.True(t, info.MinQty.Equal(decimal.NewFromInt(1)))
}

func TestRegistry_Get_PropagatesErrorOnFirstFetch(t *testing.T) {
	r := New(testLogger())
	adapter := &fakeAdapter{name: "binance", err: errors.New("boom")}

	_, err := r.Get(context.Background(), adapter, "BTCUSDT")
	require.Error(t, err)
}

func TestAdjustQuantity_FloorsDownToStepSize(t *testing.T) {
	info := exchange.SymbolInfo{StepSize: decimal.NewFromFloat(0.001), QtyPrecision: 3}
	got := AdjustQuantity(info, decimal.NewFromFloat(1.2348))
	assert.True(t, got.Equal(decimal.NewFromFloat(1.234)), "got %s", got)
}

func TestAdjustPrice_FloorsDownToTickSize(t *testing.T) {
	info := exchange.SymbolInfo{TickSize: decimal.NewFromFloat(0.01), PricePrecision: 2}
	got := AdjustPrice(info, decimal.NewFromFloat(100.567))
	assert.True(t, got.Equal(decimal.NewFromFloat(100.56)), "got %s", got)
}

func TestValidate_RejectsBelowMinNotional(t *testing.T) {
	info := exchange.SymbolInfo{
		Symbol:      "BTCUSDT",
		MinQty:      decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromInt(10),
		StepSize:    decimal.NewFromFloat(0.0001),
		TickSize:    decimal.NewFromFloat(0.01),
	}

	_, err := Validate(info, decimal.NewFromFloat(0.0001), decimal.NewFromInt(1))
	assert.ErrorContains(t, err, "below minimum")
}

func TestValidate_AcceptsAndReportsAdjustment(t *testing.T) {
	info := exchange.SymbolInfo{
		Symbol:      "BTCUSDT",
		MinQty:      decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromInt(10),
		StepSize:    decimal.NewFromFloat(0.001),
		TickSize:    decimal.NewFromFloat(0.01),
	}

	adj, err := Validate(info, decimal.NewFromFloat(1.2348), decimal.NewFromFloat(100.567))
	require.NoError(t, err)
	assert.True(t, adj.Adjusted)
	assert.True(t, adj.AdjustedQuantity.Equal(decimal.NewFromFloat(1.234)))
	assert.True(t, adj.AdjustedPrice.Equal(decimal.NewFromFloat(100.56)))
}
