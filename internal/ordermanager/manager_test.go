package ordermanager

import (
	"context"
	"testing"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/fillmonitor"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/position"
	"github.com/tradecore/execution-core/internal/ratelimit"
	"github.com/tradecore/execution-core/internal/registry"
	"github.com/tradecore/execution-core/internal/sse"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/apperrors"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeDBOSContext runs each step synchronously and returns its real
// result, the same sleight the teacher's own MockDBOSContext uses to
// test workflow bodies without a live dbos runtime, except this one
// passes the step's actual return through rather than a canned one
// since these tests assert on real business-logic results.
type fakeDBOSContext struct {
	dbos.DBOSContext
}

func (f *fakeDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	return fn(context.Background())
}

// fakeAdapter is a configurable exchange.Adapter stand-in.
type fakeAdapter struct {
	name string

	createResult exchange.CreateOrderResult
	createErr    error

	cancelErr error

	symbolInfo exchange.SymbolInfo

	openOrders []domain.OpenOrder
	getOrder   domain.OpenOrder
	getOrderErr error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) CreateOrder(context.Context, exchange.CreateOrderRequest) (exchange.CreateOrderResult, error) {
	return f.createResult, f.createErr
}

func (f *fakeAdapter) CancelOrder(context.Context, string, string) error { return f.cancelErr }

func (f *fakeAdapter) GetOpenOrders(context.Context, string) ([]domain.OpenOrder, error) {
	return f.openOrders, nil
}

func (f *fakeAdapter) GetOrder(context.Context, string, string) (domain.OpenOrder, error) {
	return f.getOrder, f.getOrderErr
}

func (f *fakeAdapter) GetBalances(context.Context) ([]exchange.Balance, error) { return nil, nil }

func (f *fakeAdapter) GetSymbolInfo(context.Context, string) (exchange.SymbolInfo, error) {
	return f.symbolInfo, nil
}

func (f *fakeAdapter) StartUserStream(context.Context, func(domain.FillEvent)) (exchange.StreamHandle, error) {
	return nil, nil
}

// fakeResolver resolves every account to the same adapter, which is
// all a single-account test setup needs.
type fakeResolver struct {
	adapter exchange.Adapter
}

func (r *fakeResolver) Adapter(accountID int64) (exchange.Adapter, error) {
	return r.adapter, nil
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(config.RateLimitsConfig{
		DefaultRequestsPerWindow: 1000,
		DefaultWindowSeconds:     1,
		DefaultBurst:             1000,
	})
}

type testDeps struct {
	manager  *Manager
	store    *store.Mem
	adapter  *fakeAdapter
	fills    *fillmonitor.Monitor
}

func newTestManager(t *testing.T, adapter *fakeAdapter) testDeps {
	t.Helper()
	logger, err := logging.New("ERROR", "test")
	require.NoError(t, err)

	st := store.NewMem()
	st.SeedAccount(domain.Account{ID: 1, UserID: 7, Exchange: adapter.name, Active: true})
	st.SeedStrategy(domain.Strategy{ID: 1, UserID: 7, GroupName: "s1", Active: true, MarketType: domain.MarketSpot})
	st.SeedStrategyAccount(domain.StrategyAccount{ID: 1, StrategyID: 1, AccountID: 1, Active: true})

	pm := position.New(st, logger)
	hub := sse.New(st, logger)
	fills := fillmonitor.New(st, pm, hub, logger)

	reg := registry.New(logger)
	rl := testLimiter()
	resolver := &fakeResolver{adapter: adapter}

	mgr := New(st, reg, rl, resolver, fills, hub, &fakeDBOSContext{}, logger)
	return testDeps{manager: mgr, store: st, adapter: adapter, fills: fills}
}

func runCreate(t *testing.T, dep testDeps, req CreateOrderInput) (*CreateOrderOutcome, error) {
	t.Helper()
	wf := &createOrderWorkflows{m: dep.manager}
	out, err := wf.run(&fakeDBOSContext{}, &req)
	if err != nil {
		return nil, err
	}
	outcome := out.(*CreateOrderOutcome)
	return outcome, nil
}

func TestCreateOrder_MarketOrder_FullFillHandsOffToFillMonitor(t *testing.T) {
	adapter := &fakeAdapter{
		name: "binance",
		createResult: exchange.CreateOrderResult{
			ExchangeOrderID: "EX-100",
			Status:          domain.StatusFilled,
			FilledQuantity:  d("1"),
			AvgFillPrice:    d("100"),
		},
	}
	dep := newTestManager(t, adapter)

	outcome, err := runCreate(t, dep, CreateOrderInput{
		StrategyAccountID: 1,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderMarket,
		Quantity:          d("1"),
		MarketType:        domain.MarketSpot,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Order)
	assert.Equal(t, domain.StatusFilled, outcome.Order.Status)

	// The immediate fill must already be booked into the position, and
	// the OpenOrder row must be gone since the order is terminal.
	pos, err := dep.store.GetPositionForUpdate(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d("1")))

	_, err = dep.store.GetOpenOrderByExchangeID(context.Background(), "EX-100")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateOrder_LimitOrder_OpenStaysInOpenOrders(t *testing.T) {
	adapter := &fakeAdapter{
		name: "binance",
		symbolInfo: exchange.SymbolInfo{
			Symbol: "BTCUSDT", QtyPrecision: 4, PricePrecision: 2,
			MinQty: d("0.001"), StepSize: d("0.001"), TickSize: d("0.01"),
		},
		createResult: exchange.CreateOrderResult{
			ExchangeOrderID: "EX-200",
			Status:          domain.StatusOpen,
			FilledQuantity:  decimal.Zero,
		},
	}
	dep := newTestManager(t, adapter)

	outcome, err := runCreate(t, dep, CreateOrderInput{
		StrategyAccountID: 1,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderLimit,
		Quantity:          d("0.5"),
		Price:             d("99.995"), // not a multiple of tick size 0.01
		MarketType:        domain.MarketSpot,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Order)
	assert.Equal(t, domain.StatusOpen, outcome.Order.Status)
	require.NotNil(t, outcome.Adjustment)
	assert.True(t, outcome.Adjustment.Adjusted, "price should have been floor-rounded to the tick size")

	stored, err := dep.store.GetOpenOrderByExchangeID(context.Background(), "EX-200")
	require.NoError(t, err)
	assert.True(t, stored.Price.Equal(d("99.99")))
}

func TestCreateOrder_RejectionBecomesFailedOrder(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "binance",
		createErr: apperrors.ErrInsufficientFunds,
	}
	dep := newTestManager(t, adapter)

	outcome, err := runCreate(t, dep, CreateOrderInput{
		StrategyAccountID: 1,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderMarket,
		Quantity:          d("1"),
		MarketType:        domain.MarketSpot,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.FailedOrder)
	assert.Equal(t, "insufficient_funds", outcome.FailedOrder.Reason)
	assert.Equal(t, "BTCUSDT", outcome.FailedOrder.Symbol)
	assert.Nil(t, outcome.Order)

	all, err := dep.store.ListOpenOrders(context.Background(), store.OpenOrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "a rejected order must not remain an OpenOrder row")
}

func TestCreateOrder_AuthFailureMarksAccount(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "binance",
		createErr: apperrors.ErrAuthenticationFailed,
	}
	dep := newTestManager(t, adapter)

	outcome, err := runCreate(t, dep, CreateOrderInput{
		StrategyAccountID: 1,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderMarket,
		Quantity:          d("1"),
		MarketType:        domain.MarketSpot,
	})
	require.NoError(t, err)
	assert.True(t, outcome.AccountMarked)
	assert.Nil(t, outcome.Order)
	assert.Nil(t, outcome.FailedOrder)
}

func TestCreateOrder_NetworkErrorDefersToReconciliation(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "binance",
		createErr: apperrors.ErrNetwork,
	}
	dep := newTestManager(t, adapter)

	outcome, err := runCreate(t, dep, CreateOrderInput{
		StrategyAccountID: 1,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderMarket,
		Quantity:          d("1"),
		MarketType:        domain.MarketSpot,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Order)
	assert.Equal(t, domain.StatusOpen, outcome.Order.Status)

	stored, err := dep.store.GetOpenOrderByExchangeID(context.Background(), outcome.Order.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, stored.Status)
}

func TestCreateOrder_BelowMinNotionalWithoutAutoAdjustFails(t *testing.T) {
	adapter := &fakeAdapter{
		name: "binance",
		symbolInfo: exchange.SymbolInfo{
			Symbol: "BTCUSDT", QtyPrecision: 4, PricePrecision: 2,
			MinQty: d("0.001"), StepSize: d("0.001"), TickSize: d("0.01"),
			MinNotional: d("10"),
		},
	}
	dep := newTestManager(t, adapter)

	_, err := runCreate(t, dep, CreateOrderInput{
		StrategyAccountID: 1,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderLimit,
		Quantity:          d("0.001"),
		Price:             d("1"), // notional 0.001, far below the 10 minimum
		MarketType:        domain.MarketSpot,
	})
	require.ErrorIs(t, err, apperrors.ErrBelowMinNotional)
}

func TestCreateOrder_BelowMinNotionalWithAutoAdjustScalesUp(t *testing.T) {
	adapter := &fakeAdapter{
		name: "binance",
		symbolInfo: exchange.SymbolInfo{
			Symbol: "BTCUSDT", QtyPrecision: 4, PricePrecision: 2,
			MinQty: d("0.001"), StepSize: d("0.001"), TickSize: d("0.01"),
			MinNotional: d("10"),
		},
		createResult: exchange.CreateOrderResult{
			ExchangeOrderID: "EX-300",
			Status:          domain.StatusOpen,
		},
	}
	dep := newTestManager(t, adapter)

	outcome, err := runCreate(t, dep, CreateOrderInput{
		StrategyAccountID: 1,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderLimit,
		Quantity:          d("0.001"),
		Price:             d("1"),
		MarketType:        domain.MarketSpot,
		AutoAdjust:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Order)
	assert.True(t, outcome.Order.Quantity.GreaterThanOrEqual(d("20")), "auto-adjust should scale quantity to clear the min notional at this price")
}

func TestCreateOrder_InactiveStrategyAccountIsRejected(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)
	dep.store.SeedStrategyAccount(domain.StrategyAccount{ID: 2, StrategyID: 1, AccountID: 1, Active: false})

	_, err := runCreate(t, dep, CreateOrderInput{
		StrategyAccountID: 2,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderMarket,
		Quantity:          d("1"),
		MarketType:        domain.MarketSpot,
	})
	require.ErrorIs(t, err, apperrors.ErrStrategyInactive)
}
