package ordermanager

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/apperrors"
)

func TestReconcileAccount_MatchedOrderWithNewFillUpdatesPosition(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)

	local := domain.OpenOrder{
		StrategyAccountID: 1, ExchangeOrderID: "EX-R1", ClientOrderID: "c-r1",
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderLimit,
		Price: d("100"), Quantity: d("2"), FilledQuantity: decimal.Zero,
		Status: domain.StatusOpen, MarketType: domain.MarketSpot,
	}
	require.NoError(t, dep.store.InsertOpenOrder(context.Background(), &local))

	adapter.openOrders = []domain.OpenOrder{
		{ExchangeOrderID: "EX-R1", Symbol: "BTCUSDT", Status: domain.StatusPartiallyFilled, FilledQuantity: d("1"), Quantity: d("2")},
	}

	require.NoError(t, dep.manager.ReconcileAccount(context.Background(), 1, domain.MarketSpot))

	pos, err := dep.store.GetPositionForUpdate(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d("1")), "the missed partial fill must be booked")

	stored, err := dep.store.GetOpenOrderByExchangeID(context.Background(), "EX-R1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyFilled, stored.Status)
}

func TestReconcileAccount_MatchedOrderTerminalDeletesRow(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)

	local := domain.OpenOrder{
		StrategyAccountID: 1, ExchangeOrderID: "EX-R2", ClientOrderID: "c-r2",
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderLimit,
		Price: d("100"), Quantity: d("1"), FilledQuantity: decimal.Zero,
		Status: domain.StatusOpen, MarketType: domain.MarketSpot,
	}
	require.NoError(t, dep.store.InsertOpenOrder(context.Background(), &local))

	adapter.openOrders = []domain.OpenOrder{
		{ExchangeOrderID: "EX-R2", Symbol: "BTCUSDT", Status: domain.StatusFilled, FilledQuantity: d("1"), Quantity: d("1")},
	}

	require.NoError(t, dep.manager.ReconcileAccount(context.Background(), 1, domain.MarketSpot))

	_, err := dep.store.GetOpenOrderByExchangeID(context.Background(), "EX-R2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileAccount_GhostOrderWithinGracePeriodIsLeftAlone(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)

	local := domain.OpenOrder{
		StrategyAccountID: 1, ExchangeOrderID: "EX-R3", ClientOrderID: "c-r3",
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderLimit,
		Price: d("100"), Quantity: d("1"), FilledQuantity: decimal.Zero,
		Status: domain.StatusOpen, MarketType: domain.MarketSpot,
	}
	require.NoError(t, dep.store.InsertOpenOrder(context.Background(), &local))

	// Not present in the exchange's open-orders listing.
	adapter.openOrders = nil
	adapter.getOrder = domain.OpenOrder{
		ExchangeOrderID: "EX-R3", Symbol: "BTCUSDT", Status: domain.StatusOpen, FilledQuantity: decimal.Zero,
	}

	require.NoError(t, dep.manager.ReconcileAccount(context.Background(), 1, domain.MarketSpot))

	stored, err := dep.store.GetOpenOrderByExchangeID(context.Background(), "EX-R3")
	require.NoError(t, err, "a momentary listing gap inside the grace period must not delete the row")
	assert.Equal(t, domain.StatusOpen, stored.Status)
}

func TestReconcileAccount_GhostOrderPastGracePeriodIsCanceled(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)

	local := domain.OpenOrder{
		StrategyAccountID: 1, ExchangeOrderID: "EX-R4", ClientOrderID: "c-r4",
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderLimit,
		Price: d("100"), Quantity: d("1"), FilledQuantity: decimal.Zero,
		Status: domain.StatusOpen, MarketType: domain.MarketSpot,
	}
	require.NoError(t, dep.store.InsertOpenOrder(context.Background(), &local))
	stale, err := dep.store.GetOpenOrderByExchangeID(context.Background(), "EX-R4")
	require.NoError(t, err)
	stale.UpdatedAt = time.Now().Add(-reconcileGracePeriod - time.Minute)
	require.NoError(t, dep.store.SeedOpenOrder(stale))

	adapter.openOrders = nil
	adapter.getOrder = domain.OpenOrder{
		ExchangeOrderID: "EX-R4", Symbol: "BTCUSDT", Status: domain.StatusOpen, FilledQuantity: decimal.Zero,
	}

	require.NoError(t, dep.manager.ReconcileAccount(context.Background(), 1, domain.MarketSpot))

	_, err = dep.store.GetOpenOrderByExchangeID(context.Background(), "EX-R4")
	assert.ErrorIs(t, err, store.ErrNotFound, "a ghost order past the grace period with no fill evidence must be inferred canceled")
}

func TestFailedOrderRetry_SuccessDeletesRow(t *testing.T) {
	adapter := &fakeAdapter{
		name: "binance",
		createResult: exchange.CreateOrderResult{
			ExchangeOrderID: "EX-RETRY-OK",
			Status:          domain.StatusOpen,
		},
	}
	dep := newTestManager(t, adapter)

	fo := domain.FailedOrder{
		StrategyAccountID: 1, Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderMarket,
		Quantity: d("1"), MarketType: domain.MarketSpot, Reason: "network error",
		RetryCount: 0, MaxRetries: 3, Status: domain.FailedPendingRetry,
	}
	require.NoError(t, dep.store.InsertFailedOrder(context.Background(), &fo))

	require.NoError(t, dep.manager.ProcessRetryableFailedOrders(context.Background()))

	_, err := dep.store.GetFailedOrder(context.Background(), fo.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFailedOrderRetry_ExhaustsAfterMaxRetries(t *testing.T) {
	adapter := &fakeAdapter{name: "binance", createErr: apperrors.ErrInsufficientFunds}
	dep := newTestManager(t, adapter)

	fo := domain.FailedOrder{
		StrategyAccountID: 1, Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderMarket,
		Quantity: d("1"), MarketType: domain.MarketSpot, Reason: "insufficient_funds",
		RetryCount: 0, MaxRetries: 1, Status: domain.FailedPendingRetry,
	}
	require.NoError(t, dep.store.InsertFailedOrder(context.Background(), &fo))

	require.NoError(t, dep.manager.ProcessRetryableFailedOrders(context.Background()))

	stored, err := dep.store.GetFailedOrder(context.Background(), fo.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FailedExhausted, stored.Status)
}
