package ordermanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/apperrors"
)

func insertOpenOrderWithStatus(t *testing.T, st *store.Mem, status domain.OrderStatus) domain.OpenOrder {
	t.Helper()
	o := domain.OpenOrder{
		StrategyAccountID: 1,
		ExchangeOrderID:   "EX-CANCEL-1",
		ClientOrderID:     "client-1",
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		OrderType:         domain.OrderLimit,
		Price:             d("100"),
		Quantity:          d("1"),
		Status:            status,
		MarketType:        domain.MarketSpot,
	}
	require.NoError(t, st.InsertOpenOrder(context.Background(), &o))
	return o
}

func TestCancelOrder_OpenOrderCancelsOnExchange(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)
	order := insertOpenOrderWithStatus(t, dep.store, domain.StatusOpen)

	out, err := dep.manager.CancelOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.Status)

	_, err = dep.store.GetOpenOrderForUpdate(context.Background(), order.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelOrder_OrderAlreadyGoneOnExchangeStillDeletesRow(t *testing.T) {
	adapter := &fakeAdapter{name: "binance", cancelErr: apperrors.ErrOrderNotFound}
	dep := newTestManager(t, adapter)
	order := insertOpenOrderWithStatus(t, dep.store, domain.StatusPartiallyFilled)

	out, err := dep.manager.CancelOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.Status)

	_, err = dep.store.GetOpenOrderForUpdate(context.Background(), order.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelOrder_PendingOrderIsQueued(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)
	order := insertOpenOrderWithStatus(t, dep.store, domain.StatusPending)

	out, err := dep.manager.CancelOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", out.Status)
	assert.NotZero(t, out.QueueID)

	due, err := dep.store.ListDueCancels(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, order.ID, due[0].OrderID)
}

func TestCancelOrder_TerminalOrderIsConflict(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)
	order := insertOpenOrderWithStatus(t, dep.store, domain.StatusFilled)

	_, err := dep.manager.CancelOrder(context.Background(), order.ID)
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestBulkCancel_AggregatesAcrossMultipleOrders(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)

	o1 := domain.OpenOrder{
		StrategyAccountID: 1, ExchangeOrderID: "EX-A", ClientOrderID: "c-a",
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderLimit,
		Price: d("100"), Quantity: d("1"), Status: domain.StatusOpen, MarketType: domain.MarketSpot,
	}
	o2 := domain.OpenOrder{
		StrategyAccountID: 1, ExchangeOrderID: "EX-B", ClientOrderID: "c-b",
		Symbol: "ETHUSDT", Side: domain.SideSell, OrderType: domain.OrderLimit,
		Price: d("10"), Quantity: d("2"), Status: domain.StatusOpen, MarketType: domain.MarketSpot,
	}
	require.NoError(t, dep.store.InsertOpenOrder(context.Background(), &o1))
	require.NoError(t, dep.store.InsertOpenOrder(context.Background(), &o2))

	res, err := dep.manager.BulkCancel(context.Background(), store.OpenOrderFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalProcessed)
	assert.Equal(t, 2, res.CancelledOrders)
	assert.Equal(t, 0, res.FailedOrders)
}

func TestProcessDueCancels_SingleRetryBudgetExhaustsOnFirstPass(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)
	order := insertOpenOrderWithStatus(t, dep.store, domain.StatusPending)
	dep.manager.maxCancelRetries = 1

	item := &domain.CancelQueueItem{OrderID: order.ID, Status: domain.CancelPending, NextRetryAt: time.Now(), MaxRetries: 1}
	require.NoError(t, dep.store.EnqueueCancel(context.Background(), item))

	require.NoError(t, dep.manager.ProcessDueCancels(context.Background()))

	due, err := dep.store.ListDueCancels(context.Background(), time.Now())
	require.NoError(t, err)
	// Still PENDING on the exchange, so the order stays unresolved and
	// the queue item is bumped straight past its single allowed retry.
	require.Len(t, due, 0, "an exhausted item must no longer be due")
}

func TestProcessDueCancels_OrderAlreadyGoneMarksSuccess(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	dep := newTestManager(t, adapter)

	item := &domain.CancelQueueItem{OrderID: 9999, Status: domain.CancelPending, NextRetryAt: time.Now(), MaxRetries: 5}
	require.NoError(t, dep.store.EnqueueCancel(context.Background(), item))

	require.NoError(t, dep.manager.ProcessDueCancels(context.Background()))

	due, err := dep.store.ListDueCancels(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 0)
}
