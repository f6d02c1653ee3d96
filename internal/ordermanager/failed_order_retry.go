package ordermanager

import (
	"context"
	"time"

	"github.com/tradecore/execution-core/internal/domain"
)

// RunFailedOrderRetryWorker is a supplemented feature: spec.md's
// FailedOrder entity carries retry_count/max_retries but doesn't spell
// out an active retry loop. This worker re-submits pending_retry rows
// on a fixed interval until they succeed, exhaust their retry budget,
// or are deleted by a user.
func (m *Manager) RunFailedOrderRetryWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ProcessRetryableFailedOrders(ctx); err != nil {
				m.logger.Warn("failed order retry pass failed", "error", err)
			}
		}
	}
}

// ProcessRetryableFailedOrders attempts one re-submission of every
// pending_retry FailedOrder row.
func (m *Manager) ProcessRetryableFailedOrders(ctx context.Context) error {
	rows, err := m.store.ListRetryableFailedOrders(ctx)
	if err != nil {
		return err
	}
	for _, fo := range rows {
		m.retryOne(ctx, fo)
	}
	return nil
}

func (m *Manager) retryOne(ctx context.Context, fo domain.FailedOrder) {
	fo.Status = domain.FailedRetrying
	if err := m.store.UpdateFailedOrder(ctx, &fo); err != nil {
		m.logger.Warn("failed order retry: mark retrying failed", "id", fo.ID, "error", err)
		return
	}

	req := CreateOrderInput{
		StrategyAccountID: fo.StrategyAccountID,
		Symbol:            fo.Symbol,
		Side:              fo.Side,
		OrderType:         fo.OrderType,
		Quantity:          fo.Quantity,
		MarketType:        fo.MarketType,
	}
	if fo.Price != nil {
		req.Price = *fo.Price
	}
	if fo.StopPrice != nil {
		req.StopPrice = *fo.StopPrice
	}

	outcome, err := m.CreateOrder(ctx, req)
	if err != nil || outcome.FailedOrder != nil {
		fo.RetryCount++
		if fo.RetryCount >= fo.MaxRetries {
			fo.Status = domain.FailedExhausted
		} else {
			fo.Status = domain.FailedPendingRetry
		}
		if err != nil {
			fo.ExchangeError = err.Error()
		} else {
			fo.ExchangeError = outcome.FailedOrder.ExchangeError
		}
		if uErr := m.store.UpdateFailedOrder(ctx, &fo); uErr != nil {
			m.logger.Warn("failed order retry: update failed", "id", fo.ID, "error", uErr)
		}
		return
	}

	// Order accepted this time: the retry record has served its purpose.
	if err := m.store.DeleteFailedOrder(ctx, fo.ID); err != nil {
		m.logger.Warn("failed order retry: cleanup failed", "id", fo.ID, "error", err)
	}
}
