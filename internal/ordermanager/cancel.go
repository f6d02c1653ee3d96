package ordermanager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/apperrors"
)

// CancelOutcome describes what happened to a single order's cancel
// request.
type CancelOutcome struct {
	Status  string // "cancelled", "queued", "conflict"
	QueueID int64
}

// CancelOrder implements spec.md §4.D's single-cancel state machine.
func (m *Manager) CancelOrder(ctx context.Context, orderID int64) (CancelOutcome, error) {
	order, err := m.store.GetOpenOrderForUpdate(ctx, orderID)
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("ordermanager: cancel: %w", err)
	}

	switch order.Status {
	case domain.StatusOpen, domain.StatusPartiallyFilled:
		if err := m.cancelOnExchange(ctx, &order); err != nil {
			return CancelOutcome{}, err
		}
		return CancelOutcome{Status: "cancelled"}, nil

	case domain.StatusPending:
		item := &domain.CancelQueueItem{
			OrderID:     order.ID,
			Status:      domain.CancelPending,
			NextRetryAt: time.Now(),
			MaxRetries:  m.maxCancelRetries,
		}
		if err := m.store.EnqueueCancel(ctx, item); err != nil {
			return CancelOutcome{}, fmt.Errorf("ordermanager: enqueue cancel: %w", err)
		}
		return CancelOutcome{Status: "queued", QueueID: item.ID}, nil

	default:
		return CancelOutcome{Status: "conflict"}, fmt.Errorf("%w: order %d is %s", apperrors.ErrConflict, order.ID, order.Status)
	}
}

func (m *Manager) cancelOnExchange(ctx context.Context, order *domain.OpenOrder) error {
	sa, err := m.store.GetStrategyAccount(ctx, order.StrategyAccountID)
	if err != nil {
		return fmt.Errorf("ordermanager: cancel: strategy account: %w", err)
	}
	adapter, err := m.adapters.Adapter(sa.AccountID)
	if err != nil {
		return fmt.Errorf("ordermanager: cancel: resolve adapter: %w", err)
	}
	if err := m.ratelimit.WaitIfNeeded(ctx, adapter.Name(), sa.AccountID); err != nil {
		return fmt.Errorf("ordermanager: cancel: rate limit wait: %w", err)
	}
	if err := adapter.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID); err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			// Already gone on the exchange side; treat as cancelled.
			return m.store.DeleteOpenOrder(ctx, order.ID)
		}
		return fmt.Errorf("ordermanager: cancel on exchange: %w", err)
	}
	return m.store.DeleteOpenOrder(ctx, order.ID)
}

// BulkCancelResult aggregates a filtered cancel sweep.
type BulkCancelResult struct {
	CancelledOrders int
	FailedOrders    int
	TotalProcessed  int
	Filter          store.OpenOrderFilter
}

// BulkCancel resolves every OpenOrder (including PENDING rows, since
// ListOpenOrders carries no status filter) matching f and cancels each
// one individually.
func (m *Manager) BulkCancel(ctx context.Context, f store.OpenOrderFilter) (BulkCancelResult, error) {
	orders, err := m.store.ListOpenOrders(ctx, f)
	if err != nil {
		return BulkCancelResult{}, fmt.Errorf("ordermanager: bulk cancel: list: %w", err)
	}

	res := BulkCancelResult{Filter: f, TotalProcessed: len(orders)}
	for _, o := range orders {
		if _, err := m.CancelOrder(ctx, o.ID); err != nil {
			res.FailedOrders++
			m.logger.Warn("bulk cancel: order cancel failed", "order_id", o.ID, "error", err)
			continue
		}
		res.CancelledOrders++
	}
	return res, nil
}

// RunCancelQueueWorker polls the cancel queue every interval until ctx
// is cancelled. cmd/server launches this in its own goroutine.
func (m *Manager) RunCancelQueueWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ProcessDueCancels(ctx); err != nil {
				m.logger.Warn("cancel queue pass failed", "error", err)
			}
		}
	}
}

// ProcessDueCancels handles one pass of the deferred-cancel worker:
// every due CancelQueueItem re-reads its order's current status before
// acting, since the PENDING→OPEN transition can land at any time.
func (m *Manager) ProcessDueCancels(ctx context.Context) error {
	due, err := m.store.ListDueCancels(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("ordermanager: list due cancels: %w", err)
	}
	for _, item := range due {
		m.processCancelQueueItem(ctx, item)
	}
	return nil
}

func (m *Manager) processCancelQueueItem(ctx context.Context, item domain.CancelQueueItem) {
	order, err := m.store.GetOpenOrderForUpdate(ctx, item.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		item.Status = domain.CancelSuccess
		m.saveQueueItem(ctx, item)
		return
	}
	if err != nil {
		m.logger.Warn("cancel queue: load order failed", "queue_id", item.ID, "error", err)
		return
	}

	switch order.Status {
	case domain.StatusOpen, domain.StatusPartiallyFilled:
		if err := m.cancelOnExchange(ctx, &order); err != nil {
			m.bumpRetry(ctx, &item, err.Error())
			return
		}
		item.Status = domain.CancelSuccess
		m.saveQueueItem(ctx, item)

	case domain.StatusFilled, domain.StatusCanceled, domain.StatusExpired:
		item.Status = domain.CancelSuccess
		m.saveQueueItem(ctx, item)

	default: // still PENDING
		m.bumpRetry(ctx, &item, "")
	}
}

func (m *Manager) bumpRetry(ctx context.Context, item *domain.CancelQueueItem, errMsg string) {
	item.RetryCount++
	item.ErrorMsg = errMsg
	if item.RetryCount >= item.MaxRetries {
		item.Status = domain.CancelFailed
		m.saveQueueItem(ctx, *item)
		return
	}
	backoff := time.Duration(math.Pow(2, float64(item.RetryCount))) * time.Second
	item.NextRetryAt = time.Now().Add(backoff)
	m.saveQueueItem(ctx, *item)
}

func (m *Manager) saveQueueItem(ctx context.Context, item domain.CancelQueueItem) {
	if err := m.store.UpdateCancelQueueItem(ctx, &item); err != nil {
		m.logger.Warn("cancel queue: save failed", "queue_id", item.ID, "error", err)
	}
}
