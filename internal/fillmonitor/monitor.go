// Package fillmonitor is the Fill Monitor: it turns the canonical
// FillEvent stream (from the WebSocket Connection Pool or a
// reconciliation pass) into row-locked, idempotent updates to
// OpenOrder, TradeExecution, and StrategyPosition, then fans the result
// out over SSE. Grounded on the teacher's
// internal/trading/position/manager.go processedUpdates-dedup idiom,
// re-keyed from "orderID-status" to exchange_trade_id per spec.md §4.E.
package fillmonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/position"
	"github.com/tradecore/execution-core/internal/sse"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/telemetry"
)

// Monitor processes fill events regardless of origin (WS push or
// reconciliation poll); both paths call Handle with the same
// domain.FillEvent shape so dedup and position accounting are
// source-agnostic (spec.md §4.E, scenario 6).
type Monitor struct {
	store    store.Store
	position *position.Manager
	hub      *sse.Hub
	logger   logging.Logger
}

func New(st store.Store, pm *position.Manager, hub *sse.Hub, logger logging.Logger) *Monitor {
	return &Monitor{store: st, position: pm, hub: hub, logger: logger.WithField("component", "fill_monitor")}
}

// Handle applies one fill event atomically and idempotently (P2, L2).
// The caller's (strategy_account, symbol) row lock is acquired inside
// the transaction, per spec.md §4.E step 1 — the parent OpenOrder, if
// still present, is locked first so the lock order never inverts with
// a concurrent reconciliation pass touching the same order.
func (m *Monitor) Handle(ctx context.Context, strategyAccountID int64, fe domain.FillEvent) error {
	return m.store.WithTx(ctx, func(ctx context.Context) error {
		openOrder, hasOpenOrder, err := m.lockOpenOrder(ctx, fe.ExchangeOrderID)
		if err != nil {
			return err
		}

		exec := &domain.TradeExecution{
			StrategyAccountID: strategyAccountID,
			ExchangeOrderID:   fe.ExchangeOrderID,
			ExchangeTradeID:   fe.ExchangeTradeID,
			Symbol:            fe.Symbol,
			Side:              fe.Side,
			ExecutionPrice:    fe.Price,
			ExecutionQuantity: fe.Quantity,
			Commission:        fe.Commission,
			IsMaker:           fe.IsMaker,
			ExecutionTime:     fe.Time,
			MarketType:        fe.MarketType,
			RealizedPnL:       fe.RealizedPnL,
		}

		inserted, err := m.store.InsertTradeExecutionIfAbsent(ctx, exec)
		if err != nil {
			return fmt.Errorf("fillmonitor: insert trade execution: %w", err)
		}
		if !inserted {
			m.logger.Debug("duplicate fill discarded", "exchange_trade_id", fe.ExchangeTradeID)
			return nil
		}

		result, err := m.position.Apply(ctx, strategyAccountID, fe.Symbol, fe.Side, fe.Quantity, fe.Price)
		if err != nil {
			return fmt.Errorf("fillmonitor: apply position: %w", err)
		}

		var eventType domain.OrderStatus
		if hasOpenOrder {
			openOrder.FilledQuantity = openOrder.FilledQuantity.Add(fe.Quantity)
			if openOrder.FilledQuantity.GreaterThanOrEqual(openOrder.Quantity) {
				eventType = domain.StatusFilled
				if err := m.store.DeleteOpenOrder(ctx, openOrder.ID); err != nil {
					return fmt.Errorf("fillmonitor: delete filled open order: %w", err)
				}
			} else {
				eventType = domain.StatusPartiallyFilled
				openOrder.Status = domain.StatusPartiallyFilled
				if err := m.store.UpdateOpenOrder(ctx, &openOrder); err != nil {
					return fmt.Errorf("fillmonitor: update partially filled open order: %w", err)
				}
			}
		}

		m.publish(ctx, strategyAccountID, openOrder, hasOpenOrder, eventType, fe, result)

		telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1)
		return nil
	})
}

// lockOpenOrder looks up the OpenOrder row for this fill by
// exchange_order_id, locking it for the duration of the transaction. It
// is not an error for the row to be absent — a reconciliation pass can
// observe a trade whose OpenOrder was already deleted by an earlier WS
// event (L2/idempotence covers the rest).
func (m *Monitor) lockOpenOrder(ctx context.Context, exchangeOrderID string) (domain.OpenOrder, bool, error) {
	o, err := m.store.GetOpenOrderByExchangeID(ctx, exchangeOrderID)
	if err != nil {
		if err == store.ErrNotFound {
			return domain.OpenOrder{}, false, nil
		}
		return domain.OpenOrder{}, false, fmt.Errorf("fillmonitor: lock open order: %w", err)
	}
	return o, true, nil
}

func (m *Monitor) publish(ctx context.Context, strategyAccountID int64, o domain.OpenOrder, hasOpenOrder bool, status domain.OrderStatus, fe domain.FillEvent, res position.ApplyResult) {
	sa, err := m.store.GetStrategyAccount(ctx, strategyAccountID)
	if err != nil {
		m.logger.Warn("publish: strategy account lookup failed", "strategy_account_id", strategyAccountID, "error", err)
		return
	}
	acc, err := m.store.GetAccount(ctx, sa.AccountID)
	if err != nil {
		m.logger.Warn("publish: account lookup failed", "account_id", sa.AccountID, "error", err)
		return
	}
	ref := sse.AccountRef{Name: fmt.Sprintf("account-%d", acc.ID), Exchange: acc.Exchange}

	if hasOpenOrder {
		orderEventType := sse.OrderUpdated
		if status == domain.StatusFilled {
			orderEventType = sse.OrderFilled
		} else if status == domain.StatusPartiallyFilled {
			orderEventType = sse.OrderUpdated
		}
		m.hub.EmitOrderEvent(ctx, sse.OrderUpdate{
			EventType: orderEventType,
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			StrategyID: sa.StrategyID,
			UserID:     acc.UserID,
			Side:       string(o.Side),
			OrderType:  string(o.OrderType),
			Quantity:   o.Quantity.String(),
			Price:      o.Price.String(),
			Status:     string(status),
			Account:    ref,
			Timestamp:  time.Now(),
		})
	}

	positionEventType := sse.PositionUpdated
	if res.Closed {
		positionEventType = sse.PositionClosed
	} else if res.PreviousQuantity.IsZero() {
		positionEventType = sse.PositionCreated
	}
	m.hub.EmitPositionEvent(ctx, sse.PositionUpdate{
		EventType:        positionEventType,
		PositionID:       fmt.Sprintf("%d:%s", strategyAccountID, fe.Symbol),
		Symbol:           fe.Symbol,
		StrategyID:       sa.StrategyID,
		UserID:           acc.UserID,
		Quantity:         res.Position.Quantity.String(),
		EntryPrice:       res.Position.EntryPrice.String(),
		PreviousQuantity: res.PreviousQuantity.String(),
		Account:          ref,
		Timestamp:        time.Now(),
	})
}
