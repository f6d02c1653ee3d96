package ordermanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/domain"
)

// reconcileGracePeriod bounds how long a locally-OPEN order can be
// absent from the exchange's open-orders response, with no matching
// fill evidence, before it is inferred CANCELED rather than treated as
// a transient listing gap.
const reconcileGracePeriod = 90 * time.Second

// ReconcileAccount runs one reconciliation pass for (accountID,
// marketType): fetch the exchange's current open orders, diff against
// the local OpenOrder table, and feed any newly-observed fill quantity
// through the Fill Monitor so drift is corrected the same way a missed
// WebSocket fill would be. Grounded on internal/trading/reconciler.go's
// ReconcileOrders (exchange_map matching, ghost-fill/zombie detection).
func (m *Manager) ReconcileAccount(ctx context.Context, accountID int64, marketType domain.MarketType) error {
	local, err := m.store.ListOpenOrdersByAccount(ctx, accountID, marketType)
	if err != nil {
		return fmt.Errorf("ordermanager: reconcile: list local orders: %w", err)
	}
	if len(local) == 0 {
		return nil
	}

	adapter, err := m.adapters.Adapter(accountID)
	if err != nil {
		return fmt.Errorf("ordermanager: reconcile: resolve adapter: %w", err)
	}

	exchangeMap, err := m.fetchExchangeMap(ctx, adapter, local)
	if err != nil {
		return err
	}

	for _, lo := range local {
		if ro, ok := exchangeMap[lo.ExchangeOrderID]; ok {
			m.reconcileMatched(ctx, accountID, lo, ro)
		} else {
			m.reconcileGhost(ctx, accountID, adapter, lo)
		}
	}
	return nil
}

func (m *Manager) fetchExchangeMap(ctx context.Context, adapter adapterForReconcile, local []domain.OpenOrder) (map[string]domain.OpenOrder, error) {
	symbols := map[string]struct{}{}
	for _, o := range local {
		symbols[o.Symbol] = struct{}{}
	}

	exchangeMap := make(map[string]domain.OpenOrder)
	for symbol := range symbols {
		remote, err := adapter.GetOpenOrders(ctx, symbol)
		if err != nil {
			m.logger.Warn("reconcile: fetch open orders failed", "symbol", symbol, "error", err)
			continue
		}
		for _, ro := range remote {
			exchangeMap[ro.ExchangeOrderID] = ro
		}
	}
	return exchangeMap, nil
}

// reconcileMatched updates a locally-known order from the exchange's
// current view, feeding any filled-quantity increase through the Fill
// Monitor as a synthetic fill event (spec.md §4.D: "emits the same
// canonical fill event stream as WebSocket would").
func (m *Manager) reconcileMatched(ctx context.Context, accountID int64, lo, ro domain.OpenOrder) {
	if ro.FilledQuantity.GreaterThan(lo.FilledQuantity) {
		delta := ro.FilledQuantity.Sub(lo.FilledQuantity)
		fe := domain.FillEvent{
			AccountID:       accountID,
			Symbol:          lo.Symbol,
			Side:            lo.Side,
			Price:           lo.Price,
			Quantity:        delta,
			ExchangeOrderID: lo.ExchangeOrderID,
			ExchangeTradeID: fmt.Sprintf("recon-%s-%s", lo.ExchangeOrderID, ro.FilledQuantity.String()),
			Time:            time.Now(),
			MarketType:      lo.MarketType,
		}
		if err := m.fills.Handle(ctx, lo.StrategyAccountID, fe); err != nil {
			m.logger.Warn("reconcile: fill handoff failed", "order_id", lo.ID, "error", err)
			return
		}
	}

	if isTerminal(ro.Status) {
		if err := m.store.DeleteOpenOrder(ctx, lo.ID); err != nil {
			m.logger.Warn("reconcile: delete terminal order failed", "order_id", lo.ID, "error", err)
		}
		return
	}

	if ro.Status != lo.Status {
		lo.Status = ro.Status
		lo.FilledQuantity = ro.FilledQuantity
		if err := m.store.UpdateOpenOrder(ctx, &lo); err != nil {
			m.logger.Warn("reconcile: status update failed", "order_id", lo.ID, "error", err)
		}
	}
}

// reconcileGhost handles a locally-OPEN order absent from the
// exchange's current open-orders listing: check its terminal status
// directly before concluding it was cancelled, since a momentary
// listing gap is not evidence of cancellation.
func (m *Manager) reconcileGhost(ctx context.Context, accountID int64, adapter adapterForReconcile, lo domain.OpenOrder) {
	ro, err := adapter.GetOrder(ctx, lo.Symbol, lo.ExchangeOrderID)
	if err != nil {
		m.logger.Warn("reconcile: ghost order lookup failed", "order_id", lo.ID, "error", err)
		return
	}

	if ro.FilledQuantity.GreaterThan(decimal.Zero) || isTerminal(ro.Status) {
		m.reconcileMatched(ctx, accountID, lo, ro)
		return
	}

	if time.Since(lo.UpdatedAt) < reconcileGracePeriod {
		return
	}

	lo.Status = domain.StatusCanceled
	if err := m.store.DeleteOpenOrder(ctx, lo.ID); err != nil {
		m.logger.Warn("reconcile: delete ghost order failed", "order_id", lo.ID, "error", err)
	}
}

// adapterForReconcile is the subset of exchange.Adapter reconciliation
// needs, declared narrowly so tests can fake it without a full Adapter.
type adapterForReconcile interface {
	GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error)
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (domain.OpenOrder, error)
}

// RunReconciliationLoop runs ReconcileAccount for every active account
// on a fixed interval (default 5-15s per spec.md §4.D) until ctx is
// cancelled. cmd/server launches one of these per market type in use.
// The schedule itself is a robfig/cron entry (`@every <interval>`)
// rather than a hand-rolled ticker, so a future per-market-type cron
// expression (e.g. skip reconciliation outside KRX trading hours for
// securities accounts) is a schedule-string change, not new plumbing.
func (m *Manager) RunReconciliationLoop(ctx context.Context, marketType domain.MarketType, interval time.Duration) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		accounts, err := m.store.ListActiveAccounts(ctx)
		if err != nil {
			m.logger.Warn("reconciliation: list active accounts failed", "error", err)
			return
		}
		for _, acc := range accounts {
			if err := m.ReconcileAccount(ctx, acc.ID, marketType); err != nil {
				m.logger.Warn("reconciliation pass failed", "account_id", acc.ID, "error", err)
			}
		}
	})
	if err != nil {
		m.logger.Error("reconciliation: invalid schedule", "interval", interval, "error", err)
		return
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
