package fillmonitor

import (
	"context"
	"fmt"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/store"
)

// HandleFromStream is the entry point the WebSocket Connection Pool
// calls with a raw FillEvent, where (unlike reconciliation) the caller
// does not already know which StrategyAccount the fill belongs to.
//
// It resolves that binding by ExchangeOrderID first; if the order is
// still PENDING (the REST create_order call has not yet patched in the
// real exchange id), it falls back to ClientOrderID, matching a fill
// that arrives over WebSocket ahead of the REST response (spec.md
// §4.D scenario 2). Handle's own lock-then-apply logic then proceeds
// exactly as it does for a reconciliation-sourced fill.
func (m *Monitor) HandleFromStream(ctx context.Context, fe domain.FillEvent) error {
	strategyAccountID, err := m.resolveStrategyAccount(ctx, fe)
	if err != nil {
		return err
	}
	if strategyAccountID == 0 {
		m.logger.Warn("fill could not be attributed to a strategy account, dropping",
			"account_id", fe.AccountID, "exchange_order_id", fe.ExchangeOrderID, "client_order_id", fe.ClientOrderID)
		return nil
	}
	return m.Handle(ctx, strategyAccountID, fe)
}

func (m *Monitor) resolveStrategyAccount(ctx context.Context, fe domain.FillEvent) (int64, error) {
	if fe.ExchangeOrderID != "" {
		o, err := m.store.GetOpenOrderByExchangeID(ctx, fe.ExchangeOrderID)
		if err == nil {
			return o.StrategyAccountID, nil
		}
		if err != store.ErrNotFound {
			return 0, fmt.Errorf("fillmonitor: resolve by exchange order id: %w", err)
		}
	}
	if fe.ClientOrderID != "" {
		o, err := m.store.GetOpenOrderByClientID(ctx, fe.ClientOrderID)
		if err == nil {
			return o.StrategyAccountID, nil
		}
		if err != store.ErrNotFound {
			return 0, fmt.Errorf("fillmonitor: resolve by client order id: %w", err)
		}
	}
	return 0, nil
}
