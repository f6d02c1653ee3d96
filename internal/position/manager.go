// Package position applies fills to StrategyPosition rows with
// weighted-average-price accounting, splitting realized PnL off
// exposure-reducing fills and decomposing zero-crossing fills into a
// close leg and a fresh open leg. Grounded on the teacher's
// internal/trading/position/manager.go lock-ordering discipline
// (acquire a coarse manager lock only to read/write shared maps, hold
// the per-key row lock for the actual mutation) and its OTel
// observable-gauge registration pattern, retargeted from per-slot
// inventory counts to per-position size/PnL gauges.
package position

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/telemetry"
)

// Manager applies fills to positions and capital. It holds no
// in-process state of its own beyond logging/metrics plumbing — the
// StrategyPosition row in Store is the source of truth, row-locked for
// the duration of each Apply call.
type Manager struct {
	store  store.Store
	logger logging.Logger
}

func New(st store.Store, logger logging.Logger) *Manager {
	return &Manager{store: st, logger: logger.WithField("component", "position_manager")}
}

// ApplyResult describes what a fill did to the position, for the Fill
// Monitor to turn into SSE events.
type ApplyResult struct {
	Position         domain.StrategyPosition
	PreviousQuantity decimal.Decimal
	RealizedPnLDelta decimal.Decimal
	Closed           bool // position crossed back through flat
}

// Apply books one fill into the position for (strategyAccountID, symbol)
// using weighted-average-price accounting (spec.md §4.F):
//   - same-sign fill (adds to exposure): entry_price becomes the
//     quantity-weighted average of the old and new legs.
//   - opposite-sign fill not exceeding current exposure: realized PnL is
//     booked on the closed portion at the existing entry_price; entry
//     price is unchanged.
//   - opposite-sign fill that exceeds current exposure: decomposed into
//     a close-to-zero leg (realizes PnL on the whole existing position)
//     and a fresh open leg at the fill price for the remainder.
//
// Callers run Apply inside store.WithTx (the Fill Monitor does); Apply
// itself takes the (strategyAccountID, symbol) row lock through
// GetPositionForUpdate and does the read/write under it, so callers
// should not pre-fetch the position.
func (m *Manager) Apply(ctx context.Context, strategyAccountID int64, symbol string, side domain.OrderSide, fillQty, fillPrice decimal.Decimal) (ApplyResult, error) {
	pos, err := m.store.GetPositionForUpdate(ctx, strategyAccountID, symbol)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("position: get for update: %w", err)
	}

	signedFillQty := fillQty
	if side == domain.SideSell {
		signedFillQty = fillQty.Neg()
	}

	prevQty := pos.Quantity
	result := ApplyResult{PreviousQuantity: prevQty}

	sameSign := prevQty.IsZero() || prevQty.Sign() == signedFillQty.Sign()

	switch {
	case sameSign:
		newQty := prevQty.Add(signedFillQty)
		if prevQty.IsZero() {
			pos.EntryPrice = fillPrice
		} else {
			totalCost := prevQty.Abs().Mul(pos.EntryPrice).Add(fillQty.Mul(fillPrice))
			totalQty := prevQty.Abs().Add(fillQty)
			if !totalQty.IsZero() {
				pos.EntryPrice = totalCost.Div(totalQty)
			}
		}
		pos.Quantity = newQty

	case signedFillQty.Abs().LessThanOrEqual(prevQty.Abs()):
		// Reduces exposure without crossing zero.
		closedQty := signedFillQty.Abs()
		pnlSign := decimal.NewFromInt(1)
		if prevQty.Sign() < 0 {
			pnlSign = decimal.NewFromInt(-1)
		}
		realized := fillPrice.Sub(pos.EntryPrice).Mul(closedQty).Mul(pnlSign)
		result.RealizedPnLDelta = realized
		pos.Quantity = prevQty.Add(signedFillQty)
		if pos.Quantity.IsZero() {
			result.Closed = true
		}

	default:
		// Crosses zero: close the full existing position, then open
		// the remainder fresh at the fill price.
		pnlSign := decimal.NewFromInt(1)
		if prevQty.Sign() < 0 {
			pnlSign = decimal.NewFromInt(-1)
		}
		realized := fillPrice.Sub(pos.EntryPrice).Mul(prevQty.Abs()).Mul(pnlSign)
		result.RealizedPnLDelta = realized
		remaining := prevQty.Add(signedFillQty) // leftover fill in the new direction
		pos.Quantity = remaining
		pos.EntryPrice = fillPrice
		result.Closed = true
	}

	if err := m.store.UpsertPosition(ctx, &pos); err != nil {
		return ApplyResult{}, fmt.Errorf("position: upsert: %w", err)
	}
	if !result.RealizedPnLDelta.IsZero() {
		if err := m.store.ApplyRealizedPnL(ctx, strategyAccountID, result.RealizedPnLDelta); err != nil {
			return ApplyResult{}, fmt.Errorf("position: apply realized pnl: %w", err)
		}
	}

	result.Position = pos
	m.recordMetrics(strategyAccountID, symbol, pos)

	m.logger.Debug("position updated", "strategy_account_id", strategyAccountID, "symbol", symbol,
		"quantity", pos.Quantity.String(), "entry_price", pos.EntryPrice.String(),
		"realized_pnl_delta", result.RealizedPnLDelta.String())

	return result, nil
}

func (m *Manager) recordMetrics(strategyAccountID int64, symbol string, pos domain.StrategyPosition) {
	key := fmt.Sprintf("%d:%s", strategyAccountID, symbol)
	qty, _ := pos.Quantity.Float64()
	unrealized, _ := pos.UnrealizedPnL.Float64()
	telemetry.GetGlobalMetrics().SetPositionSize(key, qty)
	telemetry.GetGlobalMetrics().SetUnrealizedPnL(key, unrealized)
}
