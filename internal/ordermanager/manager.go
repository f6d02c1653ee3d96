// Package ordermanager owns the OpenOrder lifecycle: creation (as a
// dbos-inc/dbos-transact-golang durable workflow so the "commit the
// PENDING row, then call the exchange" ordering survives a crash
// between the two), single/bulk cancellation, the deferred cancel
// queue for orders still PENDING, and the periodic reconciliation pass
// that catches fills and terminal states the WebSocket Connection Pool
// missed. Grounded on the teacher's internal/engine/durable
// (workflow.go, engine.go) staged-step pattern and
// internal/trading/reconciler.go's exchange_map matching.
package ordermanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/fillmonitor"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/ratelimit"
	"github.com/tradecore/execution-core/internal/registry"
	"github.com/tradecore/execution-core/internal/sse"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/apperrors"
	"github.com/tradecore/execution-core/pkg/telemetry"
)

// AdapterResolver hands back the Adapter instance bound to one account.
// cmd/server constructs one Adapter per (exchange,account) pair at
// startup and satisfies this with a plain map lookup.
type AdapterResolver interface {
	Adapter(accountID int64) (exchange.Adapter, error)
}

// CreateOrderInput is the unified creation request, already normalized
// by whatever caller (Webhook Dispatcher or an authenticated HTTP
// route) derived symbol/side/quantity for this one account.
type CreateOrderInput struct {
	StrategyAccountID int64
	Symbol            string
	Side              domain.OrderSide
	OrderType         domain.OrderType
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	StopPrice         decimal.Decimal
	MarketType        domain.MarketType
	AutoAdjust        bool
}

// CreateOrderOutcome is what callers get back: either a live order, a
// FailedOrder record, or an error that couldn't be classified at all
// (a bug, not a trading outcome).
type CreateOrderOutcome struct {
	Order          *domain.OpenOrder
	FailedOrder    *domain.FailedOrder
	Adjustment     *registry.AdjustmentInfo
	AccountMarked  bool // account flagged unhealthy (authentication failure)
}

// Manager is the Order Manager. One instance is shared process-wide.
type Manager struct {
	store     store.Store
	registry  *registry.Registry
	ratelimit *ratelimit.Limiter
	adapters  AdapterResolver
	fills     *fillmonitor.Monitor
	hub       *sse.Hub
	dbosCtx   dbos.DBOSContext
	logger    logging.Logger

	maxCancelRetries int
}

func New(st store.Store, reg *registry.Registry, rl *ratelimit.Limiter, adapters AdapterResolver, fills *fillmonitor.Monitor, hub *sse.Hub, dbosCtx dbos.DBOSContext, logger logging.Logger) *Manager {
	return &Manager{
		store:            st,
		registry:         reg,
		ratelimit:        rl,
		adapters:         adapters,
		fills:            fills,
		hub:              hub,
		dbosCtx:          dbosCtx,
		logger:           logger.WithField("component", "order_manager"),
		maxCancelRetries: 8,
	}
}

// createOrderWorkflows bundles the workflow methods dbos.RunWorkflow
// dispatches into, mirroring the teacher's TradingWorkflows shape.
type createOrderWorkflows struct {
	m *Manager
}

// CreateOrder runs the 7-step creation sequence as a durable workflow:
// insert-and-commit the PENDING row (step 1-4), call the exchange (step
// 5), patch the row or classify the failure (steps 6-7). Each stage is
// its own RunAsStep boundary so a process crash between "row committed"
// and "exchange call returned" is resumed, not silently lost.
func (m *Manager) CreateOrder(ctx context.Context, req CreateOrderInput) (CreateOrderOutcome, error) {
	wf := &createOrderWorkflows{m: m}
	handle, err := m.dbosCtx.RunWorkflow(m.dbosCtx, wf.run, &req)
	if err != nil {
		return CreateOrderOutcome{}, fmt.Errorf("ordermanager: start creation workflow: %w", err)
	}
	resultRaw, err := handle.GetResult()
	if err != nil {
		return CreateOrderOutcome{}, fmt.Errorf("ordermanager: creation workflow: %w", err)
	}
	outcome, _ := resultRaw.(*CreateOrderOutcome)
	if outcome == nil {
		return CreateOrderOutcome{}, fmt.Errorf("ordermanager: creation workflow returned no outcome")
	}
	return *outcome, nil
}

func (w *createOrderWorkflows) run(ctx dbos.DBOSContext, input any) (any, error) {
	req := input.(*CreateOrderInput)
	m := w.m

	// Step 1-4: insert PENDING row and commit it, independent of the
	// REST call that follows.
	pendingRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return m.insertPendingOrder(stepCtx, req)
	})
	if err != nil {
		return nil, err
	}
	pending := pendingRaw.(*pendingCreation)

	// Step 5-7: call create_order, then patch or classify.
	outcomeRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return m.submitAndResolve(stepCtx, req, pending)
	})
	if err != nil {
		return nil, err
	}
	return outcomeRaw, nil
}

type pendingCreation struct {
	order      domain.OpenOrder
	adjustment *registry.AdjustmentInfo
}

// BatchCreateInput is create_batch_orders' request: every leg shares one
// strategy account, matching the venues' native multi-order endpoints
// which operate against a single API key/session.
type BatchCreateInput struct {
	StrategyAccountID int64
	Orders            []CreateOrderInput
}

// batchCreateWorkflows mirrors createOrderWorkflows for the batch path.
type batchCreateWorkflows struct {
	m *Manager
}

// CreateBatchOrders runs spec §4.A's create_batch_orders as a durable
// workflow: every leg's PENDING row is inserted and committed first
// (so a crash mid-batch leaves rows reconciliation can still resolve),
// then exchange.ExecuteBatch places them all, using the adapter's
// native multi-order endpoint when it implements BatchCapable and a
// rate-limiter-paced sequential fallback otherwise.
func (m *Manager) CreateBatchOrders(ctx context.Context, req BatchCreateInput) (exchange.BatchResult, error) {
	wf := &batchCreateWorkflows{m: m}
	handle, err := m.dbosCtx.RunWorkflow(m.dbosCtx, wf.run, &req)
	if err != nil {
		return exchange.BatchResult{}, fmt.Errorf("ordermanager: start batch creation workflow: %w", err)
	}
	resultRaw, err := handle.GetResult()
	if err != nil {
		return exchange.BatchResult{}, fmt.Errorf("ordermanager: batch creation workflow: %w", err)
	}
	result, _ := resultRaw.(*exchange.BatchResult)
	if result == nil {
		return exchange.BatchResult{}, fmt.Errorf("ordermanager: batch creation workflow returned no result")
	}

	if m.hub != nil {
		sa, err := m.store.GetStrategyAccount(ctx, req.StrategyAccountID)
		if err == nil {
			m.hub.EmitOrderBatchEvent(ctx, sa.StrategyID, batchUpdate(req.Orders, *result))
		}
	}

	return *result, nil
}

// batchUpdate collapses a create_batch_orders result into spec §4.I's
// order_batch_update shape: one created/cancelled tally per order type
// present in the batch.
func batchUpdate(orders []CreateOrderInput, result exchange.BatchResult) sse.OrderBatchUpdate {
	created := map[domain.OrderType]int{}
	for i, outcome := range result.Results {
		if outcome.Success && i < len(orders) {
			created[orders[i].OrderType]++
		}
	}
	summaries := make([]sse.OrderBatchSummary, 0, len(created))
	for ot, n := range created {
		summaries = append(summaries, sse.OrderBatchSummary{OrderType: string(ot), Created: n})
	}
	return sse.OrderBatchUpdate{Summaries: summaries, Timestamp: time.Now()}
}

func (w *batchCreateWorkflows) run(ctx dbos.DBOSContext, input any) (any, error) {
	req := input.(*BatchCreateInput)
	m := w.m
	for i := range req.Orders {
		req.Orders[i].StrategyAccountID = req.StrategyAccountID
	}

	pendingsRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		pendings := make([]*pendingCreation, len(req.Orders))
		for i := range req.Orders {
			p, err := m.insertPendingOrder(stepCtx, &req.Orders[i])
			if err != nil {
				return nil, fmt.Errorf("ordermanager: batch leg %d: %w", i, err)
			}
			pendings[i] = p
		}
		return pendings, nil
	})
	if err != nil {
		return nil, err
	}
	pendings := pendingsRaw.([]*pendingCreation)

	resultRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return m.submitBatch(stepCtx, req, pendings)
	})
	if err != nil {
		return nil, err
	}
	return resultRaw, nil
}

// submitBatch is the batch analogue of submitAndResolve: resolve the
// shared adapter once, submit every leg through exchange.ExecuteBatch,
// then run each leg through the same finalizeCreate path a single
// create_order call uses so fills and failure classification behave
// identically whether an order arrived solo or in a batch.
func (m *Manager) submitBatch(ctx context.Context, req *BatchCreateInput, pendings []*pendingCreation) (*exchange.BatchResult, error) {
	sa, err := m.store.GetStrategyAccount(ctx, req.StrategyAccountID)
	if err != nil {
		return nil, fmt.Errorf("ordermanager: strategy account vanished: %w", err)
	}
	account, err := m.store.GetAccount(ctx, sa.AccountID)
	if err != nil {
		return nil, fmt.Errorf("ordermanager: account vanished: %w", err)
	}
	adapter, err := m.adapters.Adapter(account.ID)
	if err != nil {
		return nil, fmt.Errorf("ordermanager: resolve adapter: %w", err)
	}

	reqs := make([]exchange.CreateOrderRequest, len(pendings))
	for i, p := range pendings {
		reqs[i] = exchange.CreateOrderRequest{
			Symbol:        p.order.Symbol,
			Side:          p.order.Side,
			Type:          p.order.OrderType,
			Quantity:      p.order.Quantity,
			Price:         p.order.Price,
			StopPrice:     p.order.StopPrice,
			ClientOrderID: p.order.ClientOrderID,
			MarketType:    p.order.MarketType,
		}
	}

	batch, errs := exchange.ExecuteBatch(ctx, adapter, m.ratelimit, account.ID, reqs)

	for i, outcome := range batch.Results {
		var result exchange.CreateOrderResult
		if outcome.Success {
			result = *outcome.Order
		}
		createErr := errs[i]
		leg := req.Orders[i]
		finalized, err := m.finalizeCreate(ctx, account.ID, sa.ID, &leg, pendings[i], result, createErr)
		if err != nil {
			m.logger.Warn("batch leg finalize failed", "index", i, "error", err)
			continue
		}
		if finalized.Order != nil {
			batch.Results[i].Order = &exchange.CreateOrderResult{
				ExchangeOrderID: finalized.Order.ExchangeOrderID,
				Status:          finalized.Order.Status,
				FilledQuantity:  finalized.Order.FilledQuantity,
			}
		}
	}

	return &batch, nil
}

// insertPendingOrder is step 1-4: resolve the binding, run precision
// preprocessing, then insert and commit the PENDING row so a
// concurrent WS fill can already match it by client order id.
func (m *Manager) insertPendingOrder(ctx context.Context, req *CreateOrderInput) (*pendingCreation, error) {
	sa, err := m.store.GetStrategyAccount(ctx, req.StrategyAccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: strategy account %d", apperrors.ErrStrategyNotFound, req.StrategyAccountID)
	}
	if !sa.Active {
		return nil, fmt.Errorf("%w: strategy account %d", apperrors.ErrStrategyInactive, sa.ID)
	}
	strategy, err := m.store.GetStrategy(ctx, sa.StrategyID)
	if err != nil || !strategy.Active {
		return nil, fmt.Errorf("%w: strategy %d", apperrors.ErrStrategyInactive, sa.StrategyID)
	}
	account, err := m.store.GetAccount(ctx, sa.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: account %d", apperrors.ErrAccountNotFound, sa.AccountID)
	}
	if !account.Active {
		return nil, fmt.Errorf("%w: account %d", apperrors.ErrAccountInactive, account.ID)
	}

	adapter, err := m.adapters.Adapter(account.ID)
	if err != nil {
		return nil, fmt.Errorf("ordermanager: resolve adapter for account %d: %w", account.ID, err)
	}

	qty, price := req.Quantity, req.Price
	var adj *registry.AdjustmentInfo
	if req.OrderType != domain.OrderMarket || !price.IsZero() {
		info, err := m.registry.Get(ctx, adapter, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("ordermanager: symbol info: %w", err)
		}
		validated, vErr := registry.Validate(info, qty, price)
		adj = &validated
		if vErr != nil {
			if req.AutoAdjust && info.MinNotional.GreaterThan(decimal.Zero) {
				qty = minNotionalQuantity(info, price)
				validated, vErr = registry.Validate(info, qty, price)
				adj = &validated
			}
			if vErr != nil {
				return nil, fmt.Errorf("%w: %v", apperrors.ErrBelowMinNotional, vErr)
			}
		}
		qty, price = validated.AdjustedQuantity, validated.AdjustedPrice
	}

	clientRef := uuid.NewString()
	order := domain.OpenOrder{
		StrategyAccountID: sa.ID,
		ExchangeOrderID:   domain.PendingIDPrefix + clientRef,
		ClientOrderID:     clientRef,
		Symbol:            req.Symbol,
		Side:              req.Side,
		OrderType:         req.OrderType,
		Price:             price,
		StopPrice:         req.StopPrice,
		Quantity:          qty,
		FilledQuantity:    decimal.Zero,
		Status:            domain.StatusPending,
		MarketType:        req.MarketType,
	}
	if err := m.store.InsertOpenOrder(ctx, &order); err != nil {
		return nil, fmt.Errorf("ordermanager: insert pending order: %w", err)
	}

	return &pendingCreation{order: order, adjustment: adj}, nil
}

// minNotionalQuantity scales a quantity up to 2x the venue's minimum
// notional, per spec.md §4.A's auto-adjust preprocessor opt-in.
func minNotionalQuantity(info exchange.SymbolInfo, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return info.MinQty
	}
	target := info.MinNotional.Mul(decimal.NewFromInt(2)).Div(price)
	return registry.AdjustQuantity(info, target)
}

// submitAndResolve is step 5-7: call the exchange, then patch the row
// on success or classify the failure into a FailedOrder / OPEN-and-
// defer / account-unhealthy outcome.
func (m *Manager) submitAndResolve(ctx context.Context, req *CreateOrderInput, pending *pendingCreation) (*CreateOrderOutcome, error) {
	sa, err := m.store.GetStrategyAccount(ctx, pending.order.StrategyAccountID)
	if err != nil {
		return nil, fmt.Errorf("ordermanager: strategy account vanished: %w", err)
	}
	account, err := m.store.GetAccount(ctx, sa.AccountID)
	if err != nil {
		return nil, fmt.Errorf("ordermanager: account vanished: %w", err)
	}
	adapter, err := m.adapters.Adapter(account.ID)
	if err != nil {
		return nil, fmt.Errorf("ordermanager: resolve adapter: %w", err)
	}

	if err := m.ratelimit.WaitIfNeeded(ctx, adapter.Name(), account.ID); err != nil {
		return nil, fmt.Errorf("ordermanager: rate limit wait: %w", err)
	}

	result, createErr := adapter.CreateOrder(ctx, exchange.CreateOrderRequest{
		Symbol:        pending.order.Symbol,
		Side:          pending.order.Side,
		Type:          pending.order.OrderType,
		Quantity:      pending.order.Quantity,
		Price:         pending.order.Price,
		StopPrice:     pending.order.StopPrice,
		ClientOrderID: pending.order.ClientOrderID,
		MarketType:    pending.order.MarketType,
	})

	return m.finalizeCreate(ctx, account.ID, sa.ID, req, pending, result, createErr)
}

// finalizeCreate is step 6-7, shared by the single-order durable
// workflow and the batch path: patch the row and hand off an immediate
// fill on success, or classify the failure on error.
func (m *Manager) finalizeCreate(ctx context.Context, accountID, strategyAccountID int64, req *CreateOrderInput, pending *pendingCreation, result exchange.CreateOrderResult, createErr error) (*CreateOrderOutcome, error) {
	order := pending.order
	if createErr == nil {
		order.ExchangeOrderID = result.ExchangeOrderID
		order.Status = result.Status
		order.FilledQuantity = result.FilledQuantity
		if err := m.store.UpdateOpenOrder(ctx, &order); err != nil {
			return nil, fmt.Errorf("ordermanager: patch order after create: %w", err)
		}
		telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1)

		if isTerminal(order.Status) && order.FilledQuantity.GreaterThan(decimal.Zero) {
			fe := domain.FillEvent{
				AccountID:       accountID,
				Symbol:          order.Symbol,
				Side:            order.Side,
				Price:           result.AvgFillPrice,
				Quantity:        order.FilledQuantity,
				ExchangeOrderID: order.ExchangeOrderID,
				ExchangeTradeID: order.ExchangeOrderID + "-immediate",
				Time:            time.Now(),
				MarketType:      order.MarketType,
			}
			if err := m.fills.Handle(ctx, strategyAccountID, fe); err != nil {
				m.logger.Warn("immediate fill handoff failed", "order_id", order.ID, "error", err)
			}
		}

		return &CreateOrderOutcome{Order: &order, Adjustment: pending.adjustment}, nil
	}

	return m.classifyCreateFailure(ctx, &order, req, createErr)
}

func isTerminal(s domain.OrderStatus) bool {
	return s == domain.StatusFilled || s == domain.StatusCanceled || s == domain.StatusExpired
}

// classifyCreateFailure implements spec.md §4.D step 7's error
// classification: rejections become a durable FailedOrder, transport
// failures leave the order OPEN for reconciliation to pick up, and
// authentication failures flag the account unhealthy.
func (m *Manager) classifyCreateFailure(ctx context.Context, order *domain.OpenOrder, req *CreateOrderInput, createErr error) (*CreateOrderOutcome, error) {
	switch {
	case errors.Is(createErr, apperrors.ErrInsufficientFunds),
		errors.Is(createErr, apperrors.ErrInvalidOrderParameter),
		errors.Is(createErr, apperrors.ErrBelowMinNotional),
		errors.Is(createErr, apperrors.ErrBelowMinQuantity),
		errors.Is(createErr, apperrors.ErrInvalidSymbol),
		errors.Is(createErr, apperrors.ErrImmediateTrigger):
		if err := m.store.DeleteOpenOrder(ctx, order.ID); err != nil {
			m.logger.Warn("failed to delete rejected pending order", "order_id", order.ID, "error", err)
		}
		failed := &domain.FailedOrder{
			StrategyAccountID: order.StrategyAccountID,
			Symbol:            order.Symbol,
			Side:              order.Side,
			OrderType:         order.OrderType,
			Quantity:          req.Quantity,
			MarketType:        order.MarketType,
			Reason:            classificationReason(createErr),
			ExchangeError:     createErr.Error(),
			RetryCount:        0,
			MaxRetries:        3,
			Status:            domain.FailedPendingRetry,
		}
		if !req.Price.IsZero() {
			failed.Price = &req.Price
		}
		if !req.StopPrice.IsZero() {
			failed.StopPrice = &req.StopPrice
		}
		if err := m.store.InsertFailedOrder(ctx, failed); err != nil {
			return nil, fmt.Errorf("ordermanager: insert failed order: %w", err)
		}
		return &CreateOrderOutcome{FailedOrder: failed}, nil

	case errors.Is(createErr, apperrors.ErrAuthenticationFailed), errors.Is(createErr, apperrors.ErrPermissionDenied):
		if err := m.store.DeleteOpenOrder(ctx, order.ID); err != nil {
			m.logger.Warn("failed to delete pending order on auth failure", "order_id", order.ID, "error", err)
		}
		return &CreateOrderOutcome{AccountMarked: true}, nil

	default:
		// Network/timeout/unclassified: leave the row OPEN so the
		// reconciliation pass resolves it against the exchange's view.
		order.Status = domain.StatusOpen
		if err := m.store.UpdateOpenOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("ordermanager: mark order open for reconciliation: %w", err)
		}
		m.logger.Warn("order create transport error, deferring to reconciliation", "order_id", order.ID, "error", createErr)
		return &CreateOrderOutcome{Order: order}, nil
	}
}

func classificationReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, apperrors.ErrBelowMinNotional):
		return "below_min_notional"
	case errors.Is(err, apperrors.ErrBelowMinQuantity):
		return "below_min_quantity"
	case errors.Is(err, apperrors.ErrInvalidSymbol):
		return "invalid_symbol"
	case errors.Is(err, apperrors.ErrImmediateTrigger):
		return "would_immediately_trigger"
	default:
		return "invalid_order_parameter"
	}
}
