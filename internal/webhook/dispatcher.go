// Package webhook implements the inbound trading-signal endpoint:
// verify the signal, resolve the strategy it addresses, fan the order
// out to every active account bound to that strategy, and aggregate
// the per-account outcomes into one response (spec.md §4.H).
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/ordermanager"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/apperrors"
	"github.com/tradecore/execution-core/pkg/workerpool"
)

// signalRequest is the inbound JSON body, field-for-field from spec §4.H.
type signalRequest struct {
	GroupName string          `json:"group_name"`
	Token     string          `json:"token"`
	Action    string          `json:"action"`
	OrderType string          `json:"order_type"`
	Side      string          `json:"side"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	StopPrice decimal.Decimal `json:"stop_price"`
	Exchange  string          `json:"exchange"`
}

// accountResult is one entry of the aggregated response's results array.
type accountResult struct {
	AccountID        int64            `json:"account_id"`
	AccountName      string           `json:"account_name"`
	Exchange         string           `json:"exchange"`
	Symbol           string           `json:"symbol"`
	Success          bool             `json:"success"`
	OrderID          *int64           `json:"order_id,omitempty"`
	Error            string           `json:"error,omitempty"`
	Timeout          bool             `json:"timeout,omitempty"`
	ExecutedQuantity *decimal.Decimal `json:"executed_quantity,omitempty"`
	ExecutedPrice    *decimal.Decimal `json:"executed_price,omitempty"`
}

type summary struct {
	TotalAccounts   int     `json:"total_accounts"`
	SuccessfulOrders int    `json:"successful_orders"`
	FailedOrders    int     `json:"failed_orders"`
	SuccessRate     float64 `json:"success_rate"`
}

type performanceMetrics struct {
	TotalProcessingTimeMs int64 `json:"total_processing_time_ms"`
	ValidationTimeMs      int64 `json:"validation_time_ms"`
	ExecutionTimeMs       int64 `json:"execution_time_ms"`
}

type signalResponse struct {
	Success            bool               `json:"success"`
	Action             string             `json:"action"`
	Strategy           string             `json:"strategy"`
	Results            []accountResult    `json:"results,omitempty"`
	Summary            *summary           `json:"summary,omitempty"`
	PerformanceMetrics performanceMetrics `json:"performance_metrics"`
	Error              string             `json:"error,omitempty"`
}

// OrderDispatcher is the subset of *ordermanager.Manager the dispatcher
// needs, declared narrowly so tests can fake it without a live dbos
// workflow runtime.
type OrderDispatcher interface {
	CreateOrder(ctx context.Context, req ordermanager.CreateOrderInput) (ordermanager.CreateOrderOutcome, error)
	BulkCancel(ctx context.Context, f store.OpenOrderFilter) (ordermanager.BulkCancelResult, error)
}

// Dispatcher is the /api/webhook handler. One instance is shared
// process-wide; webhooks is keyed by group_name exactly like
// config.Config.Webhooks.
type Dispatcher struct {
	store    store.Store
	manager  OrderDispatcher
	pool     *workerpool.WorkerPool
	webhooks map[string]config.WebhookConfig
	timeout  time.Duration
	logger   logging.Logger
}

// New builds a Dispatcher. pool bounds total concurrent per-account
// order submissions (config.ConcurrencyConfig.WebhookPoolSize);
// defaultTimeout is the per-account ceiling applied when a webhook's own
// config entry doesn't specify one.
func New(st store.Store, manager OrderDispatcher, pool *workerpool.WorkerPool, webhooks map[string]config.WebhookConfig, defaultTimeout time.Duration, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		manager:  manager,
		pool:     pool,
		webhooks: webhooks,
		timeout:  defaultTimeout,
		logger:   logger.WithField("component", "webhook"),
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Side = strings.ToUpper(req.Side)
	if req.GroupName == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "group_name and symbol are required")
		return
	}

	strategy, webhookCfg, err := d.authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, apperrors.ErrStrategyNotFound):
			status = http.StatusNotFound
		case errors.Is(err, apperrors.ErrUnauthorized):
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	validationDone := time.Now()

	if req.Action == "test" {
		writeJSON(w, http.StatusOK, signalResponse{
			Success:  true,
			Action:   "test",
			Strategy: strategy.Name,
			PerformanceMetrics: performanceMetrics{
				TotalProcessingTimeMs: time.Since(start).Milliseconds(),
				ValidationTimeMs:      validationDone.Sub(start).Milliseconds(),
			},
		})
		return
	}

	orderType := strings.ToUpper(req.OrderType)
	if orderType == "CANCEL" {
		d.handleCancel(w, r.Context(), strategy, req, start, validationDone)
		return
	}

	if req.Quantity.IsZero() {
		writeError(w, http.StatusBadRequest, "quantity is required")
		return
	}
	domainType, ok := mapOrderType(orderType)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported order_type %q", req.OrderType))
		return
	}

	bindings, err := d.store.ListActiveStrategyAccounts(r.Context(), strategy.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load strategy accounts")
		return
	}
	bindings = filterByExchange(r.Context(), d.store, bindings, req.Exchange)

	timeout := d.timeout
	if webhookCfg.TimeoutSeconds > 0 {
		timeout = time.Duration(webhookCfg.TimeoutSeconds) * time.Second
	}

	results := d.fanOut(r.Context(), bindings, req, domainType, strategy.MarketType, timeout)
	executionDone := time.Now()

	writeJSON(w, http.StatusOK, signalResponse{
		Success:  true,
		Action:   "trading_signal",
		Strategy: strategy.Name,
		Results:  results,
		Summary:  summarize(results),
		PerformanceMetrics: performanceMetrics{
			TotalProcessingTimeMs: time.Since(start).Milliseconds(),
			ValidationTimeMs:      validationDone.Sub(start).Milliseconds(),
			ExecutionTimeMs:       executionDone.Sub(validationDone).Milliseconds(),
		},
	})
}

var errUnauthorized = fmt.Errorf("%w: token mismatch", apperrors.ErrUnauthorized)

// authenticate resolves the strategy and verifies the webhook token in
// constant time (spec §4.H step 2), rejecting an inactive strategy.
func (d *Dispatcher) authenticate(ctx context.Context, req signalRequest) (domain.Strategy, config.WebhookConfig, error) {
	strategy, err := d.store.GetStrategyByGroupName(ctx, req.GroupName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Strategy{}, config.WebhookConfig{}, apperrors.ErrStrategyNotFound
		}
		return domain.Strategy{}, config.WebhookConfig{}, err
	}

	cfg, ok := d.webhooks[req.GroupName]
	if !ok || !cfg.Token.Equal(req.Token) {
		return domain.Strategy{}, config.WebhookConfig{}, errUnauthorized
	}
	if !strategy.Active {
		return domain.Strategy{}, config.WebhookConfig{}, apperrors.ErrStrategyInactive
	}
	return strategy, cfg, nil
}

func (d *Dispatcher) handleCancel(w http.ResponseWriter, ctx context.Context, strategy domain.Strategy, req signalRequest, start, validationDone time.Time) {
	sid := strategy.ID
	filter := store.OpenOrderFilter{StrategyID: &sid, Symbol: req.Symbol, Side: domain.OrderSide(req.Side)}
	res, err := d.manager.BulkCancel(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, signalResponse{
		Success:  true,
		Action:   "cancel",
		Strategy: strategy.Name,
		Summary: &summary{
			TotalAccounts:    res.TotalProcessed,
			SuccessfulOrders: res.CancelledOrders,
			FailedOrders:     res.FailedOrders,
			SuccessRate:      successRate(res.CancelledOrders, res.TotalProcessed),
		},
		PerformanceMetrics: performanceMetrics{
			TotalProcessingTimeMs: time.Since(start).Milliseconds(),
			ValidationTimeMs:      validationDone.Sub(start).Milliseconds(),
			ExecutionTimeMs:       time.Since(validationDone).Milliseconds(),
		},
	})
}

// fanOut dispatches one order-creation job per binding through the
// shared pool, bounding total concurrency while letting a slow account
// time out without delaying the rest (spec §4.H backpressure rule).
func (d *Dispatcher) fanOut(ctx context.Context, bindings []domain.StrategyAccount, req signalRequest, orderType domain.OrderType, marketType domain.MarketType, timeout time.Duration) []accountResult {
	totalWeight := decimal.Zero
	for _, b := range bindings {
		totalWeight = totalWeight.Add(b.Weight)
	}

	results := make([]accountResult, len(bindings))
	var wg sync.WaitGroup
	for i, binding := range bindings {
		i, binding := i, binding
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, binding, req, orderType, marketType, totalWeight, timeout)
		})
		if err != nil {
			wg.Done()
			d.logger.Warn("webhook: failed to submit account dispatch", "account_id", binding.AccountID, "error", err)
			results[i] = accountResult{AccountID: binding.AccountID, Success: false, Error: err.Error()}
		}
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, binding domain.StrategyAccount, req signalRequest, orderType domain.OrderType, marketType domain.MarketType, totalWeight decimal.Decimal, timeout time.Duration) accountResult {
	acc, err := d.store.GetAccount(ctx, binding.AccountID)
	if err != nil {
		return accountResult{AccountID: binding.AccountID, Success: false, Error: "account lookup failed"}
	}
	res := accountResult{
		AccountID:   acc.ID,
		AccountName: fmt.Sprintf("account-%d", acc.ID),
		Exchange:    acc.Exchange,
		Symbol:      req.Symbol,
	}
	if !acc.Active {
		res.Error = apperrors.ErrAccountInactive.Error()
		return res
	}

	qty := perAccountQuantity(req.Quantity, binding.Weight, totalWeight)

	accountCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := d.manager.CreateOrder(accountCtx, ordermanager.CreateOrderInput{
		StrategyAccountID: binding.ID,
		Symbol:            req.Symbol,
		Side:              domain.OrderSide(req.Side),
		OrderType:         orderType,
		Quantity:          qty,
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		MarketType:        marketType,
		AutoAdjust:        true,
	})
	if err != nil {
		if accountCtx.Err() != nil {
			res.Timeout = true
			res.Error = "timed out"
			return res
		}
		res.Error = err.Error()
		return res
	}

	if outcome.FailedOrder != nil {
		res.Error = outcome.FailedOrder.Reason
		return res
	}
	if outcome.Order != nil {
		res.Success = true
		res.OrderID = &outcome.Order.ID
		filled := outcome.Order.FilledQuantity
		res.ExecutedQuantity = &filled
		if !outcome.Order.Price.IsZero() {
			price := outcome.Order.Price
			res.ExecutedPrice = &price
		}
	}
	return res
}

func perAccountQuantity(total, weight, totalWeight decimal.Decimal) decimal.Decimal {
	if totalWeight.IsZero() {
		return decimal.Zero
	}
	return total.Mul(weight).Div(totalWeight)
}

func mapOrderType(s string) (domain.OrderType, bool) {
	switch s {
	case "MARKET":
		return domain.OrderMarket, true
	case "LIMIT":
		return domain.OrderLimit, true
	case "STOP":
		return domain.OrderStopMarket, true
	case "STOP_LIMIT":
		return domain.OrderStopLimit, true
	default:
		return "", false
	}
}

func filterByExchange(ctx context.Context, st store.Store, bindings []domain.StrategyAccount, exchange string) []domain.StrategyAccount {
	if exchange == "" {
		return bindings
	}
	out := bindings[:0:0]
	for _, b := range bindings {
		acc, err := st.GetAccount(ctx, b.AccountID)
		if err != nil || !strings.EqualFold(acc.Exchange, exchange) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func summarize(results []accountResult) *summary {
	s := &summary{TotalAccounts: len(results)}
	for _, r := range results {
		if r.Success {
			s.SuccessfulOrders++
		} else {
			s.FailedOrders++
		}
	}
	s.SuccessRate = successRate(s.SuccessfulOrders, s.TotalAccounts)
	return s
}

func successRate(success, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, signalResponse{Success: false, Error: msg})
}
