package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/ordermanager"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/apperrors"
	"github.com/tradecore/execution-core/pkg/telemetry"
)

// apiServer holds the authenticated routes from spec.md §6 that aren't
// the webhook or SSE endpoints: failed-order retry/delete/list,
// single/bulk open-order cancel, and the deferred cancel-queue cancel.
// Grounded on internal/infrastructure/server/server.go's HealthServer
// shape for /health and /status.
type apiServer struct {
	store   store.Store
	manager *ordermanager.Manager
	logger  logging.Logger
}

// parseUserHeader is the dev-shortcut auth stand-in described in
// main.go's resolveUserID: it trusts X-User-ID since session/auth
// middleware is an external collaborator the core doesn't own.
func parseUserHeader(r *http.Request) (int64, error) {
	v := r.Header.Get("X-User-ID")
	if v == "" {
		return 0, errors.New("missing X-User-ID header")
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid X-User-ID header")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// statusForErr maps a domain/apperrors sentinel to the HTTP status
// spec.md §7's user-visible-behavior table assigns it.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, apperrors.ErrOrderNotFound), errors.Is(err, apperrors.ErrStrategyNotFound), errors.Is(err, apperrors.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrPermissionDenied), errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// userOwnsFailedOrder walks FailedOrder -> StrategyAccount -> Strategy ->
// User.id per spec.md §6's authorization rule for the failed-orders
// routes.
func (s *apiServer) userOwnsFailedOrder(r *http.Request, userID int64, fo domain.FailedOrder) (bool, error) {
	sa, err := s.store.GetStrategyAccount(r.Context(), fo.StrategyAccountID)
	if err != nil {
		return false, err
	}
	return s.store.UserOwnsStrategy(r.Context(), userID, sa.StrategyID)
}

func (s *apiServer) handleFailedOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, err := parseUserHeader(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, err.Error())
		return
	}

	var f store.FailedOrderFilter
	if v := r.URL.Query().Get("strategy_account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid strategy_account_id")
			return
		}
		f.StrategyAccountID = &id
	}
	f.Symbol = r.URL.Query().Get("symbol")

	orders, err := s.store.ListFailedOrders(r.Context(), f)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	visible := orders[:0]
	for _, fo := range orders {
		ok, err := s.userOwnsFailedOrder(r, userID, fo)
		if err == nil && ok {
			visible = append(visible, fo)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "failed_orders": visible})
}

// handleFailedOrderByID serves both POST /api/failed-orders/{id}/retry
// and DELETE /api/failed-orders/{id}.
func (s *apiServer) handleFailedOrderByID(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserHeader(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, err.Error())
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/failed-orders/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid failed order id")
		return
	}

	fo, err := s.store.GetFailedOrder(r.Context(), id)
	if err != nil {
		writeErr(w, statusForErr(err), err.Error())
		return
	}
	ok, err := s.userOwnsFailedOrder(r, userID, fo)
	if err != nil || !ok {
		writeErr(w, http.StatusForbidden, "not authorized for this failed order")
		return
	}

	switch {
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "retry":
		fo.Status = domain.FailedRetrying
		fo.RetryCount++
		if err := s.store.UpdateFailedOrder(r.Context(), &fo); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "failed_order_id": fo.ID, "status": fo.Status})

	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := s.store.DeleteFailedOrder(r.Context(), id); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCancelOrder serves POST /api/open-orders/{id}/cancel.
func (s *apiServer) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/open-orders/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "cancel" {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	orderID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid order id")
		return
	}

	userID, err := parseUserHeader(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, err.Error())
		return
	}
	if !s.userOwnsOpenOrder(r, userID, orderID) {
		writeErr(w, http.StatusForbidden, "not authorized for this order")
		return
	}

	outcome, err := s.manager.CancelOrder(r.Context(), orderID)
	if err != nil {
		writeErr(w, statusForErr(err), err.Error())
		return
	}
	status := http.StatusOK
	if outcome.Status == "queued" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{"success": true, "status": outcome.Status, "queue_id": outcome.QueueID})
}

func (s *apiServer) userOwnsOpenOrder(r *http.Request, userID, orderID int64) bool {
	order, err := s.store.GetOpenOrderForUpdate(r.Context(), orderID)
	if err != nil {
		return false
	}
	sa, err := s.store.GetStrategyAccount(r.Context(), order.StrategyAccountID)
	if err != nil {
		return false
	}
	ok, err := s.store.UserOwnsStrategy(r.Context(), userID, sa.StrategyID)
	return err == nil && ok
}

type bulkCancelRequest struct {
	StrategyID int64            `json:"strategy_id"`
	AccountID  *int64           `json:"account_id,omitempty"`
	Symbol     string           `json:"symbol,omitempty"`
	Side       domain.OrderSide `json:"side,omitempty"`
}

// handleBulkCancel serves POST /api/open-orders/cancel-all.
func (s *apiServer) handleBulkCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, err := parseUserHeader(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req bulkCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StrategyID <= 0 {
		writeErr(w, http.StatusBadRequest, "strategy_id is required")
		return
	}
	owns, err := s.store.UserOwnsStrategy(r.Context(), userID, req.StrategyID)
	if err != nil || !owns {
		writeErr(w, http.StatusForbidden, "not authorized for this strategy")
		return
	}

	result, err := s.manager.BulkCancel(r.Context(), store.OpenOrderFilter{
		StrategyID: &req.StrategyID,
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Side:       req.Side,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"cancelled_orders":  result.CancelledOrders,
		"failed_orders":     result.FailedOrders,
		"total_processed":   result.TotalProcessed,
		"filter_conditions": result.Filter,
	})
}

// handleCancelQueueCancel serves POST /api/cancel-queue/orders/{id}/cancel,
// which is really the same single-order cancel state machine spec.md §6
// names separately for the still-PENDING case: 202 Accepted + queue item,
// 200 for an immediate cancel on an already-OPEN order, 409 for terminal.
func (s *apiServer) handleCancelQueueCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/cancel-queue/orders/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "cancel" {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	orderID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid order id")
		return
	}

	userID, err := parseUserHeader(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, err.Error())
		return
	}
	if !s.userOwnsOpenOrder(r, userID, orderID) {
		writeErr(w, http.StatusForbidden, "not authorized for this order")
		return
	}

	outcome, err := s.manager.CancelOrder(r.Context(), orderID)
	if err != nil {
		writeErr(w, statusForErr(err), err.Error())
		return
	}

	status := http.StatusOK
	if outcome.Status == "queued" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{"success": true, "status": outcome.Status, "queue_id": outcome.QueueID})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"metrics": fmt.Sprintf("%T", metrics),
	})
}
