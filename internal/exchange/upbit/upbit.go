// Package upbit implements exchange.Adapter for Upbit, which signs every
// private request with a JWT bearer token carrying a SHA-512 hash of the
// query string rather than a raw HMAC signature.
package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/pkg/apperrors"
	"github.com/tradecore/execution-core/pkg/httpclient"
)

// upbitClaims is the JWT payload Upbit requires: access key, a random
// nonce, and (for requests with query params) a hex SHA-512 digest of
// the encoded query string binding the token to those exact params.
type upbitClaims struct {
	AccessKey string `json:"access_key"`
	Nonce     string `json:"nonce"`
	QueryHash string `json:"query_hash,omitempty"`
	QueryHashAlg string `json:"query_hash_alg,omitempty"`
	jwt.RegisteredClaims
}

// Adapter implements exchange.Adapter for a single Upbit account.
type Adapter struct {
	*exchange.Base
}

func New(accountID int64, cfg config.ExchangeConfig, acct config.AccountConfig, logger logging.Logger) *Adapter {
	a := &Adapter{}
	a.Base = exchange.NewBase("upbit", accountID, cfg, acct, logger, a)
	return a
}

// SignRequest implements httpclient.Signer by attaching a JWT bearer
// token whose query_hash binds it to this exact request's query string.
func (a *Adapter) SignRequest(req *http.Request) error {
	claims := upbitClaims{
		AccessKey: string(a.Account.APIKey),
		Nonce:     uuid.NewString(),
	}

	if req.URL.RawQuery != "" {
		digest := sha512.Sum512([]byte(req.URL.RawQuery))
		claims.QueryHash = hex.EncodeToString(digest[:])
		claims.QueryHashAlg = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(string(a.Account.SecretKey)))
	if err != nil {
		return fmt.Errorf("sign upbit jwt: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}

func mapOrderStatus(raw string) domain.OrderStatus {
	switch raw {
	case "wait", "watch":
		return domain.StatusOpen
	case "done":
		return domain.StatusFilled
	case "cancel":
		return domain.StatusCanceled
	default:
		return domain.StatusOpen
	}
}

func parseUpbitError(statusCode int, body []byte) error {
	var apiErr struct {
		Error struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return fmt.Errorf("upbit HTTP %d: %s", statusCode, string(body))
	}

	switch apiErr.Error.Name {
	case "insufficient_funds_bid", "insufficient_funds_ask":
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Error.Message)
	case "under_min_total_bid", "under_min_total_ask":
		return fmt.Errorf("%w: %s", apperrors.ErrBelowMinNotional, apiErr.Error.Message)
	case "order_not_found":
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Error.Message)
	case "invalid_access_key", "jwt_verification":
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Error.Message)
	case "too_many_requests":
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Error.Message)
	default:
		return fmt.Errorf("upbit error %s: %s", apiErr.Error.Name, apiErr.Error.Message)
	}
}

// CreateOrder places one order. Upbit has no native batch endpoint, so
// the Order Manager submits multi-order webhooks sequentially through
// this method, paced by the rate limiter's batch fallback delay.
func (a *Adapter) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.CreateOrderResult, error) {
	params := map[string]string{
		"market":        req.Symbol,
		"side":          mapSide(req.Side),
		"ord_type":      mapOrderType(req.Type),
		"identifier":    req.ClientOrderID,
	}
	switch req.Type {
	case domain.OrderLimit:
		params["volume"] = req.Quantity.String()
		params["price"] = req.Price.String()
	case domain.OrderMarket:
		if req.Side == domain.SideBuy {
			params["price"] = req.Price.String() // total KRW to spend
		} else {
			params["volume"] = req.Quantity.String()
		}
	}

	body, err := a.HTTP.PostQuery(ctx, "/v1/orders", params)
	if err != nil {
		return exchange.CreateOrderResult{}, classifyErr(err)
	}

	var res struct {
		UUID            string `json:"uuid"`
		State           string `json:"state"`
		ExecutedVolume  string `json:"executed_volume"`
		AvgPrice        string `json:"avg_price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return exchange.CreateOrderResult{}, fmt.Errorf("decode upbit create order: %w", err)
	}

	return exchange.CreateOrderResult{
		ExchangeOrderID: res.UUID,
		Status:          mapOrderStatus(res.State),
		FilledQuantity:  a.ParseDecimal(res.ExecutedVolume),
		AvgFillPrice:    a.ParseDecimal(res.AvgPrice),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := a.HTTP.Delete(ctx, "/v1/order", map[string]string{"uuid": exchangeOrderID})
	return classifyErr(err)
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (domain.OpenOrder, error) {
	body, err := a.HTTP.Get(ctx, "/v1/order", map[string]string{"uuid": exchangeOrderID})
	if err != nil {
		return domain.OpenOrder{}, classifyErr(err)
	}
	return a.decodeOrder(body)
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	body, err := a.HTTP.Get(ctx, "/v1/orders", map[string]string{
		"market": symbol,
		"state":  "wait",
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode upbit open orders: %w", err)
	}

	orders := make([]domain.OpenOrder, 0, len(raw))
	for _, item := range raw {
		o, err := a.decodeOrder(item)
		if err != nil {
			a.Logger.Warn("skipping malformed open order", "error", err)
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (a *Adapter) decodeOrder(body []byte) (domain.OpenOrder, error) {
	var res struct {
		UUID           string `json:"uuid"`
		Market         string `json:"market"`
		Side           string `json:"side"`
		OrdType        string `json:"ord_type"`
		State          string `json:"state"`
		Price          string `json:"price"`
		Volume         string `json:"volume"`
		ExecutedVolume string `json:"executed_volume"`
		Identifier     string `json:"identifier"`
		CreatedAt      string `json:"created_at"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.OpenOrder{}, fmt.Errorf("decode upbit order: %w", err)
	}

	created, _ := time.Parse(time.RFC3339, res.CreatedAt)

	return domain.OpenOrder{
		ExchangeOrderID: res.UUID,
		ClientOrderID:   res.Identifier,
		Symbol:          res.Market,
		Side:            unmapSide(res.Side),
		OrderType:       unmapOrderType(res.OrdType),
		Price:           a.ParseDecimal(res.Price),
		Quantity:        a.ParseDecimal(res.Volume),
		FilledQuantity:  a.ParseDecimal(res.ExecutedVolume),
		Status:          mapOrderStatus(res.State),
		MarketType:      domain.MarketSpot,
		CreatedAt:       created,
	}, nil
}

func (a *Adapter) GetBalances(ctx context.Context) ([]exchange.Balance, error) {
	body, err := a.HTTP.Get(ctx, "/v1/accounts", nil)
	if err != nil {
		return nil, classifyErr(err)
	}

	var res []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode upbit accounts: %w", err)
	}

	out := make([]exchange.Balance, 0, len(res))
	for _, r := range res {
		out = append(out, exchange.Balance{
			Asset:  r.Currency,
			Free:   a.ParseDecimal(r.Balance),
			Locked: a.ParseDecimal(r.Locked),
		})
	}
	return out, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	body, err := a.HTTP.Get(ctx, "/v1/market/all", map[string]string{"isDetails": "true"})
	if err != nil {
		return exchange.SymbolInfo{}, classifyErr(err)
	}

	var res []struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return exchange.SymbolInfo{}, fmt.Errorf("decode upbit markets: %w", err)
	}

	found := false
	for _, m := range res {
		if m.Market == symbol {
			found = true
			break
		}
	}
	if !found {
		return exchange.SymbolInfo{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	// Upbit's KRW markets quote in integer-tick price steps that vary by
	// price band; this default covers the common sub-1000 KRW band and
	// is refined per-market by the registry's adjustment path when a
	// CreateOrder is rejected for precision (spec §3's floor-only rule).
	return exchange.SymbolInfo{
		Symbol:         symbol,
		PricePrecision: 0,
		QtyPrecision:   8,
		TickSize:       decimal.NewFromInt(1),
		StepSize:       decimal.New(1, -8),
		MinNotional:    decimal.NewFromInt(5000),
	}, nil
}

// StartUserStream polls Upbit's REST order/trade history on an interval
// rather than opening a private WebSocket: Upbit's private WS feed
// requires the same per-request JWT as REST with no materially lower
// latency for this system's purposes, so a bounded poll loop is the
// simpler and equally correct choice, following the teacher's own
// generic StartPollingStream fallback for venues without a push feed.
func (a *Adapter) StartUserStream(ctx context.Context, onFill func(domain.FillEvent)) (exchange.StreamHandle, error) {
	h := &pollHandle{cancel: make(chan struct{})}
	seen := make(map[string]bool)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.cancel:
				return
			case <-ticker.C:
				a.pollTrades(ctx, seen, onFill)
			}
		}
	}()

	return h, nil
}

func (a *Adapter) pollTrades(ctx context.Context, seen map[string]bool, onFill func(domain.FillEvent)) {
	body, err := a.HTTP.Get(ctx, "/v1/orders", map[string]string{"state": "done", "limit": "50"})
	if err != nil {
		a.Logger.Warn("upbit fill poll failed", "error", err)
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		a.Logger.Error("failed to decode upbit poll response", "error", err)
		return
	}

	for _, item := range raw {
		o, err := a.decodeOrder(item)
		if err != nil || o.FilledQuantity.IsZero() {
			continue
		}
		if seen[o.ExchangeOrderID] {
			continue
		}
		seen[o.ExchangeOrderID] = true

		onFill(domain.FillEvent{
			AccountID:       a.AccountID,
			Symbol:          o.Symbol,
			Side:            o.Side,
			Price:           o.Price,
			Quantity:        o.FilledQuantity,
			ExchangeTradeID: o.ExchangeOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Time:            o.CreatedAt,
			MarketType:      domain.MarketSpot,
		})
	}
}

type pollHandle struct {
	cancel chan struct{}
	once   bool
}

func (h *pollHandle) Stop() {
	if h.once {
		return
	}
	h.once = true
	close(h.cancel)
}

func mapSide(s domain.OrderSide) string {
	if s == domain.SideBuy {
		return "bid"
	}
	return "ask"
}

func unmapSide(s string) domain.OrderSide {
	if s == "bid" {
		return domain.SideBuy
	}
	return domain.SideSell
}

func mapOrderType(t domain.OrderType) string {
	if t == domain.OrderLimit {
		return "limit"
	}
	return "price" // market order, KRW-denominated for buys
}

func unmapOrderType(t string) domain.OrderType {
	if t == "limit" {
		return domain.OrderLimit
	}
	return domain.OrderMarket
}

// classifyErr maps a raw httpclient.APIError into the apperrors sentinel
// vocabulary via parseUpbitError; any other transport error passes
// through unchanged so callers can still retry on it.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return parseUpbitError(apiErr.StatusCode, apiErr.Body)
	}
	return err
}
