// Package binance implements the unified exchange.Adapter contract for
// Binance spot and futures accounts using HMAC-SHA256 query signing and
// the listen-key user-data-stream pattern.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/pkg/apperrors"
	"github.com/tradecore/execution-core/pkg/httpclient"
)

const (
	marginUSDM = "fapi" // futures path prefix
	marginSpot = "api"  // spot path prefix
)

// Adapter implements exchange.Adapter for a single Binance account.
type Adapter struct {
	*exchange.Base
	marketType domain.MarketType
	pathPrefix string
}

// New constructs a Binance adapter bound to accountID, selecting the
// spot or futures REST/WS path family from cfg.MarketType.
func New(accountID int64, cfg config.ExchangeConfig, acct config.AccountConfig, logger logging.Logger) *Adapter {
	a := &Adapter{marketType: domain.MarketSpot, pathPrefix: marginSpot}
	if cfg.MarketType == "FUTURES" {
		a.marketType = domain.MarketFutures
		a.pathPrefix = marginUSDM
	}
	a.Base = exchange.NewBase("binance", accountID, cfg, acct, logger, a)
	return a
}

// SignRequest implements httpclient.Signer: HMAC-SHA256 over the encoded
// query string, with the API key carried as a header.
func (a *Adapter) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", string(a.Account.APIKey))

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(string(a.Account.SecretKey)))
	mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	q.Set("signature", signature)
	req.URL.RawQuery = q.Encode()
	return nil
}

func mapOrderStatus(raw string) domain.OrderStatus {
	switch raw {
	case "NEW":
		return domain.StatusOpen
	case "PARTIALLY_FILLED":
		return domain.StatusPartiallyFilled
	case "FILLED":
		return domain.StatusFilled
	case "CANCELED", "EXPIRED", "PENDING_CANCEL":
		return domain.StatusCanceled
	default:
		return domain.StatusOpen
	}
}

func parseBinanceError(statusCode int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return fmt.Errorf("binance HTTP %d: %s", statusCode, string(body))
	}

	switch apiErr.Code {
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Msg)
	case -1013, -4005:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, apiErr.Msg)
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Msg)
	case -2011:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Msg)
	case -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, apiErr.Msg)
	case -2015:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Msg)
	default:
		return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Msg)
	}
}

func (a *Adapter) orderEndpoint() string {
	return fmt.Sprintf("/%s/v1/order", a.pathPrefix)
}

// CreateOrder places the order and returns what the synchronous REST
// response reported (may be NEW with zero fills, may already be FILLED
// for a marketable order).
func (a *Adapter) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.CreateOrderResult, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             mapOrderType(req.Type),
		"quantity":         req.Quantity.String(),
		"newClientOrderId": req.ClientOrderID,
	}
	if req.Type == domain.OrderLimit || req.Type == domain.OrderStopLimit {
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	}
	if req.Type == domain.OrderStopLimit || req.Type == domain.OrderStopMarket {
		params["stopPrice"] = req.StopPrice.String()
	}

	body, err := a.HTTP.PostQuery(ctx, a.orderEndpoint(), params)
	if err != nil {
		return exchange.CreateOrderResult{}, classifyHTTPError(err)
	}

	var res struct {
		OrderID       int64  `json:"orderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		CumQuote      string `json:"cumQuote"`
		AvgPrice      string `json:"avgPrice"`
		Price         string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return exchange.CreateOrderResult{}, fmt.Errorf("decode create order response: %w", err)
	}

	avg := a.ParseDecimal(res.AvgPrice)
	if avg.IsZero() {
		avg = a.ParseDecimal(res.Price)
	}

	return exchange.CreateOrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		Status:          mapOrderStatus(res.Status),
		FilledQuantity:  a.ParseDecimal(res.ExecutedQty),
		AvgFillPrice:    avg,
	}, nil
}

// BatchCreateOrders exercises Binance's native multi-order endpoint so
// the Order Manager can bypass the sequential rate-limited fallback used
// by venues without one (exchange.BatchCapable).
func (a *Adapter) BatchCreateOrders(ctx context.Context, accountID int64, reqs []exchange.CreateOrderRequest) ([]exchange.CreateOrderResult, []error) {
	type batchOrder struct {
		Symbol           string `json:"symbol"`
		Side             string `json:"side"`
		Type             string `json:"type"`
		Quantity         string `json:"quantity"`
		Price            string `json:"price,omitempty"`
		TimeInForce      string `json:"timeInForce,omitempty"`
		NewClientOrderID string `json:"newClientOrderId"`
	}

	batch := make([]batchOrder, 0, len(reqs))
	for _, r := range reqs {
		bo := batchOrder{
			Symbol:           r.Symbol,
			Side:             string(r.Side),
			Type:             mapOrderType(r.Type),
			Quantity:         r.Quantity.String(),
			NewClientOrderID: r.ClientOrderID,
		}
		if r.Type == domain.OrderLimit {
			bo.Price = r.Price.String()
			bo.TimeInForce = "GTC"
		}
		batch = append(batch, bo)
	}

	batchJSON, _ := json.Marshal(batch)
	body, err := a.HTTP.PostQuery(ctx, fmt.Sprintf("/%s/v1/batchOrders", a.pathPrefix), map[string]string{
		"batchOrders": string(batchJSON),
	})
	if err != nil {
		errs := make([]error, len(reqs))
		for i := range errs {
			errs[i] = classifyHTTPError(err)
		}
		return nil, errs
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		errs := make([]error, len(reqs))
		for i := range errs {
			errs[i] = fmt.Errorf("decode batch response: %w", err)
		}
		return nil, errs
	}

	results := make([]exchange.CreateOrderResult, len(raw))
	errs := make([]error, len(raw))
	for i, item := range raw {
		var res struct {
			OrderID     int64  `json:"orderId"`
			Status      string `json:"status"`
			ExecutedQty string `json:"executedQty"`
			Code        int    `json:"code"`
			Msg         string `json:"msg"`
		}
		if err := json.Unmarshal(item, &res); err != nil {
			errs[i] = fmt.Errorf("decode batch item %d: %w", i, err)
			continue
		}
		if res.Code != 0 && res.OrderID == 0 {
			errs[i] = fmt.Errorf("binance error %d: %s", res.Code, res.Msg)
			continue
		}
		results[i] = exchange.CreateOrderResult{
			ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
			Status:          mapOrderStatus(res.Status),
			FilledQuantity:  a.ParseDecimal(res.ExecutedQty),
		}
	}

	return results, errs
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := a.HTTP.Delete(ctx, a.orderEndpoint(), map[string]string{
		"symbol":  symbol,
		"orderId": exchangeOrderID,
	})
	return classifyHTTPError(err)
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (domain.OpenOrder, error) {
	body, err := a.HTTP.Get(ctx, a.orderEndpoint(), map[string]string{
		"symbol":  symbol,
		"orderId": exchangeOrderID,
	})
	if err != nil {
		return domain.OpenOrder{}, classifyHTTPError(err)
	}
	return a.decodeOrder(body)
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	body, err := a.HTTP.Get(ctx, fmt.Sprintf("/%s/v1/openOrders", a.pathPrefix), map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, classifyHTTPError(err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
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
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		Status        string `json:"status"`
		Price         string `json:"price"`
		StopPrice     string `json:"stopPrice"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		Time          int64  `json:"time"`
		UpdateTime    int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.OpenOrder{}, fmt.Errorf("decode order: %w", err)
	}

	return domain.OpenOrder{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:   res.ClientOrderID,
		Symbol:          res.Symbol,
		Side:            domain.OrderSide(res.Side),
		OrderType:       domain.OrderType(res.Type),
		Price:           a.ParseDecimal(res.Price),
		StopPrice:       a.ParseDecimal(res.StopPrice),
		Quantity:        a.ParseDecimal(res.OrigQty),
		FilledQuantity:  a.ParseDecimal(res.ExecutedQty),
		Status:          mapOrderStatus(res.Status),
		MarketType:      a.marketType,
		CreatedAt:       a.ParseTimestampMillis(res.Time),
		UpdatedAt:       a.ParseTimestampMillis(res.UpdateTime),
	}, nil
}

func (a *Adapter) GetBalances(ctx context.Context) ([]exchange.Balance, error) {
	path := "/api/v3/account"
	if a.marketType == domain.MarketFutures {
		path = "/fapi/v2/account"
	}

	body, err := a.HTTP.Get(ctx, path, nil)
	if err != nil {
		return nil, classifyHTTPError(err)
	}

	var res struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
		Assets []struct {
			Asset            string `json:"asset"`
			AvailableBalance string `json:"availableBalance"`
			WalletBalance    string `json:"walletBalance"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}

	if a.marketType == domain.MarketFutures {
		out := make([]exchange.Balance, 0, len(res.Assets))
		for _, asset := range res.Assets {
			out = append(out, exchange.Balance{
				Asset:  asset.Asset,
				Free:   a.ParseDecimal(asset.AvailableBalance),
				Locked: a.ParseDecimal(asset.WalletBalance).Sub(a.ParseDecimal(asset.AvailableBalance)),
			})
		}
		return out, nil
	}

	out := make([]exchange.Balance, 0, len(res.Balances))
	for _, b := range res.Balances {
		out = append(out, exchange.Balance{
			Asset:  b.Asset,
			Free:   a.ParseDecimal(b.Free),
			Locked: a.ParseDecimal(b.Locked),
		})
	}
	return out, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	body, err := a.HTTP.Get(ctx, fmt.Sprintf("/%s/v1/exchangeInfo", a.pathPrefix), map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return exchange.SymbolInfo{}, classifyHTTPError(err)
	}

	var res struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int32  `json:"pricePrecision"`
			QuantityPrecision int32  `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return exchange.SymbolInfo{}, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(res.Symbols) == 0 {
		return exchange.SymbolInfo{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	s := res.Symbols[0]
	info := exchange.SymbolInfo{
		Symbol:         s.Symbol,
		PricePrecision: s.PricePrecision,
		QtyPrecision:   s.QuantityPrecision,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			info.TickSize = a.ParseDecimal(f.TickSize)
		case "LOT_SIZE":
			info.StepSize = a.ParseDecimal(f.StepSize)
			info.MinQty = a.ParseDecimal(f.MinQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			if f.MinNotional != "" {
				info.MinNotional = a.ParseDecimal(f.MinNotional)
			} else {
				info.MinNotional = a.ParseDecimal(f.Notional)
			}
		}
	}
	return info, nil
}

func (a *Adapter) getListenKey(ctx context.Context) (string, error) {
	body, err := a.HTTP.PostQuery(ctx, fmt.Sprintf("/%s/v1/listenKey", a.pathPrefix), nil)
	if err != nil {
		return "", classifyHTTPError(err)
	}
	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return res.ListenKey, nil
}

// keepAliveListenKey renews the listen key on the interval Binance
// requires (every 30 minutes); called from a goroutine started by
// StartUserStream so the stream survives longer than the key's TTL.
func (a *Adapter) keepAliveListenKey(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.HTTP.Put(ctx, fmt.Sprintf("/%s/v1/listenKey", a.pathPrefix), nil); err != nil {
				a.Logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

// StartUserStream opens the user-data WebSocket on the listen key this
// call creates, and starts a background keepalive goroutine so the key
// never expires out from under a long-lived connection.
func (a *Adapter) StartUserStream(ctx context.Context, onFill func(domain.FillEvent)) (exchange.StreamHandle, error) {
	listenKey, err := a.getListenKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen key: %w", err)
	}

	wsURL := a.Config.WSBaseURL
	streamURL := fmt.Sprintf("%s/%s", strings.TrimSuffix(wsURL, "/"), listenKey)

	handshakeDone := make(chan struct{})
	var handshakeOnce sync.Once
	handle, err := a.StartWebSocketStream(ctx, streamURL, func(message []byte) {
		a.handleUserStreamMessage(message, onFill)
	}, func() {
		handshakeOnce.Do(func() { close(handshakeDone) })
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-handshakeDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		handle.Stop()
		return nil, fmt.Errorf("user stream handshake timed out waiting for connected callback")
	}

	go a.keepAliveListenKey(ctx, 30*time.Minute)

	return handle, nil
}

func (a *Adapter) handleUserStreamMessage(message []byte, onFill func(domain.FillEvent)) {
	var event struct {
		EventType string `json:"e"`
		Order     struct {
			Symbol          string `json:"s"`
			ClientOrderID   string `json:"c"`
			Side            string `json:"S"`
			ExecutionType   string `json:"x"`
			OrderStatus     string `json:"X"`
			OrderID         int64  `json:"i"`
			LastFilledQty   string `json:"l"`
			LastFilledPrice string `json:"L"`
			Commission      string `json:"n"`
			TradeID         int64  `json:"t"`
			TransactionTime int64  `json:"T"`
		} `json:"o"`
	}

	if err := json.Unmarshal(message, &event); err != nil {
		// Spec §4.G: silent loss of a fill is not acceptable, so a
		// malformed frame fires an out-of-band alert alongside the log.
		a.Alert("order_trade_update_parse_failure", err.Error(), "raw_frame", string(message))
		return
	}

	if event.EventType != "ORDER_TRADE_UPDATE" || event.Order.ExecutionType != "TRADE" {
		return
	}

	o := event.Order
	onFill(domain.FillEvent{
		AccountID:       a.AccountID,
		Symbol:          o.Symbol,
		Side:            domain.OrderSide(o.Side),
		Price:           a.ParseDecimal(o.LastFilledPrice),
		Quantity:        a.ParseDecimal(o.LastFilledQty),
		ExchangeTradeID: strconv.FormatInt(o.TradeID, 10),
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:   o.ClientOrderID,
		Commission:      a.ParseDecimal(o.Commission),
		Time:            a.ParseTimestampMillis(o.TransactionTime),
		MarketType:      a.marketType,
	})
}

func mapOrderType(t domain.OrderType) string {
	switch t {
	case domain.OrderLimit:
		return "LIMIT"
	case domain.OrderStopLimit:
		return "STOP"
	case domain.OrderStopMarket:
		return "STOP_MARKET"
	default:
		return "MARKET"
	}
}

// classifyHTTPError maps a raw httpclient.APIError into the apperrors
// sentinel vocabulary via parseBinanceError; any other transport error
// (timeout, connection refused) passes through unchanged so callers can
// still retry on it.
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return parseBinanceError(apiErr.StatusCode, apiErr.Body)
	}
	return err
}
