// Package okx implements exchange.Adapter for OKX's v5 API: HMAC-SHA256
// signing over timestamp+method+requestPath+body, with the API
// passphrase carried as a fourth credential alongside key/secret.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/pkg/apperrors"
	"github.com/tradecore/execution-core/pkg/httpclient"
	"github.com/tradecore/execution-core/pkg/wsclient"
)

// Adapter implements exchange.Adapter for a single OKX account, linear
// SWAP instruments (the "FUTURES" market type the rest of this system
// routes to it).
type Adapter struct {
	*exchange.Base
}

func New(accountID int64, cfg config.ExchangeConfig, acct config.AccountConfig, logger logging.Logger) *Adapter {
	a := &Adapter{}
	a.Base = exchange.NewBase("okx", accountID, cfg, acct, logger, a)
	return a
}

// SignRequest implements httpclient.Signer following OKX's documented
// recipe: base64(HMAC-SHA256(secret, timestamp+method+requestPath+body)).
// requestPath includes the query string; body is read via req.GetBody so
// the Signer interface stays the single-argument shape every other
// adapter implements.
func (a *Adapter) SignRequest(req *http.Request) error {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	var bodyStr string
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("okx sign: reread body: %w", err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("okx sign: read body: %w", err)
		}
		bodyStr = string(raw)
	}

	message := timestamp + req.Method + path + bodyStr
	mac := hmac.New(sha256.New, []byte(string(a.Account.SecretKey)))
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("OK-ACCESS-KEY", string(a.Account.APIKey))
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", string(a.Account.Passphrase))
	if req.Method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Account.IsTestnet {
		req.Header.Set("x-simulated-trading", "1")
	}
	return nil
}

func mapOrderStatus(raw string) domain.OrderStatus {
	switch raw {
	case "live":
		return domain.StatusOpen
	case "partially_filled":
		return domain.StatusPartiallyFilled
	case "filled":
		return domain.StatusFilled
	case "canceled", "mmp_canceled":
		return domain.StatusCanceled
	default:
		return domain.StatusOpen
	}
}

func parseOKXError(body []byte) error {
	var res struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("okx error (unmarshal failed): %s", string(body))
	}

	msg := res.Msg
	code := res.Code
	if len(res.Data) > 0 && res.Data[0].SCode != "0" {
		code, msg = res.Data[0].SCode, res.Data[0].SMsg
	}

	switch code {
	case "0":
		return nil
	case "50004", "50011", "50027", "51000":
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, msg)
	case "50005", "50013", "50113":
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, msg)
	case "50014", "50061":
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, msg)
	case "51008", "51020":
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, msg)
	case "51401", "51603":
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, msg)
	default:
		return fmt.Errorf("okx error %s: %s", code, msg)
	}
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return parseOKXError(apiErr.Body)
	}
	return err
}

func mapSide(s domain.OrderSide) string {
	return strings.ToLower(string(s))
}

func mapOrderType(t domain.OrderType) string {
	switch t {
	case domain.OrderLimit:
		return "limit"
	case domain.OrderStopLimit, domain.OrderStopMarket:
		return "conditional"
	default:
		return "market"
	}
}

func (a *Adapter) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.CreateOrderResult, error) {
	ordType := mapOrderType(req.Type)
	if ordType == "conditional" {
		return a.createAlgoOrder(ctx, req)
	}

	body := map[string]interface{}{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    mapSide(req.Side),
		"ordType": ordType,
		"sz":      req.Quantity.String(),
		"clOrdId": req.ClientOrderID,
	}
	if req.Type == domain.OrderLimit {
		body["px"] = req.Price.String()
	}

	raw, err := a.HTTP.Post(ctx, "/api/v5/trade/order", body)
	if err != nil {
		return exchange.CreateOrderResult{}, classifyErr(err)
	}

	var res struct {
		Code string `json:"code"`
		Data []struct {
			OrdID   string `json:"ordId"`
			ClOrdID string `json:"clOrdId"`
			SCode   string `json:"sCode"`
			SMsg    string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return exchange.CreateOrderResult{}, fmt.Errorf("decode okx create order response: %w", err)
	}
	if len(res.Data) == 0 {
		return exchange.CreateOrderResult{}, fmt.Errorf("okx error %s: empty data", res.Code)
	}
	if res.Data[0].SCode != "0" {
		return exchange.CreateOrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, res.Data[0].SMsg)
	}

	return exchange.CreateOrderResult{
		ExchangeOrderID: res.Data[0].OrdID,
		Status:          domain.StatusOpen,
	}, nil
}

// createAlgoOrder routes STOP_LIMIT/STOP_MARKET through OKX's separate
// algo-order endpoint, which takes a trigger price distinct from the
// regular order book endpoint used for LIMIT/MARKET.
func (a *Adapter) createAlgoOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.CreateOrderResult, error) {
	body := map[string]interface{}{
		"instId":      req.Symbol,
		"tdMode":      "cross",
		"side":        mapSide(req.Side),
		"ordType":     "conditional",
		"sz":          req.Quantity.String(),
		"triggerPx":   req.StopPrice.String(),
		"algoClOrdId": req.ClientOrderID,
	}
	if req.Type == domain.OrderStopLimit {
		body["orderPx"] = req.Price.String()
	} else {
		body["orderPx"] = "-1"
	}
	body["triggerPxType"] = "last"

	raw, err := a.HTTP.Post(ctx, "/api/v5/trade/order-algo", body)
	if err != nil {
		return exchange.CreateOrderResult{}, classifyErr(err)
	}

	var res struct {
		Code string `json:"code"`
		Data []struct {
			AlgoID string `json:"algoId"`
			SCode  string `json:"sCode"`
			SMsg   string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return exchange.CreateOrderResult{}, fmt.Errorf("decode okx algo order response: %w", err)
	}
	if len(res.Data) == 0 {
		return exchange.CreateOrderResult{}, fmt.Errorf("okx error %s: empty data", res.Code)
	}
	if res.Data[0].SCode != "0" {
		return exchange.CreateOrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, res.Data[0].SMsg)
	}

	return exchange.CreateOrderResult{
		ExchangeOrderID: res.Data[0].AlgoID,
		Status:          domain.StatusOpen,
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	body := map[string]interface{}{
		"instId": symbol,
		"ordId":  exchangeOrderID,
	}
	raw, err := a.HTTP.Post(ctx, "/api/v5/trade/cancel-order", body)
	if err != nil {
		return classifyErr(err)
	}

	var res struct {
		Code string `json:"code"`
		Data []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode okx cancel response: %w", err)
	}
	if len(res.Data) > 0 && res.Data[0].SCode == "51401" {
		return fmt.Errorf("%w", apperrors.ErrOrderNotFound)
	}
	if len(res.Data) > 0 && res.Data[0].SCode != "0" {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, res.Data[0].SMsg)
	}
	return nil
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (domain.OpenOrder, error) {
	raw, err := a.HTTP.Get(ctx, "/api/v5/trade/order", map[string]string{
		"instId": symbol,
		"ordId":  exchangeOrderID,
	})
	if err != nil {
		return domain.OpenOrder{}, classifyErr(err)
	}
	orders, err := a.decodeOrderList(raw)
	if err != nil {
		return domain.OpenOrder{}, err
	}
	if len(orders) == 0 {
		return domain.OpenOrder{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, exchangeOrderID)
	}
	return orders[0], nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	params := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		params["instId"] = symbol
	}
	raw, err := a.HTTP.Get(ctx, "/api/v5/trade/orders-pending", params)
	if err != nil {
		return nil, classifyErr(err)
	}
	return a.decodeOrderList(raw)
}

func (a *Adapter) decodeOrderList(raw []byte) ([]domain.OpenOrder, error) {
	var res struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			OrdID    string `json:"ordId"`
			ClOrdID  string `json:"clOrdId"`
			InstID   string `json:"instId"`
			Side     string `json:"side"`
			OrdType  string `json:"ordType"`
			State    string `json:"state"`
			Px       string `json:"px"`
			Sz       string `json:"sz"`
			AccFillSz string `json:"accFillSz"`
			CTime    string `json:"cTime"`
			UTime    string `json:"uTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode okx order list: %w", err)
	}
	if res.Code != "" && res.Code != "0" {
		return nil, fmt.Errorf("okx error %s: %s", res.Code, res.Msg)
	}

	orders := make([]domain.OpenOrder, 0, len(res.Data))
	for _, o := range res.Data {
		orders = append(orders, domain.OpenOrder{
			ExchangeOrderID: o.OrdID,
			ClientOrderID:   o.ClOrdID,
			Symbol:          o.InstID,
			Side:            domain.OrderSide(strings.ToUpper(o.Side)),
			OrderType:       domain.OrderType(strings.ToUpper(o.OrdType)),
			Price:           a.ParseDecimal(o.Px),
			Quantity:        a.ParseDecimal(o.Sz),
			FilledQuantity:  a.ParseDecimal(o.AccFillSz),
			Status:          mapOrderStatus(o.State),
			MarketType:      domain.MarketFutures,
			CreatedAt:       a.parseMillisString(o.CTime),
			UpdatedAt:       a.parseMillisString(o.UTime),
		})
	}
	return orders, nil
}

func (a *Adapter) parseMillisString(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return a.ParseTimestampMillis(ms)
}

func (a *Adapter) GetBalances(ctx context.Context) ([]exchange.Balance, error) {
	raw, err := a.HTTP.Get(ctx, "/api/v5/account/balance", nil)
	if err != nil {
		return nil, classifyErr(err)
	}

	var res struct {
		Code string `json:"code"`
		Data []struct {
			Details []struct {
				Ccy       string `json:"ccy"`
				AvailBal  string `json:"availBal"`
				CashBal   string `json:"cashBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode okx balances: %w", err)
	}

	var out []exchange.Balance
	if len(res.Data) == 0 {
		return out, nil
	}
	for _, d := range res.Data[0].Details {
		free := a.ParseDecimal(d.AvailBal)
		total := a.ParseDecimal(d.CashBal)
		out = append(out, exchange.Balance{
			Asset:  d.Ccy,
			Free:   free,
			Locked: total.Sub(free),
		})
	}
	return out, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	raw, err := a.HTTP.Get(ctx, "/api/v5/public/instruments", map[string]string{
		"instType": "SWAP",
		"instId":   symbol,
	})
	if err != nil {
		return exchange.SymbolInfo{}, classifyErr(err)
	}

	var res struct {
		Code string `json:"code"`
		Data []struct {
			InstID  string `json:"instId"`
			TickSz  string `json:"tickSz"`
			LotSz   string `json:"lotSz"`
			MinSz   string `json:"minSz"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return exchange.SymbolInfo{}, fmt.Errorf("decode okx instruments: %w", err)
	}
	if len(res.Data) == 0 {
		return exchange.SymbolInfo{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	d := res.Data[0]
	return exchange.SymbolInfo{
		Symbol:   d.InstID,
		TickSize: a.ParseDecimal(d.TickSz),
		StepSize: a.ParseDecimal(d.LotSz),
		MinQty:   a.ParseDecimal(d.MinSz),
	}, nil
}

// StartUserStream authenticates on OKX's private v5 WebSocket using the
// same HMAC recipe as SignRequest (message = timestamp+"GET"+"/users/self/verify")
// then subscribes to the "orders" channel for SWAP instruments.
func (a *Adapter) StartUserStream(ctx context.Context, onFill func(domain.FillEvent)) (exchange.StreamHandle, error) {
	wsURL := strings.TrimSuffix(a.Config.WSBaseURL, "/")
	if !strings.Contains(wsURL, "/private") {
		wsURL = wsURL + "/v5/private"
	}

	client := wsclient.NewClient(wsURL, func(message []byte) {
		a.handlePrivateMessage(message, onFill)
	}, a.Logger)

	connected := make(chan struct{}, 1)
	client.SetOnConnected(func() {
		if err := client.Send(a.loginOp()); err != nil {
			a.Logger.Warn("okx ws login send failed", "error", err)
			return
		}
		_ = client.Send(map[string]interface{}{
			"op": "subscribe",
			"args": []map[string]string{
				{"channel": "orders", "instType": "SWAP"},
			},
		})
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	client.Start()
	go func() {
		<-ctx.Done()
		client.Stop()
	}()

	select {
	case <-connected:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		client.Stop()
		return nil, fmt.Errorf("okx user stream handshake timed out")
	}
	return client, nil
}

func (a *Adapter) loginOp() map[string]interface{} {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + "GET" + "/users/self/verify"
	mac := hmac.New(sha256.New, []byte(string(a.Account.SecretKey)))
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]interface{}{
		"op": "login",
		"args": []map[string]string{
			{
				"apiKey":     string(a.Account.APIKey),
				"passphrase": string(a.Account.Passphrase),
				"timestamp":  timestamp,
				"sign":       signature,
			},
		},
	}
}

func (a *Adapter) handlePrivateMessage(message []byte, onFill func(domain.FillEvent)) {
	var envelope struct {
		Arg struct {
			Channel string `json:"channel"`
		} `json:"arg"`
		Data []struct {
			InstID    string `json:"instId"`
			Side      string `json:"side"`
			OrdID     string `json:"ordId"`
			ClOrdID   string `json:"clOrdId"`
			FillSz    string `json:"fillSz"`
			FillPx    string `json:"fillPx"`
			TradeID   string `json:"tradeId"`
			Fee       string `json:"fee"`
			State     string `json:"state"`
			UTime     string `json:"uTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		a.Alert("okx_order_stream_parse_failure", err.Error(), "raw_frame", string(message))
		return
	}
	if envelope.Arg.Channel != "orders" {
		return
	}

	for _, o := range envelope.Data {
		if o.FillSz == "" || o.FillSz == "0" {
			continue
		}
		onFill(domain.FillEvent{
			AccountID:       a.AccountID,
			Symbol:          o.InstID,
			Side:            domain.OrderSide(strings.ToUpper(o.Side)),
			Price:           a.ParseDecimal(o.FillPx),
			Quantity:        a.ParseDecimal(o.FillSz),
			ExchangeTradeID: o.TradeID,
			ExchangeOrderID: o.OrdID,
			ClientOrderID:   o.ClOrdID,
			// OKX reports fee as a negative number (a deduction); the
			// unified contract expects a positive commission magnitude.
			Commission: a.ParseDecimal(o.Fee).Abs(),
			Time:       a.parseMillisString(o.UTime),
			MarketType: domain.MarketFutures,
		})
	}
}
