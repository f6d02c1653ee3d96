package okx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/pkg/apperrors"
)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	cfg := config.ExchangeConfig{BaseURL: baseURL, WSBaseURL: "ws://example.invalid", MarketType: "FUTURES", SigningStyle: "hmac_sha256"}
	acct := config.AccountConfig{Exchange: "okx", APIKey: "test-key", SecretKey: "test-secret", Passphrase: "test-pass"}
	return New(1, cfg, acct, logging.NewNop())
}

func TestSignRequest_AddsOKXHeaders(t *testing.T) {
	var captured *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"1","sCode":"0"}]}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	_, err := a.HTTP.Post(t.Context(), "/api/v5/trade/order", map[string]string{"instId": "BTC-USDT-SWAP"})
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, "test-key", captured.Header.Get("OK-ACCESS-KEY"))
	assert.Equal(t, "test-pass", captured.Header.Get("OK-ACCESS-PASSPHRASE"))
	assert.NotEmpty(t, captured.Header.Get("OK-ACCESS-SIGN"))
	assert.NotEmpty(t, captured.Header.Get("OK-ACCESS-TIMESTAMP"))
}

func TestSignRequest_SetsSimulatedTradingHeaderOnTestnet(t *testing.T) {
	var captured *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := config.ExchangeConfig{BaseURL: server.URL, WSBaseURL: "ws://example.invalid", MarketType: "FUTURES", SigningStyle: "hmac_sha256"}
	acct := config.AccountConfig{Exchange: "okx", APIKey: "k", SecretKey: "s", Passphrase: "p", IsTestnet: true}
	a := New(1, cfg, acct, logging.NewNop())

	_, err := a.HTTP.Get(t.Context(), "/api/v5/account/balance", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", captured.Header.Get("x-simulated-trading"))
}

func TestMapOrderStatus(t *testing.T) {
	assert.Equal(t, domain.StatusOpen, mapOrderStatus("live"))
	assert.Equal(t, domain.StatusPartiallyFilled, mapOrderStatus("partially_filled"))
	assert.Equal(t, domain.StatusFilled, mapOrderStatus("filled"))
	assert.Equal(t, domain.StatusCanceled, mapOrderStatus("canceled"))
	assert.Equal(t, domain.StatusOpen, mapOrderStatus("unexpected"))
}

func TestParseOKXError_MapsKnownCodes(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{"code": "51008", "msg": "insufficient balance", "data": []interface{}{}})
	err := parseOKXError(body)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	body, _ = json.Marshal(map[string]interface{}{"code": "0", "msg": "", "data": []map[string]string{{"sCode": "51401", "sMsg": "order not found"}}})
	err = parseOKXError(body)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestMapOrderType_RoutesStopOrdersToConditional(t *testing.T) {
	assert.Equal(t, "limit", mapOrderType(domain.OrderLimit))
	assert.Equal(t, "market", mapOrderType(domain.OrderMarket))
	assert.Equal(t, "conditional", mapOrderType(domain.OrderStopLimit))
	assert.Equal(t, "conditional", mapOrderType(domain.OrderStopMarket))
}

func TestCreateOrder_RegularOrderParsesOrdID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"55","clOrdId":"c1","sCode":"0","sMsg":""}]}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	req := exchange.CreateOrderRequest{
		Symbol:        "BTC-USDT-SWAP",
		Side:          domain.SideBuy,
		Type:          domain.OrderMarket,
		Quantity:      decimal.NewFromFloat(1),
		ClientOrderID: "c1",
	}
	res, err := a.CreateOrder(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "55", res.ExchangeOrderID)
}

func TestCreateOrder_StopOrderRoutesToAlgoEndpoint(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"code":"0","msg":"","data":[{"algoId":"77","sCode":"0","sMsg":""}]}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	req := exchange.CreateOrderRequest{
		Symbol:        "BTC-USDT-SWAP",
		Side:          domain.SideSell,
		Type:          domain.OrderStopMarket,
		Quantity:      decimal.NewFromFloat(1),
		StopPrice:     decimal.NewFromFloat(60000),
		ClientOrderID: "c2",
	}
	res, err := a.CreateOrder(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "77", res.ExchangeOrderID)
	assert.Equal(t, "/api/v5/trade/order-algo", path)
}

func TestHandlePrivateMessage_InvokesOnFillForOrdersChannel(t *testing.T) {
	a := newTestAdapter(t, "http://example.invalid")

	var got domain.FillEvent
	msg := []byte(`{"arg":{"channel":"orders"},"data":[{"instId":"BTC-USDT-SWAP","side":"buy","ordId":"1","clOrdId":"c1","fillSz":"1","fillPx":"50000","tradeId":"t1","fee":"-0.1","state":"filled","uTime":"1700000000000"}]}`)
	a.handlePrivateMessage(msg, func(f domain.FillEvent) { got = f })

	assert.Equal(t, "BTC-USDT-SWAP", got.Symbol)
	assert.Equal(t, "t1", got.ExchangeTradeID)
	assert.True(t, got.Commission.Equal(decimal.NewFromFloat(0.1)))
}
