package bybit

import (
	"encoding/json"
	"io"
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
	acct := config.AccountConfig{Exchange: "bybit", APIKey: "test-key", SecretKey: "test-secret"}
	return New(1, cfg, acct, logging.NewNop())
}

func TestSignRequest_AddsBybitHeaders(t *testing.T) {
	var captured *http.Request
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		body, _ = readAll(r)
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1"}}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	_, err := a.HTTP.Post(t.Context(), "/v5/order/create", map[string]string{"symbol": "BTCUSDT"})
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, "test-key", captured.Header.Get("X-BAPI-API-KEY"))
	assert.NotEmpty(t, captured.Header.Get("X-BAPI-SIGN"))
	assert.NotEmpty(t, captured.Header.Get("X-BAPI-TIMESTAMP"))
	assert.Equal(t, "5000", captured.Header.Get("X-BAPI-RECV-WINDOW"))
	assert.Contains(t, string(body), "BTCUSDT")
}

func TestMapOrderStatus(t *testing.T) {
	assert.Equal(t, domain.StatusOpen, mapOrderStatus("New"))
	assert.Equal(t, domain.StatusPartiallyFilled, mapOrderStatus("PartiallyFilled"))
	assert.Equal(t, domain.StatusFilled, mapOrderStatus("Filled"))
	assert.Equal(t, domain.StatusCanceled, mapOrderStatus("Cancelled"))
	assert.Equal(t, domain.StatusOpen, mapOrderStatus("unexpected"))
}

func TestParseBybitError_MapsKnownCodes(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{"retCode": 110007, "retMsg": "insufficient balance"})
	err := parseBybitError(body)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	body, _ = json.Marshal(map[string]interface{}{"retCode": 110001, "retMsg": "order not exists"})
	err = parseBybitError(body)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)

	body, _ = json.Marshal(map[string]interface{}{"retCode": 0, "retMsg": "OK"})
	assert.NoError(t, parseBybitError(body))
}

func TestMapSideAndOrderType(t *testing.T) {
	assert.Equal(t, "Buy", mapSide(domain.SideBuy))
	assert.Equal(t, "Sell", mapSide(domain.SideSell))
	assert.Equal(t, "Limit", mapOrderType(domain.OrderLimit))
	assert.Equal(t, "Market", mapOrderType(domain.OrderMarket))
}

func TestCreateOrder_ParsesOrderID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"998877","orderLinkId":"client-1"}}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	req := exchange.CreateOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          domain.SideBuy,
		Type:          domain.OrderMarket,
		Quantity:      decimal.NewFromFloat(0.01),
		ClientOrderID: "client-1",
	}
	res, err := a.CreateOrder(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "998877", res.ExchangeOrderID)
	assert.Equal(t, domain.StatusOpen, res.Status)
}

func TestHandlePrivateMessage_InvokesOnFillForTradeExec(t *testing.T) {
	a := newTestAdapter(t, "http://example.invalid")

	var got domain.FillEvent
	msg := []byte(`{"topic":"order","data":[{"symbol":"BTCUSDT","side":"Buy","orderId":"1","orderLinkId":"c1","execType":"Trade","orderStatus":"Filled","cumExecQty":"1","lastExecQty":"1","lastExecPrice":"50000","execFee":"0.1","updatedTime":"1700000000000","execId":"e1"}]}`)
	a.handlePrivateMessage(msg, func(f domain.FillEvent) { got = f })

	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, "e1", got.ExchangeTradeID)
	assert.Equal(t, domain.SideBuy, got.Side)
}

func readAll(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}
