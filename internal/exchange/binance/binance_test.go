package binance

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

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
	cfg := config.ExchangeConfig{BaseURL: baseURL, WSBaseURL: "ws://example.invalid", MarketType: "SPOT", SigningStyle: "hmac_sha256"}
	acct := config.AccountConfig{Exchange: "binance", APIKey: "test-key", SecretKey: "test-secret"}
	return New(1, cfg, acct, logging.NewNop())
}

func TestSignRequest_AddsSignatureAndAPIKeyHeader(t *testing.T) {
	var captured *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	_, err := a.HTTP.Get(t.Context(), "/api/v3/account", nil)
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, "test-key", captured.Header.Get("X-MBX-APIKEY"))
	assert.NotEmpty(t, captured.URL.Query().Get("signature"))
	assert.NotEmpty(t, captured.URL.Query().Get("timestamp"))
}

func TestMapOrderStatus(t *testing.T) {
	assert.Equal(t, domain.StatusOpen, mapOrderStatus("NEW"))
	assert.Equal(t, domain.StatusPartiallyFilled, mapOrderStatus("PARTIALLY_FILLED"))
	assert.Equal(t, domain.StatusFilled, mapOrderStatus("FILLED"))
	assert.Equal(t, domain.StatusCanceled, mapOrderStatus("CANCELED"))
	assert.Equal(t, domain.StatusCanceled, mapOrderStatus("EXPIRED"))
	assert.Equal(t, domain.StatusOpen, mapOrderStatus("unexpected"))
}

func TestParseBinanceError_MapsKnownCodes(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{"code": -2010, "msg": "Account has insufficient balance"})
	err := parseBinanceError(400, body)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	body, _ = json.Marshal(map[string]interface{}{"code": -1021, "msg": "Timestamp outside recvWindow"})
	err = parseBinanceError(400, body)
	assert.ErrorIs(t, err, apperrors.ErrTimestampOutOfBounds)

	body, _ = json.Marshal(map[string]interface{}{"code": -9999, "msg": "weird"})
	err = parseBinanceError(400, body)
	assert.ErrorContains(t, err, "-9999")
}

func TestCreateOrder_ParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"orderId":123456,"status":"FILLED","executedQty":"1.500","avgPrice":"25000.50"}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	res, err := a.CreateOrder(t.Context(), exchange.CreateOrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "123456", res.ExchangeOrderID)
	assert.Equal(t, domain.StatusFilled, res.Status)
	assert.True(t, res.FilledQuantity.Equal(a.ParseDecimal("1.500")))
}

func TestCreateOrder_ClassifiesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	_, err := a.CreateOrder(t.Context(), exchange.CreateOrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderMarket})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestGetSymbolInfo_ParsesFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","pricePrecision":2,"quantityPrecision":5,"filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01"},
			{"filterType":"LOT_SIZE","stepSize":"0.00001","minQty":"0.00001"},
			{"filterType":"MIN_NOTIONAL","minNotional":"10"}
		]}]}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	info, err := a.GetSymbolInfo(t.Context(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", info.Symbol)
	assert.True(t, info.TickSize.Equal(a.ParseDecimal("0.01")))
	assert.True(t, info.StepSize.Equal(a.ParseDecimal("0.00001")))
	assert.True(t, info.MinNotional.Equal(a.ParseDecimal("10")))
}

func TestBatchCreateOrders_PerItemErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"orderId":1,"status":"NEW","executedQty":"0"},{"code":-1013,"msg":"bad qty"}]`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	results, errs := a.BatchCreateOrders(t.Context(), 1, []exchange.CreateOrderRequest{
		{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderMarket},
		{Symbol: "ETHUSDT", Side: domain.SideSell, Type: domain.OrderMarket},
	})
	require.Len(t, results, 2)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.Equal(t, "1", results[0].ExchangeOrderID)
	assert.Error(t, errs[1])
}
