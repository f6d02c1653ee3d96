package bithumb

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
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
	cfg := config.ExchangeConfig{BaseURL: baseURL, WSBaseURL: "wss://example.invalid", MarketType: "SPOT", SigningStyle: "jwt_hs256"}
	acct := config.AccountConfig{Exchange: "bithumb", APIKey: "test-access-key", SecretKey: "test-secret-key"}
	return New(1, cfg, acct, logging.NewNop())
}

func TestSignRequest_ProducesVerifiableJWT(t *testing.T) {
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	_, err := a.HTTP.Get(t.Context(), "/v1/orders", map[string]string{"state": "wait"})
	require.NoError(t, err)

	require.NotEmpty(t, authHeader)
	tokenStr := authHeader[len("Bearer "):]

	var claims bithumbClaims
	_, _, err = jwt.NewParser().ParseUnverified(tokenStr, &claims)
	require.NoError(t, err)
	assert.Equal(t, "test-access-key", claims.AccessKey)
	assert.NotEmpty(t, claims.Nonce)
	assert.NotZero(t, claims.Timestamp)
	assert.NotEmpty(t, claims.QueryHash)
}

func TestMapOrderStatus(t *testing.T) {
	assert.Equal(t, domain.StatusOpen, mapOrderStatus("wait"))
	assert.Equal(t, domain.StatusFilled, mapOrderStatus("done"))
	assert.Equal(t, domain.StatusCanceled, mapOrderStatus("cancel"))
}

func TestParseBithumbError_MapsKnownCodes(t *testing.T) {
	body, _ := json.Marshal(map[string]string{"status": "5600", "message": "insufficient balance"})
	assert.ErrorIs(t, parseBithumbError(400, body), apperrors.ErrInsufficientFunds)

	body, _ = json.Marshal(map[string]string{"status": "5900", "message": "bad auth"})
	assert.ErrorIs(t, parseBithumbError(401, body), apperrors.ErrAuthenticationFailed)
}

func TestCreateOrder_MarketSell(t *testing.T) {
	var captured map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = map[string]string{}
		for k, v := range r.URL.Query() {
			captured[k] = v[0]
		}
		w.Write([]byte(`{"uuid":"xyz-9","state":"wait","executed_volume":"0","price":"0"}`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	res, err := a.CreateOrder(t.Context(), exchange.CreateOrderRequest{
		Symbol: "BTC_KRW", Side: domain.SideSell, Type: domain.OrderMarket,
		Quantity: a.ParseDecimal("0.02"),
	})
	require.NoError(t, err)
	assert.Equal(t, "xyz-9", res.ExchangeOrderID)
	assert.Equal(t, "ask", captured["side"])
	assert.Equal(t, "price", captured["ord_type"])
	assert.Equal(t, "0.02", captured["volume"])
}

func TestGetSymbolInfo_UnknownSymbolIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"market":"BTC_KRW"}]`))
	}))
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	_, err := a.GetSymbolInfo(t.Context(), "DOGE_KRW")
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}

func TestPollHandle_StopIsIdempotent(t *testing.T) {
	h := &pollHandle{cancel: make(chan struct{})}
	assert.NotPanics(t, func() {
		h.Stop()
		h.Stop()
	})
}
