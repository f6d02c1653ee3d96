// Package koreainvestment implements exchange.Adapter for Korea
// Investment & Securities' KRX equities API: OAuth2 client_credentials
// bearer tokens plus a per-request SHA-256 "hashkey" signature, instead
// of the HMAC/JWT schemes the crypto venues use.
package koreainvestment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/pkg/apperrors"
	"github.com/tradecore/execution-core/pkg/httpclient"
)

// trID selects the transaction a KIS request performs; it is distinct
// for real vs. paper (testnet) accounts.
const (
	trBuyOrderReal     = "TTTC0802U"
	trSellOrderReal    = "TTTC0801U"
	trBuyOrderPaper    = "VTTC0802U"
	trSellOrderPaper   = "VTTC0801U"
	trCancelOrderReal  = "TTTC0803U"
	trCancelOrderPaper = "VTTC0803U"
	trOpenOrdersReal   = "TTTC8001R"
	trOpenOrdersPaper  = "VTTC8001R"
	trBalanceReal      = "TTTC8434R"
	trBalancePaper     = "VTTC8434R"
)

// Adapter implements exchange.Adapter for a single Korea Investment
// account. Unlike the crypto adapters, signing here is two-phase: a
// hashkey is fetched per order body, then the bearer token (refreshed
// on its own schedule) goes on every request.
type Adapter struct {
	*exchange.Base

	mu          sync.RWMutex
	token       *domain.SecuritiesToken
	refreshFlag singleflight.Group
}

func New(accountID int64, cfg config.ExchangeConfig, acct config.AccountConfig, logger logging.Logger) *Adapter {
	a := &Adapter{}
	a.Base = exchange.NewBase("korea_investment", accountID, cfg, acct, logger, a)
	return a
}

// tokenPath is the OAuth endpoint itself: it carries appkey/appsecret in
// its body, never a bearer token, since obtaining one is the point of
// the call. SignRequest special-cases it to avoid ensureToken recursing
// back into a refresh that needs to sign this same request.
const tokenPath = "/oauth2/tokenP"

// SignRequest attaches the bearer token and the fixed KIS app headers.
// The per-body hashkey (required only on order-mutating endpoints) is
// computed separately in CreateOrder/CancelOrder before the request is
// built, since it depends on the serialized body rather than the URL.
func (a *Adapter) SignRequest(req *http.Request) error {
	req.Header.Set("content-type", "application/json; charset=utf-8")

	if req.URL.Path == tokenPath {
		return nil
	}

	tok, err := a.ensureToken(req.Context())
	if err != nil {
		return fmt.Errorf("korea investment auth: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("appkey", string(a.Account.APIKey))
	req.Header.Set("appsecret", string(a.Account.SecretKey))
	return nil
}

// ensureToken returns the cached token while it has more than 30s left
// before expiry, and refreshes it otherwise. singleflight collapses
// concurrent refreshes from multiple in-flight requests into a single
// token call. The token lives only in this adapter's memory; it is not
// persisted to internal/store, so separate process instances each hold
// and refresh their own.
func (a *Adapter) ensureToken(ctx context.Context) (*domain.SecuritiesToken, error) {
	a.mu.RLock()
	tok := a.token
	a.mu.RUnlock()

	if tok != nil && !tok.Expired(time.Now().Add(30*time.Second)) {
		return tok, nil
	}

	v, err, _ := a.refreshFlag.Do("refresh", func() (interface{}, error) {
		return a.refreshToken(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.SecuritiesToken), nil
}

func (a *Adapter) refreshToken(ctx context.Context) (*domain.SecuritiesToken, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     string(a.Account.APIKey),
		"appsecret":  string(a.Account.SecretKey),
	}

	raw, err := a.HTTP.Post(ctx, "/oauth2/tokenP", body)
	if err != nil {
		return nil, classifyErr(err)
	}

	var res struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode korea investment token response: %w", err)
	}

	now := time.Now()
	tok := &domain.SecuritiesToken{
		AccountID:       a.AccountID,
		AccessToken:     res.AccessToken,
		TokenType:       res.TokenType,
		ExpiresAt:       now.Add(time.Duration(res.ExpiresIn) * time.Second),
		LastRefreshedAt: now,
	}

	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()

	return tok, nil
}

// hashKey asks KIS to compute the per-body signature order-mutating
// endpoints require, since it depends on the exact serialized payload.
func (a *Adapter) hashKey(ctx context.Context, body map[string]string) (string, error) {
	raw, err := a.HTTP.Post(ctx, "/uapi/hashkey", body)
	if err != nil {
		return "", classifyErr(err)
	}

	var res struct {
		HASH string `json:"HASH"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode korea investment hashkey response: %w", err)
	}
	return res.HASH, nil
}

func (a *Adapter) trID(real, paper string) string {
	if a.Account.IsTestnet {
		return paper
	}
	return real
}

func parseKISError(statusCode int, body []byte) error {
	var res struct {
		RtCd  string `json:"rt_cd"`
		MsgCd string `json:"msg_cd"`
		Msg1  string `json:"msg1"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("korea investment HTTP %d: %s", statusCode, string(body))
	}

	switch res.MsgCd {
	case "40310000":
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, res.Msg1)
	case "APBK0656", "APBK0919":
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, res.Msg1)
	case "APBK0550":
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, res.Msg1)
	default:
		if res.RtCd != "" && res.RtCd != "0" {
			return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, res.Msg1)
		}
		return fmt.Errorf("korea investment error %s: %s", res.MsgCd, res.Msg1)
	}
}

func (a *Adapter) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.CreateOrderResult, error) {
	ordDvsn := "01" // market
	if req.Type == domain.OrderLimit {
		ordDvsn = "00"
	}

	body := map[string]string{
		"CANO":         string(a.Account.APIKey),
		"ACNT_PRDT_CD": "01",
		"PDNO":         req.Symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      req.Quantity.String(),
		"ORD_UNPR":     req.Price.String(),
	}

	hash, err := a.hashKey(ctx, body)
	if err != nil {
		a.Logger.Warn("korea investment hashkey failed, proceeding unsigned", "error", err)
	}

	tr := a.trID(trBuyOrderReal, trBuyOrderPaper)
	if req.Side == domain.SideSell {
		tr = a.trID(trSellOrderReal, trSellOrderPaper)
	}

	raw, err := a.postWithTR(ctx, "/uapi/domestic-stock/v1/trading/order", tr, hash, body)
	if err != nil {
		return exchange.CreateOrderResult{}, classifyErr(err)
	}

	var res struct {
		Output struct {
			OrderNo string `json:"ODNO"`
		} `json:"output"`
		RtCd string `json:"rt_cd"`
		Msg1 string `json:"msg1"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return exchange.CreateOrderResult{}, fmt.Errorf("decode korea investment order response: %w", err)
	}
	if res.RtCd != "0" {
		return exchange.CreateOrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, res.Msg1)
	}

	return exchange.CreateOrderResult{
		ExchangeOrderID: res.Output.OrderNo,
		Status:          domain.StatusOpen,
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	body := map[string]string{
		"CANO":              string(a.Account.APIKey),
		"ACNT_PRDT_CD":       "01",
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          exchangeOrderID,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02",
		"ORD_QTY":            "0",
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}

	hash, err := a.hashKey(ctx, body)
	if err != nil {
		a.Logger.Warn("korea investment hashkey failed, proceeding unsigned", "error", err)
	}

	tr := a.trID(trCancelOrderReal, trCancelOrderPaper)
	_, err = a.postWithTR(ctx, "/uapi/domestic-stock/v1/trading/order-rvsecncl", tr, hash, body)
	return classifyErr(err)
}

func (a *Adapter) postWithTR(ctx context.Context, path, trID, hashKey string, body map[string]string) ([]byte, error) {
	headers := map[string]string{"tr_id": trID}
	if hashKey != "" {
		headers["hashkey"] = hashKey
	}
	return a.HTTP.PostWithHeaders(ctx, path, body, headers)
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (domain.OpenOrder, error) {
	orders, err := a.GetOpenOrders(ctx, symbol)
	if err != nil {
		return domain.OpenOrder{}, err
	}
	for _, o := range orders {
		if o.ExchangeOrderID == exchangeOrderID {
			return o, nil
		}
	}
	return domain.OpenOrder{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, exchangeOrderID)
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	params := map[string]string{
		"CANO":         string(a.Account.APIKey),
		"ACNT_PRDT_CD": "01",
		"PDNO":         symbol,
	}

	raw, err := a.HTTP.GetWithHeaders(ctx, "/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl", params, map[string]string{
		"tr_id": a.trID(trOpenOrdersReal, trOpenOrdersPaper),
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	var res struct {
		Output []struct {
			OrderNo  string `json:"odno"`
			PDNO     string `json:"pdno"`
			SllBuyCd string `json:"sll_buy_dvsn_cd"`
			OrdQty   string `json:"ord_qty"`
			OrdUnpr  string `json:"ord_unpr"`
			TotCcldQty string `json:"tot_ccld_qty"`
			OrdTmd   string `json:"ord_tmd"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode korea investment open orders: %w", err)
	}

	orders := make([]domain.OpenOrder, 0, len(res.Output))
	for _, o := range res.Output {
		side := domain.SideBuy
		if o.SllBuyCd == "01" {
			side = domain.SideSell
		}

		orders = append(orders, domain.OpenOrder{
			ExchangeOrderID: o.OrderNo,
			Symbol:          o.PDNO,
			Side:            side,
			OrderType:       domain.OrderLimit,
			Price:           a.ParseDecimal(o.OrdUnpr),
			Quantity:        a.ParseDecimal(o.OrdQty),
			FilledQuantity:  a.ParseDecimal(o.TotCcldQty),
			Status:          domain.StatusOpen,
			MarketType:      domain.MarketSpot,
		})
	}
	return orders, nil
}

func (a *Adapter) GetBalances(ctx context.Context) ([]exchange.Balance, error) {
	params := map[string]string{
		"CANO":                   string(a.Account.APIKey),
		"ACNT_PRDT_CD":           "01",
		"AFHR_FLPR_YN":           "N",
		"OFL_YN":                 "",
		"INQR_DVSN":              "02",
		"UNPR_DVSN":              "01",
		"FUND_STTL_ICLD_YN":      "N",
		"FNCG_AMT_AUTO_RDPT_YN":  "N",
		"PRCS_DVSN":              "01",
	}

	raw, err := a.HTTP.GetWithHeaders(ctx, "/uapi/domestic-stock/v1/trading/inquire-balance", params, map[string]string{
		"tr_id": a.trID(trBalanceReal, trBalancePaper),
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	var res struct {
		Output1 []struct {
			PDNO    string `json:"pdno"`
			HldgQty string `json:"hldg_qty"`
		} `json:"output1"`
		Output2 []struct {
			DncaTotAmt string `json:"dnca_tot_amt"`
		} `json:"output2"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode korea investment balance: %w", err)
	}

	balances := make([]exchange.Balance, 0, len(res.Output1)+1)
	for _, h := range res.Output1 {
		qty := a.ParseDecimal(h.HldgQty)
		if qty.IsZero() {
			continue
		}
		balances = append(balances, exchange.Balance{Asset: h.PDNO, Free: qty, Locked: decimal.Zero})
	}
	if len(res.Output2) > 0 {
		balances = append(balances, exchange.Balance{
			Asset: "KRW",
			Free:  a.ParseDecimal(res.Output2[0].DncaTotAmt),
		})
	}
	return balances, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	// KRX trades in whole shares and won; there is no venue-reported
	// tick/lot table analogous to the crypto exchanges', so the registry
	// gets the system-wide KRX convention directly.
	return exchange.SymbolInfo{
		Symbol:         symbol,
		PricePrecision: 0,
		QtyPrecision:   0,
		MinQty:         decimal.NewFromInt(1),
		TickSize:       decimal.NewFromInt(1),
		StepSize:       decimal.NewFromInt(1),
		MinNotional:    decimal.Zero,
	}, nil
}

// StartUserStream is unsupported for this venue in this system: fills
// are observed through the reconciliation pass's open-order polling
// rather than a push feed, since KIS's real-time execution feed
// requires a separate approval process per account.
func (a *Adapter) StartUserStream(ctx context.Context, onFill func(domain.FillEvent)) (exchange.StreamHandle, error) {
	return nil, exchange.ErrUnsupported("StartUserStream", "korea_investment")
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return parseKISError(apiErr.StatusCode, apiErr.Body)
	}
	return err
}
