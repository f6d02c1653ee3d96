package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/domain"
)

type stubAdapter struct {
	name    string
	results []CreateOrderResult
	errs    []error
	calls   int
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) CreateOrder(context.Context, CreateOrderRequest) (CreateOrderResult, error) {
	i := s.calls
	s.calls++
	return s.results[i], s.errs[i]
}

func (s *stubAdapter) CancelOrder(context.Context, string, string) error { return nil }
func (s *stubAdapter) GetOpenOrders(context.Context, string) ([]domain.OpenOrder, error) {
	return nil, nil
}
func (s *stubAdapter) GetOrder(context.Context, string, string) (domain.OpenOrder, error) {
	return domain.OpenOrder{}, nil
}
func (s *stubAdapter) GetBalances(context.Context) ([]Balance, error) { return nil, nil }
func (s *stubAdapter) GetSymbolInfo(context.Context, string) (SymbolInfo, error) {
	return SymbolInfo{}, nil
}
func (s *stubAdapter) StartUserStream(context.Context, func(domain.FillEvent)) (StreamHandle, error) {
	return nil, nil
}

// batchCapableStub additionally implements BatchCapable, so ExecuteBatch
// must prefer the native path over sequential fallback.
type batchCapableStub struct {
	stubAdapter
	batchResults []CreateOrderResult
	batchErrs    []error
}

func (b *batchCapableStub) BatchCreateOrders(context.Context, int64, []CreateOrderRequest) ([]CreateOrderResult, []error) {
	return b.batchResults, b.batchErrs
}

type zeroDelayLimiter struct{}

func (zeroDelayLimiter) BatchFallbackDelay(string) time.Duration { return 0 }

func reqs(n int) []CreateOrderRequest {
	out := make([]CreateOrderRequest, n)
	for i := range out {
		out[i] = CreateOrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderMarket, Quantity: decimal.NewFromInt(1)}
	}
	return out
}

func TestExecuteBatch_SequentialFallback_AllSucceed(t *testing.T) {
	a := &stubAdapter{
		name:    "upbit",
		results: []CreateOrderResult{{ExchangeOrderID: "1"}, {ExchangeOrderID: "2"}, {ExchangeOrderID: "3"}},
		errs:    []error{nil, nil, nil},
	}

	result, errs := ExecuteBatch(context.Background(), a, zeroDelayLimiter{}, 1, reqs(3))

	assert.Equal(t, BatchSequential, result.Implementation)
	assert.True(t, result.Success)
	assert.Equal(t, BatchSummary{Total: 3, Successful: 3, Failed: 0}, result.Summary)
	require.Len(t, errs, 3)
	for _, e := range errs {
		assert.NoError(t, e)
	}
	assert.Equal(t, "2", result.Results[1].OrderID)
}

func TestExecuteBatch_SequentialFallback_PartialFailure(t *testing.T) {
	boom := errors.New("insufficient balance")
	a := &stubAdapter{
		name:    "upbit",
		results: []CreateOrderResult{{ExchangeOrderID: "1"}, {}, {ExchangeOrderID: "3"}},
		errs:    []error{nil, boom, nil},
	}

	result, errs := ExecuteBatch(context.Background(), a, zeroDelayLimiter{}, 1, reqs(3))

	assert.False(t, result.Success)
	assert.Equal(t, BatchSummary{Total: 3, Successful: 2, Failed: 1}, result.Summary)
	assert.False(t, result.Results[1].Success)
	assert.Equal(t, "insufficient balance", result.Results[1].Error)
	assert.ErrorIs(t, errs[1], boom)
}

func TestExecuteBatch_PrefersNativeBatchEndpoint(t *testing.T) {
	a := &batchCapableStub{
		stubAdapter:  stubAdapter{name: "binance"},
		batchResults: []CreateOrderResult{{ExchangeOrderID: "n1"}, {ExchangeOrderID: "n2"}},
		batchErrs:    []error{nil, nil},
	}

	result, errs := ExecuteBatch(context.Background(), a, zeroDelayLimiter{}, 1, reqs(2))

	assert.Equal(t, BatchNative, result.Implementation)
	assert.Equal(t, 0, a.stubAdapter.calls, "native path must not fall through to sequential CreateOrder calls")
	require.Len(t, errs, 2)
	assert.Equal(t, "n1", result.Results[0].OrderID)
}

type fixedDelayLimiter time.Duration

func (d fixedDelayLimiter) BatchFallbackDelay(string) time.Duration { return time.Duration(d) }

func TestExecuteBatch_ContextCancelledMidBatchFailsRemainingLegs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &stubAdapter{
		name:    "upbit",
		results: []CreateOrderResult{{ExchangeOrderID: "1"}, {}, {}},
		errs:    []error{nil, nil, nil},
	}
	// Cancel before ExecuteBatch ever sleeps between legs 1 and 2, and
	// give the inter-leg delay enough headroom that the ctx.Done() case
	// is the only ready case when select runs (a zero delay would race
	// both cases and flake).
	cancel()

	result, errs := ExecuteBatch(ctx, a, fixedDelayLimiter(50*time.Millisecond), 1, reqs(3))

	assert.Equal(t, 1, result.Summary.Successful)
	assert.ErrorIs(t, errs[2], context.Canceled)
}
