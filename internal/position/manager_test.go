package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	logger, err := logging.New("ERROR", "test")
	require.NoError(t, err)
	st := store.NewMem()
	return New(st, logger), st
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApply_OpensFlatPosition(t *testing.T) {
	m, _ := newTestManager(t)
	res, err := m.Apply(context.Background(), 1, "BTC/USDT", domain.SideBuy, d("1"), d("100"))
	require.NoError(t, err)
	assert.True(t, res.Position.Quantity.Equal(d("1")))
	assert.True(t, res.Position.EntryPrice.Equal(d("100")))
	assert.True(t, res.RealizedPnLDelta.IsZero())
}

func TestApply_SameSignAveragesEntryPrice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideBuy, d("1"), d("100"))
	require.NoError(t, err)
	res, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideBuy, d("1"), d("200"))
	require.NoError(t, err)
	assert.True(t, res.Position.Quantity.Equal(d("2")))
	assert.True(t, res.Position.EntryPrice.Equal(d("150")), "expected weighted avg 150, got %s", res.Position.EntryPrice)
}

func TestApply_ReducingFillRealizesPnLWithoutMovingEntryPrice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideBuy, d("2"), d("100"))
	require.NoError(t, err)

	res, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideSell, d("1"), d("120"))
	require.NoError(t, err)

	assert.True(t, res.Position.Quantity.Equal(d("1")))
	assert.True(t, res.Position.EntryPrice.Equal(d("100")), "entry price must not move on a reducing fill")
	assert.True(t, res.RealizedPnLDelta.Equal(d("20")), "expected realized pnl 20, got %s", res.RealizedPnLDelta)
}

func TestApply_ZeroCrossingDecomposesIntoCloseAndOpen(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideBuy, d("1"), d("100"))
	require.NoError(t, err)

	res, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideSell, d("3"), d("110"))
	require.NoError(t, err)

	assert.True(t, res.Closed)
	assert.True(t, res.Position.Quantity.Equal(d("-2")), "expected -2 after crossing zero, got %s", res.Position.Quantity)
	assert.True(t, res.Position.EntryPrice.Equal(d("110")), "new leg entry price should be the fill price")
	assert.True(t, res.RealizedPnLDelta.Equal(d("10")), "expected realized pnl on the closed 1 unit, got %s", res.RealizedPnLDelta)
}

func TestApply_ClosingToExactlyFlatMarksClosed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideBuy, d("1"), d("100"))
	require.NoError(t, err)

	res, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideSell, d("1"), d("105"))
	require.NoError(t, err)

	assert.True(t, res.Closed)
	assert.True(t, res.Position.IsFlat())
	assert.True(t, res.RealizedPnLDelta.Equal(d("5")))
}

func TestApply_ShortPositionRealizesPnLWithCorrectSign(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideSell, d("1"), d("100"))
	require.NoError(t, err)

	res, err := m.Apply(ctx, 1, "BTC/USDT", domain.SideBuy, d("1"), d("80"))
	require.NoError(t, err)

	assert.True(t, res.Position.IsFlat())
	assert.True(t, res.RealizedPnLDelta.Equal(d("20")), "a short covered below entry should realize a profit, got %s", res.RealizedPnLDelta)
}
