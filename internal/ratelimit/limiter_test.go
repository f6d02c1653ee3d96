package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execution-core/internal/config"
)

func testConfig() config.RateLimitsConfig {
	return config.RateLimitsConfig{
		DefaultRequestsPerWindow: 5,
		DefaultWindowSeconds:     1,
		DefaultBurst:             1,
		BatchFallbackDelaysMs: map[string]int{
			"upbit":   125,
			"bithumb": 200,
		},
		PerExchange: map[string]config.ExchangeRateLimit{
			"binance": {RequestsPerWindow: 1200, WindowSeconds: 60, Burst: 10},
		},
	}
}

func TestLimiter_WaitIfNeeded_AllowsWithinBurst(t *testing.T) {
	l := New(testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := l.WaitIfNeeded(ctx, "binance", 1)
	require.NoError(t, err)
}

func TestLimiter_WaitIfNeeded_ThrottlesBeyondBurst(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultRequestsPerWindow = 1
	cfg.DefaultWindowSeconds = 1
	cfg.DefaultBurst = 1
	l := New(cfg)

	ctx := context.Background()
	require.NoError(t, l.WaitIfNeeded(ctx, "upbit", 42))

	start := time.Now()
	require.NoError(t, l.WaitIfNeeded(ctx, "upbit", 42))
	assert.True(t, time.Since(start) > 0, "second call should have had to wait for the refill")
}

func TestLimiter_LimiterFor_IsolatedPerAccount(t *testing.T) {
	l := New(testConfig())

	lim1 := l.limiterFor("binance", 1)
	lim2 := l.limiterFor("binance", 2)
	assert.NotSame(t, lim1, lim2)

	again := l.limiterFor("binance", 1)
	assert.Same(t, lim1, again, "same (exchange,account) key should reuse the same limiter instance")
}

func TestLimiter_BatchFallbackDelay(t *testing.T) {
	l := New(testConfig())

	assert.Equal(t, 125*time.Millisecond, l.BatchFallbackDelay("upbit"))
	assert.Equal(t, 200*time.Millisecond, l.BatchFallbackDelay("bithumb"))
	assert.Equal(t, 100*time.Millisecond, l.BatchFallbackDelay("korea_investment"), "unconfigured exchange falls back to the default pacing")
}
