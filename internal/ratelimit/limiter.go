// Package ratelimit implements the per-(exchange,account) token-bucket
// limiter (golang.org/x/time/rate) guarding every REST call to an
// exchange, plus the fixed inter-order delay used by venues without a
// native batch endpoint. It keeps no sliding window of request
// timestamps.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/pkg/telemetry"
)

// Limiter owns one golang.org/x/time/rate.Limiter per (exchange,account)
// key, sized from config at construction and never resized at runtime —
// a config change requires a restart, matching how the rest of the
// system treats config as immutable once loaded.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      config.RateLimitsConfig
}

func New(cfg config.RateLimitsConfig) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

func key(exchangeName string, accountID int64) string {
	return exchangeName + ":" + strconv.FormatInt(accountID, 10)
}

func (l *Limiter) limiterFor(exchangeName string, accountID int64) *rate.Limiter {
	k := key(exchangeName, accountID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[k]; ok {
		return lim
	}

	reqs := l.cfg.DefaultRequestsPerWindow
	window := l.cfg.DefaultWindowSeconds
	burst := l.cfg.DefaultBurst
	if override, ok := l.cfg.PerExchange[exchangeName]; ok {
		reqs = override.RequestsPerWindow
		window = override.WindowSeconds
		burst = override.Burst
	}
	if window <= 0 {
		window = 60
	}

	perSecond := float64(reqs) / float64(window)
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)
	l.limiters[k] = lim
	return lim
}

// WaitIfNeeded blocks until the (exchange,account) limiter admits one more
// request, recording a throttled-request metric whenever it actually had
// to wait.
func (l *Limiter) WaitIfNeeded(ctx context.Context, exchangeName string, accountID int64) error {
	lim := l.limiterFor(exchangeName, accountID)

	if lim.Allow() {
		return nil
	}

	telemetry.GetGlobalMetrics().RateLimitThrottled.Add(ctx, 1)
	return lim.Wait(ctx)
}

// BatchFallbackDelay returns the fixed pacing delay used between
// sequential order submissions on a venue with no native batch endpoint,
// read from RateLimitsConfig.BatchFallbackDelaysMs; a venue without a
// positive entry gets 100ms.
func (l *Limiter) BatchFallbackDelay(exchangeName string) time.Duration {
	ms, ok := l.cfg.BatchFallbackDelaysMs[exchangeName]
	if !ok || ms <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}
