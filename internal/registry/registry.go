// Package registry caches per-venue symbol precision and notional rules
// and applies floor-only rounding so the execution core never sends an
// order that trips a venue's tick/step/min-notional filter.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/logging"
)

// defaultTTL bounds how long a cached SymbolInfo is trusted before the
// registry refetches it from the venue, grounded on the teacher's
// FetchExchangeInfo-on-miss pattern generalized with an expiry.
const defaultTTL = 1 * time.Hour

type entry struct {
	info      exchange.SymbolInfo
	fetchedAt time.Time
}

// AdjustmentInfo records what a caller-supplied quantity/price was
// floor-rounded to, so Order Manager can surface the adjustment to the
// caller rather than silently truncating (decision recorded in
// SPEC_FULL.md Open Question c).
type AdjustmentInfo struct {
	RequestedQuantity decimal.Decimal
	AdjustedQuantity  decimal.Decimal
	RequestedPrice    decimal.Decimal
	AdjustedPrice     decimal.Decimal
	Adjusted          bool
}

// Registry is keyed by (exchange, symbol). One Registry instance is
// shared by every account trading on a given exchange, since venue
// symbol rules don't vary per account.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  logging.Logger
	ttl     time.Duration
}

func New(logger logging.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger.WithField("component", "registry"),
		ttl:     defaultTTL,
	}
}

func key(exchangeName, symbol string) string {
	return exchangeName + ":" + symbol
}

// Get returns the cached SymbolInfo for (exchangeName, symbol), fetching
// it via adapter.GetSymbolInfo on a cache miss or expiry.
func (r *Registry) Get(ctx context.Context, adapter exchange.Adapter, symbol string) (exchange.SymbolInfo, error) {
	k := key(adapter.Name(), symbol)

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < r.ttl {
		return e.info, nil
	}

	info, err := adapter.GetSymbolInfo(ctx, symbol)
	if err != nil {
		if ok {
			r.logger.Warn("symbol info refresh failed, serving stale entry", "symbol", symbol, "error", err)
			return e.info, nil
		}
		return exchange.SymbolInfo{}, fmt.Errorf("fetch symbol info for %s/%s: %w", adapter.Name(), symbol, err)
	}

	r.mu.Lock()
	r.entries[k] = entry{info: info, fetchedAt: time.Now()}
	r.mu.Unlock()

	return info, nil
}

// AdjustQuantity floor-rounds qty to the symbol's step size. Never rounds
// up: a caller-requested quantity the venue would reject for too much
// precision comes back smaller, never larger, so the order can never
// exceed the capital the caller intended to commit.
func AdjustQuantity(info exchange.SymbolInfo, qty decimal.Decimal) decimal.Decimal {
	if info.StepSize.IsZero() {
		return qty.Truncate(info.QtyPrecision)
	}
	steps := qty.Div(info.StepSize).Floor()
	return steps.Mul(info.StepSize).Truncate(info.QtyPrecision)
}

// AdjustPrice floor-rounds price to the symbol's tick size.
func AdjustPrice(info exchange.SymbolInfo, price decimal.Decimal) decimal.Decimal {
	if info.TickSize.IsZero() {
		return price.Truncate(info.PricePrecision)
	}
	ticks := price.Div(info.TickSize).Floor()
	return ticks.Mul(info.TickSize).Truncate(info.PricePrecision)
}

// Validate applies floor rounding to qty/price and reports whether the
// result still clears the venue's min quantity/notional filters.
func Validate(info exchange.SymbolInfo, qty, price decimal.Decimal) (AdjustmentInfo, error) {
	adjQty := AdjustQuantity(info, qty)
	adjPrice := price
	if !price.IsZero() {
		adjPrice = AdjustPrice(info, price)
	}

	adj := AdjustmentInfo{
		RequestedQuantity: qty,
		AdjustedQuantity:  adjQty,
		RequestedPrice:    price,
		AdjustedPrice:     adjPrice,
		Adjusted:          !qty.Equal(adjQty) || !price.Equal(adjPrice),
	}

	if adjQty.LessThan(info.MinQty) {
		return adj, fmt.Errorf("%s: quantity %s below minimum %s", info.Symbol, adjQty, info.MinQty)
	}

	if !info.MinNotional.IsZero() && !adjPrice.IsZero() {
		notional := adjQty.Mul(adjPrice)
		if notional.LessThan(info.MinNotional) {
			return adj, fmt.Errorf("%s: notional %s below minimum %s", info.Symbol, notional, info.MinNotional)
		}
	}

	return adj, nil
}
