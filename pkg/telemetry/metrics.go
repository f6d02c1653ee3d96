package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal  = "execution_core_orders_placed_total"
	MetricOrdersFilledTotal  = "execution_core_orders_filled_total"
	MetricOrdersOpenCount    = "execution_core_orders_open_count"
	MetricPositionSize       = "execution_core_position_size"
	MetricUnrealizedPnL      = "execution_core_position_unrealized_pnl"
	MetricLatencyExchange    = "execution_core_latency_exchange_ms"
	MetricWebhookFanout      = "execution_core_webhook_fanout_accounts"
	MetricWSPoolConnected    = "execution_core_ws_pool_connected"
	MetricSSEActiveSubs      = "execution_core_sse_active_subscribers"
	MetricRateLimitThrottled = "execution_core_rate_limit_throttled_total"
)

// MetricsHolder holds initialized instruments shared across components.
// Components register per-key state through the Set* helpers; the
// observable gauges sweep that state on each collection cycle rather than
// the caller pushing on every update, which keeps the hot path lock-free
// of the metrics exporter.
type MetricsHolder struct {
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	OrdersOpenCount    metric.Int64ObservableGauge
	PositionSize       metric.Float64ObservableGauge
	UnrealizedPnL      metric.Float64ObservableGauge
	LatencyExchange    metric.Float64Histogram
	WebhookFanout      metric.Int64Histogram
	WSPoolConnected    metric.Int64ObservableGauge
	SSEActiveSubs      metric.Int64ObservableGauge
	RateLimitThrottled metric.Int64Counter

	mu              sync.RWMutex
	openOrdersMap   map[string]int64
	positionSizeMap map[string]float64
	unrealizedMap   map[string]float64
	wsConnectedMap  map[string]int64
	sseSubsMap      map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. The instruments
// are bound against whatever MeterProvider is globally registered at
// first call (the no-op provider unless Setup/InitMetrics has already
// run), so callers never see a nil instrument; Setup/InitMetrics simply
// rebinds them to a real provider's instruments afterward.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap:   make(map[string]int64),
			positionSizeMap: make(map[string]float64),
			unrealizedMap:   make(map[string]float64),
			wsConnectedMap:  make(map[string]int64),
			sseSubsMap:      make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("execution-core"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.RateLimitThrottled, err = meter.Int64Counter(MetricRateLimitThrottled, metric.WithDescription("Requests delayed by the rate limiter"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.WebhookFanout, err = meter.Int64Histogram(MetricWebhookFanout, metric.WithDescription("Number of accounts a single webhook fanned out to"))
	if err != nil {
		return err
	}

	m.OrdersOpenCount, err = meter.Int64ObservableGauge(MetricOrdersOpenCount, metric.WithDescription("Currently open orders per (exchange,account)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size per (strategy_account,symbol)"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.UnrealizedPnL, err = meter.Float64ObservableGauge(MetricUnrealizedPnL, metric.WithDescription("Current unrealized PnL per position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.unrealizedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.WSPoolConnected, err = meter.Int64ObservableGauge(MetricWSPoolConnected, metric.WithDescription("WebSocket pool connection state (1=connected, 0=disconnected)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.wsConnectedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("stream", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SSEActiveSubs, err = meter.Int64ObservableGauge(MetricSSEActiveSubs, metric.WithDescription("Active SSE subscribers per strategy"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.sseSubsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("strategy", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenOrders(account string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[account] = count
}

func (m *MetricsHolder) SetPositionSize(positionKey string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[positionKey] = size
}

func (m *MetricsHolder) SetUnrealizedPnL(positionKey string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedMap[positionKey] = value
}

func (m *MetricsHolder) SetWSConnected(streamKey string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsConnectedMap[streamKey] = val
}

func (m *MetricsHolder) SetSSEActiveSubs(strategyKey string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sseSubsMap[strategyKey] = count
}
