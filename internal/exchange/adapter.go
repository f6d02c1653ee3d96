// Package exchange defines the unified adapter contract every exchange
// venue implements, plus the shared base adapter every concrete venue
// embeds for HTTP execution and stream lifecycle.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/domain"
)

// CreateOrderRequest is the unified order-placement request every
// adapter accepts regardless of venue-specific wire shape.
type CreateOrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ClientOrderID string
	MarketType    domain.MarketType
}

// CreateOrderResult is what the adapter learned synchronously from the
// REST create_order call. Status reflects whatever the exchange reports
// at accept time; it is not necessarily terminal.
type CreateOrderResult struct {
	ExchangeOrderID string
	Status          domain.OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
}

// Balance is one asset's free/locked balance on an account.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// SymbolInfo carries the precision and notional rules a venue enforces
// for one symbol. The Precision & Symbol Registry caches these.
type SymbolInfo struct {
	Symbol          string
	PricePrecision  int32
	QtyPrecision    int32
	MinQty          decimal.Decimal
	MinNotional     decimal.Decimal
	TickSize        decimal.Decimal
	StepSize        decimal.Decimal
}

// BatchCapable is implemented by adapters whose venue exposes a native
// multi-order endpoint (Binance). Adapters without it fall back to
// sequential submission paced by the rate limiter (Upbit, Bithumb,
// Korean Investment).
type BatchCapable interface {
	BatchCreateOrders(ctx context.Context, accountID int64, reqs []CreateOrderRequest) ([]CreateOrderResult, []error)
}

// StreamHandle is returned by StartUserStream; Stop tears the stream
// down and is idempotent.
type StreamHandle interface {
	Stop()
}

// Adapter is the contract the rest of the system programs against. One
// Adapter instance is bound to one (exchange, account) pair.
type Adapter interface {
	// Name returns the exchange identifier (binance, upbit, bithumb,
	// korea_investment).
	Name() string

	CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error)
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (domain.OpenOrder, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)

	// StartUserStream opens the venue's private fill/order-update stream
	// and invokes onFill for every fill it observes. WebSocket venues
	// block until the connection's onConnected callback has fired and
	// return an error if it does not fire within 10s; polling venues
	// return once polling has started; a venue without a user stream
	// returns ErrUnsupported. The stream runs until ctx is canceled or
	// handle.Stop is called.
	StartUserStream(ctx context.Context, onFill func(domain.FillEvent)) (StreamHandle, error)
}
