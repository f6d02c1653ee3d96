// Package domain holds the plain data types the execution core operates
// on: users, accounts, strategies, orders, fills, and positions. These are
// relational entities (see internal/store for persistence), not wire
// formats — adapters and transports translate to/from these.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType is the trading venue class a Strategy or OpenOrder belongs to.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
)

// AccountType distinguishes crypto accounts from the various securities
// account flavors (Korean Investment today; room for more without a
// schema change).
type AccountType string

const (
	AccountCrypto         AccountType = "CRYPTO"
	AccountSecuritiesKRX  AccountType = "SECURITIES_KRX"
)

// OrderSide is BUY or SELL, always upper-case once normalized.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType enumerates the order types the unified adapter contract
// accepts.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopLimit  OrderType = "STOP_LIMIT"
	OrderStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus is the lifecycle state of an OpenOrder.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// PendingIDPrefix marks the placeholder exchange_order_id assigned the
// instant an OpenOrder row is inserted, before the create_order REST call
// returns the real id.
const PendingIDPrefix = "PENDING-"

// FailedOrderStatus tracks a FailedOrder's retry lifecycle.
type FailedOrderStatus string

const (
	FailedPendingRetry FailedOrderStatus = "pending_retry"
	FailedRetrying     FailedOrderStatus = "retrying"
	FailedExhausted    FailedOrderStatus = "exhausted"
	FailedRemoved      FailedOrderStatus = "removed"
)

// CancelQueueStatus tracks a deferred cancel of a still-PENDING order.
type CancelQueueStatus string

const (
	CancelPending CancelQueueStatus = "PENDING"
	CancelSuccess CancelQueueStatus = "SUCCESS"
	CancelFailed  CancelQueueStatus = "FAILED"
)

// User identifies the owner of Accounts and Strategies.
type User struct {
	ID      int64
	Admin   bool
	Created time.Time
}

// AccountCredentials carries exchange auth material. Fields unused by a
// given exchange are left zero.
type AccountCredentials struct {
	APIKey        string
	SecretKey     string
	Passphrase    string
	OAuthClientID string
	OAuthSecret   string
}

// Account is one exchange/broker account owned by a User.
type Account struct {
	ID          int64
	UserID      int64
	Exchange    string
	IsTestnet   bool
	AccountType AccountType
	Credentials AccountCredentials
	Active      bool
}

// Strategy is the webhook routing unit: group_name is the key external
// signals address.
type Strategy struct {
	ID         int64
	UserID     int64
	Name       string
	GroupName  string
	MarketType MarketType
	Active     bool
	Public     bool
}

// StrategyAccount binds a Strategy to an Account with an allocation weight.
type StrategyAccount struct {
	ID         int64
	StrategyID int64
	AccountID  int64
	Weight     decimal.Decimal
	Active     bool
}

// StrategyCapital is the capital allocated to one StrategyAccount binding.
type StrategyCapital struct {
	StrategyAccountID int64
	Allocated         decimal.Decimal
	RealizedPnL       decimal.Decimal
}

// OpenOrder is an order known to be outstanding on an exchange. It is
// deleted as soon as it reaches a terminal state.
type OpenOrder struct {
	ID                int64
	StrategyAccountID int64
	ExchangeOrderID   string
	ClientOrderID     string
	Symbol            string
	Side              OrderSide
	OrderType         OrderType
	Price             decimal.Decimal
	StopPrice         decimal.Decimal
	Quantity          decimal.Decimal
	FilledQuantity    decimal.Decimal
	Status            OrderStatus
	MarketType        MarketType
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsPending reports whether the order has not yet been assigned a real
// exchange id.
func (o *OpenOrder) IsPending() bool {
	return o.Status == StatusPending
}

// TradeExecution is an immutable fill record. StrategyAccountID is
// nullable (0) to allow the parent binding to be detached without losing
// history.
type TradeExecution struct {
	ID                int64
	StrategyAccountID int64 // 0 means detached/unknown
	ExchangeOrderID   string
	ExchangeTradeID   string
	Symbol            string
	Side              OrderSide
	ExecutionPrice    decimal.Decimal
	ExecutionQuantity decimal.Decimal
	Commission        decimal.Decimal
	IsMaker           bool
	ExecutionTime     time.Time
	MarketType        MarketType
	RealizedPnL       *decimal.Decimal
}

// StrategyPosition is the per (StrategyAccount, symbol) net position.
// Quantity is signed; zero is the flat state.
type StrategyPosition struct {
	StrategyAccountID int64
	Symbol            string
	Quantity          decimal.Decimal
	EntryPrice        decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	LastUpdated       time.Time
}

// IsFlat reports whether the position has no net exposure.
func (p *StrategyPosition) IsFlat() bool {
	return p.Quantity.IsZero()
}

// FailedOrder is a durable record of a rejected or timed-out order.
type FailedOrder struct {
	ID                int64
	StrategyAccountID int64
	Symbol            string
	Side              OrderSide
	OrderType         OrderType
	Quantity          decimal.Decimal
	Price             *decimal.Decimal
	StopPrice         *decimal.Decimal
	MarketType        MarketType
	Reason            string
	ExchangeError     string
	RetryCount        int
	MaxRetries        int
	Status            FailedOrderStatus
	CreatedAt         time.Time
}

// CancelQueueItem is a deferred cancel for an order still PENDING (no
// exchange id yet).
type CancelQueueItem struct {
	ID          int64
	OrderID     int64
	Status      CancelQueueStatus
	RetryCount  int
	NextRetryAt time.Time
	ErrorMsg    string
	MaxRetries  int
}

// SecuritiesToken is the OAuth2 bearer token cached per securities
// Account, refreshed under a row lock.
type SecuritiesToken struct {
	AccountID       int64
	AccessToken     string
	TokenType       string
	ExpiresAt       time.Time
	LastRefreshedAt time.Time
}

// Expired reports whether the token needs refreshing now.
func (t *SecuritiesToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// FillEvent is the canonical shape a fill takes regardless of whether it
// arrived over WebSocket or a reconciliation pass. ClientOrderID is
// populated when the venue echoes it back on the stream (Binance does);
// it is what lets a WS fill that races ahead of the create_order REST
// response (spec.md §4.D scenario 2) still be matched to its PENDING
// local row before ExchangeOrderID has been patched in.
type FillEvent struct {
	AccountID       int64
	Symbol          string
	Side            OrderSide
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	ExchangeTradeID string
	ExchangeOrderID string
	ClientOrderID   string
	Commission      decimal.Decimal
	IsMaker         bool
	Time            time.Time
	MarketType      MarketType
	RealizedPnL     *decimal.Decimal
}
