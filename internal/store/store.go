// Package store is the persistence layer: a thin, transaction-aware
// wrapper over PostgreSQL (jackc/pgx/v5) implementing the row-level
// locking semantics the Order Manager, Fill Monitor, and Position
// Manager depend on (SELECT ... FOR UPDATE before any mutation, per
// spec.md §5's lock-ordering rule).
//
// Callers program against the Store interface, not *Postgres, so tests
// can substitute an in-memory fake without a live database.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/domain"
)

// OpenOrderFilter narrows ListOpenOrders / bulk-cancel resolution.
type OpenOrderFilter struct {
	StrategyID *int64
	AccountID  *int64
	Symbol     string
	Side       domain.OrderSide
}

// FailedOrderFilter narrows ListFailedOrders.
type FailedOrderFilter struct {
	StrategyAccountID *int64
	Symbol            string
}

// Store is everything the trading core needs from persistence. A single
// instance is shared process-wide; every method takes a context so a
// caller inside a request-scoped deadline (webhook dispatch, a WS
// message handler) can bound how long it waits on a lock.
type Store interface {
	// Users / Accounts / Strategies
	GetAccount(ctx context.Context, accountID int64) (domain.Account, error)
	ListActiveAccounts(ctx context.Context) ([]domain.Account, error)
	GetStrategyByGroupName(ctx context.Context, groupName string) (domain.Strategy, error)
	GetStrategy(ctx context.Context, strategyID int64) (domain.Strategy, error)
	UserOwnsStrategy(ctx context.Context, userID, strategyID int64) (bool, error)

	// StrategyAccount bindings
	ListActiveStrategyAccounts(ctx context.Context, strategyID int64) ([]domain.StrategyAccount, error)
	GetStrategyAccount(ctx context.Context, id int64) (domain.StrategyAccount, error)

	// StrategyCapital
	GetStrategyCapital(ctx context.Context, strategyAccountID int64) (domain.StrategyCapital, error)
	ApplyRealizedPnL(ctx context.Context, strategyAccountID int64, delta decimal.Decimal) error

	// OpenOrder lifecycle. InsertOpenOrder/UpdateOpenOrder commit
	// independently of any REST call per spec §4.D step 4 — callers
	// must not wrap the insert and the adapter call in one transaction.
	InsertOpenOrder(ctx context.Context, o *domain.OpenOrder) error
	GetOpenOrderForUpdate(ctx context.Context, id int64) (domain.OpenOrder, error)
	GetOpenOrderByExchangeID(ctx context.Context, exchangeOrderID string) (domain.OpenOrder, error)
	GetOpenOrderByClientID(ctx context.Context, clientOrderID string) (domain.OpenOrder, error)
	UpdateOpenOrder(ctx context.Context, o *domain.OpenOrder) error
	DeleteOpenOrder(ctx context.Context, id int64) error
	ListOpenOrders(ctx context.Context, f OpenOrderFilter) ([]domain.OpenOrder, error)
	ListOpenOrdersByAccount(ctx context.Context, accountID int64, marketType domain.MarketType) ([]domain.OpenOrder, error)

	// TradeExecution is append-only and deduplicated on ExchangeTradeID.
	// InsertTradeExecutionIfAbsent returns inserted=false when a row
	// with the same ExchangeTradeID already exists (P2).
	InsertTradeExecutionIfAbsent(ctx context.Context, t *domain.TradeExecution) (inserted bool, err error)

	// StrategyPosition, row-locked per (strategy_account, symbol).
	GetPositionForUpdate(ctx context.Context, strategyAccountID int64, symbol string) (domain.StrategyPosition, error)
	UpsertPosition(ctx context.Context, p *domain.StrategyPosition) error

	// FailedOrder
	InsertFailedOrder(ctx context.Context, f *domain.FailedOrder) error
	ListFailedOrders(ctx context.Context, f FailedOrderFilter) ([]domain.FailedOrder, error)
	GetFailedOrder(ctx context.Context, id int64) (domain.FailedOrder, error)
	UpdateFailedOrder(ctx context.Context, f *domain.FailedOrder) error
	DeleteFailedOrder(ctx context.Context, id int64) error
	ListRetryableFailedOrders(ctx context.Context) ([]domain.FailedOrder, error)

	// CancelQueue
	EnqueueCancel(ctx context.Context, item *domain.CancelQueueItem) error
	ListDueCancels(ctx context.Context, now time.Time) ([]domain.CancelQueueItem, error)
	UpdateCancelQueueItem(ctx context.Context, item *domain.CancelQueueItem) error

	// SecuritiesToken, refreshed under SELECT ... FOR UPDATE.
	GetSecuritiesTokenForUpdate(ctx context.Context, accountID int64) (domain.SecuritiesToken, bool, error)
	UpsertSecuritiesToken(ctx context.Context, t *domain.SecuritiesToken) error

	// WithTx runs fn inside a single transaction; fn's ctx carries the
	// transaction so nested Store calls (via context) participate in
	// it. Used to bracket a row-lock-then-mutate sequence.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	Close()
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
