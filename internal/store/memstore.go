package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/domain"
)

// Mem is an in-memory Store used by unit tests in place of Postgres, so
// position/fillmonitor/ordermanager logic can be exercised without a
// live database. Locking is coarse (one mutex) since tests don't need
// Postgres's row-level concurrency, only the same call shape.
type Mem struct {
	mu sync.Mutex

	users             map[int64]domain.User
	accounts          map[int64]domain.Account
	strategies        map[int64]domain.Strategy
	strategyAccounts  map[int64]domain.StrategyAccount
	strategyCapital   map[int64]domain.StrategyCapital
	openOrders        map[int64]domain.OpenOrder
	nextOpenOrderID   int64
	tradeExecutions   map[string]domain.TradeExecution // keyed by ExchangeTradeID, "" entries keyed by synthetic id
	nextTradeExecID   int64
	positions         map[string]domain.StrategyPosition // "strategyAccountID:symbol"
	failedOrders      map[int64]domain.FailedOrder
	nextFailedOrderID int64
	cancelQueue       map[int64]domain.CancelQueueItem
	nextCancelQueueID int64
	securitiesTokens  map[int64]domain.SecuritiesToken
}

func NewMem() *Mem {
	return &Mem{
		users:            map[int64]domain.User{},
		accounts:         map[int64]domain.Account{},
		strategies:       map[int64]domain.Strategy{},
		strategyAccounts: map[int64]domain.StrategyAccount{},
		strategyCapital:  map[int64]domain.StrategyCapital{},
		openOrders:       map[int64]domain.OpenOrder{},
		tradeExecutions:  map[string]domain.TradeExecution{},
		positions:        map[string]domain.StrategyPosition{},
		failedOrders:     map[int64]domain.FailedOrder{},
		cancelQueue:      map[int64]domain.CancelQueueItem{},
		securitiesTokens: map[int64]domain.SecuritiesToken{},
	}
}

func (m *Mem) Close() {}

// WithTx has no real transaction to begin: every Mem method already
// takes the single mutex for the duration of its own call, so nesting
// calls inside fn here would deadlock on a non-reentrant sync.Mutex.
// Callers only rely on WithTx for the call shape in tests, not for
// cross-call atomicity (Postgres provides that).
func (m *Mem) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Seed* helpers let tests populate fixtures directly.

func (m *Mem) SeedAccount(a domain.Account) { m.mu.Lock(); defer m.mu.Unlock(); m.accounts[a.ID] = a }
func (m *Mem) SeedStrategy(s domain.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.ID] = s
}
func (m *Mem) SeedStrategyAccount(sa domain.StrategyAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategyAccounts[sa.ID] = sa
}

// SeedOpenOrder overwrites an existing open-order row with o exactly as
// given, UpdatedAt included (UpdateOpenOrder stamps the current time).
func (m *Mem) SeedOpenOrder(o domain.OpenOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.openOrders[o.ID]; !ok {
		return ErrNotFound
	}
	m.openOrders[o.ID] = o
	return nil
}

func (m *Mem) GetAccount(ctx context.Context, accountID int64) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return a, nil
}

func (m *Mem) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Account
	for _, a := range m.accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Mem) GetStrategyByGroupName(ctx context.Context, groupName string) (domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.strategies {
		if s.GroupName == groupName {
			return s, nil
		}
	}
	return domain.Strategy{}, ErrNotFound
}

func (m *Mem) GetStrategy(ctx context.Context, strategyID int64) (domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[strategyID]
	if !ok {
		return domain.Strategy{}, ErrNotFound
	}
	return s, nil
}

func (m *Mem) UserOwnsStrategy(ctx context.Context, userID, strategyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.strategies[strategyID]; ok && s.UserID == userID {
		return true, nil
	}
	for _, sa := range m.strategyAccounts {
		if sa.StrategyID != strategyID {
			continue
		}
		if acc, ok := m.accounts[sa.AccountID]; ok && acc.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mem) ListActiveStrategyAccounts(ctx context.Context, strategyID int64) ([]domain.StrategyAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[strategyID]
	if !ok || !s.Active {
		return nil, nil
	}
	var out []domain.StrategyAccount
	for _, sa := range m.strategyAccounts {
		if sa.StrategyID == strategyID && sa.Active {
			out = append(out, sa)
		}
	}
	return out, nil
}

func (m *Mem) GetStrategyAccount(ctx context.Context, id int64) (domain.StrategyAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sa, ok := m.strategyAccounts[id]
	if !ok {
		return domain.StrategyAccount{}, ErrNotFound
	}
	return sa, nil
}

func (m *Mem) GetStrategyCapital(ctx context.Context, strategyAccountID int64) (domain.StrategyCapital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.strategyCapital[strategyAccountID]
	if !ok {
		return domain.StrategyCapital{StrategyAccountID: strategyAccountID}, nil
	}
	return c, nil
}

func (m *Mem) ApplyRealizedPnL(ctx context.Context, strategyAccountID int64, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.strategyCapital[strategyAccountID]
	c.StrategyAccountID = strategyAccountID
	c.RealizedPnL = c.RealizedPnL.Add(delta)
	m.strategyCapital[strategyAccountID] = c
	return nil
}

func (m *Mem) InsertOpenOrder(ctx context.Context, o *domain.OpenOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOpenOrderID++
	o.ID = m.nextOpenOrderID
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	m.openOrders[o.ID] = *o
	return nil
}

func (m *Mem) GetOpenOrderForUpdate(ctx context.Context, id int64) (domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.openOrders[id]
	if !ok {
		return domain.OpenOrder{}, ErrNotFound
	}
	return o, nil
}

func (m *Mem) GetOpenOrderByExchangeID(ctx context.Context, exchangeOrderID string) (domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.openOrders {
		if o.ExchangeOrderID == exchangeOrderID {
			return o, nil
		}
	}
	return domain.OpenOrder{}, ErrNotFound
}

func (m *Mem) GetOpenOrderByClientID(ctx context.Context, clientOrderID string) (domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.openOrders {
		if o.ClientOrderID == clientOrderID {
			return o, nil
		}
	}
	return domain.OpenOrder{}, ErrNotFound
}

func (m *Mem) UpdateOpenOrder(ctx context.Context, o *domain.OpenOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.openOrders[o.ID]; !ok {
		return ErrNotFound
	}
	o.UpdatedAt = time.Now()
	m.openOrders[o.ID] = *o
	return nil
}

func (m *Mem) DeleteOpenOrder(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openOrders, id)
	return nil
}

func (m *Mem) ListOpenOrders(ctx context.Context, f OpenOrderFilter) ([]domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range m.openOrders {
		sa, ok := m.strategyAccounts[o.StrategyAccountID]
		if !ok {
			continue
		}
		if f.StrategyID != nil && sa.StrategyID != *f.StrategyID {
			continue
		}
		if f.AccountID != nil && sa.AccountID != *f.AccountID {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Side != "" && o.Side != f.Side {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *Mem) ListOpenOrdersByAccount(ctx context.Context, accountID int64, marketType domain.MarketType) ([]domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range m.openOrders {
		sa, ok := m.strategyAccounts[o.StrategyAccountID]
		if !ok || sa.AccountID != accountID || o.MarketType != marketType {
			continue
		}
		if o.Status == domain.StatusOpen || o.Status == domain.StatusPartiallyFilled {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Mem) InsertTradeExecutionIfAbsent(ctx context.Context, t *domain.TradeExecution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ExchangeTradeID != "" {
		if _, exists := m.tradeExecutions[t.ExchangeTradeID]; exists {
			return false, nil
		}
	}
	m.nextTradeExecID++
	t.ID = m.nextTradeExecID
	key := t.ExchangeTradeID
	if key == "" {
		key = "noid-" + time.Now().String() + "-" + decimal.NewFromInt(t.ID).String()
	}
	m.tradeExecutions[key] = *t
	return true, nil
}

func (m *Mem) GetPositionForUpdate(ctx context.Context, strategyAccountID int64, symbol string) (domain.StrategyPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := posKey(strategyAccountID, symbol)
	if p, ok := m.positions[key]; ok {
		return p, nil
	}
	return domain.StrategyPosition{StrategyAccountID: strategyAccountID, Symbol: symbol, Quantity: decimal.Zero, EntryPrice: decimal.Zero}, nil
}

func (m *Mem) UpsertPosition(ctx context.Context, p *domain.StrategyPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.LastUpdated = time.Now()
	m.positions[posKey(p.StrategyAccountID, p.Symbol)] = *p
	return nil
}

func posKey(strategyAccountID int64, symbol string) string {
	return decimal.NewFromInt(strategyAccountID).String() + ":" + symbol
}

func (m *Mem) InsertFailedOrder(ctx context.Context, f *domain.FailedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFailedOrderID++
	f.ID = m.nextFailedOrderID
	f.CreatedAt = time.Now()
	m.failedOrders[f.ID] = *f
	return nil
}

func (m *Mem) ListFailedOrders(ctx context.Context, f FailedOrderFilter) ([]domain.FailedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FailedOrder
	for _, fo := range m.failedOrders {
		if f.StrategyAccountID != nil && fo.StrategyAccountID != *f.StrategyAccountID {
			continue
		}
		out = append(out, fo)
	}
	return out, nil
}

func (m *Mem) GetFailedOrder(ctx context.Context, id int64) (domain.FailedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failedOrders[id]
	if !ok {
		return domain.FailedOrder{}, ErrNotFound
	}
	return f, nil
}

func (m *Mem) UpdateFailedOrder(ctx context.Context, f *domain.FailedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.failedOrders[f.ID]; !ok {
		return ErrNotFound
	}
	m.failedOrders[f.ID] = *f
	return nil
}

func (m *Mem) DeleteFailedOrder(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failedOrders, id)
	return nil
}

func (m *Mem) ListRetryableFailedOrders(ctx context.Context) ([]domain.FailedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FailedOrder
	for _, fo := range m.failedOrders {
		if fo.Status == domain.FailedPendingRetry {
			out = append(out, fo)
		}
	}
	return out, nil
}

func (m *Mem) EnqueueCancel(ctx context.Context, item *domain.CancelQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCancelQueueID++
	item.ID = m.nextCancelQueueID
	m.cancelQueue[item.ID] = *item
	return nil
}

func (m *Mem) ListDueCancels(ctx context.Context, now time.Time) ([]domain.CancelQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CancelQueueItem
	for _, it := range m.cancelQueue {
		if it.Status == domain.CancelPending && !it.NextRetryAt.After(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *Mem) UpdateCancelQueueItem(ctx context.Context, item *domain.CancelQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cancelQueue[item.ID]; !ok {
		return ErrNotFound
	}
	m.cancelQueue[item.ID] = *item
	return nil
}

func (m *Mem) GetSecuritiesTokenForUpdate(ctx context.Context, accountID int64) (domain.SecuritiesToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.securitiesTokens[accountID]
	return t, ok, nil
}

func (m *Mem) UpsertSecuritiesToken(ctx context.Context, t *domain.SecuritiesToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.LastRefreshedAt = time.Now()
	m.securitiesTokens[t.AccountID] = *t
	return nil
}

var _ Store = (*Mem)(nil)
