package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/logging"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// method below run either standalone or inside a WithTx block without
// duplicating itself.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type txCtxKey struct{}

// Postgres implements Store over jackc/pgx/v5, grounded on the teacher's
// own Postgres-backed dbos engine (internal/engine/durable) plus the
// teacher's sqlite store's transaction/checksum discipline adapted to
// pgx's pool+Tx shape.
type Postgres struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgres connects a pgxpool.Pool to databaseURL.
func NewPostgres(ctx context.Context, databaseURL string, logger logging.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool, logger: logger.WithField("component", "store")}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Pool exposes the underlying pgxpool.Pool so cmd/server can run the
// static migration registry against it before any Store method is
// called.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txCtxKey{}).(pgx.Tx); ok {
		return tx
	}
	return p.pool
}

// WithTx runs fn inside a single serializable transaction. A row lock
// acquired inside fn (SELECT ... FOR UPDATE) is held until fn returns,
// which is the mechanism spec.md §5 relies on to serialize OpenOrder and
// StrategyPosition mutations.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txCtx := context.WithValue(ctx, txCtxKey{}, tx)
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Users / Accounts / Strategies ---

func (p *Postgres) GetAccount(ctx context.Context, accountID int64) (domain.Account, error) {
	var a domain.Account
	err := p.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, exchange, is_testnet, account_type, api_key, secret_key,
		       passphrase, oauth_client_id, oauth_secret, active
		FROM accounts WHERE id = $1`, accountID).Scan(
		&a.ID, &a.UserID, &a.Exchange, &a.IsTestnet, &a.AccountType,
		&a.Credentials.APIKey, &a.Credentials.SecretKey, &a.Credentials.Passphrase,
		&a.Credentials.OAuthClientID, &a.Credentials.OAuthSecret, &a.Active,
	)
	if err != nil {
		return domain.Account{}, fmt.Errorf("store: get account %d: %w", accountID, wrapNotFound(err))
	}
	return a, nil
}

func (p *Postgres) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := p.q(ctx).Query(ctx, `
		SELECT id, user_id, exchange, is_testnet, account_type, api_key, secret_key,
		       passphrase, oauth_client_id, oauth_secret, active
		FROM accounts WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("store: list active accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Exchange, &a.IsTestnet, &a.AccountType,
			&a.Credentials.APIKey, &a.Credentials.SecretKey, &a.Credentials.Passphrase,
			&a.Credentials.OAuthClientID, &a.Credentials.OAuthSecret, &a.Active); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) GetStrategyByGroupName(ctx context.Context, groupName string) (domain.Strategy, error) {
	var s domain.Strategy
	err := p.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, name, group_name, market_type, active, public
		FROM strategies WHERE group_name = $1`, groupName).Scan(
		&s.ID, &s.UserID, &s.Name, &s.GroupName, &s.MarketType, &s.Active, &s.Public)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("store: get strategy %q: %w", groupName, wrapNotFound(err))
	}
	return s, nil
}

func (p *Postgres) GetStrategy(ctx context.Context, strategyID int64) (domain.Strategy, error) {
	var s domain.Strategy
	err := p.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, name, group_name, market_type, active, public
		FROM strategies WHERE id = $1`, strategyID).Scan(
		&s.ID, &s.UserID, &s.Name, &s.GroupName, &s.MarketType, &s.Active, &s.Public)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("store: get strategy %d: %w", strategyID, wrapNotFound(err))
	}
	return s, nil
}

func (p *Postgres) UserOwnsStrategy(ctx context.Context, userID, strategyID int64) (bool, error) {
	var owns bool
	err := p.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM strategies WHERE id = $1 AND user_id = $2
			UNION
			SELECT 1 FROM strategy_accounts sa
			JOIN accounts acc ON acc.id = sa.account_id
			WHERE sa.strategy_id = $1 AND acc.user_id = $2
		)`, strategyID, userID).Scan(&owns)
	if err != nil {
		return false, fmt.Errorf("store: check strategy ownership: %w", err)
	}
	return owns, nil
}

// --- StrategyAccount / StrategyCapital ---

func (p *Postgres) ListActiveStrategyAccounts(ctx context.Context, strategyID int64) ([]domain.StrategyAccount, error) {
	rows, err := p.q(ctx).Query(ctx, `
		SELECT sa.id, sa.strategy_id, sa.account_id, sa.weight, sa.active
		FROM strategy_accounts sa
		JOIN strategies s ON s.id = sa.strategy_id
		WHERE sa.strategy_id = $1 AND sa.active = true AND s.active = true`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("store: list strategy accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyAccount
	for rows.Next() {
		var sa domain.StrategyAccount
		if err := rows.Scan(&sa.ID, &sa.StrategyID, &sa.AccountID, &sa.Weight, &sa.Active); err != nil {
			return nil, fmt.Errorf("store: scan strategy account: %w", err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

func (p *Postgres) GetStrategyAccount(ctx context.Context, id int64) (domain.StrategyAccount, error) {
	var sa domain.StrategyAccount
	err := p.q(ctx).QueryRow(ctx, `
		SELECT id, strategy_id, account_id, weight, active FROM strategy_accounts WHERE id = $1`, id).
		Scan(&sa.ID, &sa.StrategyID, &sa.AccountID, &sa.Weight, &sa.Active)
	if err != nil {
		return domain.StrategyAccount{}, fmt.Errorf("store: get strategy account %d: %w", id, wrapNotFound(err))
	}
	return sa, nil
}

func (p *Postgres) GetStrategyCapital(ctx context.Context, strategyAccountID int64) (domain.StrategyCapital, error) {
	var c domain.StrategyCapital
	err := p.q(ctx).QueryRow(ctx, `
		SELECT strategy_account_id, allocated, realized_pnl FROM strategy_capital WHERE strategy_account_id = $1`,
		strategyAccountID).Scan(&c.StrategyAccountID, &c.Allocated, &c.RealizedPnL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StrategyCapital{StrategyAccountID: strategyAccountID}, nil
		}
		return domain.StrategyCapital{}, fmt.Errorf("store: get strategy capital: %w", err)
	}
	return c, nil
}

func (p *Postgres) ApplyRealizedPnL(ctx context.Context, strategyAccountID int64, delta decimal.Decimal) error {
	_, err := p.q(ctx).Exec(ctx, `
		INSERT INTO strategy_capital (strategy_account_id, allocated, realized_pnl)
		VALUES ($1, 0, $2)
		ON CONFLICT (strategy_account_id) DO UPDATE
		SET realized_pnl = strategy_capital.realized_pnl + EXCLUDED.realized_pnl`,
		strategyAccountID, delta)
	if err != nil {
		return fmt.Errorf("store: apply realized pnl: %w", err)
	}
	return nil
}

// --- OpenOrder ---

func (p *Postgres) InsertOpenOrder(ctx context.Context, o *domain.OpenOrder) error {
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	err := p.q(ctx).QueryRow(ctx, `
		INSERT INTO open_orders
			(strategy_account_id, exchange_order_id, client_order_id, symbol, side, order_type,
			 price, stop_price, quantity, filled_quantity, status, market_type, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id`,
		o.StrategyAccountID, o.ExchangeOrderID, o.ClientOrderID, o.Symbol, o.Side, o.OrderType,
		o.Price, o.StopPrice, o.Quantity, o.FilledQuantity, o.Status, o.MarketType, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("store: insert open order: %w", err)
	}
	return nil
}

func (p *Postgres) scanOpenOrder(row pgx.Row) (domain.OpenOrder, error) {
	var o domain.OpenOrder
	err := row.Scan(&o.ID, &o.StrategyAccountID, &o.ExchangeOrderID, &o.ClientOrderID, &o.Symbol,
		&o.Side, &o.OrderType, &o.Price, &o.StopPrice, &o.Quantity, &o.FilledQuantity,
		&o.Status, &o.MarketType, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

const openOrderCols = `id, strategy_account_id, exchange_order_id, client_order_id, symbol, side,
	order_type, price, stop_price, quantity, filled_quantity, status, market_type, created_at, updated_at`

func (p *Postgres) GetOpenOrderForUpdate(ctx context.Context, id int64) (domain.OpenOrder, error) {
	o, err := p.scanOpenOrder(p.q(ctx).QueryRow(ctx,
		`SELECT `+openOrderCols+` FROM open_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.OpenOrder{}, fmt.Errorf("store: get open order %d for update: %w", id, wrapNotFound(err))
	}
	return o, nil
}

func (p *Postgres) GetOpenOrderByExchangeID(ctx context.Context, exchangeOrderID string) (domain.OpenOrder, error) {
	o, err := p.scanOpenOrder(p.q(ctx).QueryRow(ctx,
		`SELECT `+openOrderCols+` FROM open_orders WHERE exchange_order_id = $1 FOR UPDATE`, exchangeOrderID))
	if err != nil {
		return domain.OpenOrder{}, fmt.Errorf("store: get open order by exchange id %q: %w", exchangeOrderID, wrapNotFound(err))
	}
	return o, nil
}

func (p *Postgres) GetOpenOrderByClientID(ctx context.Context, clientOrderID string) (domain.OpenOrder, error) {
	o, err := p.scanOpenOrder(p.q(ctx).QueryRow(ctx,
		`SELECT `+openOrderCols+` FROM open_orders WHERE client_order_id = $1 FOR UPDATE`, clientOrderID))
	if err != nil {
		return domain.OpenOrder{}, fmt.Errorf("store: get open order by client id %q: %w", clientOrderID, wrapNotFound(err))
	}
	return o, nil
}

func (p *Postgres) UpdateOpenOrder(ctx context.Context, o *domain.OpenOrder) error {
	o.UpdatedAt = time.Now()
	tag, err := p.q(ctx).Exec(ctx, `
		UPDATE open_orders SET exchange_order_id=$1, status=$2, filled_quantity=$3,
			price=$4, stop_price=$5, quantity=$6, updated_at=$7
		WHERE id = $8`,
		o.ExchangeOrderID, o.Status, o.FilledQuantity, o.Price, o.StopPrice, o.Quantity, o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("store: update open order %d: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update open order %d: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteOpenOrder(ctx context.Context, id int64) error {
	_, err := p.q(ctx).Exec(ctx, `DELETE FROM open_orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete open order %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListOpenOrders(ctx context.Context, f OpenOrderFilter) ([]domain.OpenOrder, error) {
	sql := `SELECT oo.` + openOrderCols + ` FROM open_orders oo JOIN strategy_accounts sa ON sa.id = oo.strategy_account_id WHERE 1=1`
	var args []interface{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.StrategyID != nil {
		sql += " AND sa.strategy_id = " + arg(*f.StrategyID)
	}
	if f.AccountID != nil {
		sql += " AND sa.account_id = " + arg(*f.AccountID)
	}
	if f.Symbol != "" {
		sql += " AND oo.symbol = " + arg(f.Symbol)
	}
	if f.Side != "" {
		sql += " AND oo.side = " + arg(f.Side)
	}
	rows, err := p.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list open orders: %w", err)
	}
	defer rows.Close()

	var out []domain.OpenOrder
	for rows.Next() {
		o, err := p.scanOpenOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan open order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) ListOpenOrdersByAccount(ctx context.Context, accountID int64, marketType domain.MarketType) ([]domain.OpenOrder, error) {
	rows, err := p.q(ctx).Query(ctx, `
		SELECT oo.`+openOrderCols+`
		FROM open_orders oo JOIN strategy_accounts sa ON sa.id = oo.strategy_account_id
		WHERE sa.account_id = $1 AND oo.market_type = $2
		  AND oo.status IN ('OPEN','PARTIALLY_FILLED')`, accountID, marketType)
	if err != nil {
		return nil, fmt.Errorf("store: list open orders by account: %w", err)
	}
	defer rows.Close()

	var out []domain.OpenOrder
	for rows.Next() {
		o, err := p.scanOpenOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan open order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- TradeExecution ---

func (p *Postgres) InsertTradeExecutionIfAbsent(ctx context.Context, t *domain.TradeExecution) (bool, error) {
	var strategyAccountID *int64
	if t.StrategyAccountID != 0 {
		strategyAccountID = &t.StrategyAccountID
	}
	err := p.q(ctx).QueryRow(ctx, `
		INSERT INTO trade_executions
			(strategy_account_id, exchange_order_id, exchange_trade_id, symbol, side,
			 execution_price, execution_quantity, commission, is_maker, execution_time,
			 market_type, realized_pnl)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (exchange_trade_id) WHERE exchange_trade_id <> '' DO NOTHING
		RETURNING id`,
		strategyAccountID, t.ExchangeOrderID, t.ExchangeTradeID, t.Symbol, t.Side,
		t.ExecutionPrice, t.ExecutionQuantity, t.Commission, t.IsMaker, t.ExecutionTime,
		t.MarketType, t.RealizedPnL,
	).Scan(&t.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert trade execution: %w", err)
	}
	return true, nil
}

// --- StrategyPosition ---

func (p *Postgres) GetPositionForUpdate(ctx context.Context, strategyAccountID int64, symbol string) (domain.StrategyPosition, error) {
	var pos domain.StrategyPosition
	err := p.q(ctx).QueryRow(ctx, `
		SELECT strategy_account_id, symbol, quantity, entry_price, unrealized_pnl, last_updated
		FROM strategy_positions WHERE strategy_account_id = $1 AND symbol = $2 FOR UPDATE`,
		strategyAccountID, symbol).Scan(&pos.StrategyAccountID, &pos.Symbol, &pos.Quantity,
		&pos.EntryPrice, &pos.UnrealizedPnL, &pos.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StrategyPosition{
				StrategyAccountID: strategyAccountID,
				Symbol:            symbol,
				Quantity:          decimal.Zero,
				EntryPrice:        decimal.Zero,
			}, nil
		}
		return domain.StrategyPosition{}, fmt.Errorf("store: get position for update: %w", err)
	}
	return pos, nil
}

func (p *Postgres) UpsertPosition(ctx context.Context, pos *domain.StrategyPosition) error {
	pos.LastUpdated = time.Now()
	_, err := p.q(ctx).Exec(ctx, `
		INSERT INTO strategy_positions (strategy_account_id, symbol, quantity, entry_price, unrealized_pnl, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (strategy_account_id, symbol) DO UPDATE
		SET quantity=EXCLUDED.quantity, entry_price=EXCLUDED.entry_price,
		    unrealized_pnl=EXCLUDED.unrealized_pnl, last_updated=EXCLUDED.last_updated`,
		pos.StrategyAccountID, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.UnrealizedPnL, pos.LastUpdated)
	if err != nil {
		return fmt.Errorf("store: upsert position: %w", err)
	}
	return nil
}

// --- FailedOrder ---

func (p *Postgres) InsertFailedOrder(ctx context.Context, f *domain.FailedOrder) error {
	f.CreatedAt = time.Now()
	err := p.q(ctx).QueryRow(ctx, `
		INSERT INTO failed_orders
			(strategy_account_id, symbol, side, order_type, quantity, price, stop_price, market_type,
			 reason, exchange_error, retry_count, max_retries, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id`,
		f.StrategyAccountID, f.Symbol, f.Side, f.OrderType, f.Quantity, f.Price, f.StopPrice, f.MarketType,
		f.Reason, f.ExchangeError, f.RetryCount, f.MaxRetries, f.Status, f.CreatedAt,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("store: insert failed order: %w", err)
	}
	return nil
}

func (p *Postgres) scanFailedOrder(row pgx.Row) (domain.FailedOrder, error) {
	var f domain.FailedOrder
	err := row.Scan(&f.ID, &f.StrategyAccountID, &f.Symbol, &f.Side, &f.OrderType, &f.Quantity, &f.Price,
		&f.StopPrice, &f.MarketType, &f.Reason, &f.ExchangeError, &f.RetryCount, &f.MaxRetries,
		&f.Status, &f.CreatedAt)
	return f, err
}

const failedOrderCols = `id, strategy_account_id, symbol, side, order_type, quantity, price, stop_price,
	market_type, reason, exchange_error, retry_count, max_retries, status, created_at`

func (p *Postgres) ListFailedOrders(ctx context.Context, f FailedOrderFilter) ([]domain.FailedOrder, error) {
	sql := `SELECT ` + failedOrderCols + ` FROM failed_orders WHERE 1=1`
	var args []interface{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.StrategyAccountID != nil {
		sql += " AND strategy_account_id = " + arg(*f.StrategyAccountID)
	}
	rows, err := p.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list failed orders: %w", err)
	}
	defer rows.Close()

	var out []domain.FailedOrder
	for rows.Next() {
		fo, err := p.scanFailedOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan failed order: %w", err)
		}
		out = append(out, fo)
	}
	return out, rows.Err()
}

func (p *Postgres) GetFailedOrder(ctx context.Context, id int64) (domain.FailedOrder, error) {
	fo, err := p.scanFailedOrder(p.q(ctx).QueryRow(ctx, `SELECT `+failedOrderCols+` FROM failed_orders WHERE id = $1`, id))
	if err != nil {
		return domain.FailedOrder{}, fmt.Errorf("store: get failed order %d: %w", id, wrapNotFound(err))
	}
	return fo, nil
}

func (p *Postgres) UpdateFailedOrder(ctx context.Context, f *domain.FailedOrder) error {
	_, err := p.q(ctx).Exec(ctx, `
		UPDATE failed_orders SET retry_count=$1, status=$2, exchange_error=$3 WHERE id=$4`,
		f.RetryCount, f.Status, f.ExchangeError, f.ID)
	if err != nil {
		return fmt.Errorf("store: update failed order %d: %w", f.ID, err)
	}
	return nil
}

func (p *Postgres) DeleteFailedOrder(ctx context.Context, id int64) error {
	_, err := p.q(ctx).Exec(ctx, `DELETE FROM failed_orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete failed order %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListRetryableFailedOrders(ctx context.Context) ([]domain.FailedOrder, error) {
	rows, err := p.q(ctx).Query(ctx, `SELECT `+failedOrderCols+` FROM failed_orders WHERE status = 'pending_retry'`)
	if err != nil {
		return nil, fmt.Errorf("store: list retryable failed orders: %w", err)
	}
	defer rows.Close()

	var out []domain.FailedOrder
	for rows.Next() {
		fo, err := p.scanFailedOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan failed order: %w", err)
		}
		out = append(out, fo)
	}
	return out, rows.Err()
}

// --- CancelQueue ---

func (p *Postgres) EnqueueCancel(ctx context.Context, item *domain.CancelQueueItem) error {
	err := p.q(ctx).QueryRow(ctx, `
		INSERT INTO cancel_queue (order_id, status, retry_count, next_retry_at, error_message, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		item.OrderID, item.Status, item.RetryCount, item.NextRetryAt, item.ErrorMsg, item.MaxRetries,
	).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("store: enqueue cancel: %w", err)
	}
	return nil
}

func (p *Postgres) ListDueCancels(ctx context.Context, now time.Time) ([]domain.CancelQueueItem, error) {
	rows, err := p.q(ctx).Query(ctx, `
		SELECT id, order_id, status, retry_count, next_retry_at, error_message, max_retries
		FROM cancel_queue WHERE status = 'PENDING' AND next_retry_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list due cancels: %w", err)
	}
	defer rows.Close()

	var out []domain.CancelQueueItem
	for rows.Next() {
		var it domain.CancelQueueItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Status, &it.RetryCount, &it.NextRetryAt,
			&it.ErrorMsg, &it.MaxRetries); err != nil {
			return nil, fmt.Errorf("store: scan cancel queue item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateCancelQueueItem(ctx context.Context, item *domain.CancelQueueItem) error {
	_, err := p.q(ctx).Exec(ctx, `
		UPDATE cancel_queue SET status=$1, retry_count=$2, next_retry_at=$3, error_message=$4 WHERE id=$5`,
		item.Status, item.RetryCount, item.NextRetryAt, item.ErrorMsg, item.ID)
	if err != nil {
		return fmt.Errorf("store: update cancel queue item %d: %w", item.ID, err)
	}
	return nil
}

// --- SecuritiesToken ---

func (p *Postgres) GetSecuritiesTokenForUpdate(ctx context.Context, accountID int64) (domain.SecuritiesToken, bool, error) {
	var t domain.SecuritiesToken
	err := p.q(ctx).QueryRow(ctx, `
		SELECT account_id, access_token, token_type, expires_at, last_refreshed_at
		FROM securities_tokens WHERE account_id = $1 FOR UPDATE`, accountID).
		Scan(&t.AccountID, &t.AccessToken, &t.TokenType, &t.ExpiresAt, &t.LastRefreshedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SecuritiesToken{AccountID: accountID}, false, nil
		}
		return domain.SecuritiesToken{}, false, fmt.Errorf("store: get securities token for update: %w", err)
	}
	return t, true, nil
}

func (p *Postgres) UpsertSecuritiesToken(ctx context.Context, t *domain.SecuritiesToken) error {
	t.LastRefreshedAt = time.Now()
	_, err := p.q(ctx).Exec(ctx, `
		INSERT INTO securities_tokens (account_id, access_token, token_type, expires_at, last_refreshed_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (account_id) DO UPDATE
		SET access_token=EXCLUDED.access_token, token_type=EXCLUDED.token_type,
		    expires_at=EXCLUDED.expires_at, last_refreshed_at=EXCLUDED.last_refreshed_at`,
		t.AccountID, t.AccessToken, t.TokenType, t.ExpiresAt, t.LastRefreshedAt)
	if err != nil {
		return fmt.Errorf("store: upsert securities token: %w", err)
	}
	return nil
}
