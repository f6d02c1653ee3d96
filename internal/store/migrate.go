package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradecore/execution-core/internal/logging"
)

// migration is one entry in the static registry replacing the source
// system's dynamic-module-loading migration runner (spec.md §9): each
// migration is a named Go function instead of an exec-loaded file.
type migration struct {
	name string
	up   func(ctx context.Context, pool *pgxpool.Pool) error
}

// registry is ordered by name, which is timestamp-prefixed so the order
// below matches application order exactly (mirrors the source's
// filename-sort convention).
var registry = []migration{
	{"0001_create_core_tables", migrateCreateCoreTables},
	{"0002_create_execution_tables", migrateCreateExecutionTables},
	{"0003_create_operational_tables", migrateCreateOperationalTables},
}

// RunMigrations compares the static registry against schema_migrations
// and applies whatever is pending, in registry order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, logger logging.Logger) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			migration_name TEXT UNIQUE NOT NULL,
			applied_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("store: ensure schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := pool.Query(ctx, `SELECT migration_name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan schema_migrations: %w", err)
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	ordered := make([]migration, len(registry))
	copy(ordered, registry)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].name < ordered[j].name })

	for _, m := range ordered {
		if applied[m.name] {
			continue
		}
		logger.Info("applying migration", "name", m.name)
		if err := m.up(ctx, pool); err != nil {
			return fmt.Errorf("store: migration %s: %w", m.name, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations (migration_name) VALUES ($1)`, m.name); err != nil {
			return fmt.Errorf("store: record migration %s: %w", m.name, err)
		}
	}
	return nil
}

func migrateCreateCoreTables(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id      BIGSERIAL PRIMARY KEY,
			admin   BOOLEAN NOT NULL DEFAULT false,
			created TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS accounts (
			id              BIGSERIAL PRIMARY KEY,
			user_id         BIGINT NOT NULL REFERENCES users(id),
			exchange        TEXT NOT NULL,
			is_testnet      BOOLEAN NOT NULL DEFAULT false,
			account_type    TEXT NOT NULL,
			api_key         TEXT NOT NULL DEFAULT '',
			secret_key      TEXT NOT NULL DEFAULT '',
			passphrase      TEXT NOT NULL DEFAULT '',
			oauth_client_id TEXT NOT NULL DEFAULT '',
			oauth_secret    TEXT NOT NULL DEFAULT '',
			active          BOOLEAN NOT NULL DEFAULT true
		);

		CREATE TABLE IF NOT EXISTS strategies (
			id          BIGSERIAL PRIMARY KEY,
			user_id     BIGINT NOT NULL REFERENCES users(id),
			name        TEXT NOT NULL,
			group_name  TEXT NOT NULL UNIQUE,
			market_type TEXT NOT NULL,
			active      BOOLEAN NOT NULL DEFAULT true,
			public      BOOLEAN NOT NULL DEFAULT false
		);

		CREATE TABLE IF NOT EXISTS strategy_accounts (
			id          BIGSERIAL PRIMARY KEY,
			strategy_id BIGINT NOT NULL REFERENCES strategies(id),
			account_id  BIGINT NOT NULL REFERENCES accounts(id),
			weight      NUMERIC NOT NULL DEFAULT 0,
			active      BOOLEAN NOT NULL DEFAULT true,
			UNIQUE (strategy_id, account_id)
		);

		CREATE TABLE IF NOT EXISTS strategy_capital (
			strategy_account_id BIGINT PRIMARY KEY REFERENCES strategy_accounts(id),
			allocated            NUMERIC NOT NULL DEFAULT 0,
			realized_pnl         NUMERIC NOT NULL DEFAULT 0
		);
	`)
	return err
}

func migrateCreateExecutionTables(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS open_orders (
			id                  BIGSERIAL PRIMARY KEY,
			strategy_account_id BIGINT NOT NULL REFERENCES strategy_accounts(id),
			exchange_order_id   TEXT NOT NULL UNIQUE,
			client_order_id     TEXT NOT NULL UNIQUE,
			symbol              TEXT NOT NULL,
			side                TEXT NOT NULL,
			order_type          TEXT NOT NULL,
			price               NUMERIC NOT NULL DEFAULT 0,
			stop_price          NUMERIC NOT NULL DEFAULT 0,
			quantity            NUMERIC NOT NULL,
			filled_quantity     NUMERIC NOT NULL DEFAULT 0,
			status              TEXT NOT NULL,
			market_type         TEXT NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS trade_executions (
			id                  BIGSERIAL PRIMARY KEY,
			strategy_account_id BIGINT REFERENCES strategy_accounts(id) ON DELETE SET NULL,
			exchange_order_id   TEXT NOT NULL,
			exchange_trade_id   TEXT NOT NULL DEFAULT '',
			symbol              TEXT NOT NULL,
			side                TEXT NOT NULL,
			execution_price     NUMERIC NOT NULL,
			execution_quantity  NUMERIC NOT NULL,
			commission          NUMERIC NOT NULL DEFAULT 0,
			is_maker            BOOLEAN NOT NULL DEFAULT false,
			execution_time      TIMESTAMPTZ NOT NULL,
			market_type         TEXT NOT NULL,
			realized_pnl        NUMERIC
		);
		CREATE UNIQUE INDEX IF NOT EXISTS trade_executions_trade_id_uniq
			ON trade_executions (exchange_trade_id) WHERE exchange_trade_id <> '';

		CREATE TABLE IF NOT EXISTS strategy_positions (
			strategy_account_id BIGINT NOT NULL REFERENCES strategy_accounts(id),
			symbol              TEXT NOT NULL,
			quantity            NUMERIC NOT NULL DEFAULT 0,
			entry_price         NUMERIC NOT NULL DEFAULT 0,
			unrealized_pnl      NUMERIC NOT NULL DEFAULT 0,
			last_updated        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (strategy_account_id, symbol)
		);
	`)
	return err
}

func migrateCreateOperationalTables(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS failed_orders (
			id                  BIGSERIAL PRIMARY KEY,
			strategy_account_id BIGINT NOT NULL REFERENCES strategy_accounts(id),
			symbol              TEXT NOT NULL,
			side                TEXT NOT NULL,
			order_type          TEXT NOT NULL,
			quantity            NUMERIC NOT NULL,
			price               NUMERIC,
			stop_price          NUMERIC,
			market_type         TEXT NOT NULL,
			reason              TEXT NOT NULL,
			exchange_error      TEXT NOT NULL DEFAULT '',
			retry_count         INT NOT NULL DEFAULT 0,
			max_retries         INT NOT NULL DEFAULT 5,
			status              TEXT NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS cancel_queue (
			id            BIGSERIAL PRIMARY KEY,
			order_id      BIGINT NOT NULL,
			status        TEXT NOT NULL,
			retry_count   INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			error_message TEXT NOT NULL DEFAULT '',
			max_retries   INT NOT NULL DEFAULT 5
		);

		CREATE TABLE IF NOT EXISTS securities_tokens (
			account_id        BIGINT PRIMARY KEY REFERENCES accounts(id),
			access_token      TEXT NOT NULL,
			token_type        TEXT NOT NULL,
			expires_at        TIMESTAMPTZ NOT NULL,
			last_refreshed_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS order_tracking_sessions (
			id          BIGSERIAL PRIMARY KEY,
			account_id  BIGINT NOT NULL REFERENCES accounts(id),
			stream_type TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at    TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS tracking_logs (
			id         BIGSERIAL PRIMARY KEY,
			session_id BIGINT NOT NULL REFERENCES order_tracking_sessions(id),
			level      TEXT NOT NULL,
			message    TEXT NOT NULL,
			logged_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}
