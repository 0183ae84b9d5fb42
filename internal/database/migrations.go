package database

import (
	"context"
	"fmt"
)

// migrations run in order exactly once each; schema_migrations records the
// applied versions. Never reorder or edit an applied entry, append instead.
var migrations = []string{
	// 1: raw klines
	`CREATE TABLE IF NOT EXISTS market_data (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(32) NOT NULL,
		interval_minutes INT NOT NULL,
		open_time_ms BIGINT NOT NULL,
		close_time_ms BIGINT NOT NULL,
		open NUMERIC(30,12) NOT NULL,
		high NUMERIC(30,12) NOT NULL,
		low NUMERIC(30,12) NOT NULL,
		close NUMERIC(30,12) NOT NULL,
		volume NUMERIC(30,12) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_market_data UNIQUE (symbol, interval_minutes, open_time_ms)
	)`,

	// 2: precomputed indicator cache, one row per bar
	`CREATE TABLE IF NOT EXISTS market_data_cache (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(32) NOT NULL,
		interval_minutes INT NOT NULL,
		open_time_ms BIGINT NOT NULL,
		close_time_ms BIGINT NOT NULL,
		last_price NUMERIC(30,12) NOT NULL,
		ema7 DOUBLE PRECISION,
		ema25 DOUBLE PRECISION,
		rsi14 DOUBLE PRECISION,
		atr14 DOUBLE PRECISION,
		adx14 DOUBLE PRECISION,
		plus_di14 DOUBLE PRECISION,
		minus_di14 DOUBLE PRECISION,
		bb_mid20 DOUBLE PRECISION,
		bb_upper20 DOUBLE PRECISION,
		bb_lower20 DOUBLE PRECISION,
		bb_width20 DOUBLE PRECISION,
		vol_sma20 DOUBLE PRECISION,
		vol_ratio DOUBLE PRECISION,
		mom10 DOUBLE PRECISION,
		ret1 DOUBLE PRECISION,
		ret_std20 DOUBLE PRECISION,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_market_data_cache UNIQUE (symbol, interval_minutes, open_time_ms)
	)`,

	// 3: precompute task queue
	`CREATE TABLE IF NOT EXISTS precompute_tasks (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(32) NOT NULL,
		interval_minutes INT NOT NULL,
		open_time_ms BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
		error_text TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_precompute_tasks UNIQUE (symbol, interval_minutes, open_time_ms)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_precompute_tasks_status
		ON precompute_tasks (status, symbol, open_time_ms)`,

	// 4: append-only order event trail
	`CREATE TABLE IF NOT EXISTS order_events (
		id BIGSERIAL PRIMARY KEY,
		exchange VARCHAR(16) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		client_order_id VARCHAR(64) NOT NULL,
		exchange_order_id VARCHAR(64),
		event_type VARCHAR(16) NOT NULL,
		side VARCHAR(8),
		qty NUMERIC(30,12),
		price NUMERIC(30,12),
		reason_code VARCHAR(32),
		reason TEXT,
		trace_id VARCHAR(64),
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_client_order_event UNIQUE (exchange, symbol, client_order_id, event_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_events_symbol
		ON order_events (exchange, symbol, created_at)`,

	// 5: append-only position snapshots, latest row per symbol is current
	`CREATE TABLE IF NOT EXISTS position_snapshots (
		id BIGSERIAL PRIMARY KEY,
		exchange VARCHAR(16) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		position_side VARCHAR(8) NOT NULL,
		qty NUMERIC(30,12) NOT NULL,
		avg_entry_price NUMERIC(30,12) NOT NULL,
		leverage INT NOT NULL DEFAULT 1,
		meta JSONB,
		trace_id VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_position_snapshots_symbol
		ON position_snapshots (exchange, symbol, id DESC)`,

	// 6: trade lifecycle log, one row per entry/exit pair
	`CREATE TABLE IF NOT EXISTS trade_logs (
		id BIGSERIAL PRIMARY KEY,
		exchange VARCHAR(16) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		side VARCHAR(8) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'OPEN',
		qty NUMERIC(30,12) NOT NULL,
		entry_price NUMERIC(30,12),
		exit_price NUMERIC(30,12),
		pnl NUMERIC(30,12),
		fee NUMERIC(30,12),
		label INT,
		reason_code VARCHAR(32),
		client_order_id_open VARCHAR(64),
		client_order_id_close VARCHAR(64),
		features JSONB,
		opened_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_logs_open
		ON trade_logs (exchange, symbol, status, id DESC)`,

	// 7: config + audit
	`CREATE TABLE IF NOT EXISTS system_config (
		cfg_key VARCHAR(64) PRIMARY KEY,
		cfg_value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS config_audit (
		id BIGSERIAL PRIMARY KEY,
		actor VARCHAR(64) NOT NULL,
		action VARCHAR(32) NOT NULL,
		cfg_key VARCHAR(64) NOT NULL,
		old_value TEXT,
		new_value TEXT,
		trace_id VARCHAR(64),
		reason_code VARCHAR(32),
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// 8: service heartbeats
	`CREATE TABLE IF NOT EXISTS service_status (
		service_name VARCHAR(64) NOT NULL,
		instance_id VARCHAR(128) NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		status_json JSONB,
		PRIMARY KEY (service_name, instance_id)
	)`,

	// 9: history tables for the archiver
	`CREATE TABLE IF NOT EXISTS market_data_history
		(LIKE market_data INCLUDING DEFAULTS, archived_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE TABLE IF NOT EXISTS market_data_cache_history
		(LIKE market_data_cache INCLUDING DEFAULTS, archived_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE TABLE IF NOT EXISTS order_events_history
		(LIKE order_events INCLUDING DEFAULTS, archived_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE TABLE IF NOT EXISTS position_snapshots_history
		(LIKE position_snapshots INCLUDING DEFAULTS, archived_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE TABLE IF NOT EXISTS precompute_tasks_history
		(LIKE precompute_tasks INCLUDING DEFAULTS, archived_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE TABLE IF NOT EXISTS archive_audit (
		id BIGSERIAL PRIMARY KEY,
		table_name VARCHAR(64) NOT NULL,
		rows_moved BIGINT NOT NULL,
		cutoff_ms BIGINT NOT NULL,
		hk_date VARCHAR(10) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// 10: task retry budget and trace propagation
	`ALTER TABLE precompute_tasks
		ADD COLUMN IF NOT EXISTS try_count INT NOT NULL DEFAULT 0,
		ADD COLUMN IF NOT EXISTS trace_id VARCHAR(64)`,
	`ALTER TABLE precompute_tasks_history
		ADD COLUMN IF NOT EXISTS try_count INT NOT NULL DEFAULT 0,
		ADD COLUMN IF NOT EXISTS trace_id VARCHAR(64)`,

	// 11: trade_logs carries the full entry/exit decision context
	`ALTER TABLE trade_logs RENAME COLUMN reason_code TO reason_code_close`,
	`ALTER TABLE trade_logs
		ADD COLUMN IF NOT EXISTS trace_id VARCHAR(64),
		ADD COLUMN IF NOT EXISTS leverage INT,
		ADD COLUMN IF NOT EXISTS stop_dist_pct DOUBLE PRECISION,
		ADD COLUMN IF NOT EXISTS stop_price NUMERIC(30,12),
		ADD COLUMN IF NOT EXISTS robot_score DOUBLE PRECISION,
		ADD COLUMN IF NOT EXISTS ai_prob DOUBLE PRECISION,
		ADD COLUMN IF NOT EXISTS reason_code_open VARCHAR(32),
		ADD COLUMN IF NOT EXISTS entry_time_ms BIGINT,
		ADD COLUMN IF NOT EXISTS exit_time_ms BIGINT`,
}

// RunMigrations applies pending migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := db.Pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}
