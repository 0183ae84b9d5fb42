package database

import (
	"context"
	"fmt"
)

// archiveSpec names the columns moved for one table so a schema change
// cannot silently archive the wrong shape.
type archiveSpec struct {
	table   string
	history string
	columns string
	// timeExpr selects rows older than the cutoff, $1 is cutoff_ms.
	timeExpr string
}

var archiveSpecs = []archiveSpec{
	{
		table:    "market_data",
		history:  "market_data_history",
		columns:  "id, symbol, interval_minutes, open_time_ms, close_time_ms, open, high, low, close, volume, created_at",
		timeExpr: "open_time_ms < $1",
	},
	{
		table:    "market_data_cache",
		history:  "market_data_cache_history",
		columns:  "id, symbol, interval_minutes, open_time_ms, close_time_ms, last_price, ema7, ema25, rsi14, atr14, adx14, plus_di14, minus_di14, bb_mid20, bb_upper20, bb_lower20, bb_width20, vol_sma20, vol_ratio, mom10, ret1, ret_std20, updated_at",
		timeExpr: "open_time_ms < $1",
	},
	{
		table:    "precompute_tasks",
		history:  "precompute_tasks_history",
		columns:  "id, symbol, interval_minutes, open_time_ms, status, try_count, error_text, trace_id, created_at, updated_at",
		timeExpr: "open_time_ms < $1",
	},
	{
		table:    "order_events",
		history:  "order_events_history",
		columns:  "id, exchange, symbol, client_order_id, exchange_order_id, event_type, side, qty, price, reason_code, reason, trace_id, payload, created_at",
		timeExpr: "created_at < to_timestamp($1::bigint / 1000.0)",
	},
	{
		table:    "position_snapshots",
		history:  "position_snapshots_history",
		columns:  "id, exchange, symbol, position_side, qty, avg_entry_price, leverage, meta, trace_id, created_at",
		timeExpr: "created_at < to_timestamp($1::bigint / 1000.0)",
	},
}

// ArchiveOldRows moves rows older than cutoffMS into the history tables, one
// transaction per table, and writes an archive_audit row per table moved.
// Returns the total number of rows moved.
func (db *DB) ArchiveOldRows(ctx context.Context, cutoffMS int64, hkDate string) (int64, error) {
	var total int64
	for _, spec := range archiveSpecs {
		moved, err := db.archiveTable(ctx, spec, cutoffMS, hkDate)
		if err != nil {
			return total, fmt.Errorf("archive %s: %w", spec.table, err)
		}
		total += moved
	}
	return total, nil
}

func (db *DB) archiveTable(ctx context.Context, spec archiveSpec, cutoffMS int64, hkDate string) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	insertSQL := fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s`,
		spec.history, spec.columns, spec.columns, spec.table, spec.timeExpr)
	tag, err := tx.Exec(ctx, insertSQL, cutoffMS)
	if err != nil {
		return 0, err
	}
	moved := tag.RowsAffected()

	deleteSQL := fmt.Sprintf(`DELETE FROM %s WHERE %s`, spec.table, spec.timeExpr)
	if _, err := tx.Exec(ctx, deleteSQL, cutoffMS); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO archive_audit (table_name, rows_moved, cutoff_ms, hk_date)
		 VALUES ($1, $2, $3, $4)`,
		spec.table, moved, cutoffMS, hkDate); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return moved, nil
}
