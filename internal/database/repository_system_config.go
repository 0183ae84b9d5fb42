package database

import (
	"context"
	"fmt"
)

// GetConfigValue reads one system_config value. ok=false when the key was
// never written.
func (db *DB) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.Pool.QueryRow(ctx,
		`SELECT cfg_value FROM system_config WHERE cfg_key = $1`, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// GetFlag reads a boolean flag; missing keys read as false.
func (db *DB) GetFlag(ctx context.Context, key string) (bool, error) {
	value, ok, err := db.GetConfigValue(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && value == "true", nil
}

// SetConfigValue upserts a system_config key and writes the matching
// config_audit row in the same transaction, so a config change can never
// land without its audit trail.
func (db *DB) SetConfigValue(ctx context.Context, entry ConfigAuditEntry) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin config tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var oldValue *string
	err = tx.QueryRow(ctx,
		`SELECT cfg_value FROM system_config WHERE cfg_key = $1 FOR UPDATE`,
		entry.Key).Scan(&oldValue)
	if err != nil && !isNoRows(err) {
		return fmt.Errorf("read old config value: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO system_config (cfg_key, cfg_value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (cfg_key) DO UPDATE SET
			cfg_value = EXCLUDED.cfg_value,
			updated_at = now()`,
		entry.Key, entry.NewValue); err != nil {
		return fmt.Errorf("upsert config: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO config_audit
			(actor, action, cfg_key, old_value, new_value, trace_id, reason_code, reason)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.Actor, entry.Action, entry.Key, oldValue, entry.NewValue,
		entry.TraceID, entry.ReasonCode, entry.Reason); err != nil {
		return fmt.Errorf("insert config audit: %w", err)
	}

	return tx.Commit(ctx)
}

// ListConfig returns every system_config key/value pair.
func (db *DB) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT cfg_key, cfg_value FROM system_config ORDER BY cfg_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
