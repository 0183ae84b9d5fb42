package database

import (
	"context"
)

// SavePositionSnapshot appends one snapshot row.
func (db *DB) SavePositionSnapshot(ctx context.Context, s PositionSnapshot) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO position_snapshots
			(exchange, symbol, position_side, qty, avg_entry_price, leverage, meta, trace_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.Exchange, s.Symbol, s.PositionSide, s.Qty, s.AvgEntryPrice,
		s.Leverage, s.Meta, s.TraceID)
	return err
}

// LatestPosition returns the newest snapshot for a symbol, or nil when none
// was ever written.
func (db *DB) LatestPosition(ctx context.Context, exchange, symbol string) (*PositionSnapshot, error) {
	var s PositionSnapshot
	err := db.Pool.QueryRow(ctx,
		`SELECT id, exchange, symbol, position_side, qty, avg_entry_price, leverage, meta, trace_id, created_at
		 FROM position_snapshots
		 WHERE exchange = $1 AND symbol = $2
		 ORDER BY id DESC
		 LIMIT 1`,
		exchange, symbol).Scan(
		&s.ID, &s.Exchange, &s.Symbol, &s.PositionSide, &s.Qty,
		&s.AvgEntryPrice, &s.Leverage, &s.Meta, &s.TraceID, &s.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// OpenPositions returns the latest snapshot per symbol with qty > 0, keyed
// by symbol.
func (db *DB) OpenPositions(ctx context.Context, exchange string) (map[string]PositionSnapshot, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT s.id, s.exchange, s.symbol, s.position_side, s.qty,
			s.avg_entry_price, s.leverage, s.meta, s.trace_id, s.created_at
		 FROM position_snapshots s
		 JOIN (
			SELECT symbol, MAX(id) AS max_id
			FROM position_snapshots
			WHERE exchange = $1
			GROUP BY symbol
		 ) latest ON s.id = latest.max_id
		 WHERE s.qty > 0`,
		exchange)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]PositionSnapshot)
	for rows.Next() {
		var s PositionSnapshot
		if err := rows.Scan(&s.ID, &s.Exchange, &s.Symbol, &s.PositionSide, &s.Qty,
			&s.AvgEntryPrice, &s.Leverage, &s.Meta, &s.TraceID, &s.CreatedAt); err != nil {
			return nil, err
		}
		out[s.Symbol] = s
	}
	return out, rows.Err()
}
