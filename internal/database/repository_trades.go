package database

import (
	"context"
)

// OpenTrade inserts a new OPEN trade row and returns its id.
func (db *DB) OpenTrade(ctx context.Context, t TradeLog) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO trade_logs
			(exchange, symbol, side, status, qty, entry_price, leverage,
			 stop_dist_pct, stop_price, robot_score, ai_prob, reason_code_open,
			 client_order_id_open, trace_id, features, entry_time_ms)
		 VALUES ($1,$2,$3,'OPEN',$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 RETURNING id`,
		t.Exchange, t.Symbol, t.Side, t.Qty, t.EntryPrice, t.Leverage,
		t.StopDistPct, t.StopPrice, t.RobotScore, t.AIProb, t.ReasonCodeOpen,
		t.ClientOrderIDOpen, t.TraceID, t.Features, t.EntryTimeMS).Scan(&id)
	return id, err
}

// LatestOpenTrade returns the newest OPEN trade for a symbol, or nil.
func (db *DB) LatestOpenTrade(ctx context.Context, exchange, symbol string) (*TradeLog, error) {
	var t TradeLog
	err := db.Pool.QueryRow(ctx,
		`SELECT id, exchange, symbol, side, status, qty, entry_price, exit_price,
			pnl, fee, label, leverage, stop_dist_pct, stop_price, robot_score,
			ai_prob, reason_code_open, reason_code_close, client_order_id_open,
			client_order_id_close, trace_id, features, entry_time_ms, exit_time_ms,
			opened_at, closed_at
		 FROM trade_logs
		 WHERE exchange = $1 AND symbol = $2 AND status = 'OPEN'
		 ORDER BY id DESC
		 LIMIT 1`,
		exchange, symbol).Scan(
		&t.ID, &t.Exchange, &t.Symbol, &t.Side, &t.Status, &t.Qty, &t.EntryPrice,
		&t.ExitPrice, &t.PnL, &t.Fee, &t.Label, &t.Leverage, &t.StopDistPct,
		&t.StopPrice, &t.RobotScore, &t.AIProb, &t.ReasonCodeOpen, &t.ReasonCodeClose,
		&t.ClientOrderIDOpen, &t.ClientOrderIDClose, &t.TraceID, &t.Features,
		&t.EntryTimeMS, &t.ExitTimeMS, &t.OpenedAt, &t.ClosedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// CloseTrade finalizes an OPEN trade. The label is 1 only for strictly
// positive pnl.
func (db *DB) CloseTrade(ctx context.Context, id int64, close TradeClose) error {
	label := 0
	if close.PnL != nil && close.PnL.IsPositive() {
		label = 1
	}
	_, err := db.Pool.Exec(ctx,
		`UPDATE trade_logs
		 SET status = 'CLOSED', exit_price = $1, pnl = $2, fee = $3, label = $4,
			reason_code_close = $5, client_order_id_close = $6, exit_time_ms = $7,
			closed_at = now()
		 WHERE id = $8 AND status = 'OPEN'`,
		close.ExitPrice, close.PnL, close.Fee, label, close.ReasonCode,
		close.ClientOrderIDClose, close.ExitTimeMS, id)
	return err
}
