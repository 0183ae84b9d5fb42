package database

import (
	"context"
	"fmt"
	"time"
)

// AppendOrderEvent writes one append-only order event. A duplicate on the
// (exchange, symbol, client_order_id, event_type) key means the event was
// already recorded, which is treated as success.
func (db *DB) AppendOrderEvent(ctx context.Context, ev OrderEvent) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO order_events
			(exchange, symbol, client_order_id, exchange_order_id, event_type,
			 side, qty, price, reason_code, reason, trace_id, payload)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ev.Exchange, ev.Symbol, ev.ClientOrderID, ev.ExchangeOrderID, ev.EventType,
		ev.Side, ev.Qty, ev.Price, ev.ReasonCode, ev.Reason, ev.TraceID, ev.Payload)
	if err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("append order event %s/%s: %w", ev.ClientOrderID, ev.EventType, err)
	}
	return nil
}

// StaleOrders returns orders whose latest event is still CREATED or SUBMITTED
// and older than maxAge. Capped at limit rows per call.
func (db *DB) StaleOrders(ctx context.Context, maxAge time.Duration, limit int) ([]OrderEvent, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT e.id, e.exchange, e.symbol, e.client_order_id, e.exchange_order_id,
			e.event_type, e.side, e.qty, e.price, e.reason_code, e.reason,
			e.trace_id, e.payload, e.created_at
		 FROM order_events e
		 JOIN (
			SELECT exchange, symbol, client_order_id, MAX(id) AS max_id
			FROM order_events
			GROUP BY exchange, symbol, client_order_id
		 ) latest ON e.id = latest.max_id
		 WHERE e.event_type IN ($1, $2)
		   AND e.created_at < now() - $3::interval
		 ORDER BY e.created_at
		 LIMIT $4`,
		EventCreated, EventSubmitted,
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var ev OrderEvent
		if err := rows.Scan(&ev.ID, &ev.Exchange, &ev.Symbol, &ev.ClientOrderID,
			&ev.ExchangeOrderID, &ev.EventType, &ev.Side, &ev.Qty, &ev.Price,
			&ev.ReasonCode, &ev.Reason, &ev.TraceID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
