package engine

import (
	"context"
	"encoding/json"

	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/logging"
)

// reconcileStaleOrders resolves orders whose latest event is still CREATED or
// SUBMITTED after the reconcile window. Each stale order gets its venue
// status queried; terminal statuses append the matching event, and every
// probe appends a RECONCILED observation so the next pass skips it.
func (e *Engine) reconcileStaleOrders(ctx context.Context, traceID string, log *logging.Logger) {
	stale, err := e.store.StaleOrders(ctx, reconcileMaxAge, reconcileBatchCap)
	if err != nil {
		log.Error().Err(err).Msg("stale order query failed")
		return
	}
	if len(stale) == 0 {
		return
	}
	log.Info().Int("count", len(stale)).Msg("reconciling stale orders")

	for _, ev := range stale {
		result, err := e.venue.GetOrderStatus(ctx, ev.Symbol, ev.ClientOrderID)
		venueStatus := exchange.StatusUnknown
		if err != nil {
			log.Warn().Err(err).
				Str("symbol", ev.Symbol).
				Str("client_order_id", ev.ClientOrderID).
				Msg("venue status lookup failed")
		} else if result != nil {
			venueStatus = result.Status
		}

		if mapped := reconcileEventType(venueStatus); mapped != "" {
			out := database.OrderEvent{
				Exchange:      ev.Exchange,
				Symbol:        ev.Symbol,
				ClientOrderID: ev.ClientOrderID,
				EventType:     mapped,
				TraceID:       &traceID,
			}
			reason := database.ReasonReconcile
			out.ReasonCode = &reason
			if result != nil {
				if result.ExchangeOrderID != "" {
					out.ExchangeOrderID = &result.ExchangeOrderID
				}
				if result.ExecutedQty.IsPositive() {
					out.Qty = &result.ExecutedQty
				}
				if result.AvgPrice.IsPositive() {
					out.Price = &result.AvgPrice
				}
			}
			if err := e.store.AppendOrderEvent(ctx, out); err != nil {
				log.Error().Err(err).
					Str("client_order_id", ev.ClientOrderID).
					Msg("reconcile event append failed")
				continue
			}
		}

		reason := database.ReasonReconcile
		payload, _ := json.Marshal(map[string]interface{}{
			"venue_status": venueStatus,
			"stale_event":  ev.EventType,
		})
		obs := database.OrderEvent{
			Exchange:      ev.Exchange,
			Symbol:        ev.Symbol,
			ClientOrderID: ev.ClientOrderID,
			EventType:     database.EventReconciled,
			ReasonCode:    &reason,
			TraceID:       &traceID,
			Payload:       payload,
		}
		if err := e.store.AppendOrderEvent(ctx, obs); err != nil {
			log.Error().Err(err).
				Str("client_order_id", ev.ClientOrderID).
				Msg("reconcile observation append failed")
		}
	}
}

// reconcileEventType maps a venue status onto the order event trail. NEW and
// UNKNOWN map to nothing: the observation row alone marks the probe.
func reconcileEventType(venueStatus string) string {
	switch venueStatus {
	case exchange.StatusFilled:
		return database.EventFilled
	case exchange.StatusCanceled:
		return database.EventCanceled
	case exchange.StatusRejected, exchange.StatusExpired:
		return database.EventError
	}
	return ""
}
