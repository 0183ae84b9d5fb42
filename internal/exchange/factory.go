package exchange

import (
	"fmt"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/exchange/ratelimit"
	"perp-trading-bot/internal/logging"
)

// New builds the venue client selected by EXCHANGE. The limiter is shared so
// every caller in the process competes for the same budgets.
func New(cfg *config.Config, limiter *ratelimit.Limiter, log *logging.Logger) (Client, error) {
	switch cfg.Exchange.Venue {
	case "binance":
		return NewBinanceClient(cfg.Exchange.Binance, limiter, log), nil
	case "bybit":
		return NewBybitClient(cfg.Exchange.Bybit, cfg.Exchange.Category,
			cfg.Exchange.BybitPositionIdx, limiter, log), nil
	case "paper":
		return NewPaperClient(cfg.Exchange.Paper), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange.Venue)
	}
}
