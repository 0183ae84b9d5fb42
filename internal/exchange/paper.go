package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"perp-trading-bot/config"
)

// PaperClient simulates a venue in memory. Orders fill immediately at the
// last pushed price; fees follow the configured taker rate. Used for dry
// runs and the CLI test paths.
type PaperClient struct {
	feePct decimal.Decimal

	mu         sync.Mutex
	balance    decimal.Decimal
	lastPrice  map[string]decimal.Decimal
	positions  map[string]*paperPosition
	orders     map[string]*OrderResult
	settlement map[string]*Settlement
}

type paperPosition struct {
	qty      decimal.Decimal
	avgEntry decimal.Decimal
}

func NewPaperClient(cfg config.PaperConfig) *PaperClient {
	return &PaperClient{
		feePct:     decimal.NewFromFloat(cfg.FeePct),
		balance:    decimal.NewFromFloat(cfg.StartingUSDT),
		lastPrice:  make(map[string]decimal.Decimal),
		positions:  make(map[string]*paperPosition),
		orders:     make(map[string]*OrderResult),
		settlement: make(map[string]*Settlement),
	}
}

func (c *PaperClient) Name() string { return "paper" }

// UpdateLastPrice pushes the latest close so subsequent fills track it.
func (c *PaperClient) UpdateLastPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPrice[symbol] = price
}

// FetchKlines is not available on the paper venue; the syncer must run
// against a real venue or pre-seeded data.
func (c *PaperClient) FetchKlines(ctx context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]Kline, error) {
	return nil, &ExchangeError{Venue: "paper", Msg: "paper venue has no market data feed"}
}

// PlaceMarketOrder fills immediately at the last pushed price.
func (c *PaperClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.orders[req.ClientOrderID]; ok {
		return prev, nil
	}

	price, ok := c.lastPrice[req.Symbol]
	if !ok || price.IsZero() {
		return nil, &ExchangeError{Venue: "paper", Msg: fmt.Sprintf("no last price for %s", req.Symbol)}
	}

	fee := price.Mul(req.Qty).Mul(c.feePct)
	orderID := fmt.Sprintf("paper-%d", len(c.orders)+1)
	result := &OrderResult{
		ExchangeOrderID: orderID,
		ClientOrderID:   req.ClientOrderID,
		Status:          StatusFilled,
		ExecutedQty:     req.Qty,
		AvgPrice:        price,
	}

	switch req.Side {
	case SideBuy:
		pos := c.positions[req.Symbol]
		if pos == nil {
			pos = &paperPosition{}
			c.positions[req.Symbol] = pos
		}
		notional := pos.avgEntry.Mul(pos.qty).Add(price.Mul(req.Qty))
		pos.qty = pos.qty.Add(req.Qty)
		pos.avgEntry = notional.Div(pos.qty)
		c.balance = c.balance.Sub(fee)
	case SideSell:
		pos := c.positions[req.Symbol]
		if pos == nil || pos.qty.IsZero() {
			return nil, &ExchangeError{Venue: "paper", Msg: fmt.Sprintf("no open position for %s", req.Symbol)}
		}
		closeQty := decimal.Min(req.Qty, pos.qty)
		entryFee := pos.avgEntry.Mul(closeQty).Mul(c.feePct)
		gross := price.Sub(pos.avgEntry).Mul(closeQty)
		totalFee := fee.Add(entryFee)
		net := gross.Sub(totalFee)
		c.balance = c.balance.Add(net)
		pos.qty = pos.qty.Sub(closeQty)
		if pos.qty.IsZero() {
			delete(c.positions, req.Symbol)
		}
		c.settlement[orderID] = &Settlement{PnL: net, Fee: &totalFee}
		result.ExecutedQty = closeQty
	default:
		return nil, &ExchangeError{Venue: "paper", Msg: fmt.Sprintf("unknown side %q", req.Side)}
	}

	c.orders[req.ClientOrderID] = result
	return result, nil
}

// GetOrderStatus replays the stored fill for a known client order id.
func (c *PaperClient) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.orders[clientOrderID]; ok {
		return res, nil
	}
	return &OrderResult{ClientOrderID: clientOrderID, Status: StatusUnknown}, nil
}

// FetchSettlement returns the realized outcome recorded when the close
// order filled.
func (c *PaperClient) FetchSettlement(ctx context.Context, symbol, exchangeOrderID string) (*Settlement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settlement[exchangeOrderID], nil
}

// Balance returns the simulated USDT balance.
func (c *PaperClient) Balance() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// PositionQty returns the open quantity for a symbol, zero when flat.
func (c *PaperClient) PositionQty(symbol string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos, ok := c.positions[symbol]; ok {
		return pos.qty
	}
	return decimal.Zero
}
