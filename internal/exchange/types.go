package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Kline is one venue candle in ascending time order.
type Kline struct {
	OpenTimeMS  int64
	CloseTimeMS int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// Order sides. SELL always closes an existing long.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Normalized order statuses across venues.
const (
	StatusNew       = "NEW"
	StatusPartially = "PARTIALLY_FILLED"
	StatusFilled    = "FILLED"
	StatusCanceled  = "CANCELED"
	StatusRejected  = "REJECTED"
	StatusExpired   = "EXPIRED"
	StatusUnknown   = "UNKNOWN"
)

// IsTerminalStatus reports whether a normalized status can no longer change.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest describes a market order to place.
type OrderRequest struct {
	Symbol        string
	Side          string
	Qty           decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
}

// OrderResult is the normalized view of a venue order.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          string
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
}

// Settlement is the realized outcome of a closed position. Fee may be nil
// when the venue reports commissions in a non-USDT asset.
type Settlement struct {
	PnL decimal.Decimal
	Fee *decimal.Decimal
}

// Client is the minimal surface every venue provides.
type Client interface {
	Name() string
	FetchKlines(ctx context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]Kline, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
}

// LeverageSetter is implemented by venues that need isolated margin and
// leverage applied before an entry order.
type LeverageSetter interface {
	EnsureIsolatedLeverage(ctx context.Context, symbol string, leverage int) error
}

// SettlementFetcher is implemented by venues that can report realized PnL
// for a filled close order.
type SettlementFetcher interface {
	FetchSettlement(ctx context.Context, symbol, exchangeOrderID string) (*Settlement, error)
}

// LastPriceSink is implemented by venues that fill against a locally tracked
// price (the paper venue).
type LastPriceSink interface {
	UpdateLastPrice(symbol string, price decimal.Decimal)
}
