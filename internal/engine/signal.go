package engine

import (
	"math"

	"github.com/shopspring/decimal"
)

// Signals produced per bar.
const (
	SignalBuy  = "BUY"
	SignalSell = "SELL"
	SignalNone = ""
)

const (
	rsiOverbought  = 70.0
	trendScoreGain = 500.0
	qtyPrecision   = 6
)

// SetupBSignal is the trend-following rule: long while the fast EMA leads
// the slow one and RSI is not overbought; exit once the fast EMA drops
// under. A missing RSI never blocks an entry.
func SetupBSignal(emaFast, emaSlow float64, rsi *float64) string {
	switch {
	case emaFast > emaSlow && (rsi == nil || *rsi < rsiOverbought):
		return SignalBuy
	case emaFast < emaSlow:
		return SignalSell
	default:
		return SignalNone
	}
}

// RobotScore grades a BUY candidate 0..100: up to 50 points for EMA
// separation relative to price, up to 50 for RSI headroom under 70. A
// missing RSI reads as neutral 50.
func RobotScore(emaFast, emaSlow, price float64, rsi *float64) float64 {
	if price <= 0 {
		return 0
	}
	trend := clamp(math.Abs(emaFast-emaSlow)/price*100*trendScoreGain, 0, 50)

	rsiVal := 50.0
	if rsi != nil {
		rsiVal = *rsi
	}
	headroom := clamp((rsiOverbought-rsiVal)/40*50, 0, 50)

	return clamp(trend+headroom, 0, 100)
}

// CombinedScore blends the rule-based score with the model probability:
// (1-w)*robot + w*prob*100.
func CombinedScore(robotScore, aiProb, weight float64) float64 {
	return (1-weight)*robotScore + weight*aiProb*100
}

// LeverageForScore maps a 0..100 score linearly onto [lo, hi].
func LeverageForScore(score float64, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	lev := int(math.Round(float64(lo) + float64(hi-lo)*clamp(score, 0, 100)/100))
	if lev < lo {
		lev = lo
	}
	if lev > hi {
		lev = hi
	}
	return lev
}

// MinQtyForMargin sizes the smallest quantity whose initial margin is at
// least marginUSDT at the given leverage, ceiled to 6 decimals so rounding
// never undershoots the margin floor.
func MinQtyForMargin(marginUSDT float64, leverage int, price decimal.Decimal) decimal.Decimal {
	if marginUSDT <= 0 || leverage <= 0 || !price.IsPositive() {
		return decimal.Zero
	}
	notional := decimal.NewFromFloat(marginUSDT).Mul(decimal.NewFromInt(int64(leverage)))
	return notional.Div(price).RoundCeil(qtyPrecision)
}

// StopPrice is the hard exit level entry*(1-stopDistPct).
func StopPrice(entry decimal.Decimal, stopDistPct float64) decimal.Decimal {
	return entry.Mul(decimal.NewFromFloat(1 - stopDistPct))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
