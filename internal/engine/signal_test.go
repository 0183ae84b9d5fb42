package engine

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func fptr(v float64) *float64 { return &v }

func TestSetupBSignal(t *testing.T) {
	tests := []struct {
		name    string
		emaFast float64
		emaSlow float64
		rsi     *float64
		want    string
	}{
		{"uptrend calm rsi", 105, 100, fptr(55), SignalBuy},
		{"uptrend missing rsi", 105, 100, nil, SignalBuy},
		{"uptrend overbought", 105, 100, fptr(72), SignalNone},
		{"uptrend rsi exactly 70", 105, 100, fptr(70), SignalNone},
		{"downtrend", 95, 100, fptr(30), SignalSell},
		{"downtrend overbought rsi still sells", 95, 100, fptr(85), SignalSell},
		{"flat", 100, 100, fptr(50), SignalNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SetupBSignal(tt.emaFast, tt.emaSlow, tt.rsi); got != tt.want {
				t.Errorf("SetupBSignal() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRobotScore(t *testing.T) {
	// 1% EMA separation saturates the trend half: 0.01*100*500 >> 50.
	if got := RobotScore(101, 100, 100, fptr(70)); got != 50 {
		t.Errorf("saturated trend with zero headroom = %v, want 50", got)
	}
	// zero separation, rsi 30: trend 0, headroom (70-30)/40*50 = 50
	if got := RobotScore(100, 100, 100, fptr(30)); got != 50 {
		t.Errorf("pure headroom score = %v, want 50", got)
	}
	// nil rsi reads neutral 50: headroom (70-50)/40*50 = 25
	if got := RobotScore(100, 100, 100, nil); got != 25 {
		t.Errorf("nil rsi score = %v, want 25", got)
	}
	// both halves saturated
	if got := RobotScore(110, 100, 100, fptr(0)); got != 100 {
		t.Errorf("max score = %v, want 100", got)
	}
	// non-positive price scores zero
	if got := RobotScore(110, 100, 0, fptr(0)); got != 0 {
		t.Errorf("zero price score = %v, want 0", got)
	}
	// small separation: |0.05|/100*100*500 = 25, rsi 50 headroom 25
	if got := RobotScore(100.05, 100, 100, fptr(50)); math.Abs(got-50) > 1e-9 {
		t.Errorf("mid score = %v, want 50", got)
	}
}

func TestCombinedScore(t *testing.T) {
	// w=0.35: 0.65*60 + 0.35*0.8*100 = 39 + 28 = 67
	if got := CombinedScore(60, 0.8, 0.35); math.Abs(got-67) > 1e-9 {
		t.Errorf("combined = %v, want 67", got)
	}
	if got := CombinedScore(60, 0.8, 0); got != 60 {
		t.Errorf("zero weight = %v, want robot score", got)
	}
	if got := CombinedScore(60, 0.8, 1); math.Abs(got-80) > 1e-9 {
		t.Errorf("full weight = %v, want 80", got)
	}
}

func TestLeverageForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{0, 10},
		{100, 20},
		{50, 15},
		{25, 13}, // 10 + 10*0.25 = 12.5 rounds up
		{-10, 10},
		{150, 20},
	}
	for _, tt := range tests {
		if got := LeverageForScore(tt.score, 10, 20); got != tt.want {
			t.Errorf("LeverageForScore(%v) = %d, want %d", tt.score, got, tt.want)
		}
	}
	if got := LeverageForScore(50, 5, 5); got != 5 {
		t.Errorf("degenerate range = %d, want 5", got)
	}
}

func TestMinQtyForMargin(t *testing.T) {
	// 50 USDT * 10x / 100 = 5 exactly
	got := MinQtyForMargin(50, 10, decimal.NewFromInt(100))
	if !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("exact qty = %s, want 5", got)
	}

	// 50 * 10 / 30000 = 0.01666..., ceils to 0.016667
	got = MinQtyForMargin(50, 10, decimal.NewFromInt(30000))
	want := decimal.RequireFromString("0.016667")
	if !got.Equal(want) {
		t.Errorf("ceiled qty = %s, want %s", got, want)
	}

	// ceiling never undershoots the margin floor
	notional := got.Mul(decimal.NewFromInt(30000))
	if notional.LessThan(decimal.NewFromInt(500)) {
		t.Errorf("notional %s under margin*leverage floor", notional)
	}

	for _, bad := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		if got := MinQtyForMargin(50, 10, bad); !got.IsZero() {
			t.Errorf("qty with price %s = %s, want 0", bad, got)
		}
	}
	if got := MinQtyForMargin(0, 10, decimal.NewFromInt(100)); !got.IsZero() {
		t.Errorf("qty with zero margin = %s, want 0", got)
	}
}

func TestStopPrice(t *testing.T) {
	got := StopPrice(decimal.NewFromInt(100), 0.03)
	if !got.Equal(decimal.NewFromInt(97)) {
		t.Errorf("stop = %s, want 97", got)
	}
}
