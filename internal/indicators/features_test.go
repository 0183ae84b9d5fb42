package indicators

import (
	"math"
	"testing"
)

func mkBars(closes []float64) []Bar {
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = Bar{
			OpenTimeMS:  int64(i) * 900_000,
			CloseTimeMS: int64(i+1)*900_000 - 1,
			Open:        c,
			High:        c * 1.01,
			Low:         c * 0.99,
			Close:       c,
			Volume:      100,
		}
	}
	return bars
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEMASeedsOnFirstClose(t *testing.T) {
	rows := Compute(mkBars([]float64{100, 110}))
	if rows[0].EMA7 == nil || !approx(*rows[0].EMA7, 100) {
		t.Fatalf("ema7[0] = %v, want 100", rows[0].EMA7)
	}
	// k = 2/8 = 0.25, next = 110*0.25 + 100*0.75 = 102.5
	if !approx(*rows[1].EMA7, 102.5) {
		t.Errorf("ema7[1] = %v, want 102.5", *rows[1].EMA7)
	}
	// k = 2/26, next = 100 + (110-100)*2/26
	want := 100 + 10*2.0/26.0
	if !approx(*rows[1].EMA25, want) {
		t.Errorf("ema25[1] = %v, want %v", *rows[1].EMA25, want)
	}
}

func TestRSINilBeforeWindow(t *testing.T) {
	rows := Compute(mkBars(make([]float64, 14)))
	for i := 0; i < 14; i++ {
		if rows[i].RSI14 != nil {
			t.Errorf("rsi[%d] = %v, want nil before window", i, *rows[i].RSI14)
		}
	}
}

func TestRSIHundredWhenNoLosses(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rows := Compute(mkBars(closes))
	last := rows[len(rows)-1]
	if last.RSI14 == nil || *last.RSI14 != 100 {
		t.Fatalf("rsi = %v, want 100 on monotonic rise", last.RSI14)
	}
}

func TestRSIBalancedMoves(t *testing.T) {
	// alternate +1/-1: gains == losses -> rsi 50
	closes := make([]float64, 30)
	closes[0] = 100
	for i := 1; i < len(closes); i++ {
		if i%2 == 1 {
			closes[i] = closes[i-1] + 1
		} else {
			closes[i] = closes[i-1] - 1
		}
	}
	rows := Compute(mkBars(closes))
	last := rows[len(rows)-1]
	if last.RSI14 == nil || !approx(*last.RSI14, 50) {
		t.Fatalf("rsi = %v, want 50 on balanced moves", last.RSI14)
	}
}

func TestWarmupBoundaries(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i))*5
	}
	rows := Compute(mkBars(closes))

	checks := []struct {
		name    string
		get     func(FeatureRow) *float64
		firstAt int
	}{
		{"atr14", func(r FeatureRow) *float64 { return r.ATR14 }, 14},
		{"bb_mid20", func(r FeatureRow) *float64 { return r.BBMid20 }, 19},
		{"vol_sma20", func(r FeatureRow) *float64 { return r.VolSMA20 }, 19},
		{"mom10", func(r FeatureRow) *float64 { return r.Mom10 }, 10},
		{"ret1", func(r FeatureRow) *float64 { return r.Ret1 }, 1},
		{"ret_std20", func(r FeatureRow) *float64 { return r.RetStd20 }, 20},
		{"adx14", func(r FeatureRow) *float64 { return r.ADX14 }, 27},
	}
	for _, c := range checks {
		if got := c.get(rows[c.firstAt-1]); got != nil {
			t.Errorf("%s present at %d, want nil", c.name, c.firstAt-1)
		}
		if got := c.get(rows[c.firstAt]); got == nil {
			t.Errorf("%s missing at %d", c.name, c.firstAt)
		}
	}
}

func TestMomentumIsPriceDifference(t *testing.T) {
	// mom10 is close minus the close ten bars back, not a percentage
	closes := make([]float64, 12)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rows := Compute(mkBars(closes))
	last := rows[len(rows)-1]
	if last.Mom10 == nil || !approx(*last.Mom10, 10) {
		t.Fatalf("mom10 = %v, want 10", last.Mom10)
	}
	if got := rows[10].Mom10; got == nil || !approx(*got, 10) {
		t.Errorf("mom10 at first window = %v, want 10", got)
	}
}

func TestBollingerFlatSeries(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100
	}
	rows := Compute(mkBars(closes))
	last := rows[len(rows)-1]
	if !approx(*last.BBMid20, 100) || !approx(*last.BBUpper20, 100) || !approx(*last.BBLower20, 100) {
		t.Errorf("flat series bands = %v/%v/%v, want all 100",
			*last.BBLower20, *last.BBMid20, *last.BBUpper20)
	}
	if !approx(*last.BBWidth20, 0) {
		t.Errorf("flat series width = %v, want 0", *last.BBWidth20)
	}
}

func TestDeterministicPrefix(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i)/3)*7 + float64(i%5)
	}
	full := Compute(mkBars(closes))
	again := Compute(mkBars(closes))
	for i := range full {
		a, b := full[i], again[i]
		if (a.RSI14 == nil) != (b.RSI14 == nil) {
			t.Fatalf("row %d rsi presence differs", i)
		}
		if a.RSI14 != nil && !approx(*a.RSI14, *b.RSI14) {
			t.Fatalf("row %d rsi differs: %v vs %v", i, *a.RSI14, *b.RSI14)
		}
		if !approx(*a.EMA7, *b.EMA7) || !approx(*a.EMA25, *b.EMA25) {
			t.Fatalf("row %d ema differs", i)
		}
	}
}

func TestVolRatio(t *testing.T) {
	bars := mkBars(make([]float64, 25))
	for i := range bars {
		bars[i].Close = 100
		bars[i].High = 101
		bars[i].Low = 99
		bars[i].Volume = 100
	}
	bars[24].Volume = 200
	rows := Compute(bars)
	last := rows[24]
	// sma = (19*100 + 200)/20 = 105, ratio = 200/105
	if last.VolSMA20 == nil || !approx(*last.VolSMA20, 105) {
		t.Fatalf("vol_sma20 = %v, want 105", last.VolSMA20)
	}
	if !approx(*last.VolRatio, 200.0/105.0) {
		t.Errorf("vol_ratio = %v, want %v", *last.VolRatio, 200.0/105.0)
	}
}
