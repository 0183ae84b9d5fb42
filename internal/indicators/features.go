package indicators

import (
	"math"
)

// Bar is the OHLCV input to the pipeline, ascending by open time.
type Bar struct {
	OpenTimeMS  int64
	CloseTimeMS int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// FeatureRow carries every indicator for one bar. A nil field means the
// window behind it had not filled yet at that bar.
type FeatureRow struct {
	OpenTimeMS  int64
	CloseTimeMS int64
	Close       float64

	EMA7      *float64
	EMA25     *float64
	RSI14     *float64
	ATR14     *float64
	ADX14     *float64
	PlusDI14  *float64
	MinusDI14 *float64
	BBMid20   *float64
	BBUpper20 *float64
	BBLower20 *float64
	BBWidth20 *float64
	VolSMA20  *float64
	VolRatio  *float64
	Mom10     *float64
	Ret1      *float64
	RetStd20  *float64
}

const (
	emaFastPeriod = 7
	emaSlowPeriod = 25
	rsiPeriod     = 14
	wilderPeriod  = 14
	bbPeriod      = 20
	volPeriod     = 20
	momPeriod     = 10
	retStdPeriod  = 20
)

// Compute runs the full pipeline over ascending bars. The same input prefix
// always produces the same rows, so recomputing a batch with extra history
// in front never changes previously cached values past the warm-up.
func Compute(bars []Bar) []FeatureRow {
	n := len(bars)
	rows := make([]FeatureRow, n)

	var emaFast, emaSlow float64
	kFast := 2.0 / float64(emaFastPeriod+1)
	kSlow := 2.0 / float64(emaSlowPeriod+1)

	// Wilder state
	var atr, smPlusDM, smMinusDM, adx float64
	var trSum, plusDMSum, minusDMSum, dxSum float64
	dxCount := 0

	ret1s := make([]float64, 0, n)

	for i, b := range bars {
		row := FeatureRow{OpenTimeMS: b.OpenTimeMS, CloseTimeMS: b.CloseTimeMS, Close: b.Close}

		// EMAs seed on the first close
		if i == 0 {
			emaFast = b.Close
			emaSlow = b.Close
		} else {
			emaFast = b.Close*kFast + emaFast*(1-kFast)
			emaSlow = b.Close*kSlow + emaSlow*(1-kSlow)
		}
		row.EMA7 = ptr(emaFast)
		row.EMA25 = ptr(emaSlow)

		// RSI, simple average of the last 14 deltas
		if i >= rsiPeriod {
			var gains, losses float64
			for j := i - rsiPeriod + 1; j <= i; j++ {
				d := bars[j].Close - bars[j-1].Close
				if d > 0 {
					gains += d
				} else {
					losses -= d
				}
			}
			if losses == 0 {
				row.RSI14 = ptr(100.0)
			} else {
				rs := (gains / rsiPeriod) / (losses / rsiPeriod)
				row.RSI14 = ptr(100 - 100/(1+rs))
			}
		}

		// Wilder ATR / DI / ADX
		if i >= 1 {
			prev := bars[i-1]
			tr := math.Max(b.High-b.Low,
				math.Max(math.Abs(b.High-prev.Close), math.Abs(b.Low-prev.Close)))
			up := b.High - prev.High
			down := prev.Low - b.Low
			var plusDM, minusDM float64
			if up > down && up > 0 {
				plusDM = up
			}
			if down > up && down > 0 {
				minusDM = down
			}

			switch {
			case i < wilderPeriod:
				trSum += tr
				plusDMSum += plusDM
				minusDMSum += minusDM
			case i == wilderPeriod:
				trSum += tr
				plusDMSum += plusDM
				minusDMSum += minusDM
				atr = trSum / wilderPeriod
				smPlusDM = plusDMSum / wilderPeriod
				smMinusDM = minusDMSum / wilderPeriod
			default:
				atr = (atr*(wilderPeriod-1) + tr) / wilderPeriod
				smPlusDM = (smPlusDM*(wilderPeriod-1) + plusDM) / wilderPeriod
				smMinusDM = (smMinusDM*(wilderPeriod-1) + minusDM) / wilderPeriod
			}

			if i >= wilderPeriod && atr > 0 {
				plusDI := 100 * smPlusDM / atr
				minusDI := 100 * smMinusDM / atr
				row.ATR14 = ptr(atr)
				row.PlusDI14 = ptr(plusDI)
				row.MinusDI14 = ptr(minusDI)

				if sum := plusDI + minusDI; sum > 0 {
					dx := 100 * math.Abs(plusDI-minusDI) / sum
					dxCount++
					switch {
					case dxCount < wilderPeriod:
						dxSum += dx
					case dxCount == wilderPeriod:
						dxSum += dx
						adx = dxSum / wilderPeriod
						row.ADX14 = ptr(adx)
					default:
						adx = (adx*(wilderPeriod-1) + dx) / wilderPeriod
						row.ADX14 = ptr(adx)
					}
				}
			}
		}

		// Bollinger bands over the last 20 closes
		if i >= bbPeriod-1 {
			mid, std := meanStd(closes(bars[i-bbPeriod+1 : i+1]))
			upper := mid + 2*std
			lower := mid - 2*std
			row.BBMid20 = ptr(mid)
			row.BBUpper20 = ptr(upper)
			row.BBLower20 = ptr(lower)
			if mid != 0 {
				row.BBWidth20 = ptr((upper - lower) / mid)
			}
		}

		// volume SMA and ratio
		if i >= volPeriod-1 {
			var sum float64
			for j := i - volPeriod + 1; j <= i; j++ {
				sum += bars[j].Volume
			}
			sma := sum / volPeriod
			row.VolSMA20 = ptr(sma)
			if sma > 0 {
				row.VolRatio = ptr(b.Volume / sma)
			}
		}

		// momentum and returns
		if i >= momPeriod {
			row.Mom10 = ptr(b.Close - bars[i-momPeriod].Close)
		}
		if i >= 1 && bars[i-1].Close != 0 {
			r := b.Close/bars[i-1].Close - 1
			row.Ret1 = ptr(r)
			ret1s = append(ret1s, r)
			if len(ret1s) >= retStdPeriod {
				_, std := meanStd(ret1s[len(ret1s)-retStdPeriod:])
				row.RetStd20 = ptr(std)
			}
		}

		rows[i] = row
	}
	return rows
}

func closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func ptr(v float64) *float64 { return &v }
