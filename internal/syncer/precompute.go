package syncer

import (
	"context"

	"github.com/shopspring/decimal"

	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/indicators"
	"perp-trading-bot/internal/logging"
)

const (
	drainBatchLimit = 800
	warmupBars      = 300
)

// PrecomputeStore is the persistence surface the precomputer needs.
type PrecomputeStore interface {
	PendingTasks(ctx context.Context, symbol string, intervalMinutes, limit int) ([]database.PrecomputeTask, error)
	BarsBefore(ctx context.Context, symbol string, intervalMinutes int, beforeMS int64, limit int) ([]database.Bar, error)
	BarsRange(ctx context.Context, symbol string, intervalMinutes int, fromMS, toMS int64) ([]database.Bar, error)
	UpsertCacheRow(ctx context.Context, r database.CacheRow) error
	MarkTasksDone(ctx context.Context, symbol string, intervalMinutes int, upToMS int64) error
	MarkTaskError(ctx context.Context, id int64, tryCount int, msg string) error
}

// Precomputer turns pending tasks into indicator cache rows. One run drains
// up to drainBatchLimit tasks per symbol in open-time order.
type Precomputer struct {
	store           PrecomputeStore
	intervalMinutes int
	log             *logging.Logger
}

func NewPrecomputer(store PrecomputeStore, intervalMinutes int, log *logging.Logger) *Precomputer {
	return &Precomputer{
		store:           store,
		intervalMinutes: intervalMinutes,
		log:             log.WithComponent("precompute"),
	}
}

// Drain computes indicators for every pending bar of one symbol. The batch
// is recomputed with warm-up history in front so cached values never depend
// on where the batch boundary fell. A write failure truncates the batch:
// everything before the failed bar is still marked DONE.
func (p *Precomputer) Drain(ctx context.Context, symbol string) error {
	tasks, err := p.store.PendingTasks(ctx, symbol, p.intervalMinutes, drainBatchLimit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	minOT := tasks[0].OpenTimeMS
	maxOT := tasks[len(tasks)-1].OpenTimeMS

	warmup, err := p.store.BarsBefore(ctx, symbol, p.intervalMinutes, minOT, warmupBars)
	if err != nil {
		return err
	}
	batch, err := p.store.BarsRange(ctx, symbol, p.intervalMinutes, minOT, maxOT)
	if err != nil {
		return err
	}

	bars := make([]indicators.Bar, 0, len(warmup)+len(batch))
	for _, b := range append(warmup, batch...) {
		bars = append(bars, indicators.Bar{
			OpenTimeMS:  b.OpenTimeMS,
			CloseTimeMS: b.CloseTimeMS,
			Open:        b.Open,
			High:        b.High,
			Low:         b.Low,
			Close:       b.Close,
			Volume:      b.Volume,
		})
	}
	rows := indicators.Compute(bars)

	taskByOT := make(map[int64]database.PrecomputeTask, len(tasks))
	for _, t := range tasks {
		taskByOT[t.OpenTimeMS] = t
	}

	var lastDone int64
	written := 0
	for _, row := range rows {
		if row.OpenTimeMS < minOT {
			continue
		}
		if err := p.store.UpsertCacheRow(ctx, toCacheRow(symbol, p.intervalMinutes, row)); err != nil {
			if task, ok := taskByOT[row.OpenTimeMS]; ok {
				if merr := p.store.MarkTaskError(ctx, task.ID, task.TryCount, err.Error()); merr != nil {
					p.log.Error().Err(merr).Int64("task_id", task.ID).Msg("task error mark failed")
				}
			}
			if written > 0 {
				if derr := p.store.MarkTasksDone(ctx, symbol, p.intervalMinutes, lastDone); derr != nil {
					p.log.Error().Err(derr).Str("symbol", symbol).Msg("partial done mark failed")
				}
			}
			return err
		}
		lastDone = row.OpenTimeMS
		written++
	}

	if err := p.store.MarkTasksDone(ctx, symbol, p.intervalMinutes, lastDone); err != nil {
		return err
	}
	p.log.Debug().Str("symbol", symbol).
		Int("tasks", len(tasks)).
		Int("rows_written", written).
		Msg("precompute batch drained")
	return nil
}

func toCacheRow(symbol string, intervalMinutes int, r indicators.FeatureRow) database.CacheRow {
	return database.CacheRow{
		Symbol:          symbol,
		IntervalMinutes: intervalMinutes,
		OpenTimeMS:      r.OpenTimeMS,
		CloseTimeMS:     r.CloseTimeMS,
		LastPrice:       decimal.NewFromFloat(r.Close),
		EMA7:            r.EMA7,
		EMA25:           r.EMA25,
		RSI14:           r.RSI14,
		ATR14:           r.ATR14,
		ADX14:           r.ADX14,
		PlusDI14:        r.PlusDI14,
		MinusDI14:       r.MinusDI14,
		BBMid20:         r.BBMid20,
		BBUpper20:       r.BBUpper20,
		BBLower20:       r.BBLower20,
		BBWidth20:       r.BBWidth20,
		VolSMA20:        r.VolSMA20,
		VolRatio:        r.VolRatio,
		Mom10:           r.Mom10,
		Ret1:            r.Ret1,
		RetStd20:        r.RetStd20,
	}
}
