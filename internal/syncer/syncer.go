package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/logging"
	"perp-trading-bot/internal/orders"
)

const (
	fetchLimit     = 1000
	gapFillBars    = 600
	heartbeatName  = "data-syncer"
	maxFetchRounds = 50
)

// Store is the persistence surface the syncer needs.
type Store interface {
	InsertBars(ctx context.Context, bars []database.Bar) (int, error)
	LatestOpenTime(ctx context.Context, symbol string, intervalMinutes int) (int64, bool, error)
	ExistingOpenTimes(ctx context.Context, symbol string, intervalMinutes int, fromMS, toMS int64) ([]int64, error)
	EnqueuePrecomputeTasks(ctx context.Context, symbol string, intervalMinutes int, openTimesMS []int64, traceID string) error
	UpsertServiceStatus(ctx context.Context, serviceName, instanceID string, statusJSON []byte) error
}

// KlineSource is the venue side of the syncer.
type KlineSource interface {
	FetchKlines(ctx context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]exchange.Kline, error)
}

// Syncer pulls closed klines into market_data and queues indicator work.
type Syncer struct {
	cfg         config.StrategyConfig
	store       Store
	source      KlineSource
	priceSink   exchange.LastPriceSink
	precomputer *Precomputer
	log         *logging.Logger
	instanceID  string

	now func() time.Time
}

func New(cfg config.StrategyConfig, store Store, source KlineSource, precomputer *Precomputer, log *logging.Logger, instanceID string) *Syncer {
	return &Syncer{
		cfg:         cfg,
		store:       store,
		source:      source,
		precomputer: precomputer,
		log:         log.WithComponent("syncer"),
		instanceID:  instanceID,
		now:         time.Now,
	}
}

// SetPriceSink routes each symbol's newest close into a venue that fills
// against a locally tracked price.
func (s *Syncer) SetPriceSink(sink exchange.LastPriceSink) {
	s.priceSink = sink
}

// Run cycles on the configured interval until the context is cancelled.
// The first cycle starts immediately.
func (s *Syncer) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle syncs every symbol once. One symbol failing never blocks the
// others; lag and the number of gap bars found are reported per cycle
// through the heartbeat.
func (s *Syncer) RunCycle(ctx context.Context) {
	traceID := orders.NewTraceID("sync")
	maxLagMS := int64(0)
	synced := 0
	gapsFound := 0
	for _, symbol := range s.cfg.Symbols {
		lagMS, gaps, err := s.syncSymbol(ctx, symbol, traceID)
		gapsFound += gaps
		if err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("symbol sync failed")
			continue
		}
		synced++
		if lagMS > maxLagMS {
			maxLagMS = lagMS
		}
		if s.precomputer != nil {
			if err := s.precomputer.Drain(ctx, symbol); err != nil {
				s.log.Error().Err(err).Str("symbol", symbol).Msg("precompute drain failed")
			}
		}
	}
	if gapsFound > 0 {
		s.log.Warn().Str("trace_id", traceID).Int("gaps_found", gapsFound).Msg("gap bars detected this cycle")
	}

	status, _ := json.Marshal(map[string]interface{}{
		"symbols_synced":   synced,
		"symbols_total":    len(s.cfg.Symbols),
		"data_sync_lag_ms": maxLagMS,
		"gaps_found":       gapsFound,
	})
	if err := s.store.UpsertServiceStatus(ctx, heartbeatName, s.instanceID, status); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

// syncSymbol fetches forward from the last stored bar, then back-fills any
// holes inside the recent window. Returns the freshness lag in ms and the
// number of missing grid points seen before the back-fill.
func (s *Syncer) syncSymbol(ctx context.Context, symbol, traceID string) (int64, int, error) {
	intervalMS := int64(s.cfg.IntervalMinutes) * 60_000
	nowMS := s.now().UnixMilli()

	last, ok, err := s.store.LatestOpenTime(ctx, symbol, s.cfg.IntervalMinutes)
	var startMS int64
	if err != nil {
		return 0, 0, err
	}
	if ok {
		startMS = last + intervalMS
	} else {
		// empty series: backfill the full indicator window
		startMS = alignDown(nowMS-gapFillBars*intervalMS, intervalMS)
	}

	newest, err := s.fetchForward(ctx, symbol, startMS, nowMS, intervalMS, traceID)
	if err != nil {
		return 0, 0, err
	}

	gaps, err := s.fillGaps(ctx, symbol, nowMS, intervalMS, traceID)
	if err != nil {
		// gaps are retried next cycle, fresh data already landed
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("gap fill failed")
	}

	lagMS := int64(0)
	if newest > 0 {
		lagMS = nowMS - (newest + intervalMS)
		if lagMS < 0 {
			lagMS = 0
		}
	}
	return lagMS, gaps, nil
}

// fetchForward pages klines from startMS until the venue runs dry, keeping
// only closed bars. Returns the newest stored open time.
func (s *Syncer) fetchForward(ctx context.Context, symbol string, startMS, nowMS, intervalMS int64, traceID string) (int64, error) {
	newest := startMS - intervalMS
	for round := 0; round < maxFetchRounds; round++ {
		if startMS >= nowMS {
			break
		}
		klines, err := s.source.FetchKlines(ctx, symbol, s.cfg.IntervalMinutes, startMS, fetchLimit)
		if err != nil {
			return newest, err
		}
		closed := closedBars(klines, symbol, s.cfg.IntervalMinutes, nowMS)
		if len(closed) == 0 {
			break
		}

		inserted, err := s.store.InsertBars(ctx, closed)
		if err != nil {
			return newest, err
		}
		openTimes := make([]int64, len(closed))
		for i, b := range closed {
			openTimes[i] = b.OpenTimeMS
		}
		if err := s.store.EnqueuePrecomputeTasks(ctx, symbol, s.cfg.IntervalMinutes, openTimes, traceID); err != nil {
			return newest, err
		}

		lastBar := closed[len(closed)-1]
		newest = lastBar.OpenTimeMS
		s.pushLastPrice(symbol, lastBar.Close)
		s.log.Debug().Str("symbol", symbol).
			Int("fetched", len(closed)).
			Int("inserted", inserted).
			Int64("newest_open_ms", newest).
			Msg("klines stored")

		if len(klines) < fetchLimit {
			break
		}
		startMS = newest + intervalMS
	}
	return newest, nil
}

// fillGaps repairs holes inside the trailing indicator window and returns
// how many were found. Each fetch starts at the oldest missing bar; an empty
// venue response for that start means the venue simply has no such bar, so
// the scan moves on.
func (s *Syncer) fillGaps(ctx context.Context, symbol string, nowMS, intervalMS int64, traceID string) (int, error) {
	toMS := alignDown(nowMS, intervalMS) - intervalMS
	fromMS := toMS - (gapFillBars-1)*intervalMS
	if fromMS < 0 {
		fromMS = 0
	}

	existing, err := s.store.ExistingOpenTimes(ctx, symbol, s.cfg.IntervalMinutes, fromMS, toMS)
	if err != nil {
		return 0, err
	}
	missing := missingOpenTimes(fromMS, toMS, intervalMS, existing)
	if len(missing) == 0 {
		return 0, nil
	}
	s.log.Info().Str("symbol", symbol).Int("missing", len(missing)).Msg("gap fill started")

	for i := 0; i < len(missing); {
		klines, err := s.source.FetchKlines(ctx, symbol, s.cfg.IntervalMinutes, missing[i], fetchLimit)
		if err != nil {
			return len(missing), err
		}
		closed := closedBars(klines, symbol, s.cfg.IntervalMinutes, nowMS)
		if len(closed) == 0 {
			// venue has nothing at this open time; skip past it
			i++
			continue
		}
		if _, err := s.store.InsertBars(ctx, closed); err != nil {
			return len(missing), err
		}
		openTimes := make([]int64, len(closed))
		for j, b := range closed {
			openTimes[j] = b.OpenTimeMS
		}
		if err := s.store.EnqueuePrecomputeTasks(ctx, symbol, s.cfg.IntervalMinutes, openTimes, traceID); err != nil {
			return len(missing), err
		}

		covered := closed[len(closed)-1].OpenTimeMS
		for i < len(missing) && missing[i] <= covered {
			i++
		}
	}
	return len(missing), nil
}

func (s *Syncer) pushLastPrice(symbol string, close float64) {
	if s.priceSink == nil {
		return
	}
	s.priceSink.UpdateLastPrice(symbol, decimal.NewFromFloat(close))
}

// closedBars converts venue klines to storage rows, dropping the still-open
// bar at the tail.
func closedBars(klines []exchange.Kline, symbol string, intervalMinutes int, nowMS int64) []database.Bar {
	out := make([]database.Bar, 0, len(klines))
	for _, k := range klines {
		if k.CloseTimeMS >= nowMS {
			continue
		}
		out = append(out, database.Bar{
			Symbol:          symbol,
			IntervalMinutes: intervalMinutes,
			OpenTimeMS:      k.OpenTimeMS,
			CloseTimeMS:     k.CloseTimeMS,
			Open:            k.Open,
			High:            k.High,
			Low:             k.Low,
			Close:           k.Close,
			Volume:          k.Volume,
		})
	}
	return out
}

// missingOpenTimes returns the grid points in [fromMS, toMS] absent from the
// ascending existing list.
func missingOpenTimes(fromMS, toMS, intervalMS int64, existing []int64) []int64 {
	have := make(map[int64]struct{}, len(existing))
	for _, ot := range existing {
		have[ot] = struct{}{}
	}
	var out []int64
	for ot := fromMS; ot <= toMS; ot += intervalMS {
		if _, ok := have[ot]; !ok {
			out = append(out, ot)
		}
	}
	return out
}

func alignDown(ms, intervalMS int64) int64 {
	return ms - ms%intervalMS
}
