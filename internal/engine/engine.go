package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/ai"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/logging"
	"perp-trading-bot/internal/notification"
	"perp-trading-bot/internal/orders"
)

const (
	reconcileMaxAge   = 180 * time.Second
	reconcileBatchCap = 200
	lockTTLFraction   = 0.9
)

// Store is the persistence surface the engine needs. *database.DB satisfies
// it; tests plug in a fake.
type Store interface {
	GetFlag(ctx context.Context, key string) (bool, error)
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, entry database.ConfigAuditEntry) error
	LatestCacheRow(ctx context.Context, symbol string, intervalMinutes int) (*database.CacheRow, error)
	OpenPositions(ctx context.Context, exchange string) (map[string]database.PositionSnapshot, error)
	SavePositionSnapshot(ctx context.Context, s database.PositionSnapshot) error
	AppendOrderEvent(ctx context.Context, ev database.OrderEvent) error
	StaleOrders(ctx context.Context, maxAge time.Duration, limit int) ([]database.OrderEvent, error)
	OpenTrade(ctx context.Context, t database.TradeLog) (int64, error)
	LatestOpenTrade(ctx context.Context, exchange, symbol string) (*database.TradeLog, error)
	CloseTrade(ctx context.Context, id int64, close database.TradeClose) error
	UpsertServiceStatus(ctx context.Context, serviceName, instanceID string, statusJSON []byte) error
}

// Unlocker releases one held tick lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// Locker hands out per-symbol tick locks.
type Locker interface {
	Acquire(ctx context.Context, exchange, symbol string, tickID int64, ttl time.Duration) (Unlocker, bool, error)
}

// Engine drives the strategy tick loop.
type Engine struct {
	cfg        config.StrategyConfig
	store      Store
	venue      exchange.Client
	locker     Locker
	notifier   *notification.Manager
	log        *logging.Logger
	instanceID string

	model *ai.OnlineLogisticRegression
}

func New(cfg config.StrategyConfig, store Store, venue exchange.Client, locker Locker, notifier *notification.Manager, log *logging.Logger, instanceID string) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		venue:      venue,
		locker:     locker,
		notifier:   notifier,
		log:        log.WithComponent("engine"),
		instanceID: instanceID,
	}
}

// LoadModel restores the online model from system_config. Missing or rotted
// state starts fresh. Config hyperparameters win over persisted ones.
func (e *Engine) LoadModel(ctx context.Context) {
	raw, ok, err := e.store.GetConfigValue(ctx, e.cfg.AIModelKey)
	if err != nil || !ok {
		if err != nil {
			e.log.Warn().Err(err).Msg("model load failed, starting fresh")
		}
		e.model = ai.NewModel(ai.FeatureDim)
	} else {
		e.model = ai.FromJSON([]byte(raw), ai.FeatureDim)
		e.log.Info().Int64("seen", e.model.Seen).Msg("model restored")
	}
	e.model.SetHyperparams(e.cfg.AILearningRate, e.cfg.AIL2)
}

// Run ticks aligned to wall-clock multiples of the tick period until the
// context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.model == nil {
		e.LoadModel(ctx)
	}
	for {
		sleep := nextTickSleep(time.Now(), e.cfg.TickPeriod)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		e.RunTick(ctx, time.Now())
	}
}

// nextTickSleep returns the time until the next aligned tick boundary.
func nextTickSleep(now time.Time, period time.Duration) time.Duration {
	secs := int64(period.Seconds())
	if secs <= 0 {
		secs = 1
	}
	next := (now.Unix()/secs + 1) * secs
	return time.Duration(next-now.Unix())*time.Second - time.Duration(now.Nanosecond())
}

// snapshot is the per-symbol market state a tick acts on.
type snapshot struct {
	symbol     string
	openTimeMS int64
	lastClose  decimal.Decimal
	emaFast    float64
	emaSlow    float64
	rsi        *float64
	features   map[string]float64
}

// candidate is a scored BUY entry under consideration.
type candidate struct {
	snap     *snapshot
	robot    float64
	aiProb   float64
	combined float64
	leverage int
	qty      decimal.Decimal
}

// RunTick executes one full strategy tick. Failures on one symbol never
// abort the others; the heartbeat lands even when the tick bails out early.
func (e *Engine) RunTick(ctx context.Context, now time.Time) {
	tickID := alignedTickID(now, e.cfg.TickPeriod)
	traceID := orders.NewTraceID("tick")
	log := e.log.WithTraceID(traceID)

	if e.model == nil {
		e.LoadModel(ctx)
	}

	var halt, emergency bool
	openCnt := 0
	defer func() { e.heartbeat(ctx, tickID, openCnt, halt, emergency) }()

	var err error
	halt, err = e.store.GetFlag(ctx, database.KeyHaltTrading)
	if err != nil {
		log.Error().Err(err).Msg("halt flag read failed, skipping tick")
		return
	}
	emergency, err = e.store.GetFlag(ctx, database.KeyEmergencyExit)
	if err != nil {
		log.Error().Err(err).Msg("emergency flag read failed, skipping tick")
		return
	}

	if halt && !emergency {
		log.Info().Msg("trading halted, tick skipped")
		return
	}

	e.reconcileStaleOrders(ctx, traceID, log)

	positions, err := e.store.OpenPositions(ctx, e.venue.Name())
	if err != nil {
		log.Error().Err(err).Msg("open positions read failed, skipping tick")
		return
	}

	var selected map[string]*candidate
	if !emergency && !halt {
		selected = e.selectCandidates(ctx, positions, log)
	}

	lockTTL := time.Duration(float64(e.cfg.TickPeriod) * lockTTLFraction)
	for _, symbol := range e.cfg.Symbols {
		lock, ok, err := e.locker.Acquire(ctx, e.venue.Name(), symbol, tickID, lockTTL)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("lock acquire failed")
			continue
		}
		if !ok {
			log.Info().Str("symbol", symbol).Msg("symbol locked by another instance")
			continue
		}
		e.processSymbol(ctx, symbol, tickID, traceID, positions, selected, emergency, log)
		if err := lock.Release(ctx); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("lock release failed")
		}
	}

	if emergency {
		// cleared once, after every symbol was flattened
		err := e.store.SetConfigValue(ctx, database.ConfigAuditEntry{
			Actor:      "strategy-engine",
			Action:     "UPDATE",
			Key:        database.KeyEmergencyExit,
			NewValue:   "false",
			TraceID:    traceID,
			ReasonCode: database.ReasonEmergencyExit,
			Reason:     "emergency exit completed",
		})
		if err != nil {
			log.Error().Err(err).Msg("emergency flag clear failed")
		} else {
			log.Info().Msg("emergency exit completed, flag cleared")
			e.notifier.Send(ctx, "Emergency exit completed", "all positions flattened, flag cleared")
		}
	}

	if positions, err = e.store.OpenPositions(ctx, e.venue.Name()); err == nil {
		openCnt = len(positions)
	}
}

func alignedTickID(now time.Time, period time.Duration) int64 {
	secs := int64(period.Seconds())
	if secs <= 0 {
		secs = 1
	}
	return now.Unix() - now.Unix()%secs
}

func (e *Engine) heartbeat(ctx context.Context, tickID int64, openPositions int, halt, emergency bool) {
	status, _ := json.Marshal(map[string]interface{}{
		"tick_id":        tickID,
		"open_positions": openPositions,
		"halt":           halt,
		"emergency":      emergency,
		"model_seen":     e.model.Seen,
	})
	if err := e.store.UpsertServiceStatus(ctx, "strategy-engine", e.instanceID, status); err != nil {
		e.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

// loadSnapshot reads the latest cached bar for a symbol. Returns nil when
// the cache has no usable row yet (missing EMAs mean warm-up).
func (e *Engine) loadSnapshot(ctx context.Context, symbol string) (*snapshot, error) {
	row, err := e.store.LatestCacheRow(ctx, symbol, e.cfg.IntervalMinutes)
	if err != nil {
		return nil, err
	}
	if row == nil || row.EMA7 == nil || row.EMA25 == nil || !row.LastPrice.IsPositive() {
		return nil, nil
	}

	features := make(map[string]float64)
	for key, v := range map[string]*float64{
		"atr14": row.ATR14, "adx14": row.ADX14,
		"plus_di14": row.PlusDI14, "minus_di14": row.MinusDI14,
		"bb_width20": row.BBWidth20, "vol_ratio": row.VolRatio,
		"mom10": row.Mom10, "ret1": row.Ret1, "ret_std20": row.RetStd20,
	} {
		if v != nil {
			features[key] = *v
		}
	}

	return &snapshot{
		symbol:     symbol,
		openTimeMS: row.OpenTimeMS,
		lastClose:  row.LastPrice,
		emaFast:    *row.EMA7,
		emaSlow:    *row.EMA25,
		rsi:        row.RSI14,
		features:   features,
	}, nil
}

// selectCandidates scores every flat symbol with a BUY signal and keeps the
// top N within the remaining position slots.
func (e *Engine) selectCandidates(ctx context.Context, positions map[string]database.PositionSnapshot, log *logging.Logger) map[string]*candidate {
	slots := e.cfg.MaxConcurrentPositions - len(positions)
	if slots <= 0 {
		return nil
	}

	var candidates []*candidate
	for _, symbol := range e.cfg.Symbols {
		if _, held := positions[symbol]; held {
			continue
		}
		snap, err := e.loadSnapshot(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot load failed")
			continue
		}
		if snap == nil {
			continue
		}
		if SetupBSignal(snap.emaFast, snap.emaSlow, snap.rsi) != SignalBuy {
			continue
		}

		price, _ := snap.lastClose.Float64()
		robot := RobotScore(snap.emaFast, snap.emaSlow, price, snap.rsi)
		leverage := LeverageForScore(robot, e.cfg.LeverageMin, e.cfg.LeverageMax)
		qty := MinQtyForMargin(e.cfg.MinMarginUSDT, leverage, snap.lastClose)
		if !qty.IsPositive() {
			continue
		}
		// with the model disabled the robot score stands alone
		aiProb := 0.0
		combined := robot
		if e.cfg.AIEnabled {
			aiProb = e.model.PredictProba(ai.Vectorize(snap.emaFast, snap.emaSlow, snap.rsi, snap.features))
			combined = CombinedScore(robot, aiProb, e.cfg.AIWeight)
		}
		candidates = append(candidates, &candidate{
			snap:     snap,
			robot:    robot,
			aiProb:   aiProb,
			combined: combined,
			leverage: leverage,
			qty:      qty,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].combined > candidates[j].combined
	})
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}

	selected := make(map[string]*candidate, len(candidates))
	for _, c := range candidates {
		selected[c.snap.symbol] = c
		log.Info().Str("symbol", c.snap.symbol).
			Float64("robot_score", c.robot).
			Float64("ai_prob", c.aiProb).
			Float64("combined", c.combined).
			Int("leverage", c.leverage).
			Msg("entry candidate selected")
	}
	return selected
}

// processSymbol applies the per-symbol decision ladder: emergency exit
// first, then the hard stop, then regular signals.
func (e *Engine) processSymbol(ctx context.Context, symbol string, tickID int64, traceID string, positions map[string]database.PositionSnapshot, selected map[string]*candidate, emergency bool, log *logging.Logger) {
	snap, err := e.loadSnapshot(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot load failed")
		return
	}
	if snap == nil {
		log.Debug().Str("symbol", symbol).Msg("no usable cache row, symbol skipped")
		return
	}

	pos, held := positions[symbol]

	if emergency {
		if held {
			e.closePosition(ctx, snap, &pos, database.ReasonEmergencyExit, orders.ActionExit, traceID, log)
		}
		return
	}

	if held {
		if stop := e.stopPriceFor(&pos); stop.IsPositive() && snap.lastClose.LessThanOrEqual(stop) {
			log.Warn().Str("symbol", symbol).
				Str("last_close", snap.lastClose.String()).
				Str("stop_price", stop.String()).
				Msg("hard stop hit")
			e.closePosition(ctx, snap, &pos, database.ReasonStopLoss, orders.ActionStop, traceID, log)
			return
		}
	}

	signal := SetupBSignal(snap.emaFast, snap.emaSlow, snap.rsi)
	switch {
	case !held && signal == SignalBuy:
		cand, ok := selected[symbol]
		if !ok {
			return
		}
		e.openPosition(ctx, cand, traceID, log)
	case held && signal == SignalSell:
		e.closePosition(ctx, snap, &pos, database.ReasonStrategyExit, orders.ActionSell, traceID, log)
	}
}

// positionMeta is the stop/entry context stored with each snapshot.
type positionMeta struct {
	StopDistPct     float64 `json:"stop_dist_pct"`
	StopPrice       string  `json:"stop_price"`
	EntryOpenTimeMS int64   `json:"entry_open_time_ms"`
	RobotScore      float64 `json:"robot_score"`
	AIProb          float64 `json:"ai_prob"`
	Combined        float64 `json:"combined_score"`
}

// stopPriceFor reads the stop from the snapshot meta, falling back to
// avg_entry*(1-pct) when the meta is missing or unreadable.
func (e *Engine) stopPriceFor(pos *database.PositionSnapshot) decimal.Decimal {
	if len(pos.Meta) > 0 {
		var meta positionMeta
		if err := json.Unmarshal(pos.Meta, &meta); err == nil && meta.StopPrice != "" {
			if p, err := decimal.NewFromString(meta.StopPrice); err == nil && p.IsPositive() {
				return p
			}
		}
	}
	return StopPrice(pos.AvgEntryPrice, e.cfg.HardStopLossPct)
}

// tradeFeatures is the entry context stored on the trade log, replayed into
// the model when the trade closes.
type tradeFeatures struct {
	EMAFast  float64            `json:"ema_fast"`
	EMASlow  float64            `json:"ema_slow"`
	RSI      *float64           `json:"rsi"`
	Features map[string]float64 `json:"features"`
	X        []float64          `json:"x"`
}

func (e *Engine) openPosition(ctx context.Context, cand *candidate, traceID string, log *logging.Logger) {
	snap := cand.snap
	clientOrderID, err := orders.MakeClientOrderID(orders.ActionBuy, orders.DefaultStrategyTag, snap.symbol, snap.openTimeMS)
	if err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("client order id build failed")
		return
	}

	if ls, ok := e.venue.(exchange.LeverageSetter); ok {
		if err := ls.EnsureIsolatedLeverage(ctx, snap.symbol, cand.leverage); err != nil {
			log.Error().Err(err).Str("symbol", snap.symbol).Msg("leverage setup failed, entry skipped")
			return
		}
	}

	stop := StopPrice(snap.lastClose, e.cfg.HardStopLossPct)
	features := tradeFeatures{
		EMAFast:  snap.emaFast,
		EMASlow:  snap.emaSlow,
		RSI:      snap.rsi,
		Features: snap.features,
		X:        ai.Vectorize(snap.emaFast, snap.emaSlow, snap.rsi, snap.features),
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"qty":           cand.qty.String(),
		"leverage":      cand.leverage,
		"robot_score":   cand.robot,
		"ai_prob":       cand.aiProb,
		"combined":      cand.combined,
		"stop_dist_pct": e.cfg.HardStopLossPct,
		"stop_price":    stop.String(),
		"features":      features,
	})

	side := exchange.SideBuy
	reason := database.ReasonStrategySignal
	if err := e.store.AppendOrderEvent(ctx, database.OrderEvent{
		Exchange:      e.venue.Name(),
		Symbol:        snap.symbol,
		ClientOrderID: clientOrderID,
		EventType:     database.EventCreated,
		Side:          &side,
		Qty:           &cand.qty,
		Price:         &snap.lastClose,
		ReasonCode:    &reason,
		TraceID:       &traceID,
		Payload:       payload,
	}); err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("entry CREATED event failed, entry skipped")
		return
	}

	result, err := e.venue.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:        snap.symbol,
		Side:          exchange.SideBuy,
		Qty:           cand.qty,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		e.recordOrderError(ctx, snap.symbol, clientOrderID, side, reason, traceID, err, log)
		return
	}

	eventType := database.EventSubmitted
	if result.Status == exchange.StatusFilled {
		eventType = database.EventFilled
	}
	if err := e.store.AppendOrderEvent(ctx, database.OrderEvent{
		Exchange:        e.venue.Name(),
		Symbol:          snap.symbol,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: &result.ExchangeOrderID,
		EventType:       eventType,
		Side:            &side,
		Qty:             &result.ExecutedQty,
		Price:           &result.AvgPrice,
		ReasonCode:      &reason,
		TraceID:         &traceID,
	}); err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("entry result event failed")
	}
	if eventType != database.EventFilled {
		log.Info().Str("symbol", snap.symbol).Str("status", result.Status).
			Msg("entry order not yet filled, reconciliation will pick it up")
		return
	}

	entryPrice := result.AvgPrice
	if !entryPrice.IsPositive() {
		entryPrice = snap.lastClose
	}
	qty := result.ExecutedQty
	if !qty.IsPositive() {
		qty = cand.qty
	}

	meta, _ := json.Marshal(positionMeta{
		StopDistPct:     e.cfg.HardStopLossPct,
		StopPrice:       StopPrice(entryPrice, e.cfg.HardStopLossPct).String(),
		EntryOpenTimeMS: snap.openTimeMS,
		RobotScore:      cand.robot,
		AIProb:          cand.aiProb,
		Combined:        cand.combined,
	})
	if err := e.store.SavePositionSnapshot(ctx, database.PositionSnapshot{
		Exchange:      e.venue.Name(),
		Symbol:        snap.symbol,
		PositionSide:  "LONG",
		Qty:           qty,
		AvgEntryPrice: entryPrice,
		Leverage:      cand.leverage,
		Meta:          meta,
		TraceID:       &traceID,
	}); err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("position snapshot save failed")
	}

	featJSON, _ := json.Marshal(features)
	entryStop := StopPrice(entryPrice, e.cfg.HardStopLossPct)
	stopDist := e.cfg.HardStopLossPct
	entryTimeMS := snap.openTimeMS
	if _, err := e.store.OpenTrade(ctx, database.TradeLog{
		Exchange:          e.venue.Name(),
		Symbol:            snap.symbol,
		Side:              exchange.SideBuy,
		Qty:               qty,
		EntryPrice:        &entryPrice,
		Leverage:          &cand.leverage,
		StopDistPct:       &stopDist,
		StopPrice:         &entryStop,
		RobotScore:        &cand.robot,
		AIProb:            &cand.aiProb,
		ReasonCodeOpen:    &reason,
		ClientOrderIDOpen: &clientOrderID,
		TraceID:           &traceID,
		Features:          featJSON,
		EntryTimeMS:       &entryTimeMS,
	}); err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("trade log open failed")
	}

	log.Info().Str("symbol", snap.symbol).
		Str("qty", qty.String()).
		Str("entry", entryPrice.String()).
		Int("leverage", cand.leverage).
		Msg("position opened")
	e.notifier.Send(ctx, "Position opened",
		snap.symbol+" qty "+qty.String()+" @ "+entryPrice.String())
}

func (e *Engine) closePosition(ctx context.Context, snap *snapshot, pos *database.PositionSnapshot, reasonCode, action, traceID string, log *logging.Logger) {
	clientOrderID, err := orders.MakeClientOrderID(action, orders.DefaultStrategyTag, snap.symbol, snap.openTimeMS)
	if err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("client order id build failed")
		return
	}

	side := exchange.SideSell
	payload, _ := json.Marshal(map[string]interface{}{
		"qty":        pos.Qty.String(),
		"avg_entry":  pos.AvgEntryPrice.String(),
		"last_close": snap.lastClose.String(),
	})
	if err := e.store.AppendOrderEvent(ctx, database.OrderEvent{
		Exchange:      e.venue.Name(),
		Symbol:        snap.symbol,
		ClientOrderID: clientOrderID,
		EventType:     database.EventCreated,
		Side:          &side,
		Qty:           &pos.Qty,
		Price:         &snap.lastClose,
		ReasonCode:    &reasonCode,
		TraceID:       &traceID,
		Payload:       payload,
	}); err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("close CREATED event failed, close skipped")
		return
	}

	result, err := e.venue.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:        snap.symbol,
		Side:          exchange.SideSell,
		Qty:           pos.Qty,
		ClientOrderID: clientOrderID,
		ReduceOnly:    true,
	})
	if err != nil {
		e.recordOrderError(ctx, snap.symbol, clientOrderID, side, reasonCode, traceID, err, log)
		return
	}

	eventType := database.EventSubmitted
	if result.Status == exchange.StatusFilled {
		eventType = database.EventFilled
	}
	if err := e.store.AppendOrderEvent(ctx, database.OrderEvent{
		Exchange:        e.venue.Name(),
		Symbol:          snap.symbol,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: &result.ExchangeOrderID,
		EventType:       eventType,
		Side:            &side,
		Qty:             &result.ExecutedQty,
		Price:           &result.AvgPrice,
		ReasonCode:      &reasonCode,
		TraceID:         &traceID,
	}); err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("close result event failed")
	}
	if eventType != database.EventFilled {
		log.Warn().Str("symbol", snap.symbol).Str("status", result.Status).
			Msg("close order not yet filled, reconciliation will pick it up")
		return
	}

	exitPrice := result.AvgPrice
	if !exitPrice.IsPositive() {
		exitPrice = snap.lastClose
	}

	var pnl, fee *decimal.Decimal
	if sf, ok := e.venue.(exchange.SettlementFetcher); ok {
		settle, err := sf.FetchSettlement(ctx, snap.symbol, result.ExchangeOrderID)
		if err != nil {
			log.Warn().Err(err).Str("symbol", snap.symbol).Msg("settlement fetch failed")
		} else if settle != nil {
			p := settle.PnL
			pnl = &p
			fee = settle.Fee
		}
	}
	if pnl == nil {
		// venue gave nothing usable, estimate from prices
		est := exitPrice.Sub(pos.AvgEntryPrice).Mul(pos.Qty)
		pnl = &est
	}

	finalReason := reasonCode
	if reasonCode == database.ReasonStrategyExit && e.cfg.TakeProfitRelabel && pnl.IsPositive() {
		finalReason = database.ReasonTakeProfit
	}

	if err := e.store.SavePositionSnapshot(ctx, database.PositionSnapshot{
		Exchange:      e.venue.Name(),
		Symbol:        snap.symbol,
		PositionSide:  "LONG",
		Qty:           decimal.Zero,
		AvgEntryPrice: pos.AvgEntryPrice,
		Leverage:      pos.Leverage,
		TraceID:       &traceID,
	}); err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("flat snapshot save failed")
	}

	trade, err := e.store.LatestOpenTrade(ctx, e.venue.Name(), snap.symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", snap.symbol).Msg("open trade lookup failed")
	} else if trade != nil {
		if err := e.store.CloseTrade(ctx, trade.ID, database.TradeClose{
			ExitPrice:          exitPrice,
			PnL:                pnl,
			Fee:                fee,
			ReasonCode:         finalReason,
			ClientOrderIDClose: clientOrderID,
			ExitTimeMS:         snap.openTimeMS,
		}); err != nil {
			log.Error().Err(err).Str("symbol", snap.symbol).Msg("trade close failed")
		} else {
			e.trainOnClosedTrade(ctx, trade, pnl, traceID, log)
		}
	}

	log.Info().Str("symbol", snap.symbol).
		Str("exit", exitPrice.String()).
		Str("pnl", pnl.String()).
		Str("reason", finalReason).
		Msg("position closed")
	e.notifier.Send(ctx, "Position closed",
		snap.symbol+" pnl "+pnl.String()+" ("+finalReason+")")
}

// trainOnClosedTrade replays the entry features into the model with the
// realized outcome, persisting state on the cadence boundary.
func (e *Engine) trainOnClosedTrade(ctx context.Context, trade *database.TradeLog, pnl *decimal.Decimal, traceID string, log *logging.Logger) {
	if !e.cfg.AIEnabled || len(trade.Features) == 0 {
		return
	}
	var features tradeFeatures
	if err := json.Unmarshal(trade.Features, &features); err != nil || len(features.X) == 0 {
		return
	}

	label := 0
	if pnl != nil && pnl.IsPositive() {
		label = 1
	}
	e.model.PartialFit(features.X, label)

	if !e.model.ShouldPersist() {
		return
	}
	state, err := e.model.ToJSON()
	if err != nil {
		log.Error().Err(err).Msg("model serialize failed")
		return
	}
	if err := e.store.SetConfigValue(ctx, database.ConfigAuditEntry{
		Actor:      "strategy-engine",
		Action:     "UPDATE",
		Key:        e.cfg.AIModelKey,
		NewValue:   string(state),
		TraceID:    traceID,
		ReasonCode: database.ReasonAITrain,
		Reason:     "online model checkpoint",
	}); err != nil {
		log.Error().Err(err).Msg("model persist failed")
	}
}

func (e *Engine) recordOrderError(ctx context.Context, symbol, clientOrderID, side, reasonCode, traceID string, orderErr error, log *logging.Logger) {
	msg := orderErr.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if err := e.store.AppendOrderEvent(ctx, database.OrderEvent{
		Exchange:      e.venue.Name(),
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		EventType:     database.EventError,
		Side:          &side,
		ReasonCode:    &reasonCode,
		Reason:        &msg,
		TraceID:       &traceID,
	}); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("order error event failed")
	}
	log.Error().Err(orderErr).Str("symbol", symbol).Str("client_order_id", clientOrderID).
		Msg("order placement failed")
}
