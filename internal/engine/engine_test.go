package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/logging"
	"perp-trading-bot/internal/notification"
)

type fakeStore struct {
	flags     map[string]bool
	flagErr   error
	config    map[string]string
	audits    []database.ConfigAuditEntry
	cache     map[string]*database.CacheRow
	positions map[string]database.PositionSnapshot
	snapshots []database.PositionSnapshot
	events    []database.OrderEvent
	stale     []database.OrderEvent
	trades    []*database.TradeLog
	closed    []database.TradeClose
	beats     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		flags:     make(map[string]bool),
		config:    make(map[string]string),
		cache:     make(map[string]*database.CacheRow),
		positions: make(map[string]database.PositionSnapshot),
	}
}

func (s *fakeStore) GetFlag(ctx context.Context, key string) (bool, error) {
	if s.flagErr != nil {
		return false, s.flagErr
	}
	return s.flags[key], nil
}

func (s *fakeStore) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.config[key]
	return v, ok, nil
}

func (s *fakeStore) SetConfigValue(ctx context.Context, entry database.ConfigAuditEntry) error {
	s.config[entry.Key] = entry.NewValue
	s.flags[entry.Key] = entry.NewValue == "true"
	s.audits = append(s.audits, entry)
	return nil
}

func (s *fakeStore) LatestCacheRow(ctx context.Context, symbol string, intervalMinutes int) (*database.CacheRow, error) {
	return s.cache[symbol], nil
}

func (s *fakeStore) OpenPositions(ctx context.Context, exchange string) (map[string]database.PositionSnapshot, error) {
	out := make(map[string]database.PositionSnapshot, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) SavePositionSnapshot(ctx context.Context, snap database.PositionSnapshot) error {
	s.snapshots = append(s.snapshots, snap)
	if snap.Qty.IsPositive() {
		s.positions[snap.Symbol] = snap
	} else {
		delete(s.positions, snap.Symbol)
	}
	return nil
}

func (s *fakeStore) AppendOrderEvent(ctx context.Context, ev database.OrderEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) StaleOrders(ctx context.Context, maxAge time.Duration, limit int) ([]database.OrderEvent, error) {
	if len(s.stale) > limit {
		return s.stale[:limit], nil
	}
	return s.stale, nil
}

func (s *fakeStore) OpenTrade(ctx context.Context, t database.TradeLog) (int64, error) {
	t.ID = int64(len(s.trades) + 1)
	s.trades = append(s.trades, &t)
	return t.ID, nil
}

func (s *fakeStore) LatestOpenTrade(ctx context.Context, exchange, symbol string) (*database.TradeLog, error) {
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Symbol == symbol && s.trades[i].ClosedAt == nil {
			return s.trades[i], nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CloseTrade(ctx context.Context, id int64, close database.TradeClose) error {
	s.closed = append(s.closed, close)
	for _, t := range s.trades {
		if t.ID == id {
			now := time.Now()
			t.ClosedAt = &now
		}
	}
	return nil
}

func (s *fakeStore) UpsertServiceStatus(ctx context.Context, serviceName, instanceID string, statusJSON []byte) error {
	s.beats++
	return nil
}

func (s *fakeStore) eventsOfType(eventType string) []database.OrderEvent {
	var out []database.OrderEvent
	for _, ev := range s.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeUnlock struct{}

func (fakeUnlock) Release(ctx context.Context) error { return nil }

type fakeLocker struct {
	contended map[string]bool
	acquired  []string
}

func (l *fakeLocker) Acquire(ctx context.Context, exchange, symbol string, tickID int64, ttl time.Duration) (Unlocker, bool, error) {
	if l.contended[symbol] {
		return nil, false, nil
	}
	l.acquired = append(l.acquired, symbol)
	return fakeUnlock{}, true, nil
}

func testStrategyConfig(symbols ...string) config.StrategyConfig {
	return config.StrategyConfig{
		Symbols:                symbols,
		IntervalMinutes:        15,
		TickPeriod:             15 * time.Minute,
		HardStopLossPct:        0.03,
		MaxConcurrentPositions: 3,
		MinMarginUSDT:          50,
		LeverageMin:            10,
		LeverageMax:            20,
		AIEnabled:              true,
		AIWeight:               0.35,
		AILearningRate:         0.05,
		AIL2:                   1e-6,
		AIModelKey:             "AI_MODEL_SETUP_B",
		TakeProfitRelabel:      true,
	}
}

func newTestEngine(cfg config.StrategyConfig, store Store, venue exchange.Client, locker Locker) *Engine {
	log := logging.NewNop()
	return New(cfg, store, venue, locker, notification.NewManager(log), log, "test-1")
}

func buyRow(symbol string, openTime int64, price float64) *database.CacheRow {
	return &database.CacheRow{
		Symbol:          symbol,
		IntervalMinutes: 15,
		OpenTimeMS:      openTime,
		LastPrice:       decimal.NewFromFloat(price),
		EMA7:            fptr(price * 1.01),
		EMA25:           fptr(price),
		RSI14:           fptr(55),
	}
}

func sellRow(symbol string, openTime int64, price float64) *database.CacheRow {
	row := buyRow(symbol, openTime, price)
	row.EMA7 = fptr(price * 0.99)
	return row
}

func TestTickOpensPositionOnBuySignal(t *testing.T) {
	store := newFakeStore()
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)

	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0.0004})
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))

	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	if !paper.PositionQty("BTCUSDT").IsPositive() {
		t.Fatal("no position opened on the paper venue")
	}
	pos, held := store.positions["BTCUSDT"]
	if !held {
		t.Fatal("no position snapshot saved")
	}
	// trend half saturated, rsi 55 headroom (70-55)/40*50 = 18.75,
	// score 68.75 -> leverage round(10 + 10*0.6875) = 17, qty 50*17/100 = 8.5
	if pos.Leverage != 17 {
		t.Errorf("leverage = %d, want 17", pos.Leverage)
	}
	if want := decimal.RequireFromString("8.5"); !pos.Qty.Equal(want) {
		t.Errorf("qty = %s, want %s", pos.Qty, want)
	}
	if got := len(store.eventsOfType(database.EventCreated)); got != 1 {
		t.Errorf("CREATED events = %d, want 1", got)
	}
	if got := len(store.eventsOfType(database.EventFilled)); got != 1 {
		t.Errorf("FILLED events = %d, want 1", got)
	}
	if len(store.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(store.trades))
	}
	if len(store.trades[0].Features) == 0 {
		t.Error("trade logged without entry features")
	}
	if store.beats == 0 {
		t.Error("no heartbeat written")
	}
}

func TestTickClosesOnSellSignalWithTakeProfitRelabel(t *testing.T) {
	store := newFakeStore()
	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})

	// open first at 100
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())
	if len(store.trades) != 1 {
		t.Fatalf("setup failed, trades = %d", len(store.trades))
	}

	// next bar: trend flips while the price is up
	store.cache["BTCUSDT"] = sellRow("BTCUSDT", 1700000900000, 110)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(110))
	seenBefore := eng.model.Seen
	eng.RunTick(context.Background(), time.Now())

	if !paper.PositionQty("BTCUSDT").IsZero() {
		t.Fatal("paper position not flattened")
	}
	if len(store.closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(store.closed))
	}
	closed := store.closed[0]
	if closed.ReasonCode != database.ReasonTakeProfit {
		t.Errorf("reason = %q, want %q", closed.ReasonCode, database.ReasonTakeProfit)
	}
	if closed.PnL == nil || !closed.PnL.IsPositive() {
		t.Errorf("pnl = %v, want positive", closed.PnL)
	}
	if _, held := store.positions["BTCUSDT"]; held {
		t.Error("position snapshot not zeroed")
	}
	if eng.model.Seen != seenBefore+1 {
		t.Errorf("model seen = %d, want %d", eng.model.Seen, seenBefore+1)
	}
}

func TestTradeLogCarriesEntryAndExitContext(t *testing.T) {
	store := newFakeStore()
	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})

	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())
	if len(store.trades) != 1 {
		t.Fatalf("setup failed, trades = %d", len(store.trades))
	}

	trade := store.trades[0]
	if trade.Leverage == nil || *trade.Leverage != 17 {
		t.Errorf("leverage = %v, want 17", trade.Leverage)
	}
	// trend half saturated (50) + rsi 55 headroom 18.75
	if trade.RobotScore == nil || *trade.RobotScore != 68.75 {
		t.Errorf("robot score = %v, want 68.75", trade.RobotScore)
	}
	if trade.AIProb == nil {
		t.Error("ai prob not persisted")
	}
	if trade.StopDistPct == nil || *trade.StopDistPct != 0.03 {
		t.Errorf("stop dist = %v, want 0.03", trade.StopDistPct)
	}
	if trade.StopPrice == nil || !trade.StopPrice.Equal(decimal.RequireFromString("97")) {
		t.Errorf("stop price = %v, want 97", trade.StopPrice)
	}
	if trade.ReasonCodeOpen == nil || *trade.ReasonCodeOpen != database.ReasonStrategySignal {
		t.Errorf("open reason = %v, want %q", trade.ReasonCodeOpen, database.ReasonStrategySignal)
	}
	if trade.TraceID == nil || *trade.TraceID == "" {
		t.Error("trade logged without a trace id")
	}
	if trade.EntryTimeMS == nil || *trade.EntryTimeMS != 1700000000000 {
		t.Errorf("entry time = %v, want 1700000000000", trade.EntryTimeMS)
	}

	// next bar flips the trend, trade closes with the exit-side context
	store.cache["BTCUSDT"] = sellRow("BTCUSDT", 1700000900000, 110)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(110))
	eng.RunTick(context.Background(), time.Now())

	if len(store.closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(store.closed))
	}
	if store.closed[0].ExitTimeMS != 1700000900000 {
		t.Errorf("exit time = %d, want 1700000900000", store.closed[0].ExitTimeMS)
	}
	if store.closed[0].ClientOrderIDClose == "" {
		t.Error("close persisted without a client order id")
	}
}

func TestAIDisabledScoresOnRobotAlone(t *testing.T) {
	store := newFakeStore()
	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})

	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))

	cfg := testStrategyConfig("BTCUSDT")
	cfg.AIEnabled = false
	eng := newTestEngine(cfg, store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	if len(store.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(store.trades))
	}
	if store.trades[0].AIProb == nil || *store.trades[0].AIProb != 0 {
		t.Errorf("ai prob = %v, want 0 with the model off", store.trades[0].AIProb)
	}

	// the close must not train the model either
	store.cache["BTCUSDT"] = sellRow("BTCUSDT", 1700000900000, 110)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(110))
	eng.RunTick(context.Background(), time.Now())

	if len(store.closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(store.closed))
	}
	if eng.model.Seen != 0 {
		t.Errorf("model seen = %d, want 0 with the model off", eng.model.Seen)
	}
}

func TestModelHyperparamsComeFromConfig(t *testing.T) {
	store := newFakeStore()
	cfg := testStrategyConfig("BTCUSDT")
	cfg.AILearningRate = 0.01
	cfg.AIL2 = 0.0001
	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	eng := newTestEngine(cfg, store, paper, &fakeLocker{})
	eng.LoadModel(context.Background())

	if eng.model.LR != 0.01 || eng.model.L2 != 0.0001 {
		t.Errorf("model lr/l2 = %v/%v, want 0.01/0.0001", eng.model.LR, eng.model.L2)
	}
}

func TestHeartbeatWrittenWhenFlagReadFails(t *testing.T) {
	store := newFakeStore()
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)
	store.flagErr = errors.New("db gone")

	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	if len(store.events) != 0 {
		t.Errorf("events on a failed tick = %d, want 0", len(store.events))
	}
	if store.beats != 1 {
		t.Errorf("heartbeats = %d, want 1 even when the tick bails", store.beats)
	}
}

func TestHardStopPrecedesBuySignal(t *testing.T) {
	store := newFakeStore()
	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})

	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())
	if _, held := store.positions["BTCUSDT"]; !held {
		t.Fatal("setup failed, no position opened")
	}

	// bar still signals BUY but the close crashed through the stop
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000900000, 96)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(96))
	eng.RunTick(context.Background(), time.Now())

	if !paper.PositionQty("BTCUSDT").IsZero() {
		t.Fatal("stop loss did not flatten the position")
	}
	if len(store.closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(store.closed))
	}
	if store.closed[0].ReasonCode != database.ReasonStopLoss {
		t.Errorf("reason = %q, want %q", store.closed[0].ReasonCode, database.ReasonStopLoss)
	}
}

func TestEmergencyExitFlattensAndClearsFlag(t *testing.T) {
	store := newFakeStore()
	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})

	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)
	store.cache["ETHUSDT"] = buyRow("ETHUSDT", 1700000000000, 50)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	paper.UpdateLastPrice("ETHUSDT", decimal.NewFromInt(50))
	eng := newTestEngine(testStrategyConfig("BTCUSDT", "ETHUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())
	if len(store.positions) != 2 {
		t.Fatalf("setup failed, positions = %d", len(store.positions))
	}

	store.flags[database.KeyEmergencyExit] = true
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000900000, 100)
	store.cache["ETHUSDT"] = buyRow("ETHUSDT", 1700000900000, 50)
	eng.RunTick(context.Background(), time.Now())

	if len(store.positions) != 0 {
		t.Errorf("positions after emergency = %d, want 0", len(store.positions))
	}
	if store.flags[database.KeyEmergencyExit] {
		t.Error("emergency flag not cleared after the tick")
	}
	var cleared *database.ConfigAuditEntry
	for i := range store.audits {
		if store.audits[i].Key == database.KeyEmergencyExit {
			cleared = &store.audits[i]
		}
	}
	if cleared == nil {
		t.Fatal("no audit row for the flag clear")
	}
	if cleared.NewValue != "false" || cleared.ReasonCode != database.ReasonEmergencyExit {
		t.Errorf("audit = %+v", cleared)
	}
	for _, c := range store.closed {
		if c.ReasonCode != database.ReasonEmergencyExit {
			t.Errorf("close reason = %q, want %q", c.ReasonCode, database.ReasonEmergencyExit)
		}
	}
}

func TestEmergencyExitOverridesHalt(t *testing.T) {
	store := newFakeStore()
	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})

	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	store.flags[database.KeyHaltTrading] = true
	store.flags[database.KeyEmergencyExit] = true
	eng.RunTick(context.Background(), time.Now())

	if len(store.positions) != 0 {
		t.Error("emergency exit did not run under halt")
	}
}

func TestHaltSkipsTrading(t *testing.T) {
	store := newFakeStore()
	store.flags[database.KeyHaltTrading] = true
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)

	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	if len(store.events) != 0 {
		t.Errorf("events during halt = %d, want 0", len(store.events))
	}
	if store.beats != 1 {
		t.Errorf("heartbeats = %d, want 1", store.beats)
	}
}

func TestNoEntriesWhenSlotsExhausted(t *testing.T) {
	store := newFakeStore()
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)

	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))

	cfg := testStrategyConfig("BTCUSDT")
	cfg.MaxConcurrentPositions = 0
	eng := newTestEngine(cfg, store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	if len(store.positions) != 0 {
		t.Error("entry opened with zero position slots")
	}
	if len(store.events) != 0 {
		t.Errorf("events = %d, want 0", len(store.events))
	}
}

func TestCandidateRankingFillsLastSlotWithBestScore(t *testing.T) {
	store := newFakeStore()
	// ETH has the larger relative EMA gap and the lower RSI: higher score
	btc := buyRow("BTCUSDT", 1700000000000, 100)
	btc.EMA7 = fptr(100.02)
	btc.RSI14 = fptr(65)
	eth := buyRow("ETHUSDT", 1700000000000, 50)
	eth.EMA7 = fptr(50.04)
	eth.RSI14 = fptr(40)
	store.cache["BTCUSDT"] = btc
	store.cache["ETHUSDT"] = eth

	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	paper.UpdateLastPrice("ETHUSDT", decimal.NewFromInt(50))

	cfg := testStrategyConfig("BTCUSDT", "ETHUSDT")
	cfg.MaxConcurrentPositions = 1
	eng := newTestEngine(cfg, store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	if len(store.positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(store.positions))
	}
	if _, held := store.positions["ETHUSDT"]; !held {
		t.Error("lower scored symbol took the only slot")
	}
}

func TestLockedSymbolIsSkipped(t *testing.T) {
	store := newFakeStore()
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)

	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))

	locker := &fakeLocker{contended: map[string]bool{"BTCUSDT": true}}
	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, locker)
	eng.RunTick(context.Background(), time.Now())

	if len(store.positions) != 0 {
		t.Error("entry placed on a contended symbol")
	}
}

func TestDuplicateEntryReplaysClientOrderID(t *testing.T) {
	store := newFakeStore()
	store.cache["BTCUSDT"] = buyRow("BTCUSDT", 1700000000000, 100)

	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))
	eng := newTestEngine(testStrategyConfig("BTCUSDT"), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	qtyAfterFirst := paper.PositionQty("BTCUSDT")

	// same bar reprocessed after a crash: position row lost, cache unchanged
	delete(store.positions, "BTCUSDT")
	eng.RunTick(context.Background(), time.Now())

	if !paper.PositionQty("BTCUSDT").Equal(qtyAfterFirst) {
		t.Errorf("qty after replay = %s, want %s (venue must replay, not refill)",
			paper.PositionQty("BTCUSDT"), qtyAfterFirst)
	}
}

func TestReconcileAppendsObservationForUnknownOrder(t *testing.T) {
	store := newFakeStore()
	store.stale = []database.OrderEvent{{
		Exchange:      "paper",
		Symbol:        "BTCUSDT",
		ClientOrderID: "buy_sb_BTCUSDT_1700000000000",
		EventType:     database.EventSubmitted,
	}}

	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	eng := newTestEngine(testStrategyConfig(), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	obs := store.eventsOfType(database.EventReconciled)
	if len(obs) != 1 {
		t.Fatalf("RECONCILED events = %d, want 1", len(obs))
	}
	if !strings.Contains(string(obs[0].Payload), exchange.StatusUnknown) {
		t.Errorf("payload = %s, want venue status recorded", obs[0].Payload)
	}
	// UNKNOWN maps to no lifecycle event
	if got := len(store.eventsOfType(database.EventFilled)); got != 0 {
		t.Errorf("FILLED events = %d, want 0", got)
	}
}

func TestReconcileMapsFilledOrder(t *testing.T) {
	store := newFakeStore()
	paper := exchange.NewPaperClient(config.PaperConfig{StartingUSDT: 10000, FeePct: 0})
	paper.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(100))

	res, err := paper.PlaceMarketOrder(context.Background(), exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Qty:           decimal.NewFromInt(1),
		ClientOrderID: "buy_sb_BTCUSDT_1700000000000",
	})
	if err != nil {
		t.Fatalf("paper order: %v", err)
	}

	store.stale = []database.OrderEvent{{
		Exchange:      "paper",
		Symbol:        "BTCUSDT",
		ClientOrderID: res.ClientOrderID,
		EventType:     database.EventSubmitted,
	}}

	eng := newTestEngine(testStrategyConfig(), store, paper, &fakeLocker{})
	eng.RunTick(context.Background(), time.Now())

	if got := len(store.eventsOfType(database.EventFilled)); got != 1 {
		t.Errorf("FILLED events = %d, want 1", got)
	}
	if got := len(store.eventsOfType(database.EventReconciled)); got != 1 {
		t.Errorf("RECONCILED events = %d, want 1", got)
	}
}

func TestReconcileEventTypeMapping(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{exchange.StatusFilled, database.EventFilled},
		{exchange.StatusCanceled, database.EventCanceled},
		{exchange.StatusRejected, database.EventError},
		{exchange.StatusExpired, database.EventError},
		{exchange.StatusNew, ""},
		{exchange.StatusPartially, ""},
		{exchange.StatusUnknown, ""},
	}
	for _, tt := range tests {
		if got := reconcileEventType(tt.status); got != tt.want {
			t.Errorf("reconcileEventType(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestNextTickSleepAligns(t *testing.T) {
	now := time.Unix(1000, 0)
	got := nextTickSleep(now, 15*time.Minute)
	// next multiple of 900s after 1000 is 1800
	if got != 800*time.Second {
		t.Errorf("sleep = %v, want 800s", got)
	}

	now = time.Unix(900, 500_000_000)
	got = nextTickSleep(now, 15*time.Minute)
	if got != 900*time.Second-500*time.Millisecond {
		t.Errorf("sleep = %v, want 899.5s", got)
	}
}

func TestAlignedTickID(t *testing.T) {
	if got := alignedTickID(time.Unix(1850, 123), 15*time.Minute); got != 1800 {
		t.Errorf("tick id = %d, want 1800", got)
	}
}
