package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EXCHANGE", "paper")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.Venue != "paper" {
		t.Errorf("venue = %q, want paper", cfg.Exchange.Venue)
	}
	if cfg.Strategy.TickPeriod != 900*time.Second {
		t.Errorf("tick period = %v, want 15m", cfg.Strategy.TickPeriod)
	}
	if cfg.Strategy.HardStopLossPct != 0.03 {
		t.Errorf("stop loss pct = %v, want 0.03", cfg.Strategy.HardStopLossPct)
	}
	if cfg.Strategy.LeverageMin != 10 || cfg.Strategy.LeverageMax != 20 {
		t.Errorf("leverage range = %d..%d, want 10..20",
			cfg.Strategy.LeverageMin, cfg.Strategy.LeverageMax)
	}
	if cfg.Exchange.BybitPositionIdx != -1 {
		t.Errorf("position idx = %d, want -1 (unset)", cfg.Exchange.BybitPositionIdx)
	}
	if !cfg.Strategy.AIEnabled {
		t.Error("ai enabled = false, want true by default")
	}
	if cfg.Strategy.AILearningRate != 0.05 || cfg.Strategy.AIL2 != 1e-6 {
		t.Errorf("ai hyperparams = %v/%v, want 0.05/1e-6",
			cfg.Strategy.AILearningRate, cfg.Strategy.AIL2)
	}
}

func TestLoadAIKnobs(t *testing.T) {
	t.Setenv("EXCHANGE", "paper")
	t.Setenv("AI_ENABLED", "false")
	t.Setenv("AI_WEIGHT", "0.5")
	t.Setenv("AI_LR", "0.01")
	t.Setenv("AI_L2", "0.0001")
	t.Setenv("AUTO_LEVERAGE_MIN", "5")
	t.Setenv("AUTO_LEVERAGE_MAX", "25")
	t.Setenv("MIN_ORDER_USDT", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Strategy.AIEnabled {
		t.Error("ai enabled = true, want false")
	}
	if cfg.Strategy.AIWeight != 0.5 || cfg.Strategy.AILearningRate != 0.01 || cfg.Strategy.AIL2 != 0.0001 {
		t.Errorf("ai knobs = %v/%v/%v, want 0.5/0.01/0.0001",
			cfg.Strategy.AIWeight, cfg.Strategy.AILearningRate, cfg.Strategy.AIL2)
	}
	if cfg.Strategy.LeverageMin != 5 || cfg.Strategy.LeverageMax != 25 {
		t.Errorf("leverage range = %d..%d, want 5..25",
			cfg.Strategy.LeverageMin, cfg.Strategy.LeverageMax)
	}
	if cfg.Strategy.MinMarginUSDT != 100 {
		t.Errorf("min order usdt = %v, want 100", cfg.Strategy.MinMarginUSDT)
	}
}

func TestLoadSymbolList(t *testing.T) {
	t.Setenv("EXCHANGE", "paper")
	t.Setenv("SYMBOLS", " btcusdt, ETHUSDT ,,solusdt ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if len(cfg.Strategy.Symbols) != len(want) {
		t.Fatalf("symbols = %v, want %v", cfg.Strategy.Symbols, want)
	}
	for i, s := range want {
		if cfg.Strategy.Symbols[i] != s {
			t.Errorf("symbols[%d] = %q, want %q", i, cfg.Strategy.Symbols[i], s)
		}
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown venue", "EXCHANGE", "kraken"},
		{"inverted leverage range", "AUTO_LEVERAGE_MIN", "30"},
		{"weight above one", "AI_WEIGHT", "1.5"},
		{"zero learning rate", "AI_LR", "0"},
		{"negative l2", "AI_L2", "-0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestTickSecondsOverride(t *testing.T) {
	t.Setenv("EXCHANGE", "paper")
	t.Setenv("STRATEGY_TICK_SECONDS", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Strategy.TickPeriod != time.Minute {
		t.Errorf("tick period = %v, want 1m", cfg.Strategy.TickPeriod)
	}
}
