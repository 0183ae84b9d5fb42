package orders

import (
	"strings"
	"testing"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTCUSDT"},
		{"btcusdt", "BTCUSDT"},
		{"BTC/USDT", "BTCUSDT"},
		{"btc-usdt", "BTCUSDT"},
		{"BTC:USDT", "BTCUSDT"},
		{" BTC USDT ", "BTCUSDT"},
	}
	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMakeClientOrderIDFormat(t *testing.T) {
	id, err := MakeClientOrderID(ActionBuy, "", "BTC/USDT", 1700000000000)
	if err != nil {
		t.Fatalf("MakeClientOrderID: %v", err)
	}
	if id != "buy_sb_BTCUSDT_1700000000000" {
		t.Errorf("id = %q", id)
	}
}

func TestMakeClientOrderIDDeterministic(t *testing.T) {
	a, _ := MakeClientOrderID(ActionSell, DefaultStrategyTag, "ETHUSDT", 1700000000000)
	b, _ := MakeClientOrderID(ActionSell, DefaultStrategyTag, "ETHUSDT", 1700000000000)
	if a != b {
		t.Errorf("same inputs produced %q and %q", a, b)
	}
	c, _ := MakeClientOrderID(ActionSell, DefaultStrategyTag, "ETHUSDT", 1700000900000)
	if a == c {
		t.Error("different bars must produce different ids")
	}
}

func TestMakeClientOrderIDLengthCap(t *testing.T) {
	longSym := strings.Repeat("LONGSYMBOL", 8)
	id, err := MakeClientOrderID(ActionBuy, "verylongstrategytag", longSym, 1700000000000)
	if err != nil {
		t.Fatalf("MakeClientOrderID: %v", err)
	}
	if len(id) > 64 {
		t.Errorf("id length = %d, want <= 64", len(id))
	}
	// shortened ids stay deterministic too
	again, _ := MakeClientOrderID(ActionBuy, "verylongstrategytag", longSym, 1700000000000)
	if id != again {
		t.Error("shortened id not deterministic")
	}
}

func TestMakeClientOrderIDValidation(t *testing.T) {
	if _, err := MakeClientOrderID("", "sb", "BTCUSDT", 1); err != ErrEmptyAction {
		t.Errorf("empty action: err = %v, want ErrEmptyAction", err)
	}
	if _, err := MakeClientOrderID(ActionBuy, "sb", "  ", 1); err != ErrEmptySymbol {
		t.Errorf("empty symbol: err = %v, want ErrEmptySymbol", err)
	}
	if _, err := MakeClientOrderID(ActionBuy, "sb", "BTCUSDT", 0); err != ErrBadOpenTime {
		t.Errorf("zero open time: err = %v, want ErrBadOpenTime", err)
	}
}

func TestNewTraceID(t *testing.T) {
	a := NewTraceID("tick")
	b := NewTraceID("tick")
	if a == b {
		t.Error("trace ids must be unique")
	}
	if !strings.HasPrefix(a, "tick-") {
		t.Errorf("trace id %q missing prefix", a)
	}
	if !strings.HasPrefix(NewTraceID(""), "trace-") {
		t.Error("empty prefix should default to trace-")
	}
}
