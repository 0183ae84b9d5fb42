package exchange

import (
	"net/url"
	"testing"
)

func TestCanonicalQuerySortsKeys(t *testing.T) {
	v := url.Values{}
	v.Set("symbol", "BTCUSDT")
	v.Set("side", "BUY")
	v.Set("quantity", "0.001")

	got := canonicalQuery(v)
	want := "quantity=0.001&side=BUY&symbol=BTCUSDT"
	if got != want {
		t.Errorf("canonicalQuery = %q, want %q", got, want)
	}
}

func TestCanonicalQueryIsStable(t *testing.T) {
	v := url.Values{}
	v.Set("b", "2")
	v.Set("a", "1")
	v.Set("c", "3")
	first := canonicalQuery(v)
	for i := 0; i < 10; i++ {
		if got := canonicalQuery(v); got != first {
			t.Fatalf("canonicalQuery unstable: %q vs %q", got, first)
		}
	}
}

func TestBinanceInterval(t *testing.T) {
	tests := []struct {
		minutes int
		want    string
	}{
		{1, "1m"},
		{15, "15m"},
		{60, "1h"},
		{240, "4h"},
		{1440, "1d"},
	}
	for _, tt := range tests {
		if got := binanceInterval(tt.minutes); got != tt.want {
			t.Errorf("binanceInterval(%d) = %q, want %q", tt.minutes, got, tt.want)
		}
	}
}

func TestIsTerminalStatus(t *testing.T) {
	terminal := []string{StatusFilled, StatusCanceled, StatusRejected, StatusExpired}
	for _, s := range terminal {
		if !IsTerminalStatus(s) {
			t.Errorf("IsTerminalStatus(%s) = false, want true", s)
		}
	}
	for _, s := range []string{StatusNew, StatusPartially, StatusUnknown, ""} {
		if IsTerminalStatus(s) {
			t.Errorf("IsTerminalStatus(%s) = true, want false", s)
		}
	}
}

func TestBinanceOrderResponseToResult(t *testing.T) {
	r := binanceOrderResponse{
		OrderID:       12345,
		ClientOrderID: "buy_sb_BTCUSDT_1700000000000",
		Status:        "FILLED",
		ExecutedQty:   "0.002000",
		AvgPrice:      "43201.10",
	}
	res := r.toResult()
	if res.ExchangeOrderID != "12345" {
		t.Errorf("exchange order id = %q", res.ExchangeOrderID)
	}
	if res.Status != StatusFilled {
		t.Errorf("status = %q, want FILLED", res.Status)
	}
	if res.ExecutedQty.String() != "0.002" {
		t.Errorf("executed qty = %s, want 0.002", res.ExecutedQty)
	}
}
