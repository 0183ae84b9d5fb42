package orders

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Actions embedded in a client order id.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionStop = "sl"
	ActionExit = "exit"
)

// DefaultStrategyTag marks orders produced by the Setup-B engine.
const DefaultStrategyTag = "sb"

// maxClientOrderIDLen is the shared ceiling across Binance and Bybit.
const maxClientOrderIDLen = 64

var (
	ErrEmptyAction = errors.New("client order id action is empty")
	ErrEmptySymbol = errors.New("client order id symbol is empty")
	ErrBadOpenTime = errors.New("client order id open time must be positive")
)

// NormalizeSymbol strips separators venues disagree on and uppercases, so
// BTC/USDT, btc-usdt and BTCUSDT all produce the same id component.
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("/", "", "-", "", ":", "", " ", "")
	return strings.ToUpper(r.Replace(symbol))
}

// MakeClientOrderID builds the deterministic id
// "<action>_<tag>_<symbol>_<kline_open_time_ms>". The same decision on the
// same bar always yields the same id, which is what makes order placement
// idempotent across restarts. Ids longer than 64 chars get the symbol
// truncated and a sha1 prefix of the full id appended.
func MakeClientOrderID(action, strategyTag, symbol string, klineOpenTimeMS int64) (string, error) {
	if action == "" {
		return "", ErrEmptyAction
	}
	if strategyTag == "" {
		strategyTag = DefaultStrategyTag
	}
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return "", ErrEmptySymbol
	}
	if klineOpenTimeMS <= 0 {
		return "", ErrBadOpenTime
	}

	id := fmt.Sprintf("%s_%s_%s_%d", action, strategyTag, sym, klineOpenTimeMS)
	if len(id) <= maxClientOrderIDLen {
		return id, nil
	}

	sum := sha1.Sum([]byte(id))
	digest := hex.EncodeToString(sum[:])[:10]
	if len(sym) > 10 {
		sym = sym[:10]
	}
	short := fmt.Sprintf("%s_%s_%s_%d_%s", action, strategyTag, sym, klineOpenTimeMS, digest)
	if len(short) > maxClientOrderIDLen {
		short = short[:maxClientOrderIDLen]
	}
	return short, nil
}

// NewTraceID returns a prefixed uuid used to stitch one tick's rows together
// across order events, snapshots and audits.
func NewTraceID(prefix string) string {
	if prefix == "" {
		prefix = "trace"
	}
	return prefix + "-" + uuid.NewString()
}
