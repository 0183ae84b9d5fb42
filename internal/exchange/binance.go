package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/exchange/ratelimit"
	"perp-trading-bot/internal/logging"
)

// Budget names registered per venue.
const (
	BudgetBinancePublic = "binance_public"
	BudgetBinanceOrders = "binance_orders"
)

const (
	binanceMaxRetries     = 3
	binanceBaseRetryDelay = 500 * time.Millisecond
	orderPollTimeout      = 10 * time.Second
	orderPollInterval     = 500 * time.Millisecond
)

// BinanceClient talks to the Binance USDT-M futures REST API.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	log        *logging.Logger

	mu       sync.Mutex
	prepared map[string]int // symbol -> leverage already applied
}

func NewBinanceClient(cfg config.VenueConfig, limiter *ratelimit.Limiter, log *logging.Logger) *BinanceClient {
	limiter.RegisterBudget(BudgetBinancePublic, 20, 40)
	limiter.RegisterBudget(BudgetBinanceOrders, 5, 10)
	return &BinanceClient{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		recvWindow: cfg.RecvWindowMS,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		log:        log.WithComponent("binance"),
		prepared:   make(map[string]int),
	}
}

func (c *BinanceClient) Name() string { return "binance" }

// FetchKlines returns up to limit candles starting at startMS, ascending.
func (c *BinanceClient) FetchKlines(ctx context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]Kline, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	params := map[string]string{
		"symbol":   symbol,
		"interval": binanceInterval(intervalMinutes),
		"limit":    strconv.Itoa(limit),
	}
	if startMS > 0 {
		params["startTime"] = strconv.FormatInt(startMS, 10)
	}

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/klines", params, false, BudgetBinancePublic, 5)
	if err != nil {
		return nil, err
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		var k Kline
		if err := json.Unmarshal(row[0], &k.OpenTimeMS); err != nil {
			return nil, fmt.Errorf("parse kline open time: %w", err)
		}
		if err := json.Unmarshal(row[6], &k.CloseTimeMS); err != nil {
			return nil, fmt.Errorf("parse kline close time: %w", err)
		}
		for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("parse kline field %d: %w", i+1, err)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse kline value %q: %w", s, err)
			}
			*dst = v
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// EnsureIsolatedLeverage switches the symbol to isolated margin and applies
// the leverage. Results are cached so repeat entries skip the round trips.
func (c *BinanceClient) EnsureIsolatedLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	if c.prepared[symbol] == leverage {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err := c.request(ctx, http.MethodPost, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": "ISOLATED",
	}, true, BudgetBinanceOrders, 1)
	if err != nil {
		var ee *ExchangeError
		// -4046: margin type already set
		if !errors.As(err, &ee) || ee.Code != -4046 {
			return fmt.Errorf("set margin type: %w", err)
		}
	}

	_, err = c.request(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}, true, BudgetBinanceOrders, 1)
	if err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}

	c.mu.Lock()
	c.prepared[symbol] = leverage
	c.mu.Unlock()
	return nil
}

// PlaceMarketOrder submits a market order and polls it to a terminal status
// for up to 10 seconds. A still-working order is returned as-is.
func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             req.Side,
		"type":             "MARKET",
		"quantity":         req.Qty.String(),
		"newClientOrderId": req.ClientOrderID,
		"newOrderRespType": "RESULT",
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, BudgetBinanceOrders, 1)
	if err != nil {
		return nil, err
	}

	var resp binanceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	result := resp.toResult()
	if IsTerminalStatus(result.Status) {
		return result, nil
	}
	return c.pollOrder(ctx, req.Symbol, req.ClientOrderID, result)
}

// GetOrderStatus looks an order up by its client order id.
func (c *BinanceClient) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/order", map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}, true, BudgetBinancePublic, 1)
	if err != nil {
		return nil, err
	}
	var resp binanceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}
	return resp.toResult(), nil
}

// FetchSettlement sums realized pnl and commission over the fills of one
// order. Fee is nil when any commission was charged in a non-USDT asset.
func (c *BinanceClient) FetchSettlement(ctx context.Context, symbol, exchangeOrderID string) (*Settlement, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/userTrades", map[string]string{
		"symbol":  symbol,
		"orderId": exchangeOrderID,
	}, true, BudgetBinancePublic, 5)
	if err != nil {
		return nil, err
	}

	var fills []struct {
		RealizedPnl     string `json:"realizedPnl"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	}
	if err := json.Unmarshal(body, &fills); err != nil {
		return nil, fmt.Errorf("parse user trades: %w", err)
	}
	if len(fills) == 0 {
		return nil, nil
	}

	pnl := decimal.Zero
	fee := decimal.Zero
	feeKnown := true
	for _, f := range fills {
		p, err := decimal.NewFromString(f.RealizedPnl)
		if err != nil {
			return nil, fmt.Errorf("parse realizedPnl %q: %w", f.RealizedPnl, err)
		}
		pnl = pnl.Add(p)
		if f.CommissionAsset != "USDT" {
			feeKnown = false
			continue
		}
		cm, err := decimal.NewFromString(f.Commission)
		if err != nil {
			return nil, fmt.Errorf("parse commission %q: %w", f.Commission, err)
		}
		fee = fee.Add(cm.Abs())
	}

	s := &Settlement{PnL: pnl.Sub(fee)}
	if feeKnown {
		f := fee
		s.Fee = &f
	} else {
		s.PnL = pnl
	}
	return s, nil
}

func (c *BinanceClient) pollOrder(ctx context.Context, symbol, clientOrderID string, last *OrderResult) (*OrderResult, error) {
	deadline := time.Now().Add(orderPollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(orderPollInterval):
		}
		res, err := c.GetOrderStatus(ctx, symbol, clientOrderID)
		if err != nil {
			c.log.Warn().Err(err).Str("client_order_id", clientOrderID).Msg("order poll failed")
			continue
		}
		last = res
		if IsTerminalStatus(res.Status) {
			return res, nil
		}
	}
	return last, nil
}

type binanceOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

func (r binanceOrderResponse) toResult() *OrderResult {
	res := &OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Status:          r.Status,
	}
	if q, err := decimal.NewFromString(r.ExecutedQty); err == nil {
		res.ExecutedQty = q
	}
	if p, err := decimal.NewFromString(r.AvgPrice); err == nil {
		res.AvgPrice = p
	}
	if res.Status == "" {
		res.Status = StatusUnknown
	}
	return res
}

// request performs one REST call with the retry/backoff loop shared by every
// endpoint. Signed requests get timestamp, recvWindow and an HMAC signature
// over the canonical query string.
func (c *BinanceClient) request(ctx context.Context, method, path string, params map[string]string, signed bool, budget string, weight int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= binanceMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(binanceBaseRetryDelay * time.Duration(1<<(attempt-1))):
			}
		}
		if err := c.limiter.Acquire(ctx, budget, weight); err != nil {
			return nil, err
		}

		body, err := c.doOnce(ctx, method, path, params, signed)
		if err == nil {
			c.limiter.OnSuccess()
			return body, nil
		}
		lastErr = err

		var rl *RateLimitError
		switch {
		case errors.As(err, &rl):
			c.limiter.OnRateLimited(rl.RetryAfter)
			continue
		case IsTemporary(err):
			continue
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *BinanceClient) doOnce(ctx context.Context, method, path string, params map[string]string, signed bool) ([]byte, error) {
	query := make(url.Values, len(params)+2)
	for k, v := range params {
		query.Set(k, v)
	}
	if signed {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query.Set("recvWindow", strconv.Itoa(c.recvWindow))
	}
	qs := canonicalQuery(query)
	if signed {
		qs = qs + "&signature=" + c.sign(qs)
	}

	reqURL := c.baseURL + path
	var reqBody io.Reader
	if method == http.MethodGet {
		reqURL += "?" + qs
	} else {
		reqBody = strings.NewReader(qs)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TemporaryError{Venue: "binance", Err: err}
	}
	defer resp.Body.Close()

	if used := headerInt(resp.Header, "X-Mbx-Used-Weight-1m"); used > 0 {
		c.limiter.UpdateFromHeaders(used, 2400)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TemporaryError{Venue: "binance", Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}
	return nil, c.classify(resp, body)
}

func (c *BinanceClient) classify(resp *http.Response, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return &RateLimitError{Venue: "binance", RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		return &TemporaryError{Venue: "binance", Err: fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Msg)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
		apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022:
		return &AuthError{Venue: "binance", Code: apiErr.Code, Msg: apiErr.Msg}
	case apiErr.Code == -1003:
		return &RateLimitError{Venue: "binance", RetryAfter: retryAfter(resp.Header)}
	default:
		return &ExchangeError{Venue: "binance", Code: apiErr.Code, Msg: apiErr.Msg}
	}
}

func (c *BinanceClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery encodes values with sorted keys so the signed string is
// stable for a given parameter set.
func canonicalQuery(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v.Get(k)))
	}
	return b.String()
}

func binanceInterval(minutes int) string {
	switch {
	case minutes < 60:
		return fmt.Sprintf("%dm", minutes)
	case minutes%1440 == 0:
		return fmt.Sprintf("%dd", minutes/1440)
	case minutes%60 == 0:
		return fmt.Sprintf("%dh", minutes/60)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

func retryAfter(h http.Header) time.Duration {
	if s := h.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func headerInt(h http.Header, key string) int {
	if s := h.Get(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return 0
}

