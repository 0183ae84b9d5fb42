package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
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

const (
	BudgetBybitPublic  = "bybit_public"
	BudgetBybitPrivate = "bybit_private"
)

const (
	bybitMaxRetries       = 3
	bybitBaseRetryDelay   = 500 * time.Millisecond
	closedPnLWindow       = 15 * time.Minute
	closedPnLPollDeadline = 12 * time.Second
	closedPnLPollInterval = 300 * time.Millisecond
)

// BybitClient talks to the Bybit V5 linear perpetual REST API.
type BybitClient struct {
	apiKey      string
	secretKey   string
	baseURL     string
	recvWindow  int
	category    string
	positionIdx int // sent on orders only when >= 0
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
	log         *logging.Logger

	mu       sync.Mutex
	prepared map[string]int
}

func NewBybitClient(cfg config.VenueConfig, category string, positionIdx int, limiter *ratelimit.Limiter, log *logging.Logger) *BybitClient {
	limiter.RegisterBudget(BudgetBybitPublic, 10, 10)
	limiter.RegisterBudget(BudgetBybitPrivate, 5, 5)
	return &BybitClient{
		apiKey:      cfg.APIKey,
		secretKey:   cfg.SecretKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		recvWindow:  cfg.RecvWindowMS,
		category:    category,
		positionIdx: positionIdx,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     limiter,
		log:         log.WithComponent("bybit"),
		prepared:    make(map[string]int),
	}
}

func (c *BybitClient) Name() string { return "bybit" }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// FetchKlines returns candles ascending. Bybit reports them newest first,
// so the page is reversed before returning.
func (c *BybitClient) FetchKlines(ctx context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]Kline, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	params := map[string]string{
		"category": c.category,
		"symbol":   symbol,
		"interval": bybitInterval(intervalMinutes),
		"limit":    strconv.Itoa(limit),
	}
	if startMS > 0 {
		params["start"] = strconv.FormatInt(startMS, 10)
	}

	result, err := c.request(ctx, http.MethodGet, "/v5/market/kline", params, nil, false, BudgetBybitPublic)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	intervalMS := int64(intervalMinutes) * 60_000
	klines := make([]Kline, 0, len(payload.List))
	for i := len(payload.List) - 1; i >= 0; i-- {
		row := payload.List[i]
		if len(row) < 6 {
			continue
		}
		var k Kline
		ot, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse kline start %q: %w", row[0], err)
		}
		k.OpenTimeMS = ot
		k.CloseTimeMS = ot + intervalMS - 1
		for j, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
			v, err := strconv.ParseFloat(row[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("parse kline value %q: %w", row[j+1], err)
			}
			*dst = v
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// EnsureIsolatedLeverage switches the symbol to isolated margin with the
// given leverage on both sides. Venue rejections for "already set" are
// benign and ignored.
func (c *BybitClient) EnsureIsolatedLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	if c.prepared[symbol] == leverage {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	lev := strconv.Itoa(leverage)
	_, err := c.request(ctx, http.MethodPost, "/v5/position/switch-isolated", nil, map[string]string{
		"category":     c.category,
		"symbol":       symbol,
		"tradeMode":    "1",
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, true, BudgetBybitPrivate)
	if err != nil {
		var ee *ExchangeError
		if !errors.As(err, &ee) {
			return fmt.Errorf("switch isolated: %w", err)
		}
		// business rejections here mean the mode/leverage already matches
	}

	c.mu.Lock()
	c.prepared[symbol] = leverage
	c.mu.Unlock()
	return nil
}

// bybitOrderBody is the order create payload. The V5 signature covers the
// exact JSON bytes, so field types and order are part of the wire contract:
// reduceOnly is a real boolean and positionIdx an integer.
type bybitOrderBody struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	TimeInForce string `json:"timeInForce"`
	OrderLinkID string `json:"orderLinkId"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	PositionIdx *int   `json:"positionIdx,omitempty"`
}

// PlaceMarketOrder submits a market order and polls it to a terminal status
// for up to 10 seconds.
func (c *BybitClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	body := bybitOrderBody{
		Category:    c.category,
		Symbol:      req.Symbol,
		Side:        bybitSide(req.Side),
		OrderType:   "Market",
		Qty:         req.Qty.String(),
		TimeInForce: "GTC",
		OrderLinkID: req.ClientOrderID,
		ReduceOnly:  req.ReduceOnly,
	}
	if c.positionIdx >= 0 {
		idx := c.positionIdx
		body.PositionIdx = &idx
	}

	result, err := c.request(ctx, http.MethodPost, "/v5/order/create", nil, body, true, BudgetBybitPrivate)
	if err != nil {
		return nil, err
	}

	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return nil, fmt.Errorf("parse order create: %w", err)
	}

	last := &OrderResult{
		ExchangeOrderID: created.OrderID,
		ClientOrderID:   created.OrderLinkID,
		Status:          StatusNew,
	}
	deadline := time.Now().Add(orderPollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(orderPollInterval):
		}
		res, err := c.GetOrderStatus(ctx, req.Symbol, req.ClientOrderID)
		if err != nil {
			c.log.Warn().Err(err).Str("client_order_id", req.ClientOrderID).Msg("order poll failed")
			continue
		}
		if res.ExchangeOrderID == "" {
			res.ExchangeOrderID = created.OrderID
		}
		last = res
		if IsTerminalStatus(res.Status) {
			return res, nil
		}
	}
	return last, nil
}

// GetOrderStatus looks an order up by its order link id.
func (c *BybitClient) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	result, err := c.request(ctx, http.MethodGet, "/v5/order/realtime", map[string]string{
		"category":    c.category,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}, nil, true, BudgetBybitPrivate)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}
	if len(payload.List) == 0 {
		return &OrderResult{ClientOrderID: clientOrderID, Status: StatusUnknown}, nil
	}

	o := payload.List[0]
	res := &OrderResult{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.OrderLinkID,
		Status:          normalizeBybitStatus(o.OrderStatus),
	}
	if q, err := decimal.NewFromString(o.CumExecQty); err == nil {
		res.ExecutedQty = q
	}
	if p, err := decimal.NewFromString(o.AvgPrice); err == nil {
		res.AvgPrice = p
	}
	return res, nil
}

// FetchSettlement polls the closed-pnl endpoint for up to 12 seconds looking
// for the record matching the close order, over a 15 minute window.
func (c *BybitClient) FetchSettlement(ctx context.Context, symbol, exchangeOrderID string) (*Settlement, error) {
	now := time.Now()
	params := map[string]string{
		"category":  c.category,
		"symbol":    symbol,
		"startTime": strconv.FormatInt(now.Add(-closedPnLWindow).UnixMilli(), 10),
		"endTime":   strconv.FormatInt(now.UnixMilli(), 10),
		"limit":     "50",
	}

	deadline := now.Add(closedPnLPollDeadline)
	for {
		result, err := c.request(ctx, http.MethodGet, "/v5/position/closed-pnl", params, nil, true, BudgetBybitPrivate)
		if err != nil {
			return nil, err
		}

		var payload struct {
			List []struct {
				OrderID   string `json:"orderId"`
				ClosedPnl string `json:"closedPnl"`
				OpenFee   string `json:"openFee"`
				CloseFee  string `json:"closeFee"`
			} `json:"list"`
		}
		if err := json.Unmarshal(result, &payload); err != nil {
			return nil, fmt.Errorf("parse closed pnl: %w", err)
		}

		for _, rec := range payload.List {
			if rec.OrderID != exchangeOrderID {
				continue
			}
			pnl, err := decimal.NewFromString(rec.ClosedPnl)
			if err != nil {
				return nil, fmt.Errorf("parse closedPnl %q: %w", rec.ClosedPnl, err)
			}
			fee := decimal.Zero
			for _, s := range []string{rec.OpenFee, rec.CloseFee} {
				if s == "" {
					continue
				}
				f, err := decimal.NewFromString(s)
				if err != nil {
					return nil, fmt.Errorf("parse fee %q: %w", s, err)
				}
				fee = fee.Add(f.Abs())
			}
			return &Settlement{PnL: pnl.Round(2), Fee: &fee}, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(closedPnLPollInterval):
		}
	}
}

// request issues a GET with query params or a POST with a JSON body. body is
// marshaled as-is, so typed fields (bools, ints) reach the wire untouched.
func (c *BybitClient) request(ctx context.Context, method, path string, query map[string]string, body any, signed bool, budget string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= bybitMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(bybitBaseRetryDelay * time.Duration(1<<(attempt-1))):
			}
		}
		if err := c.limiter.Acquire(ctx, budget, 1); err != nil {
			return nil, err
		}

		result, err := c.doOnce(ctx, method, path, query, body, signed)
		if err == nil {
			c.limiter.OnSuccess()
			return result, nil
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

// doOnce signs over timestamp + api_key + recv_window + payload, where the
// payload is the sorted query string for GET and the exact JSON body bytes
// for POST.
func (c *BybitClient) doOnce(ctx context.Context, method, path string, query map[string]string, body any, signed bool) (json.RawMessage, error) {
	var payload string
	var reqBody io.Reader
	reqURL := c.baseURL + path

	if method == http.MethodGet {
		payload = sortedQuery(query)
		if payload != "" {
			reqURL += "?" + payload
		}
	} else {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = string(bodyBytes)
		reqBody = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		recv := strconv.Itoa(c.recvWindow)
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recv)
		req.Header.Set("X-BAPI-SIGN", c.sign(ts, recv, payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TemporaryError{Venue: "bybit", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TemporaryError{Venue: "bybit", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return nil, &RateLimitError{Venue: "bybit", RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		return nil, &TemporaryError{Venue: "bybit", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &ExchangeError{Venue: "bybit", Code: resp.StatusCode, Msg: string(respBody)}
	}

	var env bybitEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("parse response envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, c.classifyRetCode(env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

func (c *BybitClient) classifyRetCode(code int, msg string) error {
	switch code {
	case 10003, 10004, 33004:
		return &AuthError{Venue: "bybit", Code: code, Msg: msg}
	case 10006, 10018:
		return &RateLimitError{Venue: "bybit"}
	default:
		return &ExchangeError{Venue: "bybit", Code: code, Msg: msg}
	}
}

func (c *BybitClient) sign(ts, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(ts + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func sortedQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func bybitSide(side string) string {
	if side == SideSell {
		return "Sell"
	}
	return "Buy"
}

func bybitInterval(minutes int) string {
	if minutes%1440 == 0 {
		return "D"
	}
	return strconv.Itoa(minutes)
}

func normalizeBybitStatus(s string) string {
	switch s {
	case "Filled":
		return StatusFilled
	case "PartiallyFilled":
		return StatusPartially
	case "New", "Created", "Untriggered":
		return StatusNew
	case "Cancelled", "PartiallyFilledCanceled":
		return StatusCanceled
	case "Rejected":
		return StatusRejected
	case "Deactivated", "Expired":
		return StatusExpired
	default:
		return StatusUnknown
	}
}
