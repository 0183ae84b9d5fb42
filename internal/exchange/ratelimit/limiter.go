package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"perp-trading-bot/internal/logging"
)

const (
	maxBackoff    = 60 * time.Second
	warnThreshold = 0.8
)

// Limiter coordinates request budgets for one venue. Each budget is a token
// bucket; a 418/429 from the venue freezes every budget until the backoff
// deadline passes. Repeated rate-limit hits grow the backoff exponentially,
// successful requests decay it.
type Limiter struct {
	log *logging.Logger

	mu           sync.Mutex
	budgets      map[string]*rate.Limiter
	backoffUntil time.Time
	stage        int

	// last used-weight feedback from venue response headers
	usedWeight int
	maxWeight  int
}

func New(log *logging.Logger) *Limiter {
	return &Limiter{
		log:     log.WithComponent("ratelimit"),
		budgets: make(map[string]*rate.Limiter),
	}
}

// RegisterBudget adds a named budget, e.g. ("binance_public", 10, 10).
func (l *Limiter) RegisterBudget(name string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[name] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Acquire blocks until the budget grants weight tokens and any venue backoff
// has elapsed. Returns early with the context error on cancellation.
func (l *Limiter) Acquire(ctx context.Context, budget string, weight int) error {
	l.mu.Lock()
	lim, ok := l.budgets[budget]
	deadline := l.backoffUntil
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown rate budget %q", budget)
	}

	if wait := time.Until(deadline); wait > 0 {
		l.log.Warn().Str("budget", budget).Dur("wait", wait).Msg("venue backoff active")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if weight < 1 {
		weight = 1
	}
	if err := lim.WaitN(ctx, weight); err != nil {
		return err
	}
	return nil
}

// OnRateLimited records a 418/429. With a Retry-After hint the backoff is
// exactly that; otherwise min(2^stage + U(0.1,1.0), 60s) seconds.
func (l *Limiter) OnRateLimited(retryAfter time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	wait := retryAfter
	if wait <= 0 {
		secs := math.Pow(2, float64(l.stage)) + 0.1 + rand.Float64()*0.9
		wait = time.Duration(secs * float64(time.Second))
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
	l.stage++
	l.backoffUntil = time.Now().Add(wait)
	l.log.Warn().Int("stage", l.stage).Dur("backoff", wait).Msg("rate limited by venue")
	return wait
}

// OnSuccess decays the backoff stage after a clean request.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stage > 0 {
		l.stage--
	}
}

// UpdateFromHeaders feeds used-weight headers back into the limiter and
// warns when the window is above 80% consumed.
func (l *Limiter) UpdateFromHeaders(used, max int) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	l.usedWeight = used
	l.maxWeight = max
	l.mu.Unlock()

	if frac := float64(used) / float64(max); frac > warnThreshold {
		l.log.Warn().Int("used", used).Int("max", max).Msg("weight window above 80%")
	}
}

// Usage returns the last reported used/max weight.
func (l *Limiter) Usage() (used, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usedWeight, l.maxWeight
}

// BackoffActive reports whether a venue backoff deadline is still pending.
func (l *Limiter) BackoffActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.backoffUntil)
}

// Stage returns the current backoff stage. Exposed for tests and status.
func (l *Limiter) Stage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage
}
