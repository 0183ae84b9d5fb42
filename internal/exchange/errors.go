package exchange

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the venue rejected our credentials or signature. Never
// retried; the caller should fail fast and alert.
type AuthError struct {
	Venue string
	Code  int
	Msg   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth error %d: %s", e.Venue, e.Code, e.Msg)
}

// RateLimitError means the venue asked us to back off (HTTP 418/429 or a
// venue rate-limit code). RetryAfter is zero when the venue gave no hint.
type RateLimitError struct {
	Venue      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Venue, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Venue)
}

// TemporaryError covers 5xx responses, timeouts and transport failures.
// Safe to retry.
type TemporaryError struct {
	Venue string
	Err   error
}

func (e *TemporaryError) Error() string {
	return fmt.Sprintf("%s temporary error: %v", e.Venue, e.Err)
}

func (e *TemporaryError) Unwrap() error { return e.Err }

// ExchangeError is a business rejection (4xx or non-zero venue ret code).
// Not retried.
type ExchangeError struct {
	Venue string
	Code  int
	Msg   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Venue, e.Code, e.Msg)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsRateLimit(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

func IsTemporary(err error) bool {
	var te *TemporaryError
	return errors.As(err, &te)
}
