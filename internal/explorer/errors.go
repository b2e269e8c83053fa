package explorer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrRateLimited is returned when admission control or the explorer refuses a call
	ErrRateLimited = errors.New("explorer rate limit reached")
	// ErrNotVerified is returned for contracts without verified source code
	ErrNotVerified = errors.New("contract source code not verified")
	// ErrUnknownNetwork is returned for networks without an explorer endpoint
	ErrUnknownNetwork = errors.New("unknown network")
)

// Error types reported to the usage tracker
const (
	TypeRateLimit   = "rate_limit"
	TypeTimeout     = "timeout"
	TypeNetwork     = "network"
	TypeHTTPStatus  = "http_status"
	TypeAPIError    = "api_error"
	TypeNotVerified = "not_verified"
	TypeDecode      = "decode"
)

// StatusError is a non-2xx HTTP answer
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("explorer returned HTTP %d", e.Code)
}

// APIError is an explorer envelope with status 0
type APIError struct {
	Message string
	Result  string
}

func (e *APIError) Error() string {
	if e.Result != "" {
		return fmt.Sprintf("explorer API error: %s: %s", e.Message, e.Result)
	}
	return "explorer API error: " + e.Message
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode explorer response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// Classify maps a fetch error to the error type recorded for it
func Classify(err error) string {
	var (
		statusErr *StatusError
		apiErr    *APIError
		decodeErr *decodeError
		netErr    net.Error
		urlErr    *url.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return TypeRateLimit
	case errors.Is(err, ErrNotVerified):
		return TypeNotVerified
	case errors.Is(err, ErrUnknownNetwork):
		return TypeAPIError
	case errors.As(err, &statusErr):
		if statusErr.Code == 429 {
			return TypeRateLimit
		}
		return TypeHTTPStatus
	case errors.As(err, &apiErr):
		return TypeAPIError
	case errors.As(err, &decodeErr):
		return TypeDecode
	case errors.Is(err, context.DeadlineExceeded):
		return TypeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return TypeTimeout
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return TypeNetwork
	}
	return TypeNetwork
}

// Retryable reports whether a later attempt may succeed. Rate limits,
// timeouts, network errors and 5xx answers are retryable; unverified
// contracts, malformed responses and explorer API errors are not.
func Retryable(err error) bool {
	switch Classify(err) {
	case TypeRateLimit, TypeTimeout, TypeNetwork:
		return true
	case TypeHTTPStatus:
		var statusErr *StatusError
		return errors.As(err, &statusErr) && statusErr.Code >= 500
	}
	return false
}

// transient reports whether an error is worth retrying within the same
// Fetch. Rate limits are left to the warming queue's backoff.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return Retryable(err) && Classify(err) != TypeRateLimit
}

// isRateLimitText matches the explorers' rate limit messages
func isRateLimitText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "rate limit") || strings.Contains(s, "too many")
}

// RetryConfig bounds the in-call retries of transient failures
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffFactor     float64
	TimeoutPerAttempt time.Duration
}

// DefaultRetryConfig retries twice, starting at half a second
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffFactor:     2.0,
		TimeoutPerAttempt: 30 * time.Second,
	}
}
