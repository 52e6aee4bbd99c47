package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx response from a provider API. It carries the
// Retry-After hint so the retry loop can honor server-side pacing.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status code indicates a transient failure.
func (e *HTTPError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	case 529: // anthropic "overloaded_error"
		return true
	}
	return e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value. Supports both the
// delta-seconds and HTTP-date forms; returns 0 if the value is absent or bad.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryConfig controls the exponential backoff applied to provider calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// RetryDo runs fn with retries for transient failures. Rate-limit and 5xx
// responses, timeouts, and connection resets are retried with exponential
// backoff plus jitter; a Retry-After hint overrides the computed delay.
// Context cancellation and 4xx errors fail immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt, lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) || ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func backoffDelay(cfg RetryConfig, attempt int, lastErr error) time.Duration {
	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
		if httpErr.RetryAfter > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return httpErr.RetryAfter
	}

	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	// Full jitter keeps concurrent sessions from hammering in lockstep.
	return time.Duration(rand.Int64N(int64(delay)) + 1)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
