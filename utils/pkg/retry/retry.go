package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrExhausted is wrapped into the error returned by Do when every attempt
// failed with a retryable error.
var ErrExhausted = errors.New("retries exhausted")

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// NoJitter makes each wait exactly BaseBackoff * 2^retry.
	NoJitter bool

	// Retryable overrides IsRetryable when set.
	Retryable func(error) bool

	// OnRetry is called before waiting for the given retry (1-based).
	OnRetry func(retry int, err error, wait time.Duration)

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Do executes the given function with exponential backoff retry.
// A non-retryable error is returned as is. If all attempts fail, the last
// error is returned wrapped together with ErrExhausted.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			retry := attempt - 1
			backoff := calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, retry, !cfg.NoJitter)
			if cfg.OnRetry != nil {
				cfg.OnRetry(retry, lastErr, backoff)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation is not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		if strings.Contains(err.Error(), "connection") ||
			strings.Contains(err.Error(), "EOF") ||
			strings.Contains(err.Error(), "broken pipe") {
			return true
		}
	}

	if code, ok := StatusCode(err); ok {
		switch code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection closed",
		"eof",
		"client is closing",
		"broken pipe",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"rate limit",
		"too many requests",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// StatusCode extracts an HTTP status code from errors that expose one via a
// StatusCode() method.
func StatusCode(err error) (int, bool) {
	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return 0, false
}

// calculateBackoff returns base * 2^retry capped at max, optionally scaled by
// a random factor in [0.5, 1.0).
func calculateBackoff(base, max time.Duration, retry int, jitter bool) time.Duration {
	backoff := base * time.Duration(1<<uint(retry))
	if max > 0 && backoff > max {
		backoff = max
	}
	if !jitter {
		return backoff
	}
	factor := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * factor)
}
