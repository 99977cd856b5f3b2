package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestAskData_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseBackoff != 500*time.Millisecond {
		t.Errorf("expected BaseBackoff=500ms, got %v", cfg.BaseBackoff)
	}
	if cfg.MaxBackoff != 5*time.Second {
		t.Errorf("expected MaxBackoff=5s, got %v", cfg.MaxBackoff)
	}
}

func TestAskData_Retry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestAskData_Retry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestAskData_Retry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	originalErr := errors.New("connection reset")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return originalErr
	})
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("expected wrapped original error, got %v", err)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

func TestAskData_Retry_Do_NonRetryableError(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	originalErr := errors.New("invalid input")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return originalErr
	})
	if attempts != 1 {
		t.Errorf("expected 1 attempt (non-retryable), got %d", attempts)
	}
	if err != originalErr {
		t.Errorf("expected original error, got %v", err)
	}
}

func TestAskData_Retry_Do_CustomClassifier(t *testing.T) {
	t.Parallel()
	quota := errors.New("quota")
	cfg := Config{
		MaxAttempts: 4,
		BaseBackoff: time.Millisecond,
		NoJitter:    true,
		Retryable:   func(err error) bool { return errors.Is(err, quota) },
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		// Retryable by IsRetryable, but not by the custom classifier.
		if attempts == 2 {
			return errors.New("connection reset")
		}
		return quota
	})
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if err == nil || err.Error() != "connection reset" {
		t.Errorf("expected connection reset error, got %v", err)
	}
}

func TestAskData_Retry_Do_FakeClockExponentialWaits(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	var waits []time.Duration
	cfg := Config{
		MaxAttempts: 4,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		NoJitter:    true,
		Clock:       clock,
		OnRetry: func(_ int, _ error, wait time.Duration) {
			waits = append(waits, wait)
		},
	}

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			attempts++
			if attempts <= 2 {
				return errors.New("rate limit exceeded")
			}
			return nil
		})
	}()

	for _, d := range []time.Duration{2 * time.Second, 4 * time.Second} {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("waiting for retry sleep: %v", err)
		}
		clock.Advance(d)
	}

	if err := <-done; err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Errorf("unexpected waits %v", waits)
	}
}

func TestAskData_Retry_Do_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts before cancellation, got %d", attempts)
	}
}

func TestAskData_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutErr{}}, want: true},
		{name: "connection reset", err: errors.New("connection reset by peer"), want: true},
		{name: "EOF", err: errors.New("EOF"), want: true},
		{name: "rate limit", err: errors.New("rate limit exceeded"), want: true},
		{name: "too many requests", err: errors.New("too many requests"), want: true},
		{name: "service unavailable", err: errors.New("service unavailable"), want: true},
		{name: "429", err: &httpError{statusCode: http.StatusTooManyRequests}, want: true},
		{name: "503", err: &httpError{statusCode: http.StatusServiceUnavailable}, want: true},
		{name: "400", err: &httpError{statusCode: http.StatusBadRequest}, want: false},
		{name: "404", err: &httpError{statusCode: http.StatusNotFound}, want: false},
		{name: "syntax error", err: errors.New("syntax error near FROM"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAskData_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		base   time.Duration
		max    time.Duration
		retry  int
		jitter bool
		minExp time.Duration
		maxExp time.Duration
	}{
		{name: "first retry", base: 500 * time.Millisecond, max: 5 * time.Second, retry: 1, jitter: true, minExp: 500 * time.Millisecond, maxExp: time.Second},
		{name: "third retry", base: 500 * time.Millisecond, max: 5 * time.Second, retry: 3, jitter: true, minExp: 2 * time.Second, maxExp: 4 * time.Second},
		{name: "capped", base: 500 * time.Millisecond, max: 5 * time.Second, retry: 4, jitter: true, minExp: 2500 * time.Millisecond, maxExp: 5 * time.Second},
		{name: "no jitter", base: time.Second, max: time.Minute, retry: 3, jitter: false, minExp: 8 * time.Second, maxExp: 8 * time.Second},
		{name: "no max", base: time.Second, max: 0, retry: 5, jitter: false, minExp: 32 * time.Second, maxExp: 32 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < 50; i++ {
				got := calculateBackoff(tt.base, tt.max, tt.retry, tt.jitter)
				if got < tt.minExp || got > tt.maxExp {
					t.Fatalf("calculateBackoff = %v, want in [%v, %v]", got, tt.minExp, tt.maxExp)
				}
			}
		})
	}
}

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
