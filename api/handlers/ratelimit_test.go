package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/askdata/api/handlers"
)

func TestAskData_Handlers_RateLimiterAllow(t *testing.T) {
	t.Parallel()

	limiter := handlers.NewRateLimiter(rate.Limit(5), 5, clockwork.NewFakeClock())
	ip := "192.168.1.1"

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(ip), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow(ip), "request 6 should be denied")

	// Different IP should have its own limit
	assert.True(t, limiter.Allow("192.168.1.2"))
}

func TestAskData_Handlers_RateLimiterRefill(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	limiter := handlers.NewRateLimiter(rate.Limit(10), 2, clock)
	ip := "192.168.1.1"

	assert.True(t, limiter.Allow(ip))
	assert.True(t, limiter.Allow(ip))
	allowed, retryAfter := limiter.AllowWithRetry(ip)
	assert.False(t, allowed)
	assert.Equal(t, 100*time.Millisecond, retryAfter)

	clock.Advance(100 * time.Millisecond)
	assert.True(t, limiter.Allow(ip), "should be allowed after refill")
}

func TestAskData_Handlers_RateLimitMiddlewareJSONResponse(t *testing.T) {
	t.Parallel()

	limiter := handlers.NewRateLimiter(rate.Limit(1), 1, clockwork.NewFakeClock())
	handler := handlers.RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil)
	req.RemoteAddr = "192.168.1.50:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var errResp handlers.RateLimitError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "rate_limit_exceeded", errResp.Error)
	assert.Equal(t, 1, errResp.RetryAfter)
}

func TestAskData_Handlers_GetIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	assert.Equal(t, "10.1.1.1", handlers.GetIPFromRequest(req))

	req.Header.Set("X-Real-IP", "10.2.2.2")
	assert.Equal(t, "10.2.2.2", handlers.GetIPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "10.3.3.3, 10.9.9.9")
	assert.Equal(t, "10.3.3.3", handlers.GetIPFromRequest(req))
}
