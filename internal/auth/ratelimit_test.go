package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		allowed, _ := limiter.allow("1.2.3.4", now)
		assert.True(t, allowed, "hit %d must be allowed", i+1)
	}

	allowed, retryAfter := limiter.allow("1.2.3.4", now)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// A different client is unaffected.
	allowed, _ = limiter.allow("5.6.7.8", now)
	assert.True(t, allowed)
}

func TestRateLimiterWindowSlides(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	now := time.Now().UTC()

	limiter.allow("1.2.3.4", now)
	limiter.allow("1.2.3.4", now)

	allowed, _ := limiter.allow("1.2.3.4", now)
	require.False(t, allowed)

	allowed, _ = limiter.allow("1.2.3.4", now.Add(61*time.Second))
	assert.True(t, allowed)
}

func TestRateLimiterMiddlewareReturns429(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "1.2.3.4:5000"
	handler.ServeHTTP(first, req)
	assert.Equal(t, http.StatusNoContent, first.Code)

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "1.2.3.4:5000"
	handler.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")

	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1:1234", clientIP(req))
}
