package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenThrottle(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"), "other IPs have their own bucket")

	now = now.Add(20 * time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"), "one token refilled")
}

func TestRateLimiter_CleanupRemovesIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(10, time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")
	require.Len(t, limiter.visitors, 2)

	now = now.Add(10 * time.Second)
	limiter.Allow("10.0.0.3")
	limiter.Cleanup()
	assert.Len(t, limiter.visitors, 1)
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", GetClientIP(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.2 ,10.0.0.1")
	assert.Equal(t, "198.51.100.2", GetClientIP(req))
}

func TestReadBodyStrict(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 11)))
	_, err := ReadBodyStrict(rec, req, 10)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	_, err = ReadBodyStrict(rec, req, 10)
	assert.ErrorIs(t, err, ErrEmptyBody)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	body, err := ReadBodyStrict(rec, req, 10)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}
