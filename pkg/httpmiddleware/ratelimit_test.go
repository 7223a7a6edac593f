package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, build func(r *http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if build != nil {
		build(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Max: 4, Window: time.Minute})
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := range 4 {
		d := l.Allow("k", start.Add(time.Duration(i)*time.Second))
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 3-i, d.Remaining)
	}
	assert.False(t, l.Allow("k", start.Add(30*time.Second)).Allowed)

	// A quarter into the next window three quarters of the previous count
	// (3 of 4) still weigh in, leaving room for one request.
	next := start.Add(75 * time.Second)
	assert.True(t, l.Allow("k", next).Allowed)
	assert.False(t, l.Allow("k", next).Allowed)

	// Two idle windows reset the key.
	assert.True(t, l.Allow("k", start.Add(5*time.Minute)).Allowed)
}

func TestLimiter_Evict(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Max: 1, Window: time.Minute})
	now := time.Now()
	l.Allow("a", now)
	l.Evict(now.Add(3 * time.Minute))
	assert.Empty(t, l.keys)
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := RateLimit(NewLimiter(RateLimitConfig{Max: 2, Window: time.Minute}))(okHandler())

	for range 2 {
		w := serve(h, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	w := serve(h, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body.Error.Code)

	other := serve(h, func(r *http.Request) { r.RemoteAddr = "10.0.0.2:1234" })
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestRateLimit_Keys(t *testing.T) {
	tests := []struct {
		name    string
		keyFunc func(*http.Request) string
		first   func(r *http.Request)
		second  func(r *http.Request)
		limited bool
	}{
		{
			name:    "forwarded for wins over remote addr",
			first:   func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18") },
			second:  func(r *http.Request) { r.RemoteAddr = "10.9.9.9:1"; r.Header.Set("X-Forwarded-For", "203.0.113.50") },
			limited: true,
		},
		{
			name:   "real ip",
			first:  func(r *http.Request) { r.Header.Set("X-Real-IP", "198.51.100.1") },
			second: func(r *http.Request) { r.Header.Set("X-Real-IP", "198.51.100.2") },
		},
		{
			name:    "api keys are separate buckets",
			keyFunc: KeyByHeader("X-API-Key"),
			first:   func(r *http.Request) { r.Header.Set("X-API-Key", "key-a") },
			second:  func(r *http.Request) { r.Header.Set("X-API-Key", "key-b") },
		},
		{
			name:    "same api key",
			keyFunc: KeyByHeader("X-API-Key"),
			first:   func(r *http.Request) { r.Header.Set("X-API-Key", "key-a") },
			second:  func(r *http.Request) { r.Header.Set("X-API-Key", "key-a") },
			limited: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimit(NewLimiter(RateLimitConfig{Max: 1, Window: time.Minute, KeyFunc: tt.keyFunc}))(okHandler())
			require.Equal(t, http.StatusOK, serve(h, tt.first).Code)

			want := http.StatusOK
			if tt.limited {
				want = http.StatusTooManyRequests
			}
			assert.Equal(t, want, serve(h, tt.second).Code)
		})
	}
}
