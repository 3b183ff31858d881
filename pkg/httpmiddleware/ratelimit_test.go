package httpmiddleware

import (
	"context"
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

func doFrom(h http.Handler, remoteAddr string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/authorize", nil)
	req.RemoteAddr = remoteAddr
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Disabled(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{})(okHandler())

	for range 100 {
		w := doFrom(h, "10.0.0.1:1234")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())

	for range 2 {
		w := doFrom(h, "10.0.0.1:9999")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := doFrom(h, "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"message":"rate limit exceeded"}`, w.Body.String())
}

func TestRateLimit_PerClient(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	assert.Equal(t, http.StatusOK, doFrom(h, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, doFrom(h, "10.0.0.2:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, doFrom(h, "10.0.0.1:5678").Code)
}

func TestRateLimit_ForwardedFor(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
	xff := func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18") }

	assert.Equal(t, http.StatusOK, doFrom(h, "192.168.1.1:4444", xff).Code)
	assert.Equal(t, http.StatusTooManyRequests, doFrom(h, "192.168.1.2:5555", xff).Code)
}

func TestRateLimit_CustomKey(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{
		Max:     1,
		Window:  time.Minute,
		KeyFunc: func(r *http.Request) string { return r.Header.Get("X-Client") },
	})(okHandler())
	client := func(id string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("X-Client", id) }
	}

	assert.Equal(t, http.StatusOK, doFrom(h, "10.0.0.1:1", client("a")).Code)
	assert.Equal(t, http.StatusTooManyRequests, doFrom(h, "10.0.0.1:1", client("a")).Code)
	assert.Equal(t, http.StatusOK, doFrom(h, "10.0.0.1:1", client("b")).Code)
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 4, Window: time.Minute})
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	for i := range 4 {
		_, _, ok := l.take("c", base.Add(time.Duration(i)*time.Second))
		require.True(t, ok)
	}
	_, _, ok := l.take("c", base.Add(5*time.Second))
	require.False(t, ok)

	// Halfway into the next window half of the previous count still applies.
	mid := base.Add(90 * time.Second)
	for range 2 {
		_, _, ok = l.take("c", mid)
		require.True(t, ok)
	}
	_, _, ok = l.take("c", mid)
	assert.False(t, ok)

	// Two windows later everything is forgotten.
	_, _, ok = l.take("c", base.Add(3*time.Minute))
	assert.True(t, ok)
}

func TestLimiter_Evict(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 1, Window: time.Minute})
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	l.take("a", base)
	l.take("b", base.Add(2*time.Minute))
	l.evict(base.Add(2*time.Minute + time.Second))

	assert.NotContains(t, l.windows, "a")
	assert.Contains(t, l.windows, "b")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:80"
	assert.Equal(t, "10.1.1.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "10.2.2.2")
	assert.Equal(t, "10.2.2.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 10.3.3.3 ")
	assert.Equal(t, "10.3.3.3", ClientIP(req))
}
