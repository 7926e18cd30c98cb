package middleware_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neuralconstruct/construct/metrics"
	"github.com/neuralconstruct/construct/server/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRateLimitAllow(t *testing.T) {
	rl := middleware.NewRateLimiter(2, 50*time.Millisecond, 0, zaptest.NewLogger(t), nil)
	defer rl.Close()

	ok, _ := rl.Allow("a")
	assert.True(t, ok)
	ok, _ = rl.Allow("a")
	assert.True(t, ok)

	ok, retry := rl.Allow("a")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 50*time.Millisecond)

	// Other clients have their own window.
	ok, _ = rl.Allow("b")
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	ok, _ = rl.Allow("a")
	assert.True(t, ok, "a new window starts after the period")
}

func TestRateLimitSweep(t *testing.T) {
	rl := middleware.NewRateLimiter(5, 20*time.Millisecond, 10*time.Millisecond, nil, nil)
	defer rl.Close()

	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Len())

	assert.Eventually(t, func() bool { return rl.Len() == 0 }, time.Second, 5*time.Millisecond)

	rl.Close()
	rl.Close()
}

func TestRateLimitUpdate(t *testing.T) {
	rl := middleware.NewRateLimiter(1, time.Minute, 0, nil, nil)
	defer rl.Close()

	ok, _ := rl.Allow("a")
	require.True(t, ok)
	ok, _ = rl.Allow("a")
	require.False(t, ok)

	rl.Update(3, time.Minute)
	ok, _ = rl.Allow("a")
	assert.True(t, ok)
}

func TestRateLimitMiddleware(t *testing.T) {
	m := metrics.NewMetrics()
	rl := middleware.NewRateLimiter(10, time.Minute, 0, zaptest.NewLogger(t), m)
	defer rl.Close()

	handler := rl.Handler(okHandler)

	for i := 0; i < 11; i++ {
		req := httptest.NewRequest("POST", "/chat", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i < 10 {
			assert.Equal(t, http.StatusOK, rec.Code)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), `"retry_after":60`)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitHits))
}

func TestClientKey(t *testing.T) {
	trusted, err := middleware.ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.10"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted middleware.TrustedProxies
		want    string
	}{
		{name: "remote host", remote: "203.0.113.9:5555", want: "203.0.113.9"},
		{name: "ipv6", remote: "[::1]:5555", want: "::1"},
		{name: "no port", remote: "10.0.0.2", want: "10.0.0.2"},
		{name: "forwarded header ignored without trusted proxies", remote: "203.0.113.9:5555", xff: "198.51.100.1", want: "203.0.113.9"},
		{name: "forwarded header ignored from untrusted peer", remote: "203.0.113.9:5555", xff: "198.51.100.1", trusted: trusted, want: "203.0.113.9"},
		{name: "trusted peer", remote: "10.1.2.3:5555", xff: "198.51.100.1", trusted: trusted, want: "198.51.100.1"},
		{name: "right-most untrusted hop", remote: "10.1.2.3:5555", xff: "6.6.6.6, 198.51.100.1, 192.0.2.10", trusted: trusted, want: "198.51.100.1"},
		{name: "all hops trusted", remote: "10.1.2.3:5555", xff: "10.9.9.9, 192.0.2.10", trusted: trusted, want: "10.9.9.9"},
		{name: "trusted peer without header", remote: "10.1.2.3:5555", trusted: trusted, want: "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, middleware.ClientKey(req, tt.trusted))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	trusted, err := middleware.ParseTrustedProxies([]string{" 10.0.0.1 ", "", "fd00::/8"})
	require.NoError(t, err)
	assert.Len(t, trusted, 2)
	assert.True(t, trusted.Contains("10.0.0.1"))
	assert.False(t, trusted.Contains("10.0.0.2"))
	assert.True(t, trusted.Contains("fd00::1"))
	assert.False(t, trusted.Contains("not-an-ip"))

	_, err = middleware.ParseTrustedProxies([]string{"10.0.0.300"})
	assert.Error(t, err)
	_, err = middleware.ParseTrustedProxies([]string{"10.0.0.0/40"})
	assert.Error(t, err)
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	m := metrics.NewMetrics()
	rl := middleware.NewRateLimiter(2, time.Minute, 0, zaptest.NewLogger(t), m)
	defer rl.Close()
	handler := rl.Handler(okHandler)

	allowed := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("POST", "/chat", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}

	assert.Equal(t, 2, allowed)
	assert.Equal(t, 1, rl.Len())
	assert.Equal(t, float64(48), testutil.ToFloat64(m.RateLimitHits))
}

func TestRateLimitTrustedProxyKeysByClient(t *testing.T) {
	rl := middleware.NewRateLimiter(1, time.Minute, 0, zaptest.NewLogger(t), nil)
	defer rl.Close()
	trusted, err := middleware.ParseTrustedProxies([]string{"10.0.0.1"})
	require.NoError(t, err)
	rl.SetTrustedProxies(trusted)
	handler := rl.Handler(okHandler)

	send := func(xff string) int {
		req := httptest.NewRequest("POST", "/chat", nil)
		req.RemoteAddr = "10.0.0.1:443"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
	// A client-supplied left-most hop does not change the key.
	assert.Equal(t, http.StatusTooManyRequests, send("7.7.7.7, 198.51.100.2"))
}
