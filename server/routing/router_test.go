package routing

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neuralconstruct/construct/config"
	"github.com/neuralconstruct/construct/metrics"
	"github.com/neuralconstruct/construct/server/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func newTestRouter(t *testing.T, limit int) (*Router, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics()
	limiter := middleware.NewRateLimiter(limit, time.Minute, 0, nil, m)
	t.Cleanup(limiter.Close)

	cfg := config.DefaultConfig()
	deps := Dependencies{
		Handlers: map[string]http.Handler{
			"chat":     okHandler("chat"),
			"complete": okHandler("complete"),
			"health":   okHandler("health"),
			"metrics":  m.Handler(),
		},
		Origins:          middleware.NewOriginGuard(cfg.Gateway.AllowedOrigins, nil, m),
		Limiter:          limiter,
		Metrics:          m,
		CredentialHeader: cfg.Gateway.CredentialHeader,
		RequestTimeout:   cfg.Gateway.RequestTimeout,
	}
	return NewRouter(cfg, deps, zap.NewNop()), m
}

func TestRouterDefaultRoutes(t *testing.T) {
	router, _ := newTestRouter(t, 100)

	tests := []struct {
		name     string
		method   string
		path     string
		key      string
		wantCode int
		wantBody string
	}{
		{name: "chat", method: "POST", path: "/chat", key: "k", wantCode: 200, wantBody: "chat"},
		{name: "complete", method: "POST", path: "/chat/complete", key: "k", wantCode: 200, wantBody: "complete"},
		{name: "health needs no key", method: "GET", path: "/health", wantCode: 200, wantBody: "health"},
		{name: "chat needs a key", method: "POST", path: "/chat", wantCode: 401},
		{name: "wrong method", method: "GET", path: "/chat", key: "k", wantCode: 405},
		{name: "unknown path", method: "GET", path: "/nope", wantCode: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, 100)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "construct_http_requests_total")
}

func TestRouterRateLimitOnlyOnLimitedRoutes(t *testing.T) {
	router, m := newTestRouter(t, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/chat", nil)
		req.Header.Set("X-API-Key", "k")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Rejected before auth: no credential needed to be turned away.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/chat/complete", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health is not rate limited.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RateLimitHits))
}

func TestRouterOriginGuard(t *testing.T) {
	router, m := newTestRouter(t, 100)

	req := httptest.NewRequest("OPTIONS", "/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("POST", "/chat", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("X-API-Key", "k")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OriginRejects))
}

func TestRouterRecoversPanics(t *testing.T) {
	cfg := &config.Config{Routes: []config.RouteConfig{{Path: "/boom", Handler: "boom"}}}
	router := NewRouter(cfg, Dependencies{Handlers: map[string]http.Handler{
		"boom": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("kaboom") }),
	}}, zap.NewNop())

	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		router.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRouterSkipsUnknownHandlers(t *testing.T) {
	cfg := &config.Config{Routes: []config.RouteConfig{
		{Path: "/ghost", Handler: "ghost"},
		{Path: "/real", Handler: "real", Middleware: []string{"mystery"}},
	}}
	router := NewRouter(cfg, Dependencies{Handlers: map[string]http.Handler{"real": okHandler("real")}}, zap.NewNop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/real", nil))
	assert.Equal(t, "real", w.Body.String())
}
