package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/neuralconstruct/construct/errors"
	"github.com/neuralconstruct/construct/metrics"
	"go.uber.org/zap"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window request limit per client key. A background
// sweeper evicts windows that have expired so idle clients cost nothing.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	period  time.Duration
	trusted TrustedProxies
	now     func() time.Time

	logger  *zap.Logger
	metrics *metrics.Metrics

	stop      chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter allows max requests per period for each client. A positive
// sweep interval starts the sweeper; Close stops it.
func NewRateLimiter(max int, period, sweep time.Duration, logger *zap.Logger, m *metrics.Metrics) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		max:     max,
		period:  period,
		now:     time.Now,
		logger:  logger,
		metrics: m,
		stop:    make(chan struct{}),
	}
	if sweep > 0 {
		go rl.sweepLoop(sweep)
	}
	return rl
}

// Allow counts one request for key. When the window is full it returns
// false and the time until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.period {
		rl.windows[key] = &window{start: now, count: 1}
		return true, 0
	}
	if w.count >= rl.max {
		return false, w.start.Add(rl.period).Sub(now)
	}
	w.count++
	return true, 0
}

// Update changes the ceiling and the window length. Windows already open
// keep their start time.
func (rl *RateLimiter) Update(max int, period time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.max = max
	rl.period = period
}

// SetTrustedProxies replaces the peers allowed to set X-Forwarded-For.
func (rl *RateLimiter) SetTrustedProxies(trusted TrustedProxies) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.trusted = trusted
}

func (rl *RateLimiter) trustedProxies() TrustedProxies {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.trusted
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Sweep evicts expired windows.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.period {
			delete(rl.windows, key)
		}
	}
}

func (rl *RateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-rl.stop:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.stop) })
}

// Handler rejects requests over the limit with 429 and Retry-After.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientKey(r, rl.trustedProxies())
		ok, retry := rl.Allow(client)
		if !ok {
			seconds := int(math.Ceil(retry.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			if rl.metrics != nil {
				rl.metrics.RateLimitHits.Inc()
			}
			rl.logger.Debug("Rate limit exceeded",
				zap.String("client", client),
				zap.Int("retry_after", seconds),
			)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			errors.WriteError(w, errors.NewRateLimitError(GetRequestID(r.Context()), seconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}
