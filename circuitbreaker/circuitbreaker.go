// Package circuitbreaker wraps sony/gobreaker with zap logging and
// prometheus state metrics. The fallback policy keeps one breaker per model
// so a model that keeps answering "rate limited" is skipped for a while
// instead of being probed on every call.
package circuitbreaker

import (
	"time"

	"github.com/neuralconstruct/construct/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds configuration for the circuit breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval clears the failure counts periodically while closed; zero never clears.
	Interval time.Duration
	// IsFailure decides which errors count against the breaker. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultConfig trips after three consecutive failures and probes again after a minute.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Timeout:          time.Minute,
		MaxRequests:      1,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCircuitBreaker creates a new circuit breaker. m may be nil.
func NewCircuitBreaker(name string, cfg Config, logger *zap.Logger, m *metrics.Metrics) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}

	cb := &CircuitBreaker{
		name:    name,
		logger:  logger,
		metrics: m,
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: cb.onStateChange,
	}
	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		settings.IsSuccessful = func(err error) bool {
			return err == nil || !isFailure(err)
		}
	}
	cb.breaker = gobreaker.NewCircuitBreaker(settings)

	if m != nil {
		m.BreakerState.WithLabelValues(name).Set(stateValue(gobreaker.StateClosed))
	}
	return cb
}

// Execute runs f if the breaker allows it. When the circuit is open (or the
// half-open probe budget is spent) f is not called and ErrCircuitOpen is returned.
func (cb *CircuitBreaker) Execute(f func() error) error {
	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, f()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrCircuitOpen
	}
	return err
}

// Allow reports whether a call would currently be let through. It does not
// consume a half-open probe.
func (cb *CircuitBreaker) Allow() bool {
	return cb.breaker.State() != gobreaker.StateOpen
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the counters of the current generation.
func (cb *CircuitBreaker) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	cb.logger.Warn("circuit breaker state changed",
		zap.String("name", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb.metrics == nil {
		return
	}
	cb.metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
	if to == gobreaker.StateOpen {
		cb.metrics.BreakerTrips.WithLabelValues(name).Inc()
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
