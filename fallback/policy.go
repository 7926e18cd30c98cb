// Package fallback wraps a relay.Invoker with automatic model substitution:
// when a call fails with a rate-limit-class error, the same request is retried
// against the next untried model of a fixed pool.
package fallback

import (
	"context"
	"errors"
	"strings"

	"github.com/neuralconstruct/construct/circuitbreaker"
	"github.com/neuralconstruct/construct/metrics"
	"github.com/neuralconstruct/construct/relay"
	"go.uber.org/zap"
)

// FreeModels is the default pool of interchangeable free-tier models.
var FreeModels = []string{
	"google/gemini-2.0-flash-exp:free",
	"meta-llama/llama-3.2-11b-vision-instruct:free",
	"huggingfaceh4/zephyr-7b-beta:free",
	"mistralai/mistral-7b-instruct:free",
	"microsoft/phi-3-mini-128k-instruct:free",
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records substitutions and breaker state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Policy) { p.metrics = m }
}

// WithBreakers gives every pool model its own circuit breaker. Only
// rate-limit-class failures count against a breaker; a model whose breaker is
// open is skipped without a network call, as if it had been rate limited.
func WithBreakers(cfg circuitbreaker.Config) Option {
	return func(p *Policy) { p.breakerCfg = &cfg }
}

// WithExternalModels lets requests for models outside the pool fall back
// into the pool. By default such requests are passed through untouched.
func WithExternalModels(enabled bool) Option {
	return func(p *Policy) { p.external = enabled }
}

// Policy is a relay.Invoker that retries rate-limited calls on other models.
// It is safe for concurrent use; the pool is read-only after construction.
type Policy struct {
	inner      relay.Invoker
	pool       []string
	position   map[string]int
	external   bool
	breakerCfg *circuitbreaker.Config
	breakers   map[string]*circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

var _ relay.Invoker = (*Policy)(nil)

// New builds a Policy over pool. Duplicate and empty model ids are dropped.
func New(inner relay.Invoker, pool []string, opts ...Option) *Policy {
	p := &Policy{
		inner:    inner,
		position: make(map[string]int, len(pool)),
		logger:   zap.NewNop(),
	}
	for _, model := range pool {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		if _, dup := p.position[model]; dup {
			continue
		}
		p.position[model] = len(p.pool)
		p.pool = append(p.pool, model)
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.breakerCfg != nil {
		cfg := *p.breakerCfg
		cfg.IsFailure = relay.IsRateLimited
		p.breakers = make(map[string]*circuitbreaker.CircuitBreaker, len(p.pool))
		for _, model := range p.pool {
			p.breakers[model] = circuitbreaker.NewCircuitBreaker(
				model,
				cfg,
				p.logger.With(zap.String("model", model)),
				p.metrics,
			)
		}
	}
	return p
}

// Pool returns a copy of the model pool in rotation order.
func (p *Policy) Pool() []string {
	return append([]string(nil), p.pool...)
}

// Complete runs a non-streaming call with fallback.
func (p *Policy) Complete(ctx context.Context, req relay.Request) (*relay.Completion, error) {
	var out *relay.Completion
	err := p.run(ctx, req, func(r relay.Request) error {
		res, err := p.inner.Complete(ctx, r)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream opens a streaming call with fallback. Substitution only happens
// while opening the stream; once chunks flow, failures end the stream.
func (p *Policy) Stream(ctx context.Context, req relay.Request) (*relay.Stream, error) {
	var out *relay.Stream
	err := p.run(ctx, req, func(r relay.Request) error {
		s, err := p.inner.Stream(ctx, r)
		out = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type attempt struct {
	model    string
	position int
	err      error
}

func (p *Policy) run(ctx context.Context, req relay.Request, call func(relay.Request) error) error {
	if _, inPool := p.position[req.Model]; !inPool && !p.external {
		return call(req)
	}

	tried := make(map[string]bool, len(p.pool)+1)
	var log []attempt
	model := req.Model

	for {
		tried[model] = true
		err := p.attempt(model, func() error { return call(req.WithModel(model)) })
		log = append(log, attempt{model: model, position: p.positionOf(model), err: err})
		if err == nil {
			if len(log) > 1 {
				p.logger.Info("fallback succeeded",
					zap.String("requested", req.Model),
					zap.String("model", model),
					zap.Int("attempts", len(log)),
				)
			}
			return nil
		}
		if !relay.IsRateLimited(err) {
			return err
		}

		next, ok := p.next(model, tried)
		if !ok {
			return p.exhausted(req.Model, log, err)
		}
		p.notify(ctx, model, next)
		model = next
	}
}

func (p *Policy) attempt(model string, fn func() error) error {
	cb, ok := p.breakers[model]
	if !ok {
		return fn()
	}
	err := cb.Execute(fn)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return relay.NewError(relay.KindRateLimited, 0, model, "model skipped while its circuit is open", err)
	}
	return err
}

// next picks the first untried pool model after failed, wrapping around.
func (p *Policy) next(failed string, tried map[string]bool) (string, bool) {
	n := len(p.pool)
	start := p.positionOf(failed)
	for i := 1; i <= n; i++ {
		candidate := p.pool[(start+i+n)%n]
		if !tried[candidate] {
			return candidate, true
		}
	}
	return "", false
}

func (p *Policy) positionOf(model string) int {
	if pos, ok := p.position[model]; ok {
		return pos
	}
	return -1
}

func (p *Policy) notify(ctx context.Context, from, to string) {
	p.logger.Warn("model rate limited, substituting",
		zap.String("from", from),
		zap.String("to", to),
	)
	if p.metrics != nil {
		p.metrics.Substitutions.WithLabelValues(from, to).Inc()
	}
	if fn := observerFrom(ctx); fn != nil {
		fn(Substitution{From: from, To: to})
	}
}

// exhausted degrades the chain to a plain upstream error once every
// candidate has been tried. The last failure stays available through
// ExhaustedError.
func (p *Policy) exhausted(requested string, log []attempt, last error) error {
	models := make([]string, len(log))
	for i, a := range log {
		models[i] = a.model
	}
	p.logger.Warn("fallback pool exhausted",
		zap.String("requested", requested),
		zap.Strings("tried", models),
	)

	msg := "every fallback model is busy; tried " + strings.Join(models, ", ")
	return relay.NewError(relay.KindUpstream, 0, log[len(log)-1].model, msg, &ExhaustedError{
		Requested: requested,
		Tried:     models,
		Last:      last,
	})
}
