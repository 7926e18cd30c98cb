// Package routing builds the gateway's chi router from the configured route
// table. Every route gets the global middleware stack; route entries name
// their own middleware (auth, ratelimit, timeout) and handler.
package routing

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/neuralconstruct/construct/config"
	"github.com/neuralconstruct/construct/errors"
	"github.com/neuralconstruct/construct/metrics"
	"github.com/neuralconstruct/construct/server/middleware"
	"go.uber.org/zap"
)

// Dependencies are the shared pieces the route table refers to by name.
type Dependencies struct {
	// Handlers maps handler names (chat, complete, health, metrics) to
	// their implementations.
	Handlers map[string]http.Handler

	Origins *middleware.OriginGuard
	Limiter *middleware.RateLimiter
	Metrics *metrics.Metrics

	CredentialHeader string
	RequestTimeout   time.Duration
}

// Router handles HTTP routing for the gateway.
type Router struct {
	router chi.Router
	deps   Dependencies
	logger *zap.Logger
	cfg    *config.Config
}

// NewRouter creates a router for cfg.Routes. Routes naming an unknown
// handler are skipped with an error log.
func NewRouter(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger,
		cfg:    cfg,
	}

	// Global middleware stack. The origin guard runs before routing so it
	// answers preflight requests for every path.
	r.router.Use(middleware.RequestID)
	r.router.Use(errors.ErrorHandler(logger))
	r.router.Use(middleware.Logging(logger))
	if deps.Metrics != nil {
		r.router.Use(middleware.PrometheusMetrics(deps.Metrics))
	}
	if deps.Origins != nil {
		r.router.Use(deps.Origins.Handler)
	}

	r.router.NotFound(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrorWithType(w, "Not found", errors.NotFoundError, http.StatusNotFound)
	})
	r.router.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrorWithType(w, "Method not allowed", errors.ValidationError, http.StatusMethodNotAllowed)
	})

	r.setupRoutes()
	return r
}

// setupRoutes mounts every configured route in its own group so route
// middleware never leaks to other routes.
func (r *Router) setupRoutes() {
	for _, route := range r.cfg.Routes {
		handler, ok := r.deps.Handlers[route.Handler]
		if !ok {
			r.logger.Error("handler not found",
				zap.String("handler", route.Handler),
				zap.String("path", route.Path),
			)
			continue
		}

		r.router.Group(func(router chi.Router) {
			for _, name := range route.Middleware {
				mw := r.middleware(name)
				if mw == nil {
					r.logger.Warn("unknown middleware requested",
						zap.String("middleware", name),
						zap.String("path", route.Path),
					)
					continue
				}
				router.Use(mw)
			}

			methods := route.Methods
			if len(methods) == 0 {
				methods = []string{http.MethodGet}
			}
			for _, method := range methods {
				router.Method(method, route.Path, handler)
			}
		})
	}
}

func (r *Router) middleware(name string) func(http.Handler) http.Handler {
	switch name {
	case "auth":
		return middleware.Authentication(r.deps.CredentialHeader)
	case "ratelimit":
		if r.deps.Limiter == nil {
			return nil
		}
		return r.deps.Limiter.Handler
	case "timeout":
		return middleware.Timeout(r.deps.RequestTimeout)
	}
	return nil
}

// ServeHTTP implements the http.Handler interface.
// Delegates request handling to the underlying Chi router.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}
