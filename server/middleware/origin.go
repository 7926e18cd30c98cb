package middleware

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/neuralconstruct/construct/errors"
	"github.com/neuralconstruct/construct/metrics"
	"go.uber.org/zap"
)

const (
	allowMethods = "GET, POST, OPTIONS"
	allowHeaders = "Accept, Authorization, Content-Type, X-API-Key, X-Request-ID"
)

type originSet struct {
	any     bool
	origins map[string]struct{}
}

// OriginGuard enforces the browser origin allowlist. Requests without an
// Origin header are not from a browser and always pass. The allowlist can
// be swapped at runtime.
type OriginGuard struct {
	set     atomic.Pointer[originSet]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewOriginGuard creates a guard for origins. "*" allows any origin.
func NewOriginGuard(origins []string, logger *zap.Logger, m *metrics.Metrics) *OriginGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &OriginGuard{logger: logger, metrics: m}
	g.Update(origins)
	return g
}

// Update replaces the allowlist.
func (g *OriginGuard) Update(origins []string) {
	s := &originSet{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			s.any = true
		default:
			s.origins[o] = struct{}{}
		}
	}
	g.set.Store(s)
}

// Allowed reports whether origin may call the gateway.
func (g *OriginGuard) Allowed(origin string) bool {
	s := g.set.Load()
	if s.any {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

// Handler rejects disallowed origins with 403, echoes allowed ones in the
// CORS headers and answers preflight requests itself.
func (g *OriginGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")

		if !g.Allowed(origin) {
			g.logger.Warn("Origin rejected",
				zap.String("origin", origin),
				zap.String("request_id", GetRequestID(r.Context())),
			)
			if g.metrics != nil {
				g.metrics.OriginRejects.Inc()
			}
			errors.WriteError(w, errors.NewForbiddenError(GetRequestID(r.Context()), origin))
			return
		}

		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Expose-Headers", HeaderRequestID)

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", allowMethods)
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
