// Package server runs the Construct gateway: an HTTP front for the relay
// client that streams chat completions to browser callers. It owns the
// listener lifecycle and applies live configuration changes.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/neuralconstruct/construct/config"
	"github.com/neuralconstruct/construct/metrics"
	"github.com/neuralconstruct/construct/relay"
	"github.com/neuralconstruct/construct/server/handlers"
	"github.com/neuralconstruct/construct/server/middleware"
	"github.com/neuralconstruct/construct/server/routing"
	"github.com/neuralconstruct/construct/server/validation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	watcher    config.Watcher
	logger     *zap.Logger
	metrics    *metrics.Metrics

	origins *middleware.OriginGuard
	limiter *middleware.RateLimiter
	router  *routing.Router

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// NewServer creates a server whose configuration is read from, and
// hot-reloaded from, configPath.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	watcher, err := config.NewConfigWatcher(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	s, err := NewServerWithConfig(watcher, nil, logger, nil)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithConfig creates a server from a config source. A nil upstream
// builds a relay client from the upstream section; a nil metrics creates a
// private registry.
func NewServerWithConfig(watcher config.Watcher, upstream handlers.Upstream, logger *zap.Logger, m *metrics.Metrics) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	cfg := watcher.GetCurrentConfig()

	if upstream == nil {
		upstream = NewUpstream(cfg.Upstream, m, logger)
	}

	var counter *validation.TokenCounter
	if cfg.Gateway.MaxContextTokens > 0 {
		var err error
		counter, err = validation.NewTokenCounter(cfg.Gateway.TokenModel)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token counter: %w", err)
		}
	}

	s := &Server{
		watcher: watcher,
		logger:  logger,
		metrics: m,
		origins: middleware.NewOriginGuard(cfg.Gateway.AllowedOrigins, logger, m),
		limiter: middleware.NewRateLimiter(
			cfg.Gateway.RateLimit.MaxRequests,
			cfg.Gateway.RateLimit.Window,
			cfg.Gateway.RateLimit.SweepInterval,
			logger, m,
		),
		ready: make(chan struct{}),
	}
	trusted, err := middleware.ParseTrustedProxies(cfg.Gateway.TrustedProxies)
	if err != nil {
		s.limiter.Close()
		return nil, err
	}
	s.limiter.SetTrustedProxies(trusted)

	opts := handlers.Options{
		Upstream:         upstream,
		Validator:        validation.NewValidator(counter, cfg.Gateway.MaxContextTokens),
		Logger:           logger,
		CredentialHeader: cfg.Gateway.CredentialHeader,
	}
	s.router = routing.NewRouter(cfg, routing.Dependencies{
		Handlers: map[string]http.Handler{
			"chat":     handlers.NewChatHandler(opts),
			"complete": handlers.NewCompleteHandler(opts),
			"health":   handlers.Health(logger),
			"metrics":  m.Handler(),
		},
		Origins:          s.origins,
		Limiter:          s.limiter,
		Metrics:          m,
		CredentialHeader: cfg.Gateway.CredentialHeader,
		RequestTimeout:   cfg.Gateway.RequestTimeout,
	}, logger)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        s.router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return s, nil
}

// NewUpstream builds the relay client described by cfg.
func NewUpstream(cfg config.UpstreamConfig, m *metrics.Metrics, logger *zap.Logger) *relay.Client {
	var limiter *rate.Limiter
	if cfg.MaxCallsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxCallsPerSecond), burst)
	}
	return relay.NewClient(relay.Options{
		Endpoint:         cfg.BaseURL,
		CredentialHeader: cfg.CredentialHeader,
		Referer:          cfg.Referer,
		Title:            cfg.Title,
		DefaultTimeout:   cfg.Timeout,
		Limiter:          limiter,
		Metrics:          m,
		Logger:           logger.Named("relay"),
	})
}

// Handler returns the root handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start starts the server and blocks until ctx is done or serving fails.
// Shutdown waits up to server.shutdown_timeout for in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchConfig(watchCtx)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Server started", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		s.limiter.Close()
		return err
	}
}

func (s *Server) shutdown() error {
	timeout := s.watcher.GetCurrentConfig().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down server", zap.Duration("timeout", timeout))
	defer s.limiter.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during server shutdown: %w", err)
	}
	return nil
}

// watchConfig applies reloaded configuration until ctx is done.
func (s *Server) watchConfig(ctx context.Context) {
	updates := s.watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			s.applyConfig(cfg)
		}
	}
}

// applyConfig swaps the settings that can change without a restart: the
// origin allowlist and the rate-limit ceiling and window.
func (s *Server) applyConfig(cfg *config.Config) {
	s.origins.Update(cfg.Gateway.AllowedOrigins)
	s.limiter.Update(cfg.Gateway.RateLimit.MaxRequests, cfg.Gateway.RateLimit.Window)
	if trusted, err := middleware.ParseTrustedProxies(cfg.Gateway.TrustedProxies); err != nil {
		s.logger.Warn("Keeping previous trusted proxies", zap.Error(err))
	} else {
		s.limiter.SetTrustedProxies(trusted)
	}

	if addr := fmt.Sprintf(":%d", cfg.Server.Port); addr != s.httpServer.Addr {
		s.logger.Warn("Port change requires a restart",
			zap.String("current", s.httpServer.Addr),
			zap.String("configured", addr),
		)
	}
	s.logger.Info("Gateway configuration applied",
		zap.Strings("allowed_origins", cfg.Gateway.AllowedOrigins),
		zap.Int("rate_limit_max", cfg.Gateway.RateLimit.MaxRequests),
		zap.Duration("rate_limit_window", cfg.Gateway.RateLimit.Window),
	)
}
