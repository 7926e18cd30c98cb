// Package config provides configuration management for the Construct
// gateway and CLI: upstream relay settings, the fallback model pool, gateway
// limits, orchestration defaults, logging, and the route table.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/neuralconstruct/construct/fallback"
	"github.com/neuralconstruct/construct/orchestration"
	"github.com/neuralconstruct/construct/relay"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Fallback      FallbackConfig      `yaml:"fallback"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Logging       LoggingConfig       `yaml:"logging"`
	Routes        []RouteConfig       `yaml:"routes"`
}

// ServerConfig holds settings for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080)
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing the response. Streams are also bounded by
	// the gateway request timeout, so this must exceed it (default: 150s)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ShutdownTimeout specifies how long to wait for in-flight requests
	// on shutdown (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig describes the chat-completion API the relay talks to.
type UpstreamConfig struct {
	// BaseURL is the chat completions endpoint
	BaseURL string `yaml:"base_url"`

	// APIKey is used by the CLI when no other credential source is set.
	// Use ${OPENROUTER_API_KEY} rather than a literal key.
	APIKey string `yaml:"api_key"`

	// CredentialHeader carries the credential upstream. "Authorization"
	// sends "Bearer <key>"; any other header sends the raw key.
	CredentialHeader string `yaml:"credential_header"`

	// Referer is sent as HTTP-Referer
	Referer string `yaml:"referer"`

	// Title is sent as X-Title
	Title string `yaml:"title"`

	// Timeout bounds every upstream call, stream reading included
	Timeout time.Duration `yaml:"timeout"`

	// MaxCallsPerSecond paces outbound calls; 0 disables pacing
	MaxCallsPerSecond float64 `yaml:"max_calls_per_second"`

	// Burst is the pacing burst size (default: 1)
	Burst int `yaml:"burst"`
}

// FallbackConfig configures model substitution on rate limits.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`

	// Models is the ordered pool of interchangeable models
	Models []string `yaml:"models"`

	// IncludeExternal lets models outside the pool fall back into it
	IncludeExternal bool `yaml:"include_external"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-model circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive rate limits that
	// open a model's circuit; 0 disables breakers
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// MaxRequests is the number of probes allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval clears the counts while closed; 0 never clears them
	Interval time.Duration `yaml:"interval"`
}

// GatewayConfig holds the limits the gateway enforces on callers.
type GatewayConfig struct {
	// RequestTimeout bounds each gateway request (default: 120s)
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CredentialHeader is the header callers put their API key in
	CredentialHeader string `yaml:"credential_header"`

	// AllowedOrigins lists browser origins allowed to call the gateway.
	// "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TrustedProxies lists proxy addresses or CIDR ranges whose
	// X-Forwarded-For header identifies the client. Empty means the remote
	// address is always the client.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// MaxContextTokens rejects requests whose messages exceed this many
	// tokens; 0 disables the check
	MaxContextTokens int `yaml:"max_context_tokens"`

	// TokenModel selects the tokenizer used for MaxContextTokens
	TokenModel string `yaml:"token_model"`
}

// RateLimitConfig is a fixed-window limit per client address.
type RateLimitConfig struct {
	Window        time.Duration `yaml:"window"`
	MaxRequests   int           `yaml:"max_requests"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// OrchestrationConfig holds turn defaults for the CLI. PersonaModels picks
// the model for a persona when a turn names none.
type OrchestrationConfig struct {
	DefaultModel        string            `yaml:"default_model"`
	DefaultMode         string            `yaml:"default_mode"`
	DefaultPersona      string            `yaml:"default_persona"`
	MaxParallelBranches int               `yaml:"max_parallel_branches"`
	MetaReasoning       bool              `yaml:"meta_reasoning"`
	Personas            map[string]string `yaml:"personas,omitempty"`
	PersonaModels       map[string]string `yaml:"persona_models,omitempty"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// RouteConfig holds route-specific configuration.
type RouteConfig struct {
	// Path is the URL path to match
	Path string `yaml:"path"`

	// Handler names the handler: chat, complete, health or metrics
	Handler string `yaml:"handler"`

	// Methods specifies the allowed HTTP methods for this route
	Methods []string `yaml:"methods"`

	// Middleware lists route middleware: auth, ratelimit, timeout
	Middleware []string `yaml:"middleware,omitempty"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},

		Upstream: UpstreamConfig{
			BaseURL:          relay.DefaultEndpoint,
			APIKey:           "${OPENROUTER_API_KEY}",
			CredentialHeader: "Authorization",
			Referer:          "http://localhost:5173",
			Title:            relay.DefaultTitle,
			Timeout:          relay.DefaultTimeout,
			Burst:            1,
		},

		Fallback: FallbackConfig{
			Enabled: true,
			Models:  append([]string(nil), fallback.FreeModels...),
			Breaker: BreakerConfig{
				FailureThreshold: 3,
				Timeout:          time.Minute,
				MaxRequests:      1,
			},
		},

		Gateway: GatewayConfig{
			RequestTimeout:   120 * time.Second,
			CredentialHeader: "X-API-Key",
			AllowedOrigins:   []string{"http://localhost:5173"},
			RateLimit: RateLimitConfig{
				Window:        time.Minute,
				MaxRequests:   60,
				SweepInterval: time.Minute,
			},
			TokenModel: "gpt-3.5-turbo",
		},

		Orchestration: OrchestrationConfig{
			DefaultModel:        fallback.FreeModels[0],
			DefaultMode:         orchestration.DefaultMode,
			DefaultPersona:      orchestration.DefaultPersona,
			MaxParallelBranches: orchestration.DefaultMaxParallel,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Routes: []RouteConfig{
			{
				Path:       "/chat",
				Handler:    "chat",
				Methods:    []string{"POST"},
				Middleware: []string{"ratelimit", "auth", "timeout"},
			},
			{
				Path:       "/chat/complete",
				Handler:    "complete",
				Methods:    []string{"POST"},
				Middleware: []string{"ratelimit", "auth", "timeout"},
			},
			{
				Path:    "/health",
				Handler: "health",
				Methods: []string{"GET"},
			},
			{
				Path:    "/metrics",
				Handler: "metrics",
				Methods: []string{"GET"},
			},
		},
	}
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references. A variable
// that is unset or empty takes the default; nested references are expanded
// until the string stops changing.
func expandEnvVars(s string) (string, error) {
	if err := checkReferences(s); err != nil {
		return "", err
	}

	result := os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	})

	for i := 0; i < 8; i++ {
		next := os.Expand(result, os.Getenv)
		if next == result {
			break
		}
		result = next
	}
	return result, nil
}

// checkReferences rejects an unterminated ${ reference.
func checkReferences(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) || s[i+1] != '{' {
			continue
		}
		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return fmt.Errorf("unterminated variable reference at offset %d", i)
		}
		i += end
	}
	return nil
}

// Load decodes YAML from r on top of DefaultConfig, applies environment
// overrides and validates the result.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	config := DefaultConfig()
	if strings.TrimSpace(expanded) != "" {
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	return finish(config)
}

// LoadDefault returns DefaultConfig with environment overrides applied, for
// running without a config file.
func LoadDefault() (*Config, error) {
	return finish(DefaultConfig())
}

func finish(config *Config) (*Config, error) {
	// The default api_key is a reference that YAML expansion never sees.
	if strings.Contains(config.Upstream.APIKey, "${") {
		key, err := expandEnvVars(config.Upstream.APIKey)
		if err != nil {
			return nil, fmt.Errorf("expand api key: %w", err)
		}
		config.Upstream.APIKey = key
	}
	if err := ApplyEnv(config); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	// Upstream validation
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("empty upstream base url")
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("negative upstream timeout: %v", c.Upstream.Timeout)
	}
	if c.Upstream.MaxCallsPerSecond < 0 {
		return fmt.Errorf("negative upstream max calls per second: %v", c.Upstream.MaxCallsPerSecond)
	}

	// Fallback validation
	if c.Fallback.Enabled && len(c.Fallback.Models) == 0 {
		return fmt.Errorf("fallback enabled with an empty model pool")
	}
	if c.Fallback.Breaker.Timeout < 0 || c.Fallback.Breaker.Interval < 0 {
		return fmt.Errorf("negative fallback breaker duration")
	}

	// Gateway validation
	if c.Gateway.RequestTimeout < 0 {
		return fmt.Errorf("negative request timeout: %v", c.Gateway.RequestTimeout)
	}
	if c.Gateway.CredentialHeader == "" {
		return fmt.Errorf("empty gateway credential header")
	}
	if c.Gateway.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("invalid rate limit max requests: %d", c.Gateway.RateLimit.MaxRequests)
	}
	if c.Gateway.RateLimit.Window <= 0 {
		return fmt.Errorf("invalid rate limit window: %v", c.Gateway.RateLimit.Window)
	}
	if c.Gateway.RateLimit.SweepInterval < 0 {
		return fmt.Errorf("negative rate limit sweep interval: %v", c.Gateway.RateLimit.SweepInterval)
	}
	for _, p := range c.Gateway.TrustedProxies {
		if !validProxy(p) {
			return fmt.Errorf("invalid trusted proxy: %q", p)
		}
	}
	if c.Gateway.MaxContextTokens < 0 {
		return fmt.Errorf("negative max context tokens: %d", c.Gateway.MaxContextTokens)
	}

	// Orchestration validation
	if _, ok := orchestration.Lookup(c.Orchestration.DefaultMode); !ok {
		return fmt.Errorf("unknown default mode: %s", c.Orchestration.DefaultMode)
	}
	for persona, model := range c.Orchestration.PersonaModels {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("empty model for persona %s", persona)
		}
	}
	if c.Orchestration.MaxParallelBranches < 0 {
		return fmt.Errorf("negative max parallel branches: %d", c.Orchestration.MaxParallelBranches)
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Route validation
	for i, route := range c.Routes {
		if route.Path == "" {
			return fmt.Errorf("empty path in route %d", i)
		}
		if route.Handler == "" {
			return fmt.Errorf("empty handler in route %d", i)
		}
	}

	return nil
}

func validProxy(p string) bool {
	p = strings.TrimSpace(p)
	if strings.Contains(p, "/") {
		_, _, err := net.ParseCIDR(p)
		return err == nil
	}
	return net.ParseIP(p) != nil
}
