package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables overriding file configuration.
const (
	EnvPort           = "CONSTRUCT_PORT"
	EnvPortFallback   = "PORT"
	EnvRequestTimeout = "CONSTRUCT_REQUEST_TIMEOUT"
	EnvRateWindow     = "CONSTRUCT_RATE_LIMIT_WINDOW"
	EnvRateMax        = "CONSTRUCT_RATE_LIMIT_MAX"
	EnvAllowedOrigins = "CONSTRUCT_ALLOWED_ORIGINS"
	EnvUpstreamURL    = "CONSTRUCT_UPSTREAM_URL"
	EnvLogLevel       = "CONSTRUCT_LOG_LEVEL"
)

// ApplyEnv overlays the deployment settings supplied through the
// environment. Durations accept Go syntax ("90s") or plain milliseconds.
func ApplyEnv(c *Config) error {
	port := os.Getenv(EnvPort)
	if port == "" {
		port = os.Getenv(EnvPortFallback)
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		c.Server.Port = n
	}

	if v := os.Getenv(EnvRequestTimeout); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		c.Gateway.RequestTimeout = d
	}

	if v := os.Getenv(EnvRateWindow); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateWindow, err)
		}
		c.Gateway.RateLimit.Window = d
	}

	if v := os.Getenv(EnvRateMax); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateMax, err)
		}
		c.Gateway.RateLimit.MaxRequests = n
	}

	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Gateway.AllowedOrigins = origins
	}

	if v := os.Getenv(EnvUpstreamURL); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
