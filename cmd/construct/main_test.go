package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neuralconstruct/construct/config"
	"github.com/neuralconstruct/construct/fallback"
	"github.com/neuralconstruct/construct/mocks"
	"github.com/neuralconstruct/construct/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--env-file="}, args...))
	err := root.Execute()
	return out.String(), err
}

func clearCredentials(t *testing.T) {
	t.Helper()
	keyring.MockInit()
	t.Setenv(vault.EnvAPIKey, "")
	t.Setenv(vault.EnvOpenRouterAPIKey, "")
	for _, name := range []string{
		config.EnvPort, config.EnvPortFallback, config.EnvRequestTimeout,
		config.EnvRateWindow, config.EnvRateMax, config.EnvAllowedOrigins,
		config.EnvUpstreamURL, config.EnvLogLevel,
	} {
		t.Setenv(name, "")
	}
}

// upstream answers streaming calls with reply and returns 429 for models in
// limited.
func upstream(t *testing.T, reply string, limited ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, m := range limited {
			if body.Model == m {
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, `{"error":{"message":"Rate limit exceeded"}}`)
				return
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, mocks.SSEBody(strings.Fields(reply)...))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "construct.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuildLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"json", config.LoggingConfig{Level: "info", Format: "json"}, false},
		{"text", config.LoggingConfig{Level: "debug", Format: "text"}, false},
		{"default format", config.LoggingConfig{Level: "warn"}, false},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "json"}, true},
		{"bad format", config.LoggingConfig{Level: "info", Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := buildLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt([]string{"hello", "world"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)

	got, err = readPrompt([]string{"-"}, strings.NewReader("  from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	_, err = readPrompt(nil, strings.NewReader("   "))
	assert.Error(t, err)
}

func TestModesCommand(t *testing.T) {
	out, err := execute(t, "", "modes")
	require.NoError(t, err)
	assert.Contains(t, out, "sprint")
	assert.Contains(t, out, "matrix")
	assert.Contains(t, out, "architect")
}

func TestKeyCommands(t *testing.T) {
	clearCredentials(t)

	out, err := execute(t, "", "key", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "no API key configured")

	out, err = execute(t, "sk-or-v1-abcdef1234\n", "key", "set")
	require.NoError(t, err)
	assert.Contains(t, out, "sk-************1234")

	out, err = execute(t, "", "key", "show")
	require.NoError(t, err)
	assert.Equal(t, "sk-************1234 (from keyring)\n", out)
	assert.NotContains(t, out, "abcdef")

	_, err = execute(t, "", "key", "delete")
	require.NoError(t, err)
	_, err = vault.Load()
	assert.ErrorIs(t, err, vault.ErrNoCredential)
}

func TestAskStreamsAnswer(t *testing.T) {
	clearCredentials(t)
	t.Setenv(vault.EnvAPIKey, "sk-or-test")
	srv := upstream(t, "Hashing maps keys")
	path := writeConfig(t, fmt.Sprintf("upstream:\n  base_url: %s\n", srv.URL))

	out, err := execute(t, "", "ask", "--config", path, "Explain", "consistent", "hashing")
	require.NoError(t, err)
	assert.Contains(t, out, "Hashingmapskeys")
	assert.Contains(t, out, "mode=sprint")
	assert.Contains(t, out, "model="+fallback.FreeModels[0])
}

func TestAskFallsBackOnRateLimit(t *testing.T) {
	clearCredentials(t)
	t.Setenv(vault.EnvAPIKey, "sk-or-test")
	srv := upstream(t, "answer", fallback.FreeModels[0])
	path := writeConfig(t, fmt.Sprintf("upstream:\n  base_url: %s\n", srv.URL))

	out, err := execute(t, "", "ask", "--config", path, "hello")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("%s rate limited, switching to %s", fallback.FreeModels[0], fallback.FreeModels[1]))
	assert.Contains(t, out, "answer")
}

func TestAskWithoutCredential(t *testing.T) {
	clearCredentials(t)
	path := writeConfig(t, "upstream:\n  api_key: \"\"\n")

	_, err := execute(t, "", "ask", "--config", path, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, vault.ErrNoCredential)
}

func TestAskUnknownMode(t *testing.T) {
	clearCredentials(t)
	t.Setenv(vault.EnvAPIKey, "sk-or-test")
	srv := upstream(t, "unused")
	path := writeConfig(t, fmt.Sprintf("upstream:\n  base_url: %s\n", srv.URL))

	out, err := execute(t, "", "ask", "--config", path, "--mode", "nope", "hello")
	require.Error(t, err)
	assert.Contains(t, out, "unknown reasoning mode nope")
}

func TestBuildInvoker(t *testing.T) {
	inner := mocks.NewMockInvoker(nil)
	cfg := config.DefaultConfig()

	cfg.Fallback.Enabled = false
	assert.Same(t, inner, buildInvoker(inner, cfg, zap.NewNop(), nil))

	cfg.Fallback.Enabled = true
	policy, ok := buildInvoker(inner, cfg, zap.NewNop(), nil).(*fallback.Policy)
	require.True(t, ok)
	assert.Equal(t, cfg.Fallback.Models, policy.Pool())
}
