package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neuralconstruct/construct/relay"
	"github.com/neuralconstruct/construct/server/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const chatBody = `{"model":"free-1","messages":[{"role":"user","content":"hi"}]}`

// upstream starts a fake chat-completions API and counts its calls.
func upstream(t *testing.T, h http.HandlerFunc) (*relay.Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return relay.NewClient(relay.Options{Endpoint: srv.URL}), &calls
}

func sse(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, l := range lines {
		fmt.Fprint(w, l)
		w.(http.Flusher).Flush()
	}
}

func post(h http.Handler, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	middleware.RequestID(h).ServeHTTP(rec, req)
	return rec
}

func TestChatPassthrough(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			name:  "upstream done is relayed once",
			lines: []string{"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n", "data: [DONE]\n\n"},
			want:  "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\ndata: [DONE]\n\n",
		},
		{
			name:  "missing done is appended",
			lines: []string{"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"},
			want:  "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\ndata: [DONE]\n\n",
		},
		{
			name:  "done split across reads",
			lines: []string{": keepalive\n\ndata: [DO", "NE]\n\n"},
			want:  ": keepalive\n\ndata: [DONE]\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotBody string
			client, _ := upstream(t, func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				raw, _ := io.ReadAll(r.Body)
				gotBody = string(raw)
				sse(w, tt.lines...)
			})

			h := NewChatHandler(Options{Upstream: client, Logger: zaptest.NewLogger(t)})
			rec := post(h, chatBody, "sk-or-1")

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
			assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
			assert.Equal(t, tt.want, rec.Body.String())
			assert.True(t, rec.Flushed)
			assert.Equal(t, "Bearer sk-or-1", gotAuth)
			assert.Contains(t, gotBody, `"stream":true`)
		})
	}
}

func TestChatRejectsBeforeUpstream(t *testing.T) {
	client, calls := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})
	h := NewChatHandler(Options{Upstream: client})

	tests := []struct {
		name     string
		body     string
		key      string
		wantCode int
	}{
		{name: "missing credential", body: chatBody, wantCode: http.StatusUnauthorized},
		{name: "missing model", body: `{"messages":[{"role":"user","content":"hi"}]}`, key: "k", wantCode: http.StatusBadRequest},
		{name: "empty messages", body: `{"model":"free-1","messages":[]}`, key: "k", wantCode: http.StatusBadRequest},
		{name: "empty content", body: `{"model":"free-1","messages":[{"role":"user","content":""}]}`, key: "k", wantCode: http.StatusBadRequest},
		{name: "not json", body: `model=free-1`, key: "k", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, tt.body, tt.key)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestChatUpstreamErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode int
		wantMsg  string
	}{
		{name: "rate limited", status: 429, body: `{"error":{"message":"Rate limit exceeded"}}`, wantCode: 429, wantMsg: "Rate limit exceeded"},
		{name: "bad credential", status: 401, body: `{"error":{"message":"No auth credentials found"}}`, wantCode: 401, wantMsg: "No auth credentials found"},
		{name: "server fault", status: 503, body: `oops`, wantCode: 503, wantMsg: "Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := upstream(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			rec := post(NewChatHandler(Options{Upstream: client}), chatBody, "k")

			assert.Equal(t, tt.wantCode, rec.Code)
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantMsg, body["message"])
		})
	}
}

func TestChatClientDisconnectAbortsUpstream(t *testing.T) {
	aborted := make(chan struct{})
	client, _ := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		<-r.Context().Done()
		close(aborted)
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(chatBody)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "k")

	done := make(chan struct{})
	rec := httptest.NewRecorder()
	go func() {
		defer close(done)
		NewChatHandler(Options{Upstream: client}).ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream call was not aborted")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
	}
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestChatTimeoutMidStreamJustEnds(t *testing.T) {
	client, _ := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		<-r.Context().Done()
	})
	h := middleware.Timeout(100 * time.Millisecond)(NewChatHandler(Options{Upstream: client}))

	rec := post(h, chatBody, "k")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "data: {"))
	assert.NotContains(t, rec.Body.String(), "timeout_error")
}

func TestChatTimeoutBeforeOutput(t *testing.T) {
	client, _ := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	h := middleware.Timeout(100 * time.Millisecond)(NewChatHandler(Options{Upstream: client}))

	rec := post(h, chatBody, "k")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestComplete(t *testing.T) {
	client, _ := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), `"stream":false`)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"Hello there"}}]}`)
	})

	rec := post(NewCompleteHandler(Options{Upstream: client}), chatBody, "k")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body CompleteResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Hello there", body.Content)
}

func TestCompleteUpstreamFailure(t *testing.T) {
	client, _ := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit exceeded: free-models-per-min"}}`)
	})

	rec := post(NewCompleteHandler(Options{Upstream: client}), chatBody, "k")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "free-models-per-min")
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
}

func TestDoneTracker(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   bool
	}{
		{name: "whole", chunks: []string{"data: [DONE]\n\n"}, want: true},
		{name: "split", chunks: []string{"data: [", "DONE]"}, want: true},
		{name: "byte by byte", chunks: strings.Split("xx data: [DONE]", ""), want: true},
		{name: "absent", chunks: []string{"data: {}\n\n", "data: [DON"}, want: false},
		{name: "far apart", chunks: []string{"data: [DO", strings.Repeat("z", 40), "NE]"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d doneTracker
			for _, c := range tt.chunks {
				d.observe([]byte(c))
			}
			assert.Equal(t, tt.want, d.seen)
		})
	}
}

func TestRelayStreamCountsBytes(t *testing.T) {
	var out bytes.Buffer
	rec := httptest.NewRecorder()
	n, done, err := relayStream(&out, http.NewResponseController(rec), strings.NewReader("data: a\n\ndata: [DONE]\n\n"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int64(out.Len()), n)
}
