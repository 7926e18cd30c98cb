package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neuralconstruct/construct/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingBody records how many times an upstream body is closed.
type countingBody struct {
	io.ReadCloser
	closes *atomic.Int32
}

func (b *countingBody) Close() error {
	b.closes.Add(1)
	return b.ReadCloser.Close()
}

// countingTransport wraps every response body in a countingBody.
type countingTransport struct {
	mu     sync.Mutex
	bodies []*atomic.Int32
}

func (t *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := http.DefaultTransport.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	n := &atomic.Int32{}
	t.mu.Lock()
	t.bodies = append(t.bodies, n)
	t.mu.Unlock()
	resp.Body = &countingBody{ReadCloser: resp.Body, closes: n}
	return resp, nil
}

func (t *countingTransport) closeCounts() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int32, len(t.bodies))
	for i, n := range t.bodies {
		out[i] = n.Load()
	}
	return out
}

func newTestClient(t *testing.T, url string, opts ...func(*Options)) *Client {
	t.Helper()
	o := Options{
		Endpoint:       url,
		Referer:        "http://localhost:5173",
		DefaultTimeout: 2 * time.Second,
		Logger:         zaptest.NewLogger(t),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewClient(o)
}

func userRequest(model string) Request {
	return Request{
		Credential: "sk-test",
		Model:      model,
		Messages:   []Message{User("hi")},
	}
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	t.Parallel()

	var got chatPayload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"hello"}}]}`)
	}))
	defer srv.Close()

	m := metrics.NewMetrics()
	c := newTestClient(t, srv.URL, func(o *Options) { o.Metrics = m })

	res, err := c.Complete(context.Background(), userRequest("m1"))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, "m1", res.Model)

	assert.Equal(t, "m1", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, []Message{User("hi")}, got.Messages)

	assert.Equal(t, "Bearer sk-test", headers.Get("Authorization"))
	assert.Equal(t, DefaultTitle, headers.Get("X-Title"))
	assert.Equal(t, "http://localhost:5173", headers.Get("HTTP-Referer"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("m1", "success")))
}

func TestCompleteAcceptsGatewayShape(t *testing.T) {
	t.Parallel()

	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"content":"via gateway"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(o *Options) { o.CredentialHeader = "X-API-Key" })
	res, err := c.Complete(context.Background(), userRequest("m1"))
	require.NoError(t, err)
	assert.Equal(t, "via gateway", res.Content)
	assert.Equal(t, "sk-test", header)
}

func TestUpstreamErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantKind    Kind
		wantMessage string
	}{
		{
			name:        "rate limited by status",
			status:      http.StatusTooManyRequests,
			body:        `{"error":{"message":"rate limited"}}`,
			wantKind:    KindRateLimited,
			wantMessage: "rate limited",
		},
		{
			name:        "no endpoints signal",
			status:      http.StatusNotFound,
			body:        `{"error":{"message":"No endpoints found for free-1."}}`,
			wantKind:    KindRateLimited,
			wantMessage: "No endpoints found for free-1.",
		},
		{
			name:        "bad credential",
			status:      http.StatusUnauthorized,
			body:        `{"error":{"message":"No auth credentials found","code":401}}`,
			wantKind:    KindUpstream,
			wantMessage: "No auth credentials found",
		},
		{
			name:        "string error body",
			status:      http.StatusBadRequest,
			body:        `{"error":"Model and messages required"}`,
			wantKind:    KindUpstream,
			wantMessage: "Model and messages required",
		},
		{
			name:        "malformed body degrades to status text",
			status:      http.StatusBadGateway,
			body:        `<html>bad gateway</html>`,
			wantKind:    KindUpstream,
			wantMessage: "Bad Gateway",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)

			_, err := c.Complete(context.Background(), userRequest("free-1"))
			var relayErr *Error
			require.ErrorAs(t, err, &relayErr)
			assert.Equal(t, tt.wantKind, relayErr.Kind)
			assert.Equal(t, tt.status, relayErr.Status)
			assert.Equal(t, tt.wantMessage, relayErr.Message)
			assert.Equal(t, "free-1", relayErr.Model)

			// Streaming calls report the rejection before any chunk.
			s, err := c.Stream(context.Background(), userRequest("free-1"))
			assert.Nil(t, s)
			require.ErrorAs(t, err, &relayErr)
			assert.Equal(t, tt.wantKind, relayErr.Kind)
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	req := userRequest("m1")
	req.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.Complete(context.Background(), req)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCompleteCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := c.Complete(ctx, userRequest("m1"))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestValidationNeverReachesUpstream(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Complete(context.Background(), Request{Model: "", Messages: []Message{User("x")}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = c.Stream(context.Background(), Request{Model: "m1"})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Zero(t, hits.Load())
}

func TestCompleteMalformedBodyIsProtocolError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Complete(context.Background(), userRequest("m1"))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestResponseBodyReleasedExactlyOnce(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("case") {
		case "error":
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"message":"boom"}}`)
		case "stream":
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\ndata: [DONE]\n\n")
		case "hang":
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		default:
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		scenario string
		run      func(t *testing.T, c *Client)
	}{
		{
			name:     "complete success",
			scenario: "ok",
			run: func(t *testing.T, c *Client) {
				_, err := c.Complete(context.Background(), userRequest("m1"))
				require.NoError(t, err)
			},
		},
		{
			name:     "complete upstream error",
			scenario: "error",
			run: func(t *testing.T, c *Client) {
				_, err := c.Complete(context.Background(), userRequest("m1"))
				require.Error(t, err)
			},
		},
		{
			name:     "stream to completion then close again",
			scenario: "stream",
			run: func(t *testing.T, c *Client) {
				s, err := c.Stream(context.Background(), userRequest("m1"))
				require.NoError(t, err)
				text, err := s.Drain()
				require.NoError(t, err)
				assert.Equal(t, "a", text)
				assert.NoError(t, s.Close())
			},
		},
		{
			name:     "stream timeout",
			scenario: "hang",
			run: func(t *testing.T, c *Client) {
				req := userRequest("m1")
				req.Timeout = 100 * time.Millisecond
				s, err := c.Stream(context.Background(), req)
				require.NoError(t, err)
				_, err = s.Drain()
				assert.ErrorIs(t, err, ErrTimeout)
			},
		},
		{
			name:     "stream cancelled",
			scenario: "hang",
			run: func(t *testing.T, c *Client) {
				ctx, cancel := context.WithCancel(context.Background())
				s, err := c.Stream(ctx, userRequest("m1"))
				require.NoError(t, err)
				require.True(t, s.Next())
				cancel()
				assert.False(t, s.Next())
				assert.ErrorIs(t, s.Err(), ErrCancelled)
				s.Close()
			},
		},
		{
			name:     "stream closed early by consumer",
			scenario: "hang",
			run: func(t *testing.T, c *Client) {
				s, err := c.Stream(context.Background(), userRequest("m1"))
				require.NoError(t, err)
				require.True(t, s.Next())
				s.Close()
				s.Close()
				assert.False(t, s.Next())
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			transport := &countingTransport{}
			c := newTestClient(t, srv.URL+"?case="+tt.scenario, func(o *Options) {
				o.HTTPClient = &http.Client{Transport: transport}
			})
			tt.run(t, c)

			counts := transport.closeCounts()
			require.Len(t, counts, 1)
			assert.Equal(t, int32(1), counts[0])
		})
	}
}

func TestErrorMatching(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := NewError(KindUpstream, 0, "m1", "upstream request failed", cause)

	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "upstream [m1]: upstream request failed: dial tcp: refused", err.Error())

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindUpstream, kind)

	assert.True(t, IsRateLimited(NewError(KindUpstream, 429, "m1", "slow down", nil)))
	assert.True(t, IsRateLimited(NewError(KindUpstream, 503, "m1", "Too Many Requests", nil)))
	assert.False(t, IsRateLimited(NewError(KindTimeout, 0, "m1", "rate limit", nil)))
	assert.False(t, IsRateLimited(errors.New("rate limit")))

	wrapped := NewError(KindUpstream, 0, "m2", "pool is busy", NewError(KindRateLimited, 429, "m1", "slow down", nil))
	assert.False(t, IsRateLimited(wrapped))

	assert.Equal(t, "boom", Describe(NewError(KindUpstream, 500, "m1", "boom", nil)))
	assert.Equal(t, "plain", Describe(errors.New("plain")))
}
