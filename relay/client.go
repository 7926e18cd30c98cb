package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/neuralconstruct/construct/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint is the OpenRouter chat-completions endpoint.
	DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	// DefaultTitle is sent as the X-Title product identifier.
	DefaultTitle = "The Neural Construct"
	// DefaultTimeout bounds a call whose request carries no timeout.
	DefaultTimeout = 60 * time.Second

	maxErrorBody      = 64 << 10
	maxCompletionBody = 16 << 20
)

// errCallTimeout is the cancellation cause installed on every call context,
// which lets a deadline be told apart from a caller cancellation.
var errCallTimeout = errors.New("relay call timed out")

// Options configures a Client. The zero value talks to OpenRouter with
// bearer authentication.
type Options struct {
	Endpoint string
	// CredentialHeader names the header that carries the credential.
	// "Authorization" (the default) sends "Bearer <key>"; any other header
	// sends the raw key, e.g. X-API-Key when relaying through the gateway.
	CredentialHeader string
	// Referer is sent as HTTP-Referer, the originating application.
	Referer string
	// Title is sent as X-Title, the product identifier.
	Title          string
	DefaultTimeout time.Duration
	HTTPClient     *http.Client
	// Limiter paces outbound calls when set.
	Limiter *rate.Limiter
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Client performs upstream chat-completion calls over HTTP.
type Client struct {
	endpoint         string
	credentialHeader string
	referer          string
	title            string
	timeout          time.Duration
	http             *http.Client
	limiter          *rate.Limiter
	metrics          *metrics.Metrics
	logger           *zap.Logger
}

var _ Invoker = (*Client)(nil)

// NewClient creates a Client from opts, filling in defaults.
func NewClient(opts Options) *Client {
	c := &Client{
		endpoint:         opts.Endpoint,
		credentialHeader: opts.CredentialHeader,
		referer:          opts.Referer,
		title:            opts.Title,
		timeout:          opts.DefaultTimeout,
		http:             opts.HTTPClient,
		limiter:          opts.Limiter,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.credentialHeader == "" {
		c.credentialHeader = "Authorization"
	}
	if c.title == "" {
		c.title = DefaultTitle
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		// No client-level timeout: streams are bounded by the call context.
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

type chatPayload struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Complete runs a non-streaming call and returns the first completion's text.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	req.Stream = false
	if err := validate(req); err != nil {
		return nil, err
	}

	callCtx, cancel := c.callContext(ctx, req.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.send(callCtx, req)
	if err != nil {
		err = c.failure(ctx, callCtx, req.Model, err)
		c.observe(req.Model, start, err)
		return nil, err
	}
	defer resp.Body.Close()

	content, err := decodeCompletion(resp.Body, req.Model)
	if err != nil {
		err = c.failure(ctx, callCtx, req.Model, err)
		c.observe(req.Model, start, err)
		return nil, err
	}
	c.observe(req.Model, start, nil)
	return &Completion{Model: req.Model, Content: content}, nil
}

// Stream runs a streaming call. Upstream rejections (non-2xx) are returned
// here, before any chunk, so callers such as the fallback policy can retry.
// The returned Stream owns the connection and the call's timeout.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	req.Stream = true
	if err := validate(req); err != nil {
		return nil, err
	}

	callCtx, cancel := c.callContext(ctx, req.Timeout)
	start := time.Now()
	resp, err := c.send(callCtx, req)
	if err != nil {
		err = c.failure(ctx, callCtx, req.Model, err)
		cancel()
		c.observe(req.Model, start, err)
		return nil, err
	}

	if isJSON(resp.Header.Get("Content-Type")) {
		content, err := decodeCompletion(resp.Body, req.Model)
		resp.Body.Close()
		if err != nil {
			err = c.failure(ctx, callCtx, req.Model, err)
		}
		cancel()
		c.observe(req.Model, start, err)
		if err != nil {
			return nil, err
		}
		return newStaticStream(content, req.Model), nil
	}

	s := NewStream(resp.Body, req.Model)
	s.cancel = cancel
	s.fail = func(err error) error { return c.failure(ctx, callCtx, req.Model, err) }
	s.onClose = func(err error) {
		c.observe(req.Model, start, err)
		c.logger.Debug("stream closed",
			zap.String("model", req.Model),
			zap.Int("bytes", s.text.Len()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
	return s, nil
}

// Forward opens a streaming call and hands back the raw upstream response,
// for callers that relay the bytes verbatim. Non-2xx answers are converted
// to *Error. The caller must close the body; the call is bounded by ctx only.
func (c *Client) Forward(ctx context.Context, req Request) (*http.Response, error) {
	req.Stream = true
	if err := validate(req); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.send(ctx, req)
	if err != nil {
		err = c.failure(ctx, ctx, req.Model, err)
		c.observe(req.Model, start, err)
		return nil, err
	}
	c.observe(req.Model, start, nil)
	return resp, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Model) == "" {
		return NewError(KindValidation, 0, "", "model is required", nil)
	}
	if len(req.Messages) == 0 {
		return NewError(KindValidation, 0, req.Model, "at least one message is required", nil)
	}
	return nil
}

func (c *Client) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	return context.WithTimeoutCause(ctx, timeout, errCallTimeout)
}

// send issues the HTTP request and converts non-2xx answers to *Error.
func (c *Client) send(ctx context.Context, req Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// Wait refuses early when the deadline cannot be met.
				return nil, NewError(KindTimeout, 0, req.Model, "outbound pacing would exceed the call deadline", err)
			}
			return nil, err
		}
	}

	body, err := json.Marshal(chatPayload{Model: req.Model, Messages: req.Messages, Stream: req.Stream})
	if err != nil {
		return nil, NewError(KindValidation, 0, req.Model, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindValidation, 0, req.Model, "build request", err)
	}
	c.setHeaders(httpReq, req)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeUpstreamError(resp, req.Model)
	}
	return resp, nil
}

func (c *Client) setHeaders(r *http.Request, req Request) {
	r.Header.Set("Content-Type", "application/json")
	if req.Stream {
		r.Header.Set("Accept", "text/event-stream")
	}
	if req.Credential != "" {
		if strings.EqualFold(c.credentialHeader, "Authorization") {
			r.Header.Set("Authorization", "Bearer "+req.Credential)
		} else {
			r.Header.Set(c.credentialHeader, req.Credential)
		}
	}
	if c.referer != "" {
		r.Header.Set("HTTP-Referer", c.referer)
	}
	r.Header.Set("X-Title", c.title)
}

// failure maps any error raised while a call was in flight onto the taxonomy.
// Timeouts and cancellations win over whatever error the aborted read produced.
func (c *Client) failure(parent, callCtx context.Context, model string, err error) error {
	var relayErr *Error
	if errors.As(err, &relayErr) && (relayErr.Kind != KindUpstream || relayErr.Status != 0) {
		return err
	}
	if callCtx.Err() != nil {
		switch {
		case errors.Is(context.Cause(callCtx), errCallTimeout):
			return NewError(KindTimeout, 0, model, "upstream call timed out", err)
		case errors.Is(parent.Err(), context.DeadlineExceeded):
			return NewError(KindTimeout, 0, model, "upstream call timed out", err)
		default:
			return NewError(KindCancelled, 0, model, "upstream call cancelled", err)
		}
	}
	if relayErr != nil {
		return err
	}
	return NewError(KindUpstream, 0, model, "upstream request failed", err)
}

func (c *Client) observe(model string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if kind, ok := KindOf(err); ok {
		outcome = kind.String()
	} else if err != nil {
		outcome = "error"
	}
	c.metrics.UpstreamRequests.WithLabelValues(model, outcome).Inc()
	c.metrics.UpstreamDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
}

func decodeUpstreamError(resp *http.Response, model string) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(raw)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream answered HTTP %d", resp.StatusCode)
	}
	return NewError(classify(resp.StatusCode, msg), resp.StatusCode, model, msg, nil)
}

type completionBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// Content is the gateway's /chat/complete shape.
	Content *string         `json:"content"`
	Error   json.RawMessage `json:"error"`
}

func decodeCompletion(r io.Reader, model string) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxCompletionBody))
	if err != nil {
		return "", err
	}
	var body completionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", NewError(KindProtocol, 0, model, "malformed completion body", err)
	}
	if len(body.Error) > 0 && string(body.Error) != "null" {
		msg, status := errorField(body.Error)
		if msg == "" {
			msg = "upstream returned an error"
		}
		return "", NewError(classify(status, msg), status, model, msg, nil)
	}
	if len(body.Choices) > 0 {
		return body.Choices[0].Message.Content, nil
	}
	if body.Content != nil {
		return *body.Content, nil
	}
	return "", NewError(KindProtocol, 0, model, "completion carries no choices", nil)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
