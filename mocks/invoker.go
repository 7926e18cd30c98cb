package mocks

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/neuralconstruct/construct/relay"
)

// Reply scripts one answer of a MockInvoker.
//
// Content is returned by Complete and streamed as a single chunk unless
// Chunks is set. Err fails the call before any output. Delay postpones the
// answer; Block holds the call until its context ends.
type Reply struct {
	Content string
	Chunks  []string
	Err     error
	Delay   time.Duration
	Block   bool
}

// MockInvoker is a scripted relay.Invoker for tests. Replies are queued per
// model; the last queued reply repeats once the queue is drained. Calls for
// models with no script use HandleFunc, or return an empty completion.
type MockInvoker struct {
	// HandleFunc answers calls for models without a scripted reply.
	HandleFunc func(relay.Request) Reply

	mu      sync.Mutex
	replies map[string][]Reply
	calls   []relay.Request
}

var _ relay.Invoker = (*MockInvoker)(nil)

// NewMockInvoker creates a MockInvoker with an optional fallback handler.
func NewMockInvoker(handle func(relay.Request) Reply) *MockInvoker {
	return &MockInvoker{
		HandleFunc: handle,
		replies:    make(map[string][]Reply),
	}
}

// On queues replies for model and returns the mock for chaining.
func (m *MockInvoker) On(model string, replies ...Reply) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[model] = append(m.replies[model], replies...)
	return m
}

// Calls returns every request received, in arrival order.
func (m *MockInvoker) Calls() []relay.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]relay.Request(nil), m.calls...)
}

// Models returns the model of every request received, in arrival order.
func (m *MockInvoker) Models() []string {
	calls := m.Calls()
	models := make([]string, len(calls))
	for i, c := range calls {
		models[i] = c.Model
	}
	return models
}

// Complete implements relay.Invoker.
func (m *MockInvoker) Complete(ctx context.Context, req relay.Request) (*relay.Completion, error) {
	reply, err := m.answer(ctx, req)
	if err != nil {
		return nil, err
	}
	content := reply.Content
	if len(reply.Chunks) > 0 {
		content = strings.Join(reply.Chunks, "")
	}
	return &relay.Completion{Model: req.Model, Content: content}, nil
}

// Stream implements relay.Invoker. The stream is decoded by relay.NewStream
// from a generated event-stream body, so it behaves like a real one.
func (m *MockInvoker) Stream(ctx context.Context, req relay.Request) (*relay.Stream, error) {
	reply, err := m.answer(ctx, req)
	if err != nil {
		return nil, err
	}
	chunks := reply.Chunks
	if len(chunks) == 0 && reply.Content != "" {
		chunks = []string{reply.Content}
	}
	return relay.NewStream(io.NopCloser(strings.NewReader(SSEBody(chunks...))), req.Model), nil
}

func (m *MockInvoker) answer(ctx context.Context, req relay.Request) (Reply, error) {
	reply := m.next(req)

	if reply.Block {
		<-ctx.Done()
		return Reply{}, cancelled(ctx, req.Model)
	}
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Reply{}, cancelled(ctx, req.Model)
		case <-timer.C:
		}
	}
	if ctx.Err() != nil {
		return Reply{}, cancelled(ctx, req.Model)
	}
	if reply.Err != nil {
		return Reply{}, reply.Err
	}
	return reply, nil
}

func (m *MockInvoker) next(req relay.Request) Reply {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	queue := m.replies[req.Model]
	var (
		reply  Reply
		script = len(queue) > 0
	)
	if script {
		reply = queue[0]
		if len(queue) > 1 {
			m.replies[req.Model] = queue[1:]
		}
	}
	handle := m.HandleFunc
	m.mu.Unlock()

	if !script && handle != nil {
		reply = handle(req)
	}
	return reply
}

func cancelled(ctx context.Context, model string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return relay.NewError(relay.KindTimeout, 0, model, "call timed out", ctx.Err())
	}
	return relay.NewError(relay.KindCancelled, 0, model, "call cancelled", ctx.Err())
}

// RateLimited returns the error an upstream 429 produces.
func RateLimited(model string) error {
	return relay.NewError(relay.KindRateLimited, 429, model, "Rate limit exceeded", nil)
}

// Upstream returns a plain upstream failure with the given status.
func Upstream(model string, status int, message string) error {
	return relay.NewError(relay.KindUpstream, status, model, message, nil)
}

// SSEBody renders chunks as an OpenAI-style event stream terminated by [DONE].
func SSEBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]string{"content": c}}},
		})
		b.WriteString("data: ")
		b.Write(payload)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}
