// Package relay issues chat-completion calls against an OpenAI-compatible
// upstream. A call is either non-streaming (one JSON body) or streaming
// (server-sent events decoded into a lazy chunk sequence). Every call is
// bounded by a timeout and aborted by cancellation of its context; both
// tear the connection down through the same path.
package relay

import (
	"context"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one chat message. Treat it as immutable once built.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Request describes a single upstream call attempt.
type Request struct {
	// Credential is sent upstream and never logged.
	Credential string
	Model      string
	Messages   []Message
	// Stream is set by Client.Stream and cleared by Client.Complete.
	Stream bool
	// Timeout bounds the whole call, including reading the stream.
	// Zero selects the client default.
	Timeout time.Duration
}

// WithModel returns a copy of r targeting another model. The message list is
// shared, not copied, since messages are never mutated.
func (r Request) WithModel(model string) Request {
	r.Model = model
	return r
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Model   string
	Content string
}

// Invoker is implemented by anything that can run a relay call: the HTTP
// client, the fallback policy wrapping it, and test doubles.
type Invoker interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (*Stream, error)
}
