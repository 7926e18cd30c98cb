// Package validation checks gateway request bodies: the chat request
// schema and an optional context budget measured with a tiktoken encoding.
package validation

import (
	"fmt"

	"github.com/neuralconstruct/construct/relay"
	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer defines the interface for token counting
type Tokenizer interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
	Decode(tokens []int) string
	CountTokens(text string) int
}

// tiktokenWrapper wraps tiktoken to implement our Tokenizer interface
type tiktokenWrapper struct {
	*tiktoken.Tiktoken
}

func (t *tiktokenWrapper) CountTokens(text string) int {
	tokens := t.Encode(text, nil, nil)
	return len(tokens)
}

// MaxMessages caps the conversation length of a single request.
const MaxMessages = 256

// ChatRequest is the body of /chat and /chat/complete.
type ChatRequest struct {
	Model    string    `json:"model" validate:"required"`
	Messages []Message `json:"messages" validate:"required,min=1,max=256,dive"`
}

// Message represents a single message in a chat request
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// Relay converts the request for an upstream call with credential.
func (r ChatRequest) Relay(credential string) relay.Request {
	msgs := make([]relay.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = relay.Message{Role: relay.Role(m.Role), Content: m.Content}
	}
	return relay.Request{
		Credential: credential,
		Model:      r.Model,
		Messages:   msgs,
	}
}

// perMessageOverhead approximates the role and separator tokens the chat
// format adds around every message.
const perMessageOverhead = 4

// TokenCounter handles token counting for messages using tiktoken
type TokenCounter struct {
	encoding Tokenizer
}

// NewTokenCounter creates a new token counter for the specified model. The
// encoding is fetched on first use, so this may touch the network.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding for model %s: %w", model, err)
	}
	return &TokenCounter{encoding: &tiktokenWrapper{encoding}}, nil
}

// NewTokenCounterWith uses an existing tokenizer.
func NewTokenCounterWith(t Tokenizer) *TokenCounter {
	return &TokenCounter{encoding: t}
}

// CountTokens counts the tokens of one message, overhead included.
func (tc *TokenCounter) CountTokens(msg Message) int {
	return tc.encoding.CountTokens(msg.Content) + perMessageOverhead
}

// CountRequestTokens counts the total number of tokens in a chat request
func (tc *TokenCounter) CountRequestTokens(req ChatRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += tc.CountTokens(msg)
	}
	return total
}

// ValidateTokens checks if the request's token count is within limits. A
// non-positive limit disables the check.
func (tc *TokenCounter) ValidateTokens(req ChatRequest, maxContextTokens int) error {
	if maxContextTokens <= 0 {
		return nil
	}

	totalTokens := tc.CountRequestTokens(req)
	if totalTokens > maxContextTokens {
		return fmt.Errorf("total tokens (%d) exceeds max context length (%d)", totalTokens, maxContextTokens)
	}
	return nil
}
