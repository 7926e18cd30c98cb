package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed relay call.
type Kind int

const (
	// KindUpstream covers non-2xx upstream answers and transport faults.
	KindUpstream Kind = iota
	// KindTimeout means the call did not reach a terminal signal in time.
	KindTimeout
	// KindCancelled means the caller aborted the call.
	KindCancelled
	// KindRateLimited is the upstream subtype that triggers model fallback.
	KindRateLimited
	// KindProtocol means the response could not be decoded at all.
	KindProtocol
	// KindValidation means the request was rejected before any network call.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindRateLimited:
		return "rate_limited"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the uniform failure shape of every relay call.
type Error struct {
	Kind Kind
	// Status is the upstream HTTP status, zero when no response was received.
	Status int
	// Message is human readable and safe to show to an end user.
	Message string
	// Model is the model the failing attempt targeted.
	Model string

	err error
}

// Sentinels for errors.Is; matching compares kinds only.
var (
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrCancelled   = &Error{Kind: KindCancelled}
	ErrUpstream    = &Error{Kind: KindUpstream}
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrValidation  = &Error{Kind: KindValidation}
)

// NewError builds an Error wrapping cause, which may be nil.
func NewError(kind Kind, status int, model, message string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Model: model, Message: message, err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Model != "" {
		fmt.Fprintf(&b, " [%s]", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.err != nil && (e.Message == "" || !strings.Contains(e.Message, e.err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Describe returns the human-readable part of err: the Message of a relay
// error when present, err.Error() otherwise.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"no endpoints",
}

// IsRateLimited reports whether err is a rate-limit-class failure: an explicit
// KindRateLimited, an HTTP 429, or an upstream message carrying one of the
// known rate-limit markers. Only the outermost *Error is consulted, so a
// wrapper that reclassifies a rate-limit cause wins over it.
func IsRateLimited(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindRateLimited:
		return true
	case KindUpstream:
		return e.Status == http.StatusTooManyRequests || hasRateLimitMarker(e.Message)
	}
	return false
}

func hasRateLimitMarker(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

func classify(status int, message string) Kind {
	if status == http.StatusTooManyRequests || hasRateLimitMarker(message) {
		return KindRateLimited
	}
	return KindUpstream
}
