// Package errors provides structured HTTP error responses for the Construct
// gateway: typed errors serialized as JSON, request ID correlation, panic
// recovery, and the mapping of relay failures onto HTTP status codes.
//
// Basic usage:
//
//	// Simple error response
//	errors.Error(w, "Something went wrong", http.StatusBadRequest)
//
//	// Relay failure with the matching status code
//	errors.WriteError(w, errors.FromRelay(requestID, err))
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is the logger used by the package. It is initialized to a
// production configuration and can be overridden with SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger replaces DefaultLogger. A nil logger is ignored.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType categorizes errors for clients.
type ErrorType string

const (
	// AuthError represents a missing or rejected credential
	AuthError ErrorType = "authentication_error"

	// ValidationError represents input validation failures
	ValidationError ErrorType = "validation_error"

	// InternalError represents unexpected internal server errors
	InternalError ErrorType = "internal_error"

	// ProviderError represents failures reported by the upstream API
	ProviderError ErrorType = "provider_error"

	// RateLimitError represents a rate limit, local or upstream
	RateLimitError ErrorType = "rate_limit_error"

	// TimeoutError represents a request that ran out of time
	TimeoutError ErrorType = "timeout_error"

	// ForbiddenError represents a caller origin that is not allowed
	ForbiddenError ErrorType = "forbidden"

	// CancelledError represents a request abandoned by the caller
	CancelledError ErrorType = "cancelled"

	// NotFoundError represents resource not found errors
	NotFoundError ErrorType = "not_found"
)

// StatusClientClosedRequest is the non-standard status logged for requests
// the caller abandoned. It is never written to a live connection.
const StatusClientClosedRequest = 499

// ConstructError is the error type returned to HTTP clients. Code and the
// wrapped error stay internal; everything else is serialized.
type ConstructError struct {
	// Type categorizes the error for client handling
	Type ErrorType `json:"type"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Code is the HTTP status code (not exposed in JSON)
	Code int `json:"-"`

	// RequestID links the error to a specific request
	RequestID string `json:"request_id"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	err error
}

func (e *ConstructError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConstructError) Unwrap() error {
	return e.err
}

// Is matches errors by type, ignoring other fields.
func (e *ConstructError) Is(target error) bool {
	t, ok := target.(*ConstructError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WriteError writes err as a JSON response with its status code.
func WriteError(w http.ResponseWriter, err *ConstructError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	if encErr := json.NewEncoder(w).Encode(err); encErr != nil {
		DefaultLogger.Debug("failed to encode error response", zap.Error(encErr))
	}
}

// Error is a drop-in replacement for http.Error that writes a JSON
// ConstructError. The request ID is taken from the response headers.
func Error(w http.ResponseWriter, message string, code int) {
	ErrorWithType(w, message, InternalError, code)
}

// ErrorWithType is like Error with an explicit error type.
func ErrorWithType(w http.ResponseWriter, message string, errType ErrorType, code int) {
	WriteError(w, &ConstructError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}
