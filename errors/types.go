package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/neuralconstruct/construct/relay"
)

// NewError creates a ConstructError with full control over its fields. Most
// callers want one of the specialized constructors below.
//
// Example:
//
//	err := NewError(InternalError, "config reload failed", 500, "req_123", nil, cause)
func NewError(errType ErrorType, message string, code int, requestID string, details map[string]interface{}, err error) *ConstructError {
	return &ConstructError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewAuthError creates an authentication error, used when the caller's
// credential header is missing.
//
// Example:
//
//	err := NewAuthError("req_123", "Missing API key", nil)
func NewAuthError(requestID, message string, err error) *ConstructError {
	return &ConstructError{
		Type:      AuthError,
		Message:   message,
		Code:      http.StatusUnauthorized,
		RequestID: requestID,
		err:       err,
		Details: map[string]interface{}{
			"suggestion": "Please check your authentication credentials",
		},
	}
}

// NewValidationError creates a validation error.
//
// Example:
//
//	err := NewValidationError("req_123", "Invalid request", map[string]interface{}{
//	    "validation_errors": []map[string]string{{"field": "model", "error": "required"}},
//	})
func NewValidationError(requestID, message string, validationDetails map[string]interface{}) *ConstructError {
	return &ConstructError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   validationDetails,
	}
}

// NewRateLimitError creates a local rate limit error. retryAfter is in
// seconds.
func NewRateLimitError(requestID string, retryAfter int) *ConstructError {
	return &ConstructError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewProviderError creates an upstream failure with a 502 status.
func NewProviderError(requestID string, message string, err error) *ConstructError {
	return &ConstructError{
		Type:      ProviderError,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewTimeoutError creates a gateway timeout error.
func NewTimeoutError(requestID string, err error) *ConstructError {
	return &ConstructError{
		Type:      TimeoutError,
		Message:   "Request timed out",
		Code:      http.StatusGatewayTimeout,
		RequestID: requestID,
		err:       err,
	}
}

// NewForbiddenError rejects a caller origin.
func NewForbiddenError(requestID, origin string) *ConstructError {
	return &ConstructError{
		Type:      ForbiddenError,
		Message:   "Origin not allowed",
		Code:      http.StatusForbidden,
		RequestID: requestID,
		Details: map[string]interface{}{
			"origin": origin,
		},
	}
}

// NewInternalError creates an internal server error.
func NewInternalError(requestID string, err error) *ConstructError {
	return &ConstructError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}

// FromRelay maps a relay failure onto an HTTP error:
//
//	Validation          -> 400
//	Timeout             -> 504
//	Protocol            -> 502
//	Upstream            -> upstream status, 502 when unknown
//	RateLimited         -> upstream status, 429 when unknown
//	Cancelled           -> 499, for logging only
//
// Any other error becomes a 500.
func FromRelay(requestID string, err error) *ConstructError {
	var re *relay.Error
	if !stderrors.As(err, &re) {
		return NewInternalError(requestID, err)
	}

	details := map[string]interface{}{}
	if re.Model != "" {
		details["model"] = re.Model
	}
	if re.Status != 0 {
		details["upstream_status"] = re.Status
	}
	if len(details) == 0 {
		details = nil
	}

	out := &ConstructError{
		Message:   relay.Describe(err),
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
	switch re.Kind {
	case relay.KindValidation:
		out.Type, out.Code = ValidationError, http.StatusBadRequest
	case relay.KindTimeout:
		out.Type, out.Code = TimeoutError, http.StatusGatewayTimeout
	case relay.KindCancelled:
		out.Type, out.Code = CancelledError, StatusClientClosedRequest
	case relay.KindProtocol:
		out.Type, out.Code = ProviderError, http.StatusBadGateway
	case relay.KindRateLimited:
		out.Type, out.Code = RateLimitError, upstreamStatus(re.Status, http.StatusTooManyRequests)
	default:
		out.Type, out.Code = ProviderError, upstreamStatus(re.Status, http.StatusBadGateway)
	}
	return out
}

func upstreamStatus(status, fallback int) int {
	if status >= 400 && status <= 599 {
		return status
	}
	return fallback
}
