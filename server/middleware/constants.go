package middleware

import "context"

type contextKey string

const (
	RequestIDKey  contextKey = "request_id"
	CredentialKey contextKey = "credential"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// GetRequestID returns the request id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// GetCredential returns the caller credential stored by Authentication.
func GetCredential(ctx context.Context) string {
	key, _ := ctx.Value(CredentialKey).(string)
	return key
}
