// Package middleware provides the HTTP middleware of the Construct gateway:
// request ids, access logging, metrics, caller credentials, the origin
// allowlist, per-client rate limiting and request deadlines.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const maxRequestIDLength = 128

// RequestID makes sure every request carries an id. An inbound X-Request-ID
// is reused; otherwise a UUID is generated. The id is set on the request
// header, the response header and the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.New().String()
			r.Header.Set(HeaderRequestID, requestID)
		}

		w.Header().Set(HeaderRequestID, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
