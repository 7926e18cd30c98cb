package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/neuralconstruct/construct/errors"
)

// Authentication requires a caller credential in header and stores it in the
// request context for the upstream call. "Authorization" accepts an optional
// Bearer prefix. The gateway never validates the key itself; the upstream does.
func Authentication(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-API-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ExtractCredential(r, header)
			if key == "" {
				errors.WriteError(w, errors.NewAuthError(
					GetRequestID(r.Context()),
					"Missing API key",
					nil,
				))
				return
			}

			ctx := context.WithValue(r.Context(), CredentialKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractCredential reads the caller credential from header.
func ExtractCredential(r *http.Request, header string) string {
	key := strings.TrimSpace(r.Header.Get(header))
	if strings.EqualFold(header, "Authorization") {
		if len(key) > 7 && strings.EqualFold(key[:7], "bearer ") {
			key = strings.TrimSpace(key[7:])
		}
	}
	return key
}
