package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/neuralconstruct/construct/errors"
)

// Timeout gives the handler a context deadline. The handler runs on the
// calling goroutine; when the deadline passed and nothing has been written
// yet, a 504 is written for it. A stream that already started just ends.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			if ctx.Err() == context.DeadlineExceeded && !rw.Written() {
				errResp := errors.NewTimeoutError(GetRequestID(r.Context()), ctx.Err())
				errResp.Details = map[string]interface{}{
					"timeout": timeout.String(),
				}
				errors.WriteError(rw, errResp)
			}
		})
	}
}
