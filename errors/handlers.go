package errors

import (
	stderrors "errors"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorHandler recovers panics in next and answers with a 500 JSON error.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.ByteString("stacktrace", debug.Stack()),
						zap.String("request_id", r.Header.Get("X-Request-ID")),
					)
					WriteError(w, NewInternalError(r.Header.Get("X-Request-ID"), nil))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LogError logs err with its request context. Cancellations are logged at
// debug level since they are caller-initiated.
func LogError(logger *zap.Logger, err error, requestID string) {
	var ce *ConstructError
	if As(err, &ce) {
		log := logger.Error
		switch {
		case ce.Type == CancelledError:
			log = logger.Debug
		case ce.Code < http.StatusInternalServerError:
			log = logger.Warn
		}
		log("request error",
			zap.String("error_type", string(ce.Type)),
			zap.String("message", ce.Message),
			zap.Int("code", ce.Code),
			zap.String("request_id", requestID),
			zap.Any("details", ce.Details),
			zap.NamedError("cause", ce.err),
		)
		return
	}
	logger.Error("unexpected error",
		zap.Error(err),
		zap.String("request_id", requestID),
	)
}

// As is a wrapper around errors.As for callers importing this package as errors.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is is a wrapper around errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
