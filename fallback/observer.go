package fallback

import "context"

// Substitution reports that a rate-limited model was replaced.
type Substitution struct {
	From string
	To   string
}

type observerKey struct{}

// WithObserver returns a context whose calls report every substitution to fn
// before the retry is issued. It follows the net/http/httptrace pattern: the
// hook travels with the call rather than with the shared Policy.
func WithObserver(ctx context.Context, fn func(Substitution)) context.Context {
	if fn == nil {
		return ctx
	}
	if prev := observerFrom(ctx); prev != nil {
		next := fn
		fn = func(s Substitution) {
			prev(s)
			next(s)
		}
	}
	return context.WithValue(ctx, observerKey{}, fn)
}

func observerFrom(ctx context.Context) func(Substitution) {
	fn, _ := ctx.Value(observerKey{}).(func(Substitution))
	return fn
}
