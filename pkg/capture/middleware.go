package capture

import (
	"context"
	"net/http"
)

// Run executes fn inside its own capture scope and finalizes it afterwards.
// Non-HTTP callers use it the way requests use Middleware.
func (e *Engine) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, _ = Begin(ctx)
	defer e.Finalize(ctx)
	return fn(ctx)
}

// Middleware opens a capture scope for each request and finalizes it once
// the handler chain has returned
func Middleware(engine *Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := Begin(r.Context())
			defer engine.Finalize(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
