package logger

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey struct{}

// Middleware puts a logger tagged with the chi request id into the request context.
// Place it after middleware.RequestID.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = With(ctx, "req_id", reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Ctx returns the logger carried by ctx, or the package logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// With returns a context whose logger adds args to every line
func With(ctx context.Context, args ...any) context.Context {
	return context.WithValue(ctx, ctxKey{}, Ctx(ctx).With(args...))
}

// WithUserID tags the context logger with the authenticated user
func WithUserID(ctx context.Context, userID int64) context.Context {
	return With(ctx, "user_id", userID)
}
