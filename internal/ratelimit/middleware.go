package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ConfabulousDev/todo-sync/internal/clientip"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

// KeyFunc derives the bucket key for a request. An empty key falls back to the client IP.
type KeyFunc func(*http.Request) string

// Middleware limits requests per client IP (as resolved by clientip.Middleware)
func Middleware(limiter RateLimiter) func(http.Handler) http.Handler {
	return MiddlewareWithKey(limiter, nil)
}

// MiddlewareWithKey limits requests per key; use UserKeyFunc behind the auth middleware
// so that one user's devices share a bucket.
func MiddlewareWithKey(limiter RateLimiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			if keyFunc != nil {
				key = keyFunc(r)
			}
			if key == "" {
				key = "ip:" + clientip.FromRequest(r).RateLimitKey
			}

			if !limiter.Allow(r.Context(), key) {
				logger.Ctx(r.Context()).Warn("rate limit exceeded", "key", key, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Rate limit exceeded. Please try again later.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserKeyFunc keys buckets by the authenticated user id stored under userIDKey
func UserKeyFunc(userIDKey any) KeyFunc {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(userIDKey).(int64); ok {
			return "user:" + strconv.FormatInt(userID, 10)
		}
		return ""
	}
}
