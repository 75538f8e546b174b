package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/clientip"
)

type ctxKey struct{}

func TestInMemoryRateLimiter_Burst(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter(1, 3, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "a") {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if l.Allow(ctx, "a") {
		t.Error("request past burst allowed")
	}
	if !l.Allow(ctx, "b") {
		t.Error("other key should have its own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow(ctx, "a") {
		t.Error("token not refilled after one second")
	}
}

func TestInMemoryRateLimiter_Sweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter(1, 1, func() time.Time { return now })
	ctx := context.Background()

	l.Allow(ctx, "old")
	now = now.Add(idleTTL + time.Minute)
	l.Allow(ctx, "fresh")

	if got := l.sweep(); got != 1 {
		t.Errorf("sweep removed %d, want 1", got)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestNewInMemoryRateLimiter_Defaults(t *testing.T) {
	l := NewInMemoryRateLimiter(0, 0)
	defer l.Stop()
	l.Stop()

	if l.rate != DefaultRPS || l.burst != DefaultBurst {
		t.Errorf("got rate %v burst %d, want %d/%d", l.rate, l.burst, DefaultRPS, DefaultBurst)
	}
}

type recordingLimiter struct {
	allow bool
	keys  []string
}

func (r *recordingLimiter) Allow(ctx context.Context, key string) bool {
	r.keys = append(r.keys, key)
	return r.allow
}

func TestMiddleware_KeysByClientIP(t *testing.T) {
	rec := &recordingLimiter{allow: true}
	h := clientip.Middleware(Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(rec.keys) != 1 || rec.keys[0] != "ip:192.0.2.1" {
		t.Errorf("keys = %v, want [ip:192.0.2.1]", rec.keys)
	}
}

func TestMiddlewareWithKey_UserKey(t *testing.T) {
	rec := &recordingLimiter{allow: true}
	h := MiddlewareWithKey(rec, UserKeyFunc(ctxKey{}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, int64(42)))
	h.ServeHTTP(httptest.NewRecorder(), r)

	if len(rec.keys) != 1 || rec.keys[0] != "user:42" {
		t.Errorf("keys = %v, want [user:42]", rec.keys)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	called := false
	h := Middleware(&recordingLimiter{allow: false})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sync/upload", nil))

	if called {
		t.Error("handler ran for a limited request")
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("missing error message")
	}
}
