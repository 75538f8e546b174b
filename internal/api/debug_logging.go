package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

// maxDebugBodySize caps how much of a request or response body is logged
const maxDebugBodySize = 10 * 1024 // 10KB

// debugLoggingMiddleware logs sync request and response bodies when LOG_LEVEL=debug.
// It must run after requestBody so the decoded body is logged.
func debugLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !logger.IsDebug() {
			next.ServeHTTP(w, r)
			return
		}
		log := logger.Ctx(r.Context())

		if r.Body != nil && r.ContentLength != 0 {
			// Handlers still see the full body
			fullBody, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(fullBody))

			logBody := fullBody
			truncated := len(fullBody) > maxDebugBodySize
			if truncated {
				logBody = fullBody[:maxDebugBodySize]
			}
			log.Debug("request body",
				"method", r.Method,
				"path", r.URL.Path,
				"body", string(logBody),
				"truncated", truncated,
			)
		}

		ww := &responseCapture{
			ResponseWriter: w,
			status:         http.StatusOK,
			maxSize:        maxDebugBodySize,
		}
		next.ServeHTTP(ww, r)

		log.Debug("response body",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"body", ww.body.String(),
			"truncated", ww.truncated,
		)
	})
}

// responseCapture keeps the first maxSize bytes of a response
type responseCapture struct {
	http.ResponseWriter
	body      bytes.Buffer
	status    int
	maxSize   int
	truncated bool
}

func (w *responseCapture) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseCapture) Write(b []byte) (int, error) {
	if remaining := w.maxSize - w.body.Len(); remaining > 0 {
		if len(b) > remaining {
			w.body.Write(b[:remaining])
			w.truncated = true
		} else {
			w.body.Write(b)
		}
	} else if len(b) > 0 {
		w.truncated = true
	}
	return w.ResponseWriter.Write(b)
}
