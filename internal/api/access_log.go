package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/clientip"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

// Maximum length for error messages in logs
const maxErrorMessageLength = 200

type accessLogKey struct{}

// accessEntry collects fields that handlers learn after the access logger ran
type accessEntry struct {
	userID int64
}

// noteUserID records the authenticated user on the request's access log line
func noteUserID(ctx context.Context, id int64) {
	if e, ok := ctx.Value(accessLogKey{}).(*accessEntry); ok {
		e.userID = id
	}
}

// AccessLogger writes one structured log line per request.
// Requires clientip.Middleware and logger.Middleware to run first.
//
// 4xx lines carry the error message from the response body; 5xx lines do not,
// since those messages may contain internal details.
func AccessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		entry := &accessEntry{}
		lrw := &loggingResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(lrw, r.WithContext(context.WithValue(r.Context(), accessLogKey{}, entry)))

		clientIP := clientip.FromRequest(r).Primary
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"bytes", lrw.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", clientIP,
		}
		if entry.userID != 0 {
			attrs = append(attrs, "user_id", entry.userID)
		}
		if lrw.statusCode >= 400 && lrw.statusCode < 500 && len(lrw.body) > 0 {
			if msg := extractErrorMessage(lrw.body); msg != "" {
				attrs = append(attrs, "err", msg)
			}
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			ua = sanitizeLogValue(ua)
			if runes := []rune(ua); len(runes) > 100 {
				ua = string(runes[:100]) + "..."
			}
			attrs = append(attrs, "ua", ua)
		}

		log := logger.Ctx(r.Context())
		switch {
		case lrw.statusCode >= 500:
			log.Error("request", attrs...)
		case lrw.hijacked:
			log.Debug("request upgraded", attrs...)
		default:
			log.Info("request", attrs...)
		}
	})
}

// sanitizeLogValue replaces control characters so a header cannot forge log lines
func sanitizeLogValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// extractErrorMessage pulls "error" out of a JSON body, falling back to the raw text
func extractErrorMessage(body []byte) string {
	var msg string

	var jsonErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &jsonErr); err == nil && jsonErr.Error != "" {
		msg = jsonErr.Error
	} else {
		msg = strings.TrimSpace(string(body))
	}

	msg = sanitizeLogValue(msg)
	if runes := []rune(msg); len(runes) > maxErrorMessageLength {
		msg = string(runes[:maxErrorMessageLength]) + "..."
	}
	return msg
}

// loggingResponseWriter captures status, size and the start of 4xx bodies
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	body         []byte
	hijacked     bool
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.statusCode >= 400 && lrw.statusCode < 500 {
		maxCapture := maxErrorMessageLength + 50
		if remaining := maxCapture - len(lrw.body); remaining > 0 {
			if len(b) < remaining {
				remaining = len(b)
			}
			lrw.body = append(lrw.body, b[:remaining]...)
		}
	}

	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for the websocket endpoint
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.hijacked = true
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
