package api

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

const (
	// Responses: JSON task lists and CSV exports
	compressionLevel = 5

	// maxDecodedBody bounds a decompressed request body. A full sync batch of
	// maximum-size tasks fits well inside it.
	maxDecodedBody = 32 << 20
)

// newCompressor negotiates br first, then gzip and deflate
func newCompressor() *middleware.Compressor {
	c := middleware.NewCompressor(compressionLevel, "application/json", "text/csv")
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	return c
}

// hasBody reports whether the method carries a JSON payload on this API
func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return r.ContentLength != 0
	}
	return false
}

// requestBody rejects non-JSON payloads and decodes zstd or gzip bodies, so
// handlers always read plain JSON.
func requestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !hasBody(r) {
			next.ServeHTTP(w, r)
			return
		}

		contentType := r.Header.Get("Content-Type")
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			logger.Ctx(r.Context()).Info("rejected request body",
				"method", r.Method, "path", r.URL.Path, "content_type", contentType)
			respondError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}

		encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
		var decoded io.Reader
		switch encoding {
		case "", "identity":
			next.ServeHTTP(w, r)
			return
		case "zstd":
			dec, err := zstd.NewReader(r.Body, zstd.WithDecoderMaxMemory(maxDecodedBody))
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid zstd body")
				return
			}
			defer dec.Close()
			decoded = dec
		case "gzip":
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid gzip body")
				return
			}
			defer zr.Close()
			decoded = zr
		default:
			respondError(w, http.StatusUnsupportedMediaType, "Unsupported Content-Encoding: "+encoding)
			return
		}

		r.Body = http.MaxBytesReader(w, io.NopCloser(decoded), maxDecodedBody)
		r.Header.Del("Content-Encoding")
		r.Header.Del("Content-Length")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	})
}
