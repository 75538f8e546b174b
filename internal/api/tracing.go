package api

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CLIUserAgent is the parsed User-Agent of the todosync client
type CLIUserAgent struct {
	Version string
	OS      string
	Arch    string
}

// ParseCLIUserAgent parses "todosync/<version> (<os>; <arch>)".
// Returns nil for any other user agent.
func ParseCLIUserAgent(ua string) *CLIUserAgent {
	rest, ok := strings.CutPrefix(ua, "todosync/")
	if !ok {
		return nil
	}
	version, platform, _ := strings.Cut(rest, " ")
	if version == "" {
		return nil
	}
	cli := &CLIUserAgent{Version: version}

	platform = strings.TrimSpace(platform)
	if strings.HasPrefix(platform, "(") && strings.HasSuffix(platform, ")") {
		parts := strings.Split(strings.Trim(platform, "()"), ";")
		if len(parts) == 2 {
			cli.OS = strings.TrimSpace(parts[0])
			cli.Arch = strings.TrimSpace(parts[1])
		}
	}
	return cli
}

// SpanEnricher adds client version and platform to the request span when the
// request comes from the todosync CLI.
func SpanEnricher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "" {
			if cli := ParseCLIUserAgent(ua); cli != nil {
				span := trace.SpanFromContext(r.Context())
				span.SetAttributes(
					attribute.String("cli.version", cli.Version),
					attribute.String("cli.os", cli.OS),
					attribute.String("cli.arch", cli.Arch),
				)
			}
		}

		next.ServeHTTP(w, r)
	})
}
