// Package clientip resolves the address of the client behind any proxy in front
// of the sync server and exposes it to the rate limiter and request logs.
package clientip

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strings"
)

type contextKey struct{}

// Info is the resolved client address
type Info struct {
	// Primary is the single best guess, used for logs
	Primary string

	// RateLimitKey joins every address seen on the request. The TCP peer is always
	// part of it, so spoofing a header cannot move a client into another bucket.
	RateLimitKey string
}

// proxyHeaders are consulted in order; the first valid address becomes Primary
var proxyHeaders = []string{
	"Fly-Client-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
}

// Middleware resolves Info, rewrites r.RemoteAddr to the primary address and stores
// Info in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := Extract(r)
		r.RemoteAddr = info.Primary
		ctx := context.WithValue(r.Context(), contextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the Info stored by Middleware, or the zero Info
func FromContext(ctx context.Context) Info {
	if info, ok := ctx.Value(contextKey{}).(Info); ok {
		return info
	}
	return Info{}
}

// FromRequest is FromContext on r's context
func FromRequest(r *http.Request) Info {
	return FromContext(r.Context())
}

// Extract computes Info from the proxy headers and the TCP peer address.
// Header values that do not parse as an IP address are ignored.
func Extract(r *http.Request) Info {
	seen := make(map[string]struct{})
	var primary string

	add := func(ip string) {
		if ip == "" {
			return
		}
		seen[ip] = struct{}{}
		if primary == "" {
			primary = ip
		}
	}

	for _, h := range proxyHeaders {
		add(parseIP(r.Header.Get(h)))
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		add(parseIP(first))
	}

	remote := hostFromAddr(r.RemoteAddr)
	add(remote)

	keys := make([]string, 0, len(seen))
	for ip := range seen {
		keys = append(keys, ip)
	}
	sort.Strings(keys)

	return Info{Primary: primary, RateLimitKey: strings.Join(keys, "|")}
}

func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// hostFromAddr strips an optional port from "ip:port", "[v6]:port", "ip" or "v6".
// Unparseable peers are kept verbatim so they still anchor the rate limit key.
func hostFromAddr(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.Trim(addr, "[]")
	if ip := parseIP(addr); ip != "" {
		return ip
	}
	return addr
}
