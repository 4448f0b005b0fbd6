package util

import (
	"net/http"
	"strings"
)

// SecurityHeaderOptions selects which routes are marked uncacheable.
type SecurityHeaderOptions struct {
	// NoStorePrefixes are path prefixes whose responses carry tokens,
	// profiles or message history. Defaults to "/api/".
	NoStorePrefixes []string
}

// WithSecurityHeaders adds browser hardening headers to every response and
// Cache-Control: no-store to the private API routes. The websocket upgrade
// and health probe keep their own caching semantics.
func WithSecurityHeaders(opts SecurityHeaderOptions, next http.Handler) http.Handler {
	prefixes := opts.NoStorePrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"/api/"}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		for _, p := range prefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
				break
			}
		}
		if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
