package cloudcp

import (
	"net/http"
	"strings"
)

// apiCSP forbids every fetch and embedding; the control plane only serves JSON.
const apiCSP = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"

// CPSecurityHeaders wraps an http.Handler to set security headers on all
// responses. API and admin responses carry session tokens and billing data,
// so they are also marked uncacheable.
func CPSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		// Deny all framing.
		h.Set("X-Frame-Options", "DENY")

		// Prevent MIME type sniffing.
		h.Set("X-Content-Type-Options", "nosniff")

		// Disable legacy XSS auditor.
		h.Set("X-XSS-Protection", "0")

		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=()")
		h.Set("Content-Security-Policy", apiCSP)

		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/admin/") {
			h.Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}
