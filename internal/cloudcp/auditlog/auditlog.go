// Package auditlog records operator and tenant actions that change billing
// state, as structured log entries tagged with who, from where and which route.
package auditlog

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/navalha/navalha/internal/logging"
)

// ClientIP resolves the best-effort client IP for audit metadata.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}

// ActorID returns the operator identifier an admin client sent, if any.
func ActorID(r *http.Request) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-Actor-ID"))
}

// RequestPath returns a stable request path for audit metadata.
func RequestPath(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	if p := strings.TrimSpace(r.URL.Path); p != "" {
		return p
	}
	return "/"
}

// Record starts an audit entry for action performed by actor. The caller
// adds domain fields and finishes it with Msg.
func Record(r *http.Request, actor, action string) *zerolog.Event {
	if actor == "" {
		actor = "unknown"
	}
	return loggerFor(r).Info().
		Bool("audit", true).
		Str("action", action).
		Str("actor", actor).
		Str("ip", ClientIP(r)).
		Str("path", RequestPath(r))
}

func loggerFor(r *http.Request) *zerolog.Logger {
	if r == nil {
		return logging.FromContext(context.Background())
	}
	return logging.FromContext(r.Context())
}
