// Package auth defines the session shape the host authentication framework
// provides and the admin enforcement gates built on it.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Session is the authenticated principal the host resolves per request.
// This service never authenticates; it only consumes sessions.
type Session struct {
	UserID         string
	Email          string
	Roles          []string
	OrganizationID string
}

// HasAnyRole reports whether the session holds at least one of the roles.
func (s *Session) HasAnyRole(roles []string) bool {
	if s == nil {
		return false
	}
	for _, have := range s.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// SessionResolver is implemented by the host authentication framework.
// Resolve returns nil with no error for anonymous requests.
type SessionResolver interface {
	Resolve(r *http.Request) (*Session, error)
}

// SessionResolverFunc adapts a function to SessionResolver.
type SessionResolverFunc func(r *http.Request) (*Session, error)

func (f SessionResolverFunc) Resolve(r *http.Request) (*Session, error) {
	return f(r)
}

type contextKey string

const sessionContextKey contextKey = "flagkit.session"

// WithSession stores a session on the context.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// SessionFromContext returns the session stored by the middleware, or nil.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey).(*Session)
	return s
}

// ClientIP extracts the caller's IP for audit purposes. The first
// comma-separated X-Forwarded-For value wins, then X-Real-IP, then
// CF-Connecting-IP, then the socket address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return host
}
