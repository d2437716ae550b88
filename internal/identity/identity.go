// Package identity resolves the calling user from request headers.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// HeaderName carries the caller's user id, set by the fronting web app.
const HeaderName = "X-User-ID"

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// IsValidUserID reports whether id is an acceptable user identifier.
func IsValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// Middleware places a valid X-User-ID header value in the request context.
// A malformed header is rejected; a missing one is left for handlers to
// fill from the request body.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(HeaderName))
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !IsValidUserID(userID) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"ok":false,"kind":"validation_error","message":"invalid X-User-ID header"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
