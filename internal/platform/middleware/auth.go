// Package middleware holds HTTP middleware shared by the transport layer.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"pidserv/internal/dispatch"
)

// Authenticator verifies HTTP Basic credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (dispatch.Caller, error)
}

type contextKeyCaller struct{}

// GetCaller retrieves the authenticated caller from the context. Requests
// without credentials carry dispatch.Anonymous.
func GetCaller(ctx context.Context) dispatch.Caller {
	caller, ok := ctx.Value(contextKeyCaller{}).(dispatch.Caller)
	if !ok {
		return dispatch.Anonymous
	}
	return caller
}

// BasicAuth resolves HTTP Basic credentials into a caller. Requests without
// an Authorization header proceed anonymously; the handlers decide which
// operations anonymous callers may perform. Bad credentials are rejected
// here so a typo cannot silently demote a client to anonymous.
func BasicAuth(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			caller, err := auth.Authenticate(r.Context(), username, password)
			if err != nil {
				logger.WarnContext(r.Context(), "authentication failed",
					"user", username, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Basic realm="pidserv"`)
				http.Error(w, "error: unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyCaller{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
