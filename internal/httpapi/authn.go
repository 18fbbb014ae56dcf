package httpapi

import (
	"net/http"
	"strings"

	"tourguide.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "bearer "
)

// Authenticated resolves the bearer token to a principal and stores both in the request
// context. Requests without a valid token and live session get 401.
func (a *API) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get(authHeader))
		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermissions admits principals holding every listed permission. Admins always pass.
// It must run after Authenticated.
func (a *API) RequirePermissions(required ...auth.PermissionKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if err := a.svc.Guard().Authorize(r.Context(), principal, required...); err != nil {
				writeServiceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole admits principals whose identity role is one of allowed. It must run after
// Authenticated.
func (a *API) RequireRole(allowed ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if err := a.svc.Guard().RequireRole(r.Context(), principal, allowed...); err != nil {
				writeServiceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken returns the credential of a Bearer authorization header, or "" so that
// authentication reports a missing token.
func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}
