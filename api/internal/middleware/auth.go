package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"cwa-risk-core/shared/authx"
	"cwa-risk-core/shared/httpx"
)

type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (authx.AuthContext, error)
}

// AuthMiddleware authenticates bearer tokens. Scope, when set, names the
// scope a request needs; an empty result means any valid token will do.
type AuthMiddleware struct {
	Verifier TokenVerifier
	Scope    func(*http.Request) string
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		token, ok := authx.BearerToken(r)
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, authx.ErrTokenExpired) {
				httpx.WriteError(w, r, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		if m.Scope != nil {
			if scope := m.Scope(r); scope != "" && !auth.HasScope(scope) {
				httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing scope", map[string]any{"scope": scope})
				return
			}
		}

		httpx.AddLogAttrs(r.Context(), slog.String("subject", auth.Subject))
		next.ServeHTTP(w, r.WithContext(authx.WithAuth(r.Context(), auth)))
	})
}
