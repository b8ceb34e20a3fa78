package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"cwa-risk-core/api/internal/models"
	"cwa-risk-core/shared/authx"
	"cwa-risk-core/shared/httpx"
	"cwa-risk-core/shared/ownerx"
)

type OwnerResolver interface {
	EnsureOwner(ctx context.Context, subject string) (models.Owner, error)
}

// OwnerMiddleware maps the authenticated subject to its data owner.
type OwnerMiddleware struct {
	Owners OwnerResolver
	Skip   func(*http.Request) bool
}

func (m OwnerMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		auth, ok := authx.FromContext(r.Context())
		if !ok || auth.Subject == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		if m.Owners == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "owner repository not configured", nil)
			return
		}
		owner, err := m.Owners.EnsureOwner(r.Context(), auth.Subject)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve owner", nil)
			return
		}

		httpx.AddLogAttrs(r.Context(), slog.String("owner_id", owner.OwnerID.String()))
		ctx := ownerx.WithOwner(r.Context(), ownerx.OwnerContext{ID: owner.OwnerID, Subject: owner.Subject})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
