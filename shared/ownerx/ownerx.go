// Package ownerx carries the resolved data owner of a request.
package ownerx

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

type OwnerContext struct {
	ID      uuid.UUID
	Subject string
}

func WithOwner(ctx context.Context, owner OwnerContext) context.Context {
	return context.WithValue(ctx, contextKey{}, owner)
}

func FromContext(ctx context.Context) (OwnerContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if o, ok := v.(OwnerContext); ok && o.ID != uuid.Nil {
			return o, true
		}
	}
	return OwnerContext{}, false
}
