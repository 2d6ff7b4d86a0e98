// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the caller via context

package auth

import (
	"context"
)

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// MustFromContext retrieves the identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}

// CheckEmail reports whether email may act for the caller in ctx. A request with no
// identity (anonymous mode) is allowed; otherwise the addresses must match.
func CheckEmail(ctx context.Context, email string) error {
	id := FromContext(ctx)
	if id == nil {
		return nil
	}
	if id.Email != NormalizeEmail(email) {
		return ErrIdentityMismatch
	}
	return nil
}
