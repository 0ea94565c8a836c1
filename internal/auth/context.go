// ABOUTME: Caller identity carried through request contexts
// ABOUTME: Provides WithIdentity/FromContext shared by the HTTP middleware and gRPC interceptors

package auth

import (
	"context"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Username string
	// Dev is set when the identity came from an unauthenticated development header.
	Dev bool
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Username returns the caller's username, or "" if the context is anonymous.
func Username(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.Username
	}
	return ""
}
