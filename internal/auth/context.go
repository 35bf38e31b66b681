// ABOUTME: Request context plumbing for the resolved caller
// ABOUTME: The middleware stores the caller once; handlers read it back and pass it explicitly

package auth

import (
	"context"

	"github.com/2389/coven-chat/internal/identity"
)

// callerContextKey is the key type for storing the caller in context.Context.
type callerContextKey struct{}

// WithCaller returns a new context with the caller attached.
func WithCaller(ctx context.Context, caller identity.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext retrieves the caller, returning identity.Anonymous if none is present.
func CallerFromContext(ctx context.Context) identity.Caller {
	caller, ok := ctx.Value(callerContextKey{}).(identity.Caller)
	if !ok {
		return identity.Anonymous
	}
	return caller
}
