// ABOUTME: Unit tests for request context helpers
// ABOUTME: Tests caller storage, retrieval, and the anonymous fallback

package auth

import (
	"context"
	"testing"

	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/store"
)

func TestCallerFromContext_Missing(t *testing.T) {
	caller := CallerFromContext(context.Background())
	if caller.Authenticated() {
		t.Error("expected anonymous caller from empty context")
	}
	if caller.ExternalID != "" {
		t.Errorf("expected empty external id, got %q", caller.ExternalID)
	}
}

func TestWithCaller_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		caller identity.Caller
		authed bool
	}{
		{
			name:   "resolved user",
			caller: identity.Caller{ExternalID: "ext-1", User: &store.User{ID: "user-1"}},
			authed: true,
		},
		{
			name:   "verified but not synced",
			caller: identity.Caller{ExternalID: "ext-2"},
			authed: false,
		},
		{
			name:   "anonymous",
			caller: identity.Anonymous,
			authed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithCaller(context.Background(), tt.caller)
			got := CallerFromContext(ctx)

			if got.ExternalID != tt.caller.ExternalID {
				t.Errorf("ExternalID = %q, want %q", got.ExternalID, tt.caller.ExternalID)
			}
			if got.Authenticated() != tt.authed {
				t.Errorf("Authenticated() = %v, want %v", got.Authenticated(), tt.authed)
			}
			if got.UserID() != tt.caller.UserID() {
				t.Errorf("UserID() = %q, want %q", got.UserID(), tt.caller.UserID())
			}
		})
	}
}

func TestWithCaller_InnerOverridesOuter(t *testing.T) {
	outer := WithCaller(context.Background(), identity.Caller{ExternalID: "outer"})
	inner := WithCaller(outer, identity.Caller{ExternalID: "inner"})

	if got := CallerFromContext(inner).ExternalID; got != "inner" {
		t.Errorf("expected inner caller, got %q", got)
	}
	if got := CallerFromContext(outer).ExternalID; got != "outer" {
		t.Errorf("outer context changed, got %q", got)
	}
}
