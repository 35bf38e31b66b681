// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Verifies the bearer token, resolves the caller once, and stores it in context

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-chat/internal/identity"
)

// CallerResolver maps a verified external identity to a caller.
type CallerResolver interface {
	ResolveCaller(ctx context.Context, externalID string) (identity.Caller, error)
}

// accessTokenParam carries the token for clients that cannot set headers
// (EventSource, browser WebSocket).
const accessTokenParam = "access_token"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken returns the request's token, whether one was presented at all,
// and an error message for a malformed presentation.
func requestToken(r *http.Request) (token string, present bool, errMsg string) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, errMsg = extractBearerToken(header)
		return token, true, errMsg
	}
	if token = r.URL.Query().Get(accessTokenParam); token != "" {
		return token, true, ""
	}
	return "", false, ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// CallerMiddleware authenticates requests and attaches the resolved caller.
//
// Requests without a token continue as identity.Anonymous. A presented token
// that fails verification is rejected with 401. A valid token whose identity
// has no user row continues with a caller that carries only the external id,
// so reads return empty results and writes fail with ErrUserNotFound.
func CallerMiddleware(resolver CallerResolver, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, present, errMsg := requestToken(r)
			if !present {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), identity.Anonymous)))
				return
			}
			if errMsg != "" {
				logger.Warn("http auth failure", "reason", "token_extraction_failed", "path", r.URL.Path, "error", errMsg)
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				reason := "token_verification_failed"
				if errors.Is(err, ErrExpiredToken) {
					reason = "token_expired"
				}
				logger.Warn("http auth failure", "reason", reason, "path", r.URL.Path, "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			caller, err := resolver.ResolveCaller(r.Context(), subject)
			if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
				logger.Error("resolving caller", "path", r.URL.Path, "error", err)
				writeAuthError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if errors.Is(err, identity.ErrUserNotFound) {
				logger.Debug("verified identity has no user row", "external_id", subject)
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
