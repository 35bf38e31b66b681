// Package auth authenticates HTTP and WebSocket requests for coven-chat.
//
// # Tokens
//
// Clients present an HS256 JWT signed with the configured jwt_secret, either
// as "Authorization: Bearer <token>" or, for EventSource and browser
// WebSocket clients, as the access_token query parameter. The token's "sub"
// claim is the caller's external identity as asserted by the identity
// provider:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("ext-alice", 24*time.Hour)
//
// # Caller resolution
//
// CallerMiddleware verifies the token and resolves the caller exactly once
// per request. Handlers read it back with CallerFromContext and pass it to the
// identity and conversation services as an explicit argument.
package auth
