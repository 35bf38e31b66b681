// Package gateway orchestrates the coven-chat server components.
//
// # Overview
//
// The gateway package is the central coordinator of the coven-chat server.
// It owns the data store, the live subscription hub, the optional Redis relay,
// the HTTP server, and the gRPC health server.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config        *config.Config
//	    store         store.Store
//	    hub           *live.Hub
//	    relay         *live.RedisRelay // nil unless live.redis_url is set
//	    identity      *identity.Service
//	    conversations *conversation.Service
//	    verifier      *auth.JWTVerifier
//	    grpcServer    *grpc.Server
//	    httpServer    *http.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// Every /api route runs behind auth.CallerMiddleware, which resolves the
// caller once and stores it in the request context:
//
//   - GET /api/users/me - Current user or null
//   - GET /api/users/me/stream - Live current user (SSE)
//   - POST /api/users - Sync a user from the identity provider
//   - GET /api/users/lookup?contact= - Find a user by contact
//   - GET /api/conversations - Caller's conversations, most recent first
//   - POST /api/conversations - Get or create the conversation with a user
//   - GET /api/conversations/{id}/messages - Messages oldest first
//   - POST /api/conversations/{id}/messages - Send (Idempotency-Key aware)
//   - GET /api/messages/mine - Caller's sent messages
//   - GET /api/conversations/stream - Live conversation list (SSE)
//   - GET /api/conversations/{id}/messages/stream - Live messages (SSE)
//   - GET /api/ws - Multiplexed live queries (WebSocket)
//   - GET /health, GET /health/ready - Liveness and readiness
//
// # Live Queries
//
// SSE streams emit the full result on every change:
//
//	event: result
//	data: [{"id": "...", "seq": 0, "text": "hi"}]
//
// A caller whose token is valid but whose user has not been synced yet reads
// empty results, and its streams re-run once the user is synced.
//
// The WebSocket endpoint carries several standing queries at once
// (users.current, conversations.list, messages.list):
//
//	-> {"op":"subscribe","id":"s1","query":"messages.list","conversation_id":"..."}
//	<- {"type":"result","id":"s1","data":[...]}
//	-> {"op":"unsubscribe","id":"s1"}
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled) the gateway serves
// grpc.health.v1 and reflection. Health tracks store and Redis reachability.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	go gw.Run(ctx)
//	cancel() // Run shuts everything down
package gateway
