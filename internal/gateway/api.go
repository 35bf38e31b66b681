// ABOUTME: HTTP API handlers for users, conversations, and messages
// ABOUTME: Plain JSON for one-shot reads and writes, SSE for live query results

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/live"
	"github.com/2389/coven-chat/internal/store"
)

// syncSecretHeader authenticates the identity provider's user sync calls.
const syncSecretHeader = "X-Sync-Secret"

// idempotencyKeyHeader makes message sends safe to retry.
const idempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// UpsertUserResponse is the JSON response for POST /api/users.
type UpsertUserResponse struct {
	ID string `json:"id"`
}

// UserResponse is the JSON form of a user row.
type UserResponse struct {
	ID          string  `json:"id"`
	ExternalID  string  `json:"external_id"`
	Contact     string  `json:"contact"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// PublicProfileResponse is the other participant as shown in a conversation list.
type PublicProfileResponse struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"display_name"`
	Contact     string  `json:"contact"`
	AvatarURL   *string `json:"avatar_url"`
}

// ConversationResponse is the JSON form of a conversation. OtherUser is only
// set in list results.
type ConversationResponse struct {
	ID        string                 `json:"id"`
	UserA     string                 `json:"user_a"`
	UserB     string                 `json:"user_b"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
	OtherUser *PublicProfileResponse `json:"other_user,omitempty"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	Seq            int64  `json:"seq"`
	CreatedAt      string `json:"created_at"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	OtherUserID string `json:"other_user_id"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toUserResponse(u *store.User) *UserResponse {
	if u == nil {
		return nil
	}
	return &UserResponse{
		ID:          u.ID,
		ExternalID:  u.ExternalID,
		Contact:     u.Contact,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		CreatedAt:   formatTime(u.CreatedAt),
		UpdatedAt:   formatTime(u.UpdatedAt),
	}
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        c.ID,
		UserA:     c.UserA,
		UserB:     c.UserB,
		CreatedAt: formatTime(c.CreatedAt),
		UpdatedAt: formatTime(c.UpdatedAt),
	}
}

func toConversationResponses(views []*store.ConversationView) []ConversationResponse {
	out := make([]ConversationResponse, 0, len(views))
	for _, v := range views {
		resp := toConversationResponse(&v.Conversation)
		resp.OtherUser = &PublicProfileResponse{
			ID:          v.OtherUser.ID,
			DisplayName: v.OtherUser.DisplayName,
			Contact:     v.OtherUser.Contact,
			AvatarURL:   v.OtherUser.AvatarURL,
		}
		out = append(out, resp)
	}
	return out
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Seq:            m.Seq,
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

func toMessageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

// registerAPIRoutes wires every /api route. The caller middleware wraps the mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/users/me", g.handleCurrentUser)
	mux.HandleFunc("GET /api/users/me/stream", g.handleStreamCurrentUser)
	mux.HandleFunc("POST /api/users", g.handleUpsertUser)
	mux.HandleFunc("GET /api/users/lookup", g.handleLookupUser)

	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations", g.handleGetOrCreateConversation)
	mux.HandleFunc("GET /api/conversations/stream", g.handleStreamConversations)

	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/messages/stream", g.handleStreamMessages)

	mux.HandleFunc("GET /api/messages/mine", g.handleListSentMessages)

	mux.HandleFunc("GET /api/ws", g.handleWebSocket)
}

// handleCurrentUser handles GET /api/users/me. Responds with null when the
// caller has no user row.
func (g *Gateway) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	u, err := g.identity.Current(r.Context(), caller)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toUserResponse(u))
}

// handleStreamCurrentUser handles GET /api/users/me/stream.
func (g *Gateway) handleStreamCurrentUser(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	sub, err := g.identity.WatchCurrent(r.Context(), caller)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	streamSubscription(g, w, r, sub, toUserResponseAny)
}

// handleUpsertUser handles POST /api/users from the identity provider.
func (g *Gateway) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	if secret := g.config.Auth.SyncSecret; secret != "" {
		got := r.Header.Get(syncSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			g.logger.Warn("user sync rejected", "reason", "bad_sync_secret", "remote", r.RemoteAddr)
			g.sendJSONError(w, http.StatusUnauthorized, "invalid sync secret")
			return
		}
	}

	var req identity.Profile
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := g.identity.UpsertUser(r.Context(), req)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, UpsertUserResponse{ID: u.ID})
}

// handleLookupUser handles GET /api/users/lookup?contact=X.
func (g *Gateway) handleLookupUser(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	u, err := g.identity.LookupByContact(r.Context(), caller, r.URL.Query().Get("contact"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toUserResponse(u))
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	views, err := g.conversations.ListConversations(r.Context(), caller)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponses(views))
}

// handleGetOrCreateConversation handles POST /api/conversations.
func (g *Gateway) handleGetOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.conversations.GetOrCreate(r.Context(), caller, req.OtherUserID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	msgs, err := g.conversations.ListMessages(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toMessageResponses(msgs))
}

// handleSendMessage handles POST /api/conversations/{id}/messages. An
// Idempotency-Key header makes the request safe to retry.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.conversations.Append(r.Context(), caller, r.PathValue("id"), req.Text, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toMessageResponse(msg))
}

// handleListSentMessages handles GET /api/messages/mine?limit=N.
func (g *Gateway) handleListSentMessages(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := g.conversations.ListSentMessages(r.Context(), caller, limit)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toMessageResponses(msgs))
}

// handleStreamConversations handles GET /api/conversations/stream.
func (g *Gateway) handleStreamConversations(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	sub, err := g.conversations.WatchConversations(r.Context(), caller)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	streamSubscription(g, w, r, sub, func(views []*store.ConversationView) any {
		return toConversationResponses(views)
	})
}

// handleStreamMessages handles GET /api/conversations/{id}/messages/stream.
func (g *Gateway) handleStreamMessages(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	sub, err := g.conversations.WatchMessages(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	streamSubscription(g, w, r, sub, func(msgs []*store.Message) any {
		return toMessageResponses(msgs)
	})
}

// streamSubscription writes every result of sub as an SSE "result" event until
// the client goes away or the subscription ends.
func streamSubscription[T any](g *Gateway, w http.ResponseWriter, r *http.Request, sub *live.Subscription[T], convert func(T) any) {
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.logger.Debug("sse stream opened", "query", sub.Name, "sub_id", sub.ID)
	defer g.logger.Debug("sse stream closed", "query", sub.Name, "sub_id", sub.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case value, ok := <-sub.C():
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, "result", convert(value)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON); err != nil {
		return err
	}
	return nil
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, identity.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, identity.ErrContactNotFound):
		return http.StatusNotFound, "contact not found"
	case errors.Is(err, conversation.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, conversation.ErrNotAParticipant):
		return http.StatusForbidden, "not a participant"
	case errors.Is(err, conversation.ErrInvalidArgument), errors.Is(err, identity.ErrInvalidProfile):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// sendServiceError writes the JSON error for err, logging unexpected ones.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusForError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	g.sendJSONError(w, status, msg)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
