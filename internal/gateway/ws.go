// ABOUTME: WebSocket endpoint multiplexing live query subscriptions over one connection
// ABOUTME: Clients send subscribe/unsubscribe frames; each result is pushed as a full snapshot

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/live"
	"github.com/2389/coven-chat/internal/store"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxFrameBytes  = 8 << 10
	wsSendBufferSize = 16
)

// Query names accepted in subscribe frames.
const (
	queryConversationsList = "conversations.list"
	queryMessagesList      = "messages.list"
	queryUsersCurrent      = "users.current"
)

// Frame ops and types.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"

	frameResult = "result"
	frameError  = "error"
)

// Bearer tokens authenticate sockets, not cookies, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClientFrame is a frame sent by the client.
type wsClientFrame struct {
	Op             string `json:"op"`
	ID             string `json:"id"`
	Query          string `json:"query,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// wsServerFrame is a frame sent to the client.
type wsServerFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// wsSession is one WebSocket connection and the subscriptions it owns.
type wsSession struct {
	id     string
	ws     *websocket.Conn
	caller identity.Caller
	gw     *Gateway
	logger *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// handleWebSocket handles GET /api/ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &wsSession{
		id:     uuid.NewString(),
		ws:     ws,
		caller: caller,
		gw:     g,
		send:   make(chan []byte, wsSendBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]context.CancelFunc),
	}
	s.logger = g.logger.With("session_id", s.id, "user_id", caller.UserID())
	s.logger.Debug("websocket session opened")

	go s.writeLoop()
	s.readLoop(g.sessionCtx)
	s.shutdown()
	s.logger.Debug("websocket session closed")
}

// readLoop dispatches client frames until the socket fails or the gateway
// stops. Subscriptions are scoped to the session.
func (s *wsSession) readLoop(gatewayCtx context.Context) {
	ctx, cancel := context.WithCancel(gatewayCtx)
	defer cancel()

	go func() {
		select {
		case <-gatewayCtx.Done():
			s.close(websocket.CloseGoingAway, "server shutting down")
		case <-s.done:
		}
	}()

	s.ws.SetReadLimit(wsMaxFrameBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var frame wsClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.enqueue(wsServerFrame{Type: frameError, Error: "invalid JSON frame"})
			continue
		}
		s.dispatch(ctx, frame)
	}
}

func (s *wsSession) dispatch(ctx context.Context, frame wsClientFrame) {
	switch frame.Op {
	case opSubscribe:
		s.subscribe(ctx, frame)
	case opUnsubscribe:
		s.unsubscribe(frame.ID)
	default:
		s.enqueue(wsServerFrame{Type: frameError, ID: frame.ID, Error: "unknown op"})
	}
}

// subscribe starts the standing query named by frame under frame.ID.
func (s *wsSession) subscribe(ctx context.Context, frame wsClientFrame) {
	if frame.ID == "" {
		s.enqueue(wsServerFrame{Type: frameError, Error: "subscription id is required"})
		return
	}

	s.mu.Lock()
	if _, exists := s.subs[frame.ID]; exists {
		s.mu.Unlock()
		s.enqueue(wsServerFrame{Type: frameError, ID: frame.ID, Error: "subscription id already in use"})
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	s.subs[frame.ID] = cancel
	s.mu.Unlock()

	var err error
	switch frame.Query {
	case queryConversationsList:
		var sub *live.Subscription[[]*store.ConversationView]
		sub, err = s.gw.conversations.WatchConversations(subCtx, s.caller)
		if err == nil {
			s.forward(subCtx, frame.ID, func() { forwardResults(subCtx, s, frame.ID, sub, toConversationResponsesAny) })
		}
	case queryUsersCurrent:
		var sub *live.Subscription[*store.User]
		sub, err = s.gw.identity.WatchCurrent(subCtx, s.caller)
		if err == nil {
			s.forward(subCtx, frame.ID, func() { forwardResults(subCtx, s, frame.ID, sub, toUserResponseAny) })
		}
	case queryMessagesList:
		var sub *live.Subscription[[]*store.Message]
		sub, err = s.gw.conversations.WatchMessages(subCtx, s.caller, frame.ConversationID)
		if err == nil {
			s.forward(subCtx, frame.ID, func() { forwardResults(subCtx, s, frame.ID, sub, toMessageResponsesAny) })
		}
	default:
		err = errUnknownQuery
	}

	if err != nil {
		s.drop(frame.ID)
		cancel()
		s.enqueue(wsServerFrame{Type: frameError, ID: frame.ID, Error: wsErrorMessage(err)})
		if !errors.Is(err, errUnknownQuery) {
			s.logger.Debug("subscribe rejected", "sub", frame.ID, "query", frame.Query, "error", err)
		}
		return
	}
	s.logger.Debug("subscribed", "sub", frame.ID, "query", frame.Query)
}

var errUnknownQuery = errors.New("unknown query")

func wsErrorMessage(err error) string {
	if errors.Is(err, errUnknownQuery) {
		return err.Error()
	}
	_, msg := statusForError(err)
	return msg
}

// forward runs fn on a session-tracked goroutine and forgets id when it ends.
func (s *wsSession) forward(ctx context.Context, id string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
		// A subscription that ended on its own (hub closed) frees its id
		if ctx.Err() == nil {
			s.drop(id)
		}
	}()
}

// toUserResponseAny keeps a nil user as JSON null.
func toUserResponseAny(u *store.User) any {
	return toUserResponse(u)
}

func toConversationResponsesAny(views []*store.ConversationView) any {
	return toConversationResponses(views)
}

func toMessageResponsesAny(msgs []*store.Message) any {
	return toMessageResponses(msgs)
}

// forwardResults pushes each result of sub to the client as a result frame.
// Blocking on the send buffer is safe: the subscription keeps only the newest
// result, so a slow client skips intermediate snapshots.
func forwardResults[T any](ctx context.Context, s *wsSession, id string, sub *live.Subscription[T], convert func(T) any) {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case value, ok := <-sub.C():
			if !ok {
				return
			}
			if !s.enqueueCtx(ctx, wsServerFrame{Type: frameResult, ID: id, Data: convert(value)}) {
				return
			}
		}
	}
}

func (s *wsSession) unsubscribe(id string) {
	s.mu.Lock()
	cancel, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !ok {
		s.enqueue(wsServerFrame{Type: frameError, ID: id, Error: "unknown subscription"})
		return
	}
	cancel()
	s.logger.Debug("unsubscribed", "sub", id)
}

func (s *wsSession) drop(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// enqueue queues a frame for the write loop, dropping it if the session is closed.
func (s *wsSession) enqueue(frame wsServerFrame) {
	s.enqueueCtx(context.Background(), frame)
}

func (s *wsSession) enqueueCtx(ctx context.Context, frame wsServerFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to marshal frame", "error", err)
		return false
	}
	select {
	case s.send <- payload:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (s *wsSession) write(messageType int, payload []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, payload)
}

// close terminates the socket once. The read loop then fails and shuts the
// session down.
func (s *wsSession) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		_ = s.ws.Close()
	})
}

// shutdown cancels every subscription and waits for their forwarders.
func (s *wsSession) shutdown() {
	s.close(websocket.CloseNormalClosure, "")

	s.mu.Lock()
	for id, cancel := range s.subs {
		cancel()
		delete(s.subs, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
