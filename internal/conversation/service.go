// ABOUTME: Conversation resolver and message ledger between the transport and the store
// ABOUTME: Every write publishes the keys it touched so live queries re-run

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/live"
	"github.com/2389/coven-chat/internal/store"
)

var (
	// ErrInvalidArgument covers empty or oversized text and self-conversations.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotAParticipant means the caller is not one of the conversation's two users.
	ErrNotAParticipant = errors.New("not a participant")

	// ErrConversationNotFound means the conversation id does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxLength      = 4000
	DefaultIdempotencyTTL = 10 * time.Minute
	DefaultIdempotencyMax = 10_000
	DefaultSentLimit      = 50
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, first, second string, now time.Time) (*store.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*store.ConversationView, error)
	AppendMessage(ctx context.Context, msg *store.NewMessage) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	ListMessagesBySender(ctx context.Context, senderID string, limit int) ([]*store.Message, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*store.User, error)
}

// Config tunes message validation and idempotent retries.
type Config struct {
	MaxLength      int
	IdempotencyTTL time.Duration
	IdempotencyMax int
}

// Service resolves conversations and records messages.
type Service struct {
	store     ConversationStore
	hub       *live.Hub
	publisher live.Publisher
	maxLength int

	sent     *dedupe.Cache[*store.Message]
	inflight singleflight.Group

	now    func() time.Time
	logger *slog.Logger
}

// New creates a conversation service. Writes are announced through publisher;
// standing queries are registered on hub. Pass nil logger for default.
func New(st ConversationStore, hub *live.Hub, publisher live.Publisher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = hub
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if cfg.IdempotencyMax <= 0 {
		cfg.IdempotencyMax = DefaultIdempotencyMax
	}
	return &Service{
		store:     st,
		hub:       hub,
		publisher: publisher,
		maxLength: cfg.MaxLength,
		sent:      dedupe.New[*store.Message](cfg.IdempotencyTTL, cfg.IdempotencyMax),
		now:       time.Now,
		logger:    logger.With("component", "conversation"),
	}
}

// Close stops background work owned by the service.
func (s *Service) Close() {
	s.sent.Close()
}

// publish announces a committed write. The write already succeeded, so a
// failure here is logged rather than returned.
func (s *Service) publish(ctx context.Context, keys ...live.Key) {
	if err := s.publisher.Publish(ctx, keys...); err != nil {
		s.logger.Warn("failed to publish invalidation", "keys", keys, "error", err)
	}
}

// GetOrCreate returns the single conversation between the caller and
// otherUserID, creating it on first use. Argument order never matters.
func (s *Service) GetOrCreate(ctx context.Context, caller identity.Caller, otherUserID string) (*store.Conversation, error) {
	if err := caller.Require(); err != nil {
		return nil, err
	}
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return nil, fmt.Errorf("%w: other_user_id is required", ErrInvalidArgument)
	}
	if otherUserID == caller.UserID() {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidArgument)
	}

	conv, created, err := s.store.GetOrCreateConversation(ctx, caller.UserID(), otherUserID, s.now())
	switch {
	case errors.Is(err, store.ErrSelfConversation):
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidArgument)
	case errors.Is(err, store.ErrNotFound):
		return nil, identity.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}

	if created {
		s.publish(ctx,
			live.Row(live.TableConversations, conv.ID),
			live.Row(live.IndexUserConversations, conv.UserA),
			live.Row(live.IndexUserConversations, conv.UserB),
		)
		s.logger.Info("conversation created", "conversation_id", conv.ID, "user_a", conv.UserA, "user_b", conv.UserB)
	}
	return conv, nil
}

// Append records a message from the caller. A non-empty idempotencyKey makes
// retries within the idempotency window return the original message.
func (s *Service) Append(ctx context.Context, caller identity.Caller, conversationID, text, idempotencyKey string) (*store.Message, error) {
	if err := caller.Require(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text must not be empty", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(text) > s.maxLength {
		return nil, fmt.Errorf("%w: text exceeds %d characters", ErrInvalidArgument, s.maxLength)
	}

	if idempotencyKey == "" {
		return s.append(ctx, caller.UserID(), conversationID, text)
	}

	cacheKey := caller.UserID() + "/" + conversationID + "/" + idempotencyKey
	if msg, ok := s.sent.Get(cacheKey); ok {
		s.logger.Debug("idempotent replay", "message_id", msg.ID, "key", idempotencyKey)
		return msg, nil
	}

	// Concurrent retries with the same key share one insert
	v, err, _ := s.inflight.Do(cacheKey, func() (any, error) {
		if msg, ok := s.sent.Get(cacheKey); ok {
			return msg, nil
		}
		msg, err := s.append(ctx, caller.UserID(), conversationID, text)
		if err != nil {
			return nil, err
		}
		s.sent.Put(cacheKey, msg)
		return msg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Message), nil
}

func (s *Service) append(ctx context.Context, senderID, conversationID, text string) (*store.Message, error) {
	msg, err := s.store.AppendMessage(ctx, &store.NewMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		At:             s.now(),
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrConversationNotFound
	case errors.Is(err, store.ErrNotParticipant):
		return nil, ErrNotAParticipant
	case err != nil:
		return nil, fmt.Errorf("recording message: %w", err)
	}

	s.publish(ctx,
		live.Row(live.TableMessages, msg.ID),
		live.Row(live.IndexConversationMessages, conversationID),
		live.Row(live.TableConversations, conversationID),
	)
	s.logger.Debug("message recorded", "message_id", msg.ID, "conversation_id", conversationID, "seq", msg.Seq)
	return msg, nil
}

// ListMessages returns a conversation's messages oldest first. Anonymous
// callers get an empty list; other callers must be participants.
func (s *Service) ListMessages(ctx context.Context, caller identity.Caller, conversationID string) ([]*store.Message, error) {
	msgs, _, err := s.messagesQuery(caller, conversationID)(ctx)
	return msgs, err
}

func (s *Service) messagesQuery(caller identity.Caller, conversationID string) live.RunFunc[[]*store.Message] {
	return func(ctx context.Context) ([]*store.Message, []live.Key, error) {
		caller, pending, err := identity.Refresh(ctx, s.store, caller)
		if err != nil {
			return nil, nil, err
		}
		if !caller.Authenticated() {
			return []*store.Message{}, pending, nil
		}

		conv, err := s.store.GetConversation(ctx, conversationID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrConversationNotFound
		}
		if err != nil {
			return nil, nil, fmt.Errorf("loading conversation: %w", err)
		}
		if !conv.HasParticipant(caller.UserID()) {
			return nil, nil, ErrNotAParticipant
		}

		msgs, err := s.store.ListMessages(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		return msgs, []live.Key{live.Row(live.IndexConversationMessages, conversationID)}, nil
	}
}

// ListConversations returns the caller's conversations, most recently active
// first, each with the other participant's current profile.
func (s *Service) ListConversations(ctx context.Context, caller identity.Caller) ([]*store.ConversationView, error) {
	views, _, err := s.conversationsQuery(caller)(ctx)
	return views, err
}

func (s *Service) conversationsQuery(caller identity.Caller) live.RunFunc[[]*store.ConversationView] {
	return func(ctx context.Context) ([]*store.ConversationView, []live.Key, error) {
		caller, pending, err := identity.Refresh(ctx, s.store, caller)
		if err != nil {
			return nil, nil, err
		}
		if !caller.Authenticated() {
			return []*store.ConversationView{}, pending, nil
		}

		views, err := s.store.ListConversationsForUser(ctx, caller.UserID())
		if err != nil {
			return nil, nil, err
		}

		deps := make([]live.Key, 0, 1+2*len(views))
		deps = append(deps, live.Row(live.IndexUserConversations, caller.UserID()))
		for _, v := range views {
			deps = append(deps,
				live.Row(live.TableConversations, v.ID),
				live.Row(live.TableUsers, v.OtherUser.ID),
			)
		}
		return views, deps, nil
	}
}

// ListSentMessages returns up to limit messages sent by the caller, newest
// first. Anonymous callers get ErrUnauthenticated; a verified caller that has
// not been synced yet has sent nothing.
func (s *Service) ListSentMessages(ctx context.Context, caller identity.Caller, limit int) ([]*store.Message, error) {
	if err := caller.Require(); errors.Is(err, identity.ErrUnauthenticated) {
		return nil, err
	}
	caller, _, err := identity.Refresh(ctx, s.store, caller)
	if err != nil {
		return nil, err
	}
	if !caller.Authenticated() {
		return []*store.Message{}, nil
	}
	if limit <= 0 {
		limit = DefaultSentLimit
	}
	return s.store.ListMessagesBySender(ctx, caller.UserID(), limit)
}

// WatchMessages is the live form of ListMessages. The first result is
// available on the subscription immediately; errors from it are returned.
func (s *Service) WatchMessages(ctx context.Context, caller identity.Caller, conversationID string) (*live.Subscription[[]*store.Message], error) {
	return live.Subscribe(ctx, s.hub, "messages.list", s.messagesQuery(caller, conversationID))
}

// WatchConversations is the live form of ListConversations.
func (s *Service) WatchConversations(ctx context.Context, caller identity.Caller) (*live.Subscription[[]*store.ConversationView], error) {
	return live.Subscribe(ctx, s.hub, "conversations.list", s.conversationsQuery(caller))
}
