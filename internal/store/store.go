// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNotParticipant is returned when a message sender is not one of the
// conversation's two participants. Nothing is written in that case.
var ErrNotParticipant = errors.New("sender is not a conversation participant")

// ErrSelfConversation is returned when both sides of a pair are the same user
var ErrSelfConversation = errors.New("conversation requires two distinct users")

// User is a profile synced from the external identity provider.
type User struct {
	ID          string // internal handle (UUIDv7)
	ExternalID  string // identity token asserted by the auth provider; immutable
	DisplayName *string
	Contact     string
	AvatarURL   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UserProfile is the upsert payload for a user keyed by ExternalID.
type UserProfile struct {
	ExternalID  string
	Contact     string
	DisplayName *string
	AvatarURL   *string
}

// Conversation is a two-party conversation. UserA always sorts before UserB.
type Conversation struct {
	ID        string
	UserA     string
	UserB     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.UserA == userID || c.UserB == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// ConversationView is a conversation enriched with a read-time snapshot of the
// other participant's public profile.
type ConversationView struct {
	Conversation
	OtherUser PublicProfile
}

// PublicProfile holds the user fields visible to the other participant.
type PublicProfile struct {
	ID          string
	DisplayName *string
	Contact     string
	AvatarURL   *string
}

// Message is an immutable text message. Seq is contiguous per conversation,
// starting at 0.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Seq            int64
	CreatedAt      time.Time
}

// NewMessage is the append payload. At is the sender-side wall clock; the
// stored timestamp never moves the conversation's updated_at backwards.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Text           string
	At             time.Time
}

// Store defines the interface for user, conversation and message persistence
type Store interface {
	// Users
	UpsertUser(ctx context.Context, profile *UserProfile) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	GetUserByContact(ctx context.Context, contact string) (*User, error)

	// Conversations
	// GetOrCreateConversation returns the conversation for the canonical pair,
	// creating it with created_at = updated_at = now when absent. created is
	// true only for the call that inserted the row.
	GetOrCreateConversation(ctx context.Context, first, second string, now time.Time) (conv *Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationView, error)

	// Messages
	AppendMessage(ctx context.Context, msg *NewMessage) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	ListMessagesBySender(ctx context.Context, senderID string, limit int) ([]*Message, error)

	// Ping checks the database connection
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// SortPair orders two user handles canonically. Handles are UUIDv7 strings, so
// byte-wise order is creation order and survives restarts.
func SortPair(a, b string) (first, second string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// NewID returns a time-ordered identifier for a new row.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// toMillis and fromMillis convert between time.Time and the stored unix
// millisecond columns.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// clampLimit bounds a caller-supplied list limit.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// nullString returns nil for a nil or empty pointer, otherwise the string
func nullString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// stringPtr converts a nullable column back into an optional field.
func stringPtr(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
