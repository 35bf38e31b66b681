// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject backend failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User      // keyed by user ID
	byExternalID  map[string]string     // external ID -> user ID
	conversations map[string]*mockConv  // keyed by conversation ID
	pairs         map[[2]string]string  // canonical pair -> conversation ID
	messages      map[string][]*Message // keyed by conversation ID, in seq order
	err           error                 // returned by every call when set
}

type mockConv struct {
	Conversation
	nextSeq int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		byExternalID:  make(map[string]string),
		conversations: make(map[string]*mockConv),
		pairs:         make(map[[2]string]string),
		messages:      make(map[string][]*Message),
	}
}

// SetError makes every subsequent call return err. Pass nil to recover.
func (m *MockStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func cloneUser(u *User) *User {
	c := *u
	return &c
}

// UpsertUser inserts or patches the user keyed by ExternalID.
func (m *MockStore) UpsertUser(ctx context.Context, profile *UserProfile) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	now := fromMillis(toMillis(time.Now()))
	if id, ok := m.byExternalID[profile.ExternalID]; ok {
		u := m.users[id]
		u.Contact = profile.Contact
		u.DisplayName = stringPtr(profile.DisplayName)
		u.AvatarURL = stringPtr(profile.AvatarURL)
		u.UpdatedAt = now
		return cloneUser(u), nil
	}

	u := &User{
		ID:          NewID(),
		ExternalID:  profile.ExternalID,
		Contact:     profile.Contact,
		DisplayName: stringPtr(profile.DisplayName),
		AvatarURL:   stringPtr(profile.AvatarURL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.users[u.ID] = u
	m.byExternalID[u.ExternalID] = u.ID
	return cloneUser(u), nil
}

// GetUser retrieves a user by internal id.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

// GetUserByExternalID retrieves a user by external identity token.
func (m *MockStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	id, ok := m.byExternalID[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(m.users[id]), nil
}

// GetUserByContact retrieves the oldest user registered with a contact address.
func (m *MockStore) GetUserByContact(ctx context.Context, contact string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	var found *User
	for _, u := range m.users {
		if u.Contact == contact && (found == nil || u.ID < found.ID) {
			found = u
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneUser(found), nil
}

// GetOrCreateConversation returns the conversation for the canonical pair,
// creating it when absent.
func (m *MockStore) GetOrCreateConversation(ctx context.Context, first, second string, now time.Time) (*Conversation, bool, error) {
	if first == second {
		return nil, false, ErrSelfConversation
	}
	first, second = SortPair(first, second)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}

	if id, ok := m.pairs[[2]string{first, second}]; ok {
		c := m.conversations[id].Conversation
		return &c, false, nil
	}
	if _, ok := m.users[first]; !ok {
		return nil, false, ErrNotFound
	}
	if _, ok := m.users[second]; !ok {
		return nil, false, ErrNotFound
	}

	at := fromMillis(toMillis(now))
	conv := &mockConv{Conversation: Conversation{
		ID:        NewID(),
		UserA:     first,
		UserB:     second,
		CreatedAt: at,
		UpdatedAt: at,
	}}
	m.conversations[conv.ID] = conv
	m.pairs[[2]string{first, second}] = conv.ID

	c := conv.Conversation
	return &c, true, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := conv.Conversation
	return &c, nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first, joined with the other participant's current profile.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	views := []*ConversationView{}
	for _, conv := range m.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		other := m.users[conv.Other(userID)]
		views = append(views, &ConversationView{
			Conversation: conv.Conversation,
			OtherUser: PublicProfile{
				ID:          other.ID,
				DisplayName: other.DisplayName,
				Contact:     other.Contact,
				AvatarURL:   other.AvatarURL,
			},
		})
	}

	sort.Slice(views, func(i, j int) bool {
		if !views[i].UpdatedAt.Equal(views[j].UpdatedAt) {
			return views[i].UpdatedAt.After(views[j].UpdatedAt)
		}
		return views[i].ID > views[j].ID
	})
	return views, nil
}

// AppendMessage assigns the next sequence number and advances updated_at.
func (m *MockStore) AppendMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !conv.HasParticipant(msg.SenderID) {
		return nil, ErrNotParticipant
	}

	if at := fromMillis(toMillis(msg.At)); at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}

	out := &Message{
		ID:             NewID(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		Seq:            conv.nextSeq,
		CreatedAt:      conv.UpdatedAt,
	}
	conv.nextSeq++
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], out)

	c := *out
	return &c, nil
}

// ListMessages returns every message in a conversation, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	stored := m.messages[conversationID]
	out := make([]*Message, 0, len(stored))
	for _, msg := range stored {
		c := *msg
		out = append(out, &c)
	}
	return out, nil
}

// ListMessagesBySender returns the most recent messages sent by a user, newest first.
func (m *MockStore) ListMessagesBySender(ctx context.Context, senderID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	out := []*Message{}
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.SenderID == senderID {
				c := *msg
				out = append(out, &c)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Ping reports the injected error, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
