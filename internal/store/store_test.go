// ABOUTME: Backend-independent contract tests for the Store interface
// ABOUTME: Run against SQLite always and against Postgres when a DSN is configured

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh, empty store. The factory registers cleanup.
type storeFactory func(t *testing.T) Store

func strPtr(s string) *string { return &s }

func mustUser(t *testing.T, s Store, externalID string) *User {
	t.Helper()
	u, err := s.UpsertUser(context.Background(), &UserProfile{
		ExternalID:  externalID,
		Contact:     externalID + "@example.com",
		DisplayName: strPtr("User " + externalID),
	})
	require.NoError(t, err)
	return u
}

func mustConversation(t *testing.T, s Store, a, b *User, at time.Time) *Conversation {
	t.Helper()
	conv, _, err := s.GetOrCreateConversation(context.Background(), a.ID, b.ID, at)
	require.NoError(t, err)
	return conv
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("UpsertUserIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		profile := &UserProfile{ExternalID: "ext-1", Contact: "a@example.com", DisplayName: strPtr("Ada")}
		first, err := s.UpsertUser(ctx, profile)
		require.NoError(t, err)
		second, err := s.UpsertUser(ctx, profile)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "a@example.com", second.Contact)
		require.NotNil(t, second.DisplayName)
		assert.Equal(t, "Ada", *second.DisplayName)
		assert.Nil(t, second.AvatarURL)
	})

	t.Run("UpsertUserPatchesProfile", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.UpsertUser(ctx, &UserProfile{ExternalID: "ext-1", Contact: "old@example.com"})
		require.NoError(t, err)

		patched, err := s.UpsertUser(ctx, &UserProfile{
			ExternalID:  "ext-1",
			Contact:     "new@example.com",
			DisplayName: strPtr("New Name"),
			AvatarURL:   strPtr("https://img.example.com/a.png"),
		})
		require.NoError(t, err)

		assert.Equal(t, created.ID, patched.ID)
		assert.Equal(t, "ext-1", patched.ExternalID)

		got, err := s.GetUserByExternalID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", got.Contact)
		require.NotNil(t, got.AvatarURL)
		assert.Equal(t, "https://img.example.com/a.png", *got.AvatarURL)

		byContact, err := s.GetUserByContact(ctx, "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byContact.ID)
	})

	t.Run("GetUserNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetUserByExternalID(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUser(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GetOrCreateConversationIsSymmetric", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, v := mustUser(t, s, "u"), mustUser(t, s, "v")

		now := time.UnixMilli(1_000)
		c1, created, err := s.GetOrCreateConversation(ctx, u.ID, v.ID, now)
		require.NoError(t, err)
		assert.True(t, created)

		c2, created, err := s.GetOrCreateConversation(ctx, v.ID, u.ID, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, created)

		assert.Equal(t, c1.ID, c2.ID)
		assert.True(t, c2.UserA < c2.UserB)
		assert.True(t, c2.UpdatedAt.Equal(now), "lookup must not touch timestamps")
	})

	t.Run("GetOrCreateConversationRejectsSelf", func(t *testing.T) {
		s := newStore(t)
		u := mustUser(t, s, "u")
		_, _, err := s.GetOrCreateConversation(context.Background(), u.ID, u.ID, time.Now())
		assert.ErrorIs(t, err, ErrSelfConversation)
	})

	t.Run("GetOrCreateConversationUnknownUser", func(t *testing.T) {
		s := newStore(t)
		u := mustUser(t, s, "u")
		_, _, err := s.GetOrCreateConversation(context.Background(), u.ID, NewID(), time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GetOrCreateConversationUnknownCaseVariant", func(t *testing.T) {
		s := newStore(t)
		u := mustUser(t, s, "u")
		// Differs from u.ID only in case, so byte order and locale order disagree
		_, _, err := s.GetOrCreateConversation(context.Background(), u.ID, strings.ToUpper(u.ID), time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentGetOrCreateYieldsOneRow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, v := mustUser(t, s, "u"), mustUser(t, s, "v")

		const workers = 16
		ids := make([]string, workers)
		var createdCount int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := u.ID, v.ID
				if i%2 == 1 {
					a, b = b, a
				}
				conv, created, err := s.GetOrCreateConversation(ctx, a, b, time.Now())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[i] = conv.ID
				if created {
					createdCount++
				}
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, createdCount)
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		views, err := s.ListConversationsForUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, views, 1)
	})

	t.Run("AppendAssignsContiguousSequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, v := mustUser(t, s, "u"), mustUser(t, s, "v")
		conv := mustConversation(t, s, u, v, time.UnixMilli(10))

		for i := range 3 {
			msg, err := s.AppendMessage(ctx, &NewMessage{
				ConversationID: conv.ID,
				SenderID:       u.ID,
				Text:           fmt.Sprintf("hello %d", i),
				At:             time.UnixMilli(int64(100 + i)),
			})
			require.NoError(t, err)
			assert.Equal(t, int64(i), msg.Seq)

			msgs, err := s.ListMessages(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, msgs, i+1)
			assert.Equal(t, msg.ID, msgs[len(msgs)-1].ID)
		}
	})

	t.Run("AppendUpdatesConversationActivity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, v := mustUser(t, s, "u"), mustUser(t, s, "v")
		conv := mustConversation(t, s, u, v, time.UnixMilli(10))

		msg, err := s.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderID: v.ID, Text: "hi", At: time.UnixMilli(500)})
		require.NoError(t, err)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.Equal(msg.CreatedAt))
		assert.Equal(t, int64(500), got.UpdatedAt.UnixMilli())
	})

	t.Run("AppendNeverMovesActivityBackwards", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, v := mustUser(t, s, "u"), mustUser(t, s, "v")
		conv := mustConversation(t, s, u, v, time.UnixMilli(10))

		_, err := s.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderID: u.ID, Text: "later", At: time.UnixMilli(900)})
		require.NoError(t, err)
		regressed, err := s.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderID: u.ID, Text: "clock went back", At: time.UnixMilli(200)})
		require.NoError(t, err)

		assert.Equal(t, int64(1), regressed.Seq)
		assert.Equal(t, int64(900), regressed.CreatedAt.UnixMilli())
	})

	t.Run("AppendRejectsNonParticipant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, v, w := mustUser(t, s, "u"), mustUser(t, s, "v"), mustUser(t, s, "w")
		conv := mustConversation(t, s, u, v, time.UnixMilli(10))

		_, err := s.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderID: w.ID, Text: "intruder", At: time.UnixMilli(50)})
		assert.ErrorIs(t, err, ErrNotParticipant)

		msgs, err := s.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.UpdatedAt.UnixMilli())

		// The rolled-back attempt must not burn a sequence number
		msg, err := s.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderID: u.ID, Text: "first", At: time.UnixMilli(60)})
		require.NoError(t, err)
		assert.Equal(t, int64(0), msg.Seq)
	})

	t.Run("AppendUnknownConversation", func(t *testing.T) {
		s := newStore(t)
		u := mustUser(t, s, "u")
		_, err := s.AppendMessage(context.Background(), &NewMessage{ConversationID: "missing", SenderID: u.ID, Text: "x", At: time.Now()})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentAppendsAreContiguous", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, v := mustUser(t, s, "u"), mustUser(t, s, "v")
		conv := mustConversation(t, s, u, v, time.UnixMilli(10))

		const n = 20
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sender := u.ID
				if i%2 == 1 {
					sender = v.ID
				}
				_, err := s.AppendMessage(ctx, &NewMessage{
					ConversationID: conv.ID,
					SenderID:       sender,
					Text:           fmt.Sprintf("msg %d", i),
					At:             time.Now(),
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		msgs, err := s.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, n)
		for i, m := range msgs {
			assert.Equal(t, int64(i), m.Seq)
		}
	})

	t.Run("ListConversationsOrderedByActivity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u := mustUser(t, s, "u")
		p1, p2, p3 := mustUser(t, s, "p1"), mustUser(t, s, "p2"), mustUser(t, s, "p3")

		c1 := mustConversation(t, s, u, p1, time.UnixMilli(50))
		c2 := mustConversation(t, s, u, p2, time.UnixMilli(50))
		c3 := mustConversation(t, s, u, p3, time.UnixMilli(50))

		for conv, at := range map[*Conversation]int64{c1: 100, c2: 300, c3: 200} {
			_, err := s.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderID: u.ID, Text: "ping", At: time.UnixMilli(at)})
			require.NoError(t, err)
		}

		views, err := s.ListConversationsForUser(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, views, 3)
		assert.Equal(t, []string{c2.ID, c3.ID, c1.ID}, []string{views[0].ID, views[1].ID, views[2].ID})
		assert.Equal(t, p2.ID, views[0].OtherUser.ID)
		assert.Equal(t, "p2@example.com", views[0].OtherUser.Contact)

		// Enrichment is read-time: a profile edit shows up on the next read
		_, err = s.UpsertUser(ctx, &UserProfile{ExternalID: "p2", Contact: "p2@new.example.com", DisplayName: strPtr("Renamed")})
		require.NoError(t, err)
		views, err = s.ListConversationsForUser(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, views[0].OtherUser.DisplayName)
		assert.Equal(t, "Renamed", *views[0].OtherUser.DisplayName)

		// The other side sees the same conversation with u as the other user
		views, err = s.ListConversationsForUser(ctx, p3.ID)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, u.ID, views[0].OtherUser.ID)
	})

	t.Run("ListMessagesBySender", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, v := mustUser(t, s, "u"), mustUser(t, s, "v")
		conv := mustConversation(t, s, u, v, time.UnixMilli(10))

		for i, sender := range []*User{u, v, u} {
			_, err := s.AppendMessage(ctx, &NewMessage{ConversationID: conv.ID, SenderID: sender.ID, Text: "m", At: time.UnixMilli(int64(100 * (i + 1)))})
			require.NoError(t, err)
		}

		mine, err := s.ListMessagesBySender(ctx, u.ID, 0)
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, int64(2), mine[0].Seq)
		assert.Equal(t, int64(0), mine[1].Seq)
	})
}

func TestSortPair(t *testing.T) {
	a, b := SortPair("b", "a")
	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)

	a, b = SortPair("a", "b")
	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	prev := NewID()
	for range 100 {
		next := NewID()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestConversationParticipants(t *testing.T) {
	c := &Conversation{UserA: "a", UserB: "b"}
	assert.True(t, c.HasParticipant("a"))
	assert.True(t, c.HasParticipant("b"))
	assert.False(t, c.HasParticipant("c"))
	assert.False(t, c.HasParticipant(""))
	assert.Equal(t, "b", c.Other("a"))
	assert.Equal(t, "a", c.Other("b"))
	assert.False(t, errors.Is(ErrNotFound, ErrNotParticipant))
}
