// Package store provides persistent storage for coven-chat.
//
// # Architecture
//
// Store is the single persistence interface. Two implementations exist:
//
//   - SQLiteStore: modernc.org/sqlite, the default
//   - PostgresStore: jackc/pgx pool, selected with database.driver: postgres
//
// # Data Models
//
//   - User: profile synced from the identity provider, keyed by ExternalID
//   - Conversation: two-party conversation stored in canonical order (UserA < UserB)
//   - Message: immutable text message with a per-conversation sequence number
//
// # Canonical pairs
//
// Conversations are unique on (user_a, user_b) and a CHECK constraint enforces
// user_a < user_b. Postgres id columns use COLLATE "C" so the check agrees
// with byte order. SortPair produces that order, so "find the conversation
// between u and v" is a single equality lookup. GetOrCreateConversation is one
// INSERT ... ON CONFLICT DO NOTHING RETURNING statement; losers of a creation
// race read back the winner's row.
//
// # Sequence numbers
//
// conversations.next_seq is read-modify-written by the same transaction that
// inserts the message. SQLite transactions begin IMMEDIATE (writer lock up
// front); Postgres holds the conversation row lock from the UPDATE until commit.
//
// # Timestamps
//
// All timestamps are stored as Unix milliseconds. A conversation's updated_at
// never moves backwards: an append with an older wall clock reuses the current
// value.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist (also returned when a
//     conversation references an unknown user)
//   - ErrNotParticipant: sender is not in the conversation; nothing written
//   - ErrSelfConversation: both users of a pair are the same
//
// # Testing
//
// store_test.go holds a contract suite run against SQLite (t.TempDir files)
// and, when COVEN_CHAT_TEST_POSTGRES_DSN is set, against Postgres. MockStore is
// an in-memory implementation held to the same suite; it also supports error
// injection via SetError for exercising failure paths in other packages.
package store
