// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// sqlitePragmas are applied to every pooled connection. _txlock=immediate makes
// BeginTx take the writer lock up-front so concurrent writers queue on
// busy_timeout instead of failing on lock upgrade.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := "file::memory:?" + sqlitePragmas
	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = "file:" + path + "?" + sqlitePragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			external_id  TEXT NOT NULL UNIQUE,
			display_name TEXT,
			contact      TEXT NOT NULL,
			avatar_url   TEXT,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_contact ON users(contact);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_a     TEXT NOT NULL REFERENCES users(id),
			user_b     TEXT NOT NULL REFERENCES users(id),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			next_seq   INTEGER NOT NULL DEFAULT 0,

			UNIQUE(user_a, user_b),
			CHECK (user_a < user_b)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON conversations(user_b);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL REFERENCES users(id),
			text            TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			created_at      INTEGER NOT NULL,

			UNIQUE(conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, external_id, display_name, contact, avatar_url, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var u User
	var displayName, avatarURL *string
	var createdAt, updatedAt int64
	if err := row.Scan(&u.ID, &u.ExternalID, &displayName, &u.Contact, &avatarURL, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.DisplayName = stringPtr(displayName)
	u.AvatarURL = stringPtr(avatarURL)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

// UpsertUser inserts a user keyed by external_id, or patches contact,
// display_name and avatar_url on the existing row. The internal id and
// external_id never change.
func (s *SQLiteStore) UpsertUser(ctx context.Context, profile *UserProfile) (*User, error) {
	now := toMillis(time.Now())
	query := `
		INSERT INTO users (id, external_id, display_name, contact, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			display_name = excluded.display_name,
			contact      = excluded.contact,
			avatar_url   = excluded.avatar_url,
			updated_at   = excluded.updated_at
		RETURNING ` + userColumns

	u, err := scanUser(s.db.QueryRowContext(ctx, query,
		NewID(),
		profile.ExternalID,
		nullString(profile.DisplayName),
		profile.Contact,
		nullString(profile.AvatarURL),
		now,
		now,
	))
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}

	s.logger.Debug("upserted user", "id", u.ID, "external_id", u.ExternalID)
	return u, nil
}

// GetUser retrieves a user by internal id.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

// GetUserByExternalID retrieves a user by external identity token.
// Returns ErrNotFound if no user has synced that identity.
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.getUserWhere(ctx, "external_id = ?", externalID)
}

// GetUserByContact retrieves the oldest user registered with a contact address.
func (s *SQLiteStore) GetUserByContact(ctx context.Context, contact string) (*User, error) {
	return s.getUserWhere(ctx, "contact = ? ORDER BY id LIMIT 1", contact)
}

func (s *SQLiteStore) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

const conversationColumns = `id, user_a, user_b, created_at, updated_at`

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.UserA, &c.UserB, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// GetOrCreateConversation looks up or creates the conversation for a canonical
// pair in one conditional insert. The UNIQUE(user_a, user_b) constraint makes
// the insert a no-op for every racer but the first; those read the winner's row.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, first, second string, now time.Time) (*Conversation, bool, error) {
	if first == second {
		return nil, false, ErrSelfConversation
	}
	first, second = SortPair(first, second)

	insert := `
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_a, user_b) DO NOTHING
		RETURNING ` + conversationColumns

	ms := toMillis(now)
	conv, err := scanConversation(s.db.QueryRowContext(ctx, insert, NewID(), first, second, ms, ms))
	if err == nil {
		s.logger.Debug("created conversation", "id", conv.ID, "user_a", first, "user_b", second)
		return conv, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isConstraintViolation(err) {
			// Foreign key failure: one of the users does not exist
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_a = ? AND user_b = ?`
	conv, err = scanConversation(s.db.QueryRowContext(ctx, query, first, second))
	if err != nil {
		return nil, false, fmt.Errorf("reading existing conversation: %w", err)
	}
	return conv, false, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first, each joined with the other participant's current profile.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationView, error) {
	query := `
		SELECT c.id, c.user_a, c.user_b, c.created_at, c.updated_at,
		       u.id, u.display_name, u.contact, u.avatar_url
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		WHERE c.user_a = ? OR c.user_b = ?
		ORDER BY c.updated_at DESC, c.id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	views := []*ConversationView{}
	for rows.Next() {
		var v ConversationView
		var createdAt, updatedAt int64
		var displayName, avatarURL *string
		if err := rows.Scan(
			&v.ID, &v.UserA, &v.UserB, &createdAt, &updatedAt,
			&v.OtherUser.ID, &displayName, &v.OtherUser.Contact, &avatarURL,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		v.CreatedAt = fromMillis(createdAt)
		v.UpdatedAt = fromMillis(updatedAt)
		v.OtherUser.DisplayName = stringPtr(displayName)
		v.OtherUser.AvatarURL = stringPtr(avatarURL)
		views = append(views, &v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return views, nil
}

// AppendMessage assigns the next sequence number and inserts the message in the
// same transaction that advances the conversation's updated_at. The counter
// update is the first statement, so the row is claimed before anything is read.
// Returns ErrNotFound for an unknown conversation and ErrNotParticipant when
// the sender is not one of the two participants.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	bump := `
		UPDATE conversations
		SET next_seq = next_seq + 1, updated_at = MAX(updated_at, ?)
		WHERE id = ?
		RETURNING next_seq - 1, updated_at, user_a, user_b
	`

	var seq, updatedAt int64
	var userA, userB string
	err = tx.QueryRowContext(ctx, bump, toMillis(msg.At), msg.ConversationID).Scan(&seq, &updatedAt, &userA, &userB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("advancing conversation sequence: %w", err)
	}

	if msg.SenderID != userA && msg.SenderID != userB {
		return nil, ErrNotParticipant
	}

	out := &Message{
		ID:             NewID(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		Seq:            seq,
		CreatedAt:      fromMillis(updatedAt),
	}

	insert := `
		INSERT INTO messages (id, conversation_id, sender_id, text, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert, out.ID, out.ConversationID, out.SenderID, out.Text, out.Seq, updatedAt); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", out.ID, "conversation_id", out.ConversationID, "seq", out.Seq)
	return out, nil
}

const messageColumns = `id, conversation_id, sender_id, text, seq, created_at`

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	messages := []*Message{}
	for rows.Next() {
		var m Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.Seq, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// ListMessages returns every message in a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessagesBySender returns the most recent messages sent by a user, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListMessagesBySender(ctx context.Context, senderID string, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE sender_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, senderID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages by sender: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}
