// ABOUTME: PostgreSQL implementation of the Store interface using jackc/pgx pgxpool
// ABOUTME: Same schema and semantics as SQLiteStore; row locks serialize appends per conversation

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface on a pgx connection pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database at dsn and creates the schema if
// it doesn't exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT COLLATE "C" PRIMARY KEY,
			external_id  TEXT NOT NULL UNIQUE,
			display_name TEXT,
			contact      TEXT NOT NULL,
			avatar_url   TEXT,
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_contact ON users(contact);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT COLLATE "C" PRIMARY KEY,
			user_a     TEXT COLLATE "C" NOT NULL REFERENCES users(id),
			user_b     TEXT COLLATE "C" NOT NULL REFERENCES users(id),
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			next_seq   BIGINT NOT NULL DEFAULT 0,

			UNIQUE(user_a, user_b),
			CHECK (user_a < user_b)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON conversations(user_b);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT COLLATE "C" PRIMARY KEY,
			conversation_id TEXT COLLATE "C" NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT COLLATE "C" NOT NULL REFERENCES users(id),
			text            TEXT NOT NULL,
			seq             BIGINT NOT NULL,
			created_at      BIGINT NOT NULL,

			UNIQUE(conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isForeignKeyViolation reports a PostgreSQL foreign_key_violation (23503)
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// UpsertUser inserts or patches a user keyed by external_id.
func (s *PostgresStore) UpsertUser(ctx context.Context, profile *UserProfile) (*User, error) {
	now := toMillis(time.Now())
	query := `
		INSERT INTO users (id, external_id, display_name, contact, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			contact      = EXCLUDED.contact,
			avatar_url   = EXCLUDED.avatar_url,
			updated_at   = EXCLUDED.updated_at
		RETURNING ` + userColumns

	u, err := scanUser(s.pool.QueryRow(ctx, query,
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
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, "id = $1", id)
}

// GetUserByExternalID retrieves a user by external identity token.
func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return s.getUserWhere(ctx, "external_id = $1", externalID)
}

// GetUserByContact retrieves the oldest user registered with a contact address.
func (s *PostgresStore) GetUserByContact(ctx context.Context, contact string) (*User, error) {
	return s.getUserWhere(ctx, "contact = $1 ORDER BY id LIMIT 1", contact)
}

func (s *PostgresStore) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	u, err := scanUser(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// GetOrCreateConversation is the conditional insert described on SQLiteStore.
func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, first, second string, now time.Time) (*Conversation, bool, error) {
	if first == second {
		return nil, false, ErrSelfConversation
	}
	first, second = SortPair(first, second)

	insert := `
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_a, user_b) DO NOTHING
		RETURNING ` + conversationColumns

	conv, err := scanConversation(s.pool.QueryRow(ctx, insert, NewID(), first, second, toMillis(now)))
	if err == nil {
		s.logger.Debug("created conversation", "id", conv.ID, "user_a", first, "user_b", second)
		return conv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isForeignKeyViolation(err) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_a = $1 AND user_b = $2`
	conv, err = scanConversation(s.pool.QueryRow(ctx, query, first, second))
	if err != nil {
		return nil, false, fmt.Errorf("reading existing conversation: %w", err)
	}
	return conv, false, nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first, enriched with the other participant's profile.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationView, error) {
	query := `
		SELECT c.id, c.user_a, c.user_b, c.created_at, c.updated_at,
		       u.id, u.display_name, u.contact, u.avatar_url
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END
		WHERE c.user_a = $1 OR c.user_b = $1
		ORDER BY c.updated_at DESC, c.id DESC
	`

	rows, err := s.pool.Query(ctx, query, userID)
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

// AppendMessage locks the conversation row with the counter update, then
// inserts the message under the same transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bump := `
		UPDATE conversations
		SET next_seq = next_seq + 1, updated_at = GREATEST(updated_at, $1)
		WHERE id = $2
		RETURNING next_seq - 1, updated_at, user_a, user_b
	`

	var seq, updatedAt int64
	var userA, userB string
	err = tx.QueryRow(ctx, bump, toMillis(msg.At), msg.ConversationID).Scan(&seq, &updatedAt, &userA, &userB)
	if errors.Is(err, pgx.ErrNoRows) {
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, insert, out.ID, out.ConversationID, out.SenderID, out.Text, out.Seq, updatedAt); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", out.ID, "conversation_id", out.ConversationID, "seq", out.Seq)
	return out, nil
}

func collectMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()
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
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`
	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesBySender returns the most recent messages sent by a user, newest first.
func (s *PostgresStore) ListMessagesBySender(ctx context.Context, senderID string, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE sender_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, senderID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages by sender: %w", err)
	}
	return collectMessages(rows)
}
