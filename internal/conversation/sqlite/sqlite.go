// Package sqlite is a ConversationStore backend on top of mattn/go-sqlite3,
// following the schema-string-plus-manual-Scan pattern the kernel's
// teacher uses for its task repository.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relaycore/conductor/internal/conversation"
)

// Store provides SQLite-based conversation and message storage.
type Store struct {
	db *sql.DB
}

var _ conversation.Store = (*Store)(nil)

// New opens (and migrates) a SQLite-backed Store at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		channel_tag TEXT NOT NULL DEFAULT '',
		manually_named INTEGER NOT NULL DEFAULT 0,
		well_known INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		turn_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FindByID retrieves a conversation by id.
func (s *Store) FindByID(ctx context.Context, id string) (*conversation.Conversation, error) {
	c := &conversation.Conversation{}
	var manuallyNamed, wellKnown int
	var deletedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, channel_tag, manually_named, well_known, created_at, updated_at, deleted_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.ChannelTag, &manuallyNamed, &wellKnown, &c.CreatedAt, &c.UpdatedAt, &deletedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	c.ManuallyNamed = manuallyNamed != 0
	c.WellKnown = wellKnown != 0
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return c, nil
}

// FindRecent returns the most recently updated non-deleted, non-well-known
// conversation updated within window, if any.
func (s *Store) FindRecent(ctx context.Context, window time.Duration) (*conversation.Conversation, error) {
	cutoff := time.Now().UTC().Add(-window)

	c := &conversation.Conversation{}
	var manuallyNamed, wellKnown int
	var deletedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, channel_tag, manually_named, well_known, created_at, updated_at, deleted_at
		FROM conversations
		WHERE deleted_at IS NULL AND well_known = 0 AND updated_at >= ?
		ORDER BY updated_at DESC LIMIT 1
	`, cutoff).Scan(&c.ID, &c.Title, &c.ChannelTag, &manuallyNamed, &wellKnown, &c.CreatedAt, &c.UpdatedAt, &deletedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ManuallyNamed = manuallyNamed != 0
	c.WellKnown = wellKnown != 0
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return c, nil
}

// FindAll returns up to limit non-deleted conversations, most recent first.
func (s *Store) FindAll(ctx context.Context, limit int) ([]*conversation.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, channel_tag, manually_named, well_known, created_at, updated_at, deleted_at
		FROM conversations WHERE deleted_at IS NULL
		ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conversation.Conversation
	for rows.Next() {
		c := &conversation.Conversation{}
		var manuallyNamed, wellKnown int
		var deletedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Title, &c.ChannelTag, &manuallyNamed, &wellKnown, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
			return nil, err
		}
		c.ManuallyNamed = manuallyNamed != 0
		c.WellKnown = wellKnown != 0
		if deletedAt.Valid {
			c.DeletedAt = &deletedAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Create inserts a new conversation, assigning an id and timestamps if unset.
func (s *Store) Create(ctx context.Context, c *conversation.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, channel_tag, manually_named, well_known, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Title, c.ChannelTag, boolToInt(c.ManuallyNamed), boolToInt(c.WellKnown), c.CreatedAt, c.UpdatedAt)
	return err
}

// Update persists changes to an existing conversation, bumping updatedAt.
func (s *Store) Update(ctx context.Context, c *conversation.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, channel_tag = ?, manually_named = ?, well_known = ?, updated_at = ?
		WHERE id = ?
	`, c.Title, c.ChannelTag, boolToInt(c.ManuallyNamed), boolToInt(c.WellKnown), c.UpdatedAt, c.ID)
	return err
}

// SoftDelete marks a conversation deleted without removing its rows.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET deleted_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// CreateMessage appends a message, assigning an id and timestamp if unset.
func (s *Store) CreateMessage(ctx context.Context, m *conversation.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Metadata.ConversationID = m.ConversationID
	m.Metadata.TurnID = m.TurnID

	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, turn_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.TurnID, string(m.Role), m.Content, string(metadata), m.CreatedAt)
	return err
}

func scanMessage(row interface {
	Scan(dest ...interface{}) error
}) (*conversation.Message, error) {
	m := &conversation.Message{}
	var role, metadata string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.TurnID, &role, &m.Content, &metadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = conversation.Role(role)
	_ = json.Unmarshal([]byte(metadata), &m.Metadata)
	return m, nil
}

// FindMessageByID retrieves a single message by id.
func (s *Store) FindMessageByID(ctx context.Context, id string) (*conversation.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, turn_id, role, content, metadata, created_at
		FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	return m, err
}

// FindMessagesByConversationID returns messages ordered by (createdAt, id)
// for cursor-style pagination.
func (s *Store) FindMessagesByConversationID(ctx context.Context, convID string, opts conversation.FindOptions) ([]*conversation.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, conversation_id, turn_id, role, content, metadata, created_at
		FROM messages WHERE conversation_id = ?
	`
	args := []interface{}{convID}

	if opts.Cursor != "" {
		cursorMsg, err := s.FindMessageByID(ctx, opts.Cursor)
		if err == nil {
			query += ` AND (created_at, id) > (?, ?)`
			args = append(args, cursorMsg.CreatedAt, cursorMsg.ID)
		}
	}

	query += ` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Search performs a simple substring search over message content, scoped
// optionally to one conversation.
func (s *Store) Search(ctx context.Context, query string, opts conversation.SearchOptions) ([]*conversation.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	sqlQuery := `
		SELECT id, conversation_id, turn_id, role, content, metadata, created_at
		FROM messages WHERE content LIKE ?
	`
	args := []interface{}{"%" + query + "%"}

	if opts.ConversationID != "" {
		sqlQuery += ` AND conversation_id = ?`
		args = append(args, opts.ConversationID)
	}
	sqlQuery += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessagesByConversationID removes every message in a conversation.
func (s *Store) DeleteMessagesByConversationID(ctx context.Context, convID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, convID)
	return err
}
