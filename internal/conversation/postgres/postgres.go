// Package postgres is a ConversationStore backend on top of jackc/pgx/v5,
// selected by Config.Database.Driver = "postgres" for deployments needing
// a real concurrent-writer database instead of sqlite's single-writer
// limitation.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycore/conductor/internal/conversation"
)

// Store provides PostgreSQL-based conversation and message storage.
type Store struct {
	pool *pgxpool.Pool
}

var _ conversation.Store = (*Store)(nil)

// Config holds connection parameters for New.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

func (c Config) dsn() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, sslmode)
}

// New opens (and migrates) a PostgreSQL-backed Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Pool exposes the underlying connection pool so sibling stores (turn
// todos) can share one set of connections.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		channel_tag TEXT NOT NULL DEFAULT '',
		manually_named BOOLEAN NOT NULL DEFAULT FALSE,
		well_known BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		turn_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// FindByID retrieves a conversation by id.
func (s *Store) FindByID(ctx context.Context, id string) (*conversation.Conversation, error) {
	c := &conversation.Conversation{}
	var deletedAt *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT id, title, channel_tag, manually_named, well_known, created_at, updated_at, deleted_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.Title, &c.ChannelTag, &c.ManuallyNamed, &c.WellKnown, &c.CreatedAt, &c.UpdatedAt, &deletedAt)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	c.DeletedAt = deletedAt
	return c, nil
}

// FindRecent returns the most recently updated non-deleted, non-well-known
// conversation updated within window, if any.
func (s *Store) FindRecent(ctx context.Context, window time.Duration) (*conversation.Conversation, error) {
	cutoff := time.Now().UTC().Add(-window)

	c := &conversation.Conversation{}
	var deletedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, channel_tag, manually_named, well_known, created_at, updated_at, deleted_at
		FROM conversations
		WHERE deleted_at IS NULL AND well_known = FALSE AND updated_at >= $1
		ORDER BY updated_at DESC LIMIT 1
	`, cutoff).Scan(&c.ID, &c.Title, &c.ChannelTag, &c.ManuallyNamed, &c.WellKnown, &c.CreatedAt, &c.UpdatedAt, &deletedAt)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.DeletedAt = deletedAt
	return c, nil
}

// FindAll returns up to limit non-deleted conversations, most recent first.
func (s *Store) FindAll(ctx context.Context, limit int) ([]*conversation.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, channel_tag, manually_named, well_known, created_at, updated_at, deleted_at
		FROM conversations WHERE deleted_at IS NULL
		ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conversation.Conversation
	for rows.Next() {
		c := &conversation.Conversation{}
		var deletedAt *time.Time
		if err := rows.Scan(&c.ID, &c.Title, &c.ChannelTag, &c.ManuallyNamed, &c.WellKnown, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
			return nil, err
		}
		c.DeletedAt = deletedAt
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, title, channel_tag, manually_named, well_known, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.Title, c.ChannelTag, c.ManuallyNamed, c.WellKnown, c.CreatedAt, c.UpdatedAt)
	return err
}

// Update persists changes to an existing conversation, bumping updatedAt.
func (s *Store) Update(ctx context.Context, c *conversation.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET title = $1, channel_tag = $2, manually_named = $3, well_known = $4, updated_at = $5
		WHERE id = $6
	`, c.Title, c.ChannelTag, c.ManuallyNamed, c.WellKnown, c.UpdatedAt, c.ID)
	return err
}

// SoftDelete marks a conversation deleted without removing its rows.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE conversations SET deleted_at = $1 WHERE id = $2`, time.Now().UTC(), id)
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, turn_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.ConversationID, m.TurnID, string(m.Role), m.Content, metadata, m.CreatedAt)
	return err
}

func scanMessage(row pgx.Row) (*conversation.Message, error) {
	m := &conversation.Message{}
	var role string
	var metadata []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.TurnID, &role, &m.Content, &metadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = conversation.Role(role)
	_ = json.Unmarshal(metadata, &m.Metadata)
	return m, nil
}

// FindMessageByID retrieves a single message by id.
func (s *Store) FindMessageByID(ctx context.Context, id string) (*conversation.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, turn_id, role, content, metadata, created_at
		FROM messages WHERE id = $1
	`, id)
	m, err := scanMessage(row)
	if err == pgx.ErrNoRows {
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
		FROM messages WHERE conversation_id = $1
	`
	args := []interface{}{convID}
	argN := 2

	if opts.Cursor != "" {
		cursorMsg, err := s.FindMessageByID(ctx, opts.Cursor)
		if err == nil {
			query += fmt.Sprintf(` AND (created_at, id) > ($%d, $%d)`, argN, argN+1)
			args = append(args, cursorMsg.CreatedAt, cursorMsg.ID)
			argN += 2
		}
	}

	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`, argN, argN+1)
	args = append(args, limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
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
		FROM messages WHERE content ILIKE $1
	`
	args := []interface{}{"%" + query + "%"}
	argN := 2

	if opts.ConversationID != "" {
		sqlQuery += fmt.Sprintf(` AND conversation_id = $%d`, argN)
		args = append(args, opts.ConversationID)
		argN++
	}
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argN)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
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
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, convID)
	return err
}
