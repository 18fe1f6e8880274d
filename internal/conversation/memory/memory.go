// Package memory is an in-memory ConversationStore backend, used by
// tests and as the "memory" database driver for ephemeral deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/conversation"
)

// Store implements conversation.Store with maps guarded by a RWMutex.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	messages      map[string][]*conversation.Message // by conversation id
	byID          map[string]*conversation.Message
}

var _ conversation.Store = (*Store)(nil)

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*conversation.Conversation),
		messages:      make(map[string][]*conversation.Message),
		byID:          make(map[string]*conversation.Message),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func copyConversation(c *conversation.Conversation) *conversation.Conversation {
	cp := *c
	return &cp
}

func copyMessage(m *conversation.Message) *conversation.Message {
	cp := *m
	return &cp
}

// FindByID retrieves a conversation by id.
func (s *Store) FindByID(ctx context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, errors.NotFound("conversation", id)
	}
	return copyConversation(c), nil
}

// FindRecent returns the most recently updated non-deleted, non-well-known
// conversation within window, if any.
func (s *Store) FindRecent(ctx context.Context, window time.Duration) (*conversation.Conversation, error) {
	cutoff := time.Now().UTC().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *conversation.Conversation
	for _, c := range s.conversations {
		if c.DeletedAt != nil || c.WellKnown || c.UpdatedAt.Before(cutoff) {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyConversation(best), nil
}

// FindAll returns up to limit non-deleted conversations, most recent first.
func (s *Store) FindAll(ctx context.Context, limit int) ([]*conversation.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*conversation.Conversation
	for _, c := range s.conversations {
		if c.DeletedAt != nil {
			continue
		}
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[c.ID]; exists {
		return errors.Conflict("conversation already exists: " + c.ID)
	}
	s.conversations[c.ID] = copyConversation(c)
	return nil
}

// Update persists changes to an existing conversation, bumping updatedAt.
func (s *Store) Update(ctx context.Context, c *conversation.Conversation) error {
	c.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; !ok {
		return errors.NotFound("conversation", c.ID)
	}
	s.conversations[c.ID] = copyConversation(c)
	return nil
}

// SoftDelete marks a conversation deleted without removing its rows.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return errors.NotFound("conversation", id)
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	return nil
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[m.ID]; exists {
		return errors.Conflict("message already exists: " + m.ID)
	}
	cp := copyMessage(m)
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], cp)
	s.byID[m.ID] = cp
	return nil
}

// FindMessageByID retrieves a single message by id.
func (s *Store) FindMessageByID(ctx context.Context, id string) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("message", id)
	}
	return copyMessage(m), nil
}

// FindMessagesByConversationID returns messages ordered by (createdAt, id)
// for cursor-style pagination.
func (s *Store) FindMessagesByConversationID(ctx context.Context, convID string, opts conversation.FindOptions) ([]*conversation.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	msgs := append([]*conversation.Message(nil), s.messages[convID]...)
	s.mu.RUnlock()

	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})

	start := 0
	if opts.Cursor != "" {
		for i, m := range msgs {
			if m.ID == opts.Cursor {
				start = i + 1
				break
			}
		}
	}
	start += opts.Offset
	if start > len(msgs) {
		start = len(msgs)
	}
	end := start + limit
	if end > len(msgs) {
		end = len(msgs)
	}

	out := make([]*conversation.Message, 0, end-start)
	for _, m := range msgs[start:end] {
		out = append(out, copyMessage(m))
	}
	return out, nil
}

// Search performs a simple substring search over message content, scoped
// optionally to one conversation.
func (s *Store) Search(ctx context.Context, query string, opts conversation.SearchOptions) ([]*conversation.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*conversation.Message
	for convID, msgs := range s.messages {
		if opts.ConversationID != "" && convID != opts.ConversationID {
			continue
		}
		for _, m := range msgs {
			if strings.Contains(m.Content, query) {
				out = append(out, copyMessage(m))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteMessagesByConversationID removes every message in a conversation.
func (s *Store) DeleteMessagesByConversationID(ctx context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[convID] {
		delete(s.byID, m.ID)
	}
	delete(s.messages, convID)
	return nil
}
