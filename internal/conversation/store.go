package conversation

import (
	"context"
	"time"
)

// Store is the ConversationStore repository interface (§6). The kernel
// depends only on this; sqlite and postgres packages provide concrete
// backends selected by Config.Database.Driver.
type Store interface {
	// Conversations

	FindByID(ctx context.Context, id string) (*Conversation, error)
	// FindRecent returns the most recently updated non-deleted,
	// non-well-known conversation within window, if any.
	FindRecent(ctx context.Context, window time.Duration) (*Conversation, error)
	FindAll(ctx context.Context, limit int) ([]*Conversation, error)
	Create(ctx context.Context, c *Conversation) error
	Update(ctx context.Context, c *Conversation) error
	SoftDelete(ctx context.Context, id string) error

	// Messages

	CreateMessage(ctx context.Context, m *Message) error
	FindMessageByID(ctx context.Context, id string) (*Message, error)
	FindMessagesByConversationID(ctx context.Context, convID string, opts FindOptions) ([]*Message, error)
	Search(ctx context.Context, query string, opts SearchOptions) ([]*Message, error)
	DeleteMessagesByConversationID(ctx context.Context, convID string) error

	Close() error
}

// EnsureWellKnown creates the reserved conversations if they do not
// exist yet. Called at boot so scheduled turns always have a home.
func EnsureWellKnown(ctx context.Context, store Store) error {
	for _, id := range []struct{ id, title string }{
		{WellKnownFeed, "Feed"},
	} {
		if _, err := store.FindByID(ctx, id.id); err == nil {
			continue
		}
		conv := &Conversation{ID: id.id, Title: id.title, WellKnown: true}
		if err := store.Create(ctx, conv); err != nil {
			return err
		}
	}
	return nil
}
