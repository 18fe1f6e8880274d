package memory

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/conductor/internal/conversation"
)

func TestFindRecent_ExcludesWellKnownAndDeleted(t *testing.T) {
	s := New()
	ctx := context.Background()

	wellKnown := &conversation.Conversation{ID: conversation.WellKnownFeed, Title: "Feed", WellKnown: true}
	if err := s.Create(ctx, wellKnown); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	doomed := &conversation.Conversation{Title: "doomed"}
	if err := s.Create(ctx, doomed); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.SoftDelete(ctx, doomed.ID); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	if recent, _ := s.FindRecent(ctx, time.Hour); recent != nil {
		t.Errorf("FindRecent returned an excluded conversation: %+v", recent)
	}

	live := &conversation.Conversation{Title: "live"}
	if err := s.Create(ctx, live); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	recent, err := s.FindRecent(ctx, time.Hour)
	if err != nil || recent == nil || recent.ID != live.ID {
		t.Errorf("FindRecent missed the live conversation: %+v err=%v", recent, err)
	}
}

func TestMessagePagination(t *testing.T) {
	s := New()
	ctx := context.Background()

	conv := &conversation.Conversation{Title: "paged"}
	if err := s.Create(ctx, conv); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var ids []string
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		m := &conversation.Message{
			ConversationID: conv.ID,
			Role:           conversation.RoleUser,
			Content:        "m",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("create message failed: %v", err)
		}
		ids = append(ids, m.ID)
	}

	page, err := s.FindMessagesByConversationID(ctx, conv.ID, conversation.FindOptions{Limit: 2})
	if err != nil || len(page) != 2 {
		t.Fatalf("first page wrong: %d err=%v", len(page), err)
	}
	if page[0].ID != ids[0] || page[1].ID != ids[1] {
		t.Errorf("first page out of order")
	}

	next, err := s.FindMessagesByConversationID(ctx, conv.ID, conversation.FindOptions{Limit: 2, Cursor: page[1].ID})
	if err != nil || len(next) != 2 {
		t.Fatalf("cursor page wrong: %d err=%v", len(next), err)
	}
	if next[0].ID != ids[2] {
		t.Errorf("cursor did not advance: got %s want %s", next[0].ID, ids[2])
	}
}

func TestCreateMessage_DuplicateIDRejected(t *testing.T) {
	s := New()
	ctx := context.Background()

	conv := &conversation.Conversation{Title: "dup"}
	if err := s.Create(ctx, conv); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	m1 := &conversation.Message{ID: "same", ConversationID: conv.ID, Role: conversation.RoleUser, Content: "a"}
	if err := s.CreateMessage(ctx, m1); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	m2 := &conversation.Message{ID: "same", ConversationID: conv.ID, Role: conversation.RoleUser, Content: "b"}
	if err := s.CreateMessage(ctx, m2); err == nil {
		t.Errorf("duplicate message id accepted")
	}
}

func TestSearch(t *testing.T) {
	s := New()
	ctx := context.Background()

	conv := &conversation.Conversation{Title: "s"}
	if err := s.Create(ctx, conv); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for _, content := range []string{"queues are neat", "stacks are fine", "more about queues"} {
		if err := s.CreateMessage(ctx, &conversation.Message{ConversationID: conv.ID, Role: conversation.RoleUser, Content: content}); err != nil {
			t.Fatalf("create message failed: %v", err)
		}
	}

	hits, err := s.Search(ctx, "queues", conversation.SearchOptions{})
	if err != nil || len(hits) != 2 {
		t.Errorf("expected 2 hits, got %d err=%v", len(hits), err)
	}
}
