package router

import (
	"context"
	"testing"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	convmemory "github.com/relaycore/conductor/internal/conversation/memory"
)

type countingHandler struct {
	calls int
}

func (h *countingHandler) HandleMessage(ctx context.Context, msg *conversation.Message) error {
	h.calls++
	return nil
}

func setupRouter(t *testing.T) (*Router, *convmemory.Store, *countingHandler, *countingHandler) {
	t.Helper()
	store := convmemory.New()
	general := &countingHandler{}
	mission := &countingHandler{}
	r := New(store, general, mission, logger.NewNop())
	return r, store, general, mission
}

func createTagged(t *testing.T, store *convmemory.Store, tag string) string {
	t.Helper()
	conv := &conversation.Conversation{Title: "t", ChannelTag: tag}
	if err := store.Create(context.Background(), conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conv.ID
}

func TestRoute_ByChannelTag(t *testing.T) {
	tests := []struct {
		tag         string
		wantMission bool
	}{
		{conversation.ChannelMission, true},
		{conversation.ChannelPillar, true},
		{conversation.ChannelPillarTodo, false},
		{conversation.ChannelMetricCollection, false},
		{conversation.ChannelWeb, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run("tag="+tt.tag, func(t *testing.T) {
			r, store, general, mission := setupRouter(t)
			convID := createTagged(t, store, tt.tag)

			msg := &conversation.Message{ConversationID: convID, Role: conversation.RoleUser, Content: "x"}
			if err := r.Route(context.Background(), msg); err != nil {
				t.Fatalf("Route failed: %v", err)
			}

			if tt.wantMission && (mission.calls != 1 || general.calls != 0) {
				t.Errorf("expected mission lead, got general=%d mission=%d", general.calls, mission.calls)
			}
			if !tt.wantMission && (general.calls != 1 || mission.calls != 0) {
				t.Errorf("expected general supervisor, got general=%d mission=%d", general.calls, mission.calls)
			}
		})
	}
}

func TestRoute_NoConversationID(t *testing.T) {
	r, _, general, mission := setupRouter(t)

	msg := &conversation.Message{Role: conversation.RoleUser, Content: "fresh"}
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if general.calls != 1 || mission.calls != 0 {
		t.Errorf("id-less message should hit the general supervisor")
	}
}

func TestRoute_UnknownConversation(t *testing.T) {
	r, _, general, _ := setupRouter(t)

	msg := &conversation.Message{ConversationID: "missing", Role: conversation.RoleUser, Content: "x"}
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if general.calls != 1 {
		t.Errorf("unknown conversation should default to the general supervisor")
	}
}

func TestRoute_TagCached(t *testing.T) {
	r, store, _, mission := setupRouter(t)
	convID := createTagged(t, store, conversation.ChannelMission)

	msg := &conversation.Message{ConversationID: convID, Role: conversation.RoleUser, Content: "1"}
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	// Remove the row; the cached tag must keep routing correctly.
	if err := store.SoftDelete(context.Background(), convID); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	msg2 := &conversation.Message{ConversationID: convID, Role: conversation.RoleUser, Content: "2"}
	if err := r.Route(context.Background(), msg2); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if mission.calls != 2 {
		t.Errorf("tag cache not used: mission handled %d calls", mission.calls)
	}
}

func TestRoute_NilMissionLead(t *testing.T) {
	store := convmemory.New()
	general := &countingHandler{}
	r := New(store, general, nil, logger.NewNop())

	convID := createTagged(t, store, conversation.ChannelMission)
	msg := &conversation.Message{ConversationID: convID, Role: conversation.RoleUser, Content: "x"}
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if general.calls != 1 {
		t.Errorf("with no mission lead, everything goes to the general supervisor")
	}
}
