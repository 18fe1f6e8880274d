package messageevent

import (
	"context"
	"testing"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	convmemory "github.com/relaycore/conductor/internal/conversation/memory"
)

func newTestService(t *testing.T) (*Service, *convmemory.Store, string) {
	t.Helper()
	store := convmemory.New()
	svc := New(store, nil, logger.NewNop())

	conv := &conversation.Conversation{Title: "test"}
	if err := store.Create(context.Background(), conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return svc, store, conv.ID
}

func countMessages(t *testing.T, store *convmemory.Store, convID string) int {
	t.Helper()
	msgs, err := store.FindMessagesByConversationID(context.Background(), convID, conversation.FindOptions{})
	if err != nil {
		t.Fatalf("failed to load messages: %v", err)
	}
	return len(msgs)
}

func TestEmitToolEvent_Idempotent(t *testing.T) {
	svc, store, convID := newTestService(t)
	ctx := context.Background()

	params := ToolEventParams{
		EventID:  "evt-1",
		ToolName: "web_search",
		CallerID: "agent-1:" + convID,
		Success:  true,
		Output:   "results",
	}

	if err := svc.EmitToolEvent(ctx, params, convID, "agent-1", "turn-1"); err != nil {
		t.Fatalf("first emit failed: %v", err)
	}
	if err := svc.EmitToolEvent(ctx, params, convID, "agent-1", "turn-1"); err != nil {
		t.Fatalf("second emit failed: %v", err)
	}

	if n := countMessages(t, store, convID); n != 1 {
		t.Errorf("expected one persisted event, got %d", n)
	}
}

func TestEmitToolEvent_DropsMismatchedCaller(t *testing.T) {
	svc, store, convID := newTestService(t)

	params := ToolEventParams{
		EventID:  "evt-2",
		ToolName: "web_search",
		CallerID: "other-agent:other-conv",
		Success:  true,
	}
	if err := svc.EmitToolEvent(context.Background(), params, convID, "agent-1", "turn-1"); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if n := countMessages(t, store, convID); n != 0 {
		t.Errorf("mismatched caller event was persisted")
	}
}

func TestEmitToolEvent_TagsTurnAndConversation(t *testing.T) {
	svc, store, convID := newTestService(t)

	params := ToolEventParams{
		EventID:  "evt-3",
		ToolName: "web_search",
		CallerID: "agent-1:" + convID,
		Success:  false,
		Error:    "backend timeout",
	}
	if err := svc.EmitToolEvent(context.Background(), params, convID, "agent-1", "turn-9"); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	msg, err := store.FindMessageByID(context.Background(), "evt-3")
	if err != nil {
		t.Fatalf("event row not found: %v", err)
	}
	if msg.TurnID != "turn-9" || msg.ConversationID != convID {
		t.Errorf("event not tagged with turn/conversation: %+v", msg)
	}
	if msg.Role != conversation.RoleTool || msg.Metadata.Type != conversation.MessageTypeToolEvent {
		t.Errorf("event row has wrong role/type: %s/%s", msg.Role, msg.Metadata.Type)
	}
	if msg.Content != "backend timeout" {
		t.Errorf("failed event should carry the error as content: %q", msg.Content)
	}
}

func TestEmitDelegationEvent(t *testing.T) {
	svc, store, convID := newTestService(t)

	msg, err := svc.EmitDelegationEvent(context.Background(), DelegationParams{
		AgentType: "writer",
		AgentName: "Writer Agent",
		Mission:   "write a sonnet",
		Rationale: "specialist fit",
	}, convID, "turn-1")
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	if msg.Metadata.Type != conversation.MessageTypeDelegation {
		t.Errorf("wrong metadata type: %s", msg.Metadata.Type)
	}
	stored, err := store.FindMessageByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("delegation row not persisted: %v", err)
	}
	if stored.TurnID != "turn-1" || stored.Content != "write a sonnet" {
		t.Errorf("delegation row malformed: %+v", stored)
	}
}

func TestEmitTaskRunEvent_PreallocatesTurnID(t *testing.T) {
	svc, store, convID := newTestService(t)

	turnID, msg, err := svc.EmitTaskRunEvent(context.Background(), TaskRunParams{
		TaskName:     "refresh",
		Content:      "run the refresh",
		AllowedTools: []string{"web_search"},
	}, convID)
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	if turnID == "" || turnID != msg.ID || turnID != msg.TurnID {
		t.Errorf("turn id not pre-allocated from the message id: turnID=%q msg.ID=%q msg.TurnID=%q", turnID, msg.ID, msg.TurnID)
	}

	stored, err := store.FindMessageByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("task_run row not persisted: %v", err)
	}
	if stored.Metadata.Type != conversation.MessageTypeTaskRun || stored.TurnID != turnID {
		t.Errorf("task_run row malformed: %+v", stored)
	}
	if len(stored.Metadata.AllowedTools) != 1 || stored.Metadata.AllowedTools[0] != "web_search" {
		t.Errorf("allowed tools not carried: %+v", stored.Metadata.AllowedTools)
	}
}

func TestMessageVisibilityFilter(t *testing.T) {
	tests := []struct {
		name string
		msg  conversation.Message
		want bool
	}{
		{"plain user", conversation.Message{Role: conversation.RoleUser}, true},
		{"plain assistant", conversation.Message{Role: conversation.RoleAssistant}, true},
		{"tool role", conversation.Message{Role: conversation.RoleTool}, false},
		{"delegation", conversation.Message{Role: conversation.RoleAssistant,
			Metadata: conversation.MessageMetadata{Type: conversation.MessageTypeDelegation}}, false},
		{"task_run", conversation.Message{Role: conversation.RoleUser,
			Metadata: conversation.MessageMetadata{Type: conversation.MessageTypeTaskRun}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsLLMVisible(); got != tt.want {
				t.Errorf("IsLLMVisible() = %v, want %v", got, tt.want)
			}
		})
	}
}
