package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/events/bus"
)

func TestBindBus_ForwardsConversationEvents(t *testing.T) {
	h := NewHub(logger.NewNop())
	b := bus.NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	if err := h.BindBus(b); err != nil {
		t.Fatalf("BindBus failed: %v", err)
	}

	evt := bus.NewEvent("tool_event", "messageevent", map[string]interface{}{
		"conversationId": "conv-1",
		"message":        map[string]interface{}{"content": "searched"},
	})
	if err := b.Publish(context.Background(), "conversation.conv-1.events", evt); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-h.broadcast:
		if msg.ConversationID != "conv-1" {
			t.Errorf("forwarded to wrong conversation: %q", msg.ConversationID)
		}
		if msg.Frame.Kind != "message_event" {
			t.Errorf("unexpected frame kind: %q", msg.Frame.Kind)
		}
		var payload struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg.Frame.Data, &payload); err != nil || payload.Type != "tool_event" {
			t.Errorf("frame payload missing event type: %s (err=%v)", msg.Frame.Data, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("bus event was not forwarded to the hub")
	}
}

func TestBindBus_IgnoresEventsWithoutConversation(t *testing.T) {
	h := NewHub(logger.NewNop())
	b := bus.NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	if err := h.BindBus(b); err != nil {
		t.Fatalf("BindBus failed: %v", err)
	}

	if err := b.Publish(context.Background(), "conversation.x.events", bus.NewEvent("t", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-h.broadcast:
		t.Errorf("event without conversationId was forwarded: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
