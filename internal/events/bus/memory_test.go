package bus

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/conductor/internal/common/logger"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var received []*Event
	done := make(chan struct{}, 1)

	sub, err := b.Subscribe("conversation.c1.events", func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	evt := NewEvent("assistant_message", "test", map[string]interface{}{"k": "v"})
	if err := b.Publish(context.Background(), "conversation.c1.events", evt); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != "assistant_message" {
		t.Errorf("unexpected events: %+v", received)
	}
}

func TestMemoryBus_WildcardSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	done := make(chan *Event, 1)
	if _, err := b.Subscribe("conversation.*.events", func(ctx context.Context, e *Event) error {
		done <- e
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "conversation.abc.events", NewEvent("tool_event", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-done:
		if e.Type != "tool_event" {
			t.Errorf("wrong event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("wildcard subscription did not match")
	}
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	delivered := make(chan struct{}, 4)
	sub, err := b.Subscribe("x.y", func(ctx context.Context, e *Event) error {
		delivered <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.IsValid() != true {
		t.Fatalf("fresh subscription reported invalid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Errorf("unsubscribed subscription still valid")
	}
	if err := b.Publish(context.Background(), "x.y", NewEvent("t", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-delivered:
		t.Errorf("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	b.Close()

	if b.IsConnected() {
		t.Errorf("closed bus reports connected")
	}
	if err := b.Publish(context.Background(), "x", NewEvent("t", "test", nil)); err == nil {
		t.Errorf("publish on a closed bus succeeded")
	}
	if _, err := b.Subscribe("x", nil); err == nil {
		t.Errorf("subscribe on a closed bus succeeded")
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"conversation.c1.events", "conversation.c1.events", true},
		{"conversation.c1.events", "conversation.*.events", true},
		{"conversation.c1.events", "conversation.>", true},
		{"conversation.c1.events", "conversation.*", false},
		{"conversation.c1", "conversation.c1.events", false},
		{"conversation.c1.events.extra", "conversation.*.events", false},
		{"other.c1.events", "conversation.*.events", false},
		{"conversation", "conversation.>", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject+"~"+tt.pattern, func(t *testing.T) {
			if got := subjectMatches(tt.subject, strings.Split(tt.pattern, ".")); got != tt.want {
				t.Errorf("subjectMatches(%q, %q) = %v, want %v", tt.subject, tt.pattern, got, tt.want)
			}
		})
	}
}
