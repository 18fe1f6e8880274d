package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	convmemory "github.com/relaycore/conductor/internal/conversation/memory"
	"github.com/relaycore/conductor/internal/messageevent"
	"github.com/relaycore/conductor/internal/task"
	"github.com/relaycore/conductor/internal/task/repository"
)

type capturingDeliver struct {
	mu   sync.Mutex
	msgs []*conversation.Message
}

func (d *capturingDeliver) deliver(ctx context.Context, msg *conversation.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *repository.MemoryRepository, *capturingDeliver, *convmemory.Store) {
	t.Helper()
	log := logger.NewNop()
	store := convmemory.New()
	if err := conversation.EnsureWellKnown(context.Background(), store); err != nil {
		t.Fatalf("failed to seed well-known conversations: %v", err)
	}
	events := messageevent.New(store, nil, log)
	repo := repository.NewMemoryRepository()
	captured := &capturingDeliver{}
	s := New(repo, events, captured.deliver, time.Minute, log)
	return s, repo, captured, store
}

func seedDueTask(t *testing.T, repo *repository.MemoryRepository, name string, enabled bool) *task.Task {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	tk := &task.Task{
		Name:    name,
		Cadence: "*/5 * * * *",
		Config: task.Config{
			Description:  "collect the morning feed",
			AllowedTools: []string{"web_search"},
		},
		Enabled: enabled,
		NextRun: &past,
	}
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return tk
}

func TestTick_FiresDueTask(t *testing.T) {
	s, repo, captured, store := newTestScheduler(t)
	tk := seedDueTask(t, repo, "morning-feed", true)

	s.Tick(context.Background())

	if len(captured.msgs) != 1 {
		t.Fatalf("expected one delivered message, got %d", len(captured.msgs))
	}
	msg := captured.msgs[0]
	if msg.Metadata.Type != conversation.MessageTypeTaskRun {
		t.Errorf("delivered message is not a task_run: %s", msg.Metadata.Type)
	}
	if msg.TurnID == "" || msg.TurnID != msg.ID {
		t.Errorf("turn id not pre-allocated: %+v", msg)
	}
	if msg.ConversationID != conversation.WellKnownFeed {
		t.Errorf("task_run not addressed to the feed conversation: %s", msg.ConversationID)
	}
	if len(msg.Metadata.AllowedTools) != 1 || msg.Metadata.AllowedTools[0] != "web_search" {
		t.Errorf("allowed tools not derived from the task config: %+v", msg.Metadata.AllowedTools)
	}
	if !strings.Contains(msg.Content, "morning-feed") || !strings.Contains(msg.Content, "collect the morning feed") {
		t.Errorf("rendered instruction missing task name/config: %q", msg.Content)
	}

	// The task_run row is already persisted in the feed conversation.
	rows, _ := store.FindMessagesByConversationID(context.Background(), conversation.WellKnownFeed, conversation.FindOptions{})
	if len(rows) != 1 {
		t.Errorf("expected one persisted task_run row, got %d", len(rows))
	}

	// Bookkeeping advanced.
	after, err := repo.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("task vanished: %v", err)
	}
	if after.LastRun == nil {
		t.Errorf("LastRun not recorded")
	}
	if after.NextRun == nil || !after.NextRun.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("NextRun not advanced: %v", after.NextRun)
	}
}

func TestTick_SkipsDisabledTask(t *testing.T) {
	s, repo, captured, _ := newTestScheduler(t)
	seedDueTask(t, repo, "disabled-task", false)

	s.Tick(context.Background())
	if len(captured.msgs) != 0 {
		t.Errorf("disabled task fired: %d messages", len(captured.msgs))
	}
}

func TestTick_NotDueYet(t *testing.T) {
	s, repo, captured, _ := newTestScheduler(t)

	future := time.Now().UTC().Add(time.Hour)
	tk := &task.Task{Name: "later", Cadence: "0 * * * *", Enabled: true, NextRun: &future}
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	s.Tick(context.Background())
	if len(captured.msgs) != 0 {
		t.Errorf("future task fired early")
	}
}

func TestStart_ComputesMissingNextRun(t *testing.T) {
	s, repo, captured, _ := newTestScheduler(t)

	tk := &task.Task{Name: "no-next", Cadence: "*/5 * * * *", Enabled: true}
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	// NextRun is in the future, so nothing fires immediately.
	s.Tick(context.Background())
	if len(captured.msgs) != 0 {
		t.Errorf("task without NextRun fired immediately")
	}
}

func TestRefresh_RemovesDeletedTask(t *testing.T) {
	s, repo, _, _ := newTestScheduler(t)
	tk := seedDueTask(t, repo, "doomed", true)
	s.queue.Upsert(tk.ID, *tk.NextRun)

	if err := repo.Delete(context.Background(), tk.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	s.Refresh(context.Background(), tk.ID)

	if s.queue.Len() != 0 {
		t.Errorf("deleted task still queued")
	}
}
