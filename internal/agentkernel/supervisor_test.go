package agentkernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/relaycore/conductor/internal/channel"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	convmemory "github.com/relaycore/conductor/internal/conversation/memory"
	"github.com/relaycore/conductor/internal/messageevent"
	"github.com/relaycore/conductor/internal/registry"
	"github.com/relaycore/conductor/internal/toolrunner"
	"github.com/relaycore/conductor/internal/tracing"
	"github.com/relaycore/conductor/internal/turntodo"
	todomemory "github.com/relaycore/conductor/internal/turntodo/memory"
)

// scriptedModel replays a fixed sequence of responses and records every
// request it sees. A nil response simulates an upstream model failure.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*GenerateResponse
	calls     []GenerateRequest
}

func (m *scriptedModel) Generate(ctx context.Context, req GenerateRequest, onChunk StreamChunkFunc) (*GenerateResponse, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if idx >= len(m.responses) {
		return &GenerateResponse{}, nil
	}
	resp := m.responses[idx]
	if resp == nil {
		return nil, fmt.Errorf("model unavailable")
	}
	if onChunk != nil && resp.Text != "" {
		onChunk(resp.Text)
	}
	return resp, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *scriptedModel) call(i int) GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

// recordingSink captures everything the kernel pushes at the channel.
type recordingSink struct {
	mu         sync.Mutex
	starts     []channel.StreamStartInfo
	chunks     []string
	ends       []channel.StreamEndInfo
	errors     []string
	broadcasts []channel.LifecycleEvent
}

func (s *recordingSink) SendStreamStart(ctx context.Context, streamID string, info channel.StreamStartInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, info)
}

func (s *recordingSink) SendStreamChunk(ctx context.Context, streamID, text, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, text)
}

func (s *recordingSink) SendStreamEnd(ctx context.Context, streamID string, info channel.StreamEndInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, info)
}

func (s *recordingSink) SendError(ctx context.Context, title, sanitizedDetails, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, title+": "+sanitizedDetails)
}

func (s *recordingSink) Broadcast(ctx context.Context, event channel.LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, event)
}

func (s *recordingSink) OnMessage(handler channel.IngressHandler) {}

func (s *recordingSink) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errors)
}

type testEnv struct {
	sup    *SupervisorAgent
	model  *scriptedModel
	store  *convmemory.Store
	todos  *todomemory.Store
	sink   *recordingSink
	runner *toolrunner.Runner
}

func newTestEnv(t *testing.T, responses []*GenerateResponse) *testEnv {
	t.Helper()

	log := logger.NewNop()
	store := convmemory.New()
	todos := todomemory.New()
	model := &scriptedModel{responses: responses}
	sink := &recordingSink{}

	tools := KernelTools(todos)
	tools = append(tools, toolrunner.WebSearchTool{})
	runner := toolrunner.New(log, tools...)

	events := messageevent.New(store, nil, log)
	reg := registry.New(registry.DefaultTemplates())
	tracer := tracing.New("conductor-test", "")

	tmpl, _ := reg.Template("general")
	sup := NewSupervisorAgent(Identity{AgentID: "sup-1", Name: "Assistant", Emoji: "🤖"}, tmpl, SupervisorDeps{
		Model:    model,
		Runner:   runner,
		Store:    store,
		Todos:    todos,
		Events:   events,
		Registry: reg,
		Tracer:   tracer,
	}, DefaultSupervisorConfig(), log)
	sup.RegisterChannel(sink)

	return &testEnv{sup: sup, model: model, store: store, todos: todos, sink: sink, runner: runner}
}

func userMessage(id, content string) *conversation.Message {
	return &conversation.Message{ID: id, Role: conversation.RoleUser, Content: content}
}

func (e *testEnv) messages(t *testing.T, convID string) []*conversation.Message {
	t.Helper()
	msgs, err := e.store.FindMessagesByConversationID(context.Background(), convID, conversation.FindOptions{})
	if err != nil {
		t.Fatalf("failed to load messages: %v", err)
	}
	return msgs
}

func (e *testEnv) onlyConversation(t *testing.T) *conversation.Conversation {
	t.Helper()
	convs, err := e.store.FindAll(context.Background(), 10)
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected exactly one conversation, got %d", len(convs))
	}
	return convs[0]
}

func TestHandleMessage_DirectAnswer(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		{Text: "Hello there!", Usage: conversation.Usage{PromptTokens: 5, CompletionTokens: 3}},
	})

	msg := userMessage("msg-1", "hi")
	if err := env.sup.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	conv := env.onlyConversation(t)
	if conv.Title != "hi" {
		t.Errorf("expected title %q, got %q", "hi", conv.Title)
	}

	msgs := env.messages(t, conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != conversation.RoleUser || msgs[1].Role != conversation.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	for _, m := range msgs {
		if m.TurnID != "msg-1" {
			t.Errorf("message %s has turn id %q, want msg-1", m.ID, m.TurnID)
		}
	}
	if msgs[1].Metadata.AgentID != "sup-1" {
		t.Errorf("assistant message missing agent identity: %+v", msgs[1].Metadata)
	}
	if env.sink.errorCount() != 0 {
		t.Errorf("unexpected channel errors: %v", env.sink.errors)
	}
	if len(env.sink.starts) != 1 || len(env.sink.ends) != 1 {
		t.Errorf("expected one stream start/end, got %d/%d", len(env.sink.starts), len(env.sink.ends))
	}
}

func TestHandleMessage_SingleToolLoop(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		{ToolCalls: []ToolCallRequest{{CallID: "call-1", Name: "web_search", Input: map[string]any{"query": "X"}}},
			Usage: conversation.Usage{PromptTokens: 10, CompletionTokens: 2}},
		{Text: "X is a thing.", Usage: conversation.Usage{PromptTokens: 20, CompletionTokens: 8}},
	})

	msg := userMessage("msg-2", "search for X")
	if err := env.sup.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	conv := env.onlyConversation(t)
	msgs := env.messages(t, conv.ID)
	if len(msgs) != 3 {
		t.Fatalf("expected user, tool_event, assistant; got %d messages", len(msgs))
	}
	if msgs[1].Role != conversation.RoleTool || msgs[1].Metadata.Type != conversation.MessageTypeToolEvent {
		t.Errorf("second row is not a tool event: role=%s type=%s", msgs[1].Role, msgs[1].Metadata.Type)
	}
	if msgs[2].Role != conversation.RoleAssistant {
		t.Errorf("final row is not the assistant message")
	}

	final := env.sink.ends[len(env.sink.ends)-1]
	if len(final.Citations) == 0 {
		t.Errorf("expected citations on the final stream end")
	}
	if final.Usage == nil || final.Usage.PromptTokens != 30 || final.Usage.CompletionTokens != 10 {
		t.Errorf("usage not aggregated: %+v", final.Usage)
	}
}

func TestHandleMessage_Delegation(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		// Supervisor asks for a writer.
		{ToolCalls: []ToolCallRequest{{CallID: "call-1", Name: "delegate", Input: map[string]any{
			"type": "writer", "mission": "Write a sonnet about queues",
		}}}},
		// Worker produces the sonnet.
		{Text: "Shall I compare thee to a FIFO queue?"},
		// Supervisor synthesizes after the delegation returns.
		{Text: "The writer has finished your sonnet."},
	})

	msg := userMessage("msg-3", "Write a sonnet about queues")
	if err := env.sup.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	conv := env.onlyConversation(t)
	msgs := env.messages(t, conv.ID)

	var delegations, workerMsgs int
	for _, m := range msgs {
		if m.Metadata.Type == conversation.MessageTypeDelegation {
			delegations++
		}
		if m.Role == conversation.RoleAssistant && m.Metadata.Type == "" && m.Metadata.AgentName == "Writer Agent" {
			workerMsgs++
		}
	}
	if delegations != 1 {
		t.Errorf("expected exactly one delegation event, got %d", delegations)
	}
	if workerMsgs != 1 {
		t.Errorf("expected one worker assistant message, got %d", workerMsgs)
	}

	if env.sup.SubAgentCount() != 0 {
		t.Errorf("worker not cleaned up: %d live sub-agents", env.sup.SubAgentCount())
	}
	assignments := env.sup.Assignments()
	if len(assignments) != 1 || assignments[0].Status != "completed" {
		t.Errorf("expected one completed assignment, got %+v", assignments)
	}

	// The next model call must see the worker's output inside the tool
	// result so it can synthesize from it.
	last := env.model.call(env.model.callCount() - 1)
	var sawWorkerOutput bool
	for _, cm := range last.Context {
		for _, tr := range cm.ToolResults {
			if strings.Contains(tr.Content, "FIFO queue") {
				sawWorkerOutput = true
			}
		}
	}
	if !sawWorkerOutput {
		t.Errorf("worker output was not embedded in the delegate tool result")
	}
}

func TestHandleMessage_RedelegationIsNoOp(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		{ToolCalls: []ToolCallRequest{{CallID: "call-1", Name: "delegate", Input: map[string]any{
			"type": "writer", "mission": "first",
		}}}},
		{Text: "first result"}, // worker
		// The model asks to delegate again for the same message.
		{ToolCalls: []ToolCallRequest{{CallID: "call-2", Name: "delegate", Input: map[string]any{
			"type": "writer", "mission": "second",
		}}}},
		{Text: "done"}, // supervisor final
	})

	msg := userMessage("msg-4", "delegate twice")
	if err := env.sup.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	conv := env.onlyConversation(t)
	var delegations int
	for _, m := range env.messages(t, conv.ID) {
		if m.Metadata.Type == conversation.MessageTypeDelegation {
			delegations++
		}
	}
	if delegations != 1 {
		t.Errorf("re-delegation spawned a second worker: %d delegation events", delegations)
	}
}

func TestHandleMessage_DedupWindow(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		{Text: "only once"},
	})

	msg := userMessage("msg-5", "run me twice")
	if err := env.sup.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("first HandleMessage failed: %v", err)
	}
	if err := env.sup.HandleMessage(context.Background(), userMessage("msg-5", "run me twice")); err != nil {
		t.Fatalf("second HandleMessage failed: %v", err)
	}

	if env.model.callCount() != 1 {
		t.Errorf("expected exactly one turn, model was called %d times", env.model.callCount())
	}
}

func TestHandleMessage_CommandShortcut(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		// Only the worker speaks; the supervisor never calls the model.
		{Text: "Research findings: queues are everywhere."},
	})

	msg := userMessage("msg-6", "dig into queues")
	msg.Metadata.AgentCommand = &conversation.AgentCommand{Command: "research"}

	if err := env.sup.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if env.model.callCount() != 1 {
		t.Fatalf("expected one (worker) model call, got %d", env.model.callCount())
	}
	workerCall := env.model.call(0)
	if !strings.Contains(workerCall.SystemPrompt, "research specialist") {
		t.Errorf("model call did not use the researcher template prompt: %q", workerCall.SystemPrompt)
	}

	conv := env.onlyConversation(t)
	var delegation *conversation.Message
	for _, m := range env.messages(t, conv.ID) {
		if m.Metadata.Type == conversation.MessageTypeDelegation {
			delegation = m
		}
	}
	if delegation == nil {
		t.Fatalf("no delegation event persisted")
	}
	if rationale, _ := delegation.Metadata.Extra["rationale"].(string); !strings.Contains(rationale, "research") {
		t.Errorf("delegation rationale does not mention the command: %q", rationale)
	}
}

func TestHandleMessage_PlanDriven(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		// Supervisor dispatches item A.
		{ToolCalls: []ToolCallRequest{{CallID: "c1", Name: "delegate_todo", Input: map[string]any{"id": "todo-a"}}}},
		{Text: "A is done"}, // worker A
		// Supervisor (simplified prompt) dispatches item B.
		{ToolCalls: []ToolCallRequest{{CallID: "c2", Name: "delegate_todo", Input: map[string]any{"id": "todo-b"}}}},
		{Text: "B is done"}, // worker B
		// Supervisor synthesizes with the full prompt restored.
		{Text: "Both steps are complete."},
	})

	msg := userMessage("msg-7", "Do A, then B")
	ctx := context.Background()
	for _, todo := range []*turntodo.TurnTodo{
		{ID: "todo-a", TurnID: "msg-7", Title: "Do A", AgentType: "writer", Status: turntodo.StatusPending},
		{ID: "todo-b", TurnID: "msg-7", Title: "Do B", AgentType: "writer", Status: turntodo.StatusPending},
	} {
		if err := env.todos.Create(ctx, todo); err != nil {
			t.Fatalf("failed to seed todo: %v", err)
		}
	}

	if err := env.sup.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	todos, err := env.todos.FindByTurn(ctx, "msg-7")
	if err != nil {
		t.Fatalf("failed to load todos: %v", err)
	}
	for _, todo := range todos {
		if todo.Status != turntodo.StatusCompleted {
			t.Errorf("todo %s not completed: %s", todo.ID, todo.Status)
		}
		if todo.Outcome == "" || todo.StartedAt == nil || todo.CompletedAt == nil {
			t.Errorf("todo %s missing transition bookkeeping: %+v", todo.ID, todo)
		}
	}

	// Call 2 (index 2) ran between delegations: simplified prompt, narrowed tools.
	mid := env.model.call(2)
	if !strings.Contains(mid.SystemPrompt, "delegate_todo on the next pending item") {
		t.Errorf("simplified plan prompt not used between delegations: %q", mid.SystemPrompt)
	}
	for _, td := range mid.Tools {
		if td.Name == "web_search" {
			t.Errorf("full tool list leaked into plan mode")
		}
	}

	// The final synthesis call must be back on the full prompt.
	final := env.model.call(4)
	if strings.Contains(final.SystemPrompt, "delegate_todo on the next pending item") {
		t.Errorf("simplified prompt leaked into the synthesis call")
	}

	conv := env.onlyConversation(t)
	msgs := env.messages(t, conv.ID)
	lastMsg := msgs[len(msgs)-1]
	if lastMsg.Role != conversation.RoleAssistant || !strings.Contains(lastMsg.Content, "complete") {
		t.Errorf("final synthesis not persisted: %+v", lastMsg)
	}
}

func TestHandleMessage_TaskRun(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		{Text: "Feed refreshed."},
	})

	ctx := context.Background()
	if err := conversation.EnsureWellKnown(ctx, env.store); err != nil {
		t.Fatalf("failed to seed well-known conversations: %v", err)
	}
	// Seed prior history that a task_run turn must NOT see.
	if err := env.store.CreateMessage(ctx, &conversation.Message{
		ConversationID: conversation.WellKnownFeed,
		Role:           conversation.RoleAssistant,
		Content:        "previous feed entry",
	}); err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}

	msg := &conversation.Message{
		ID:             "task-msg-1",
		ConversationID: conversation.WellKnownFeed,
		TurnID:         "turn-prealloc",
		Role:           conversation.RoleUser,
		Content:        "Scheduled task \"refresh\" is due.",
		Metadata: conversation.MessageMetadata{
			Type:         conversation.MessageTypeTaskRun,
			TurnID:       "turn-prealloc",
			AllowedTools: []string{"web_search"},
		},
	}

	if err := env.sup.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	// The feed conversation is used directly, not redirected.
	convs, _ := env.store.FindAll(ctx, 10)
	for _, c := range convs {
		if !c.WellKnown {
			t.Errorf("task_run minted an unexpected conversation: %+v", c)
		}
	}

	call := env.model.call(0)
	if len(call.Context) != 1 {
		t.Errorf("task_run turn loaded history: %d context entries", len(call.Context))
	}
	for _, td := range call.Tools {
		if td.Name != "web_search" {
			t.Errorf("allowedTools restriction leaked tool %q", td.Name)
		}
	}

	msgs := env.messages(t, conversation.WellKnownFeed)
	lastMsg := msgs[len(msgs)-1]
	if lastMsg.Role != conversation.RoleAssistant || lastMsg.TurnID != "turn-prealloc" {
		t.Errorf("final assistant message does not share the pre-allocated turn id: %+v", lastMsg)
	}
}

func TestHandleMessage_WellKnownRedirect(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		{Text: "redirected fine"},
	})

	ctx := context.Background()
	if err := conversation.EnsureWellKnown(ctx, env.store); err != nil {
		t.Fatalf("failed to seed well-known conversations: %v", err)
	}

	msg := userMessage("msg-8", "hello feed")
	msg.ConversationID = conversation.WellKnownFeed

	if err := env.sup.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if msgs := env.messages(t, conversation.WellKnownFeed); len(msgs) != 0 {
		t.Errorf("user message polluted the well-known conversation: %d rows", len(msgs))
	}

	convs, _ := env.store.FindAll(ctx, 10)
	var fresh *conversation.Conversation
	for _, c := range convs {
		if !c.WellKnown {
			fresh = c
		}
	}
	if fresh == nil {
		t.Fatalf("no fresh conversation minted for the redirected message")
	}
	if len(env.messages(t, fresh.ID)) != 2 {
		t.Errorf("redirected conversation missing user+assistant rows")
	}
}

func TestHandleMessage_EmptyResponseNotPersisted(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		{Text: ""},
	})

	msg := userMessage("msg-9", "say nothing")
	if err := env.sup.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	conv := env.onlyConversation(t)
	msgs := env.messages(t, conv.ID)
	if len(msgs) != 1 {
		t.Errorf("empty response was persisted: %d messages", len(msgs))
	}
}

func TestHandleMessage_ModelErrorEndsTurnCleanly(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{nil})

	msg := userMessage("msg-10", "boom")
	if err := env.sup.HandleMessage(context.Background(), msg); err == nil {
		t.Fatalf("expected an error from the failed model call")
	}

	if env.sink.errorCount() != 1 {
		t.Errorf("expected one sanitized channel error, got %d", env.sink.errorCount())
	}
	for _, e := range env.sink.errors {
		if strings.Contains(e, "model unavailable") {
			t.Errorf("raw upstream error leaked to the channel: %q", e)
		}
	}
	if len(env.sink.starts) != len(env.sink.ends) {
		t.Errorf("stream left open: %d starts, %d ends", len(env.sink.starts), len(env.sink.ends))
	}
}

func TestHandleMessage_HistoryFiltersEventRows(t *testing.T) {
	env := newTestEnv(t, []*GenerateResponse{
		{Text: "second answer"},
	})

	ctx := context.Background()
	conv := &conversation.Conversation{Title: "seeded"}
	if err := env.store.Create(ctx, conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	seed := []*conversation.Message{
		{ConversationID: conv.ID, Role: conversation.RoleUser, Content: "earlier question"},
		{ConversationID: conv.ID, Role: conversation.RoleAssistant, Content: "earlier answer"},
		{ConversationID: conv.ID, Role: conversation.RoleTool, Content: "tool output",
			Metadata: conversation.MessageMetadata{Type: conversation.MessageTypeToolEvent}},
		{ConversationID: conv.ID, Role: conversation.RoleAssistant, Content: "delegated",
			Metadata: conversation.MessageMetadata{Type: conversation.MessageTypeDelegation}},
	}
	for _, m := range seed {
		if err := env.store.CreateMessage(ctx, m); err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}

	msg := userMessage("msg-11", "follow-up")
	msg.ConversationID = conv.ID
	if err := env.sup.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	call := env.model.call(0)
	for _, cm := range call.Context {
		if cm.Content == "tool output" || cm.Content == "delegated" {
			t.Errorf("event row leaked into LLM-visible history: %q", cm.Content)
		}
	}
	if len(call.Context) != 3 { // earlier q, earlier a, current message
		t.Errorf("expected 3 context entries, got %d", len(call.Context))
	}
}
