package agentkernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/toolrunner"
	"github.com/relaycore/conductor/internal/turntodo"
)

// Tool names the supervisor loop treats specially (§4.5 step 5). The
// delegate tools execute as ordinary runner tools so they show up in the
// batch result; the supervisor then intercepts them post-dispatch.
const (
	ToolDelegate     = "delegate"
	ToolDelegateTodo = "delegate_todo"
	ToolCreateTodo   = "create_todo"
	ToolListTodo     = "list_todo"
	ToolCancelTodo   = "cancel_todo"
)

// planTools are the narrowed allow-list used between delegate_todo
// dispatches while a plan has pending items.
var planTools = []string{ToolDelegateTodo, ToolListTodo, ToolCancelTodo, ToolCreateTodo}

// KernelTools returns every built-in tool the supervisor loop depends on,
// bound to the given TurnTodoStore. Register these on the shared Runner
// alongside the domain tools (web_search, shell_exec).
func KernelTools(todos turntodo.Store) []toolrunner.Tool {
	return []toolrunner.Tool{
		&CreateTodoTool{todos: todos},
		&ListTodoTool{todos: todos},
		&CancelTodoTool{todos: todos},
		DelegateTool{},
		DelegateTodoTool{},
	}
}

// CreateTodoTool lets the model lay out a plan of TurnTodos for the
// current turn.
type CreateTodoTool struct {
	todos turntodo.Store
}

func (t *CreateTodoTool) Name() string { return ToolCreateTodo }
func (t *CreateTodoTool) Description() string {
	return "Create plan items for multi-step work. Each item names a title and the agent type best suited to carry it out."
}
func (t *CreateTodoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":     map[string]any{"type": "string"},
						"agentType": map[string]any{"type": "string"},
					},
					"required": []string{"title"},
				},
			},
		},
		"required": []string{"items"},
	}
}

func (t *CreateTodoTool) Execute(ctx context.Context, input map[string]any) (string, []conversation.Citation, error) {
	rc, ok := toolrunner.RequestContextFrom(ctx)
	if !ok || rc.TurnID == "" {
		return "", nil, fmt.Errorf("create_todo: no turn in scope")
	}

	rawItems, _ := input["items"].([]any)
	if len(rawItems) == 0 {
		return "", nil, fmt.Errorf("create_todo: items is required")
	}

	var created []string
	for _, raw := range rawItems {
		item, _ := raw.(map[string]any)
		title, _ := item["title"].(string)
		if title == "" {
			continue
		}
		agentType, _ := item["agentType"].(string)
		todo := &turntodo.TurnTodo{
			TurnID:    rc.TurnID,
			Title:     title,
			AgentType: agentType,
			Status:    turntodo.StatusPending,
		}
		if err := t.todos.Create(ctx, todo); err != nil {
			return "", nil, err
		}
		created = append(created, fmt.Sprintf("%s (%s)", todo.Title, todo.ID))
	}
	return fmt.Sprintf("Created %d plan items:\n%s", len(created), strings.Join(created, "\n")), nil, nil
}

// ListTodoTool renders the current turn's plan with statuses.
type ListTodoTool struct {
	todos turntodo.Store
}

func (t *ListTodoTool) Name() string { return ToolListTodo }
func (t *ListTodoTool) Description() string {
	return "List the current plan items and their statuses."
}
func (t *ListTodoTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *ListTodoTool) Execute(ctx context.Context, input map[string]any) (string, []conversation.Citation, error) {
	rc, ok := toolrunner.RequestContextFrom(ctx)
	if !ok || rc.TurnID == "" {
		return "", nil, fmt.Errorf("list_todo: no turn in scope")
	}
	todos, err := t.todos.FindByTurn(ctx, rc.TurnID)
	if err != nil {
		return "", nil, err
	}
	if len(todos) == 0 {
		return "No plan items for this turn.", nil, nil
	}
	return renderTodoList(todos), nil, nil
}

// CancelTodoTool marks one plan item cancelled.
type CancelTodoTool struct {
	todos turntodo.Store
}

func (t *CancelTodoTool) Name() string { return ToolCancelTodo }
func (t *CancelTodoTool) Description() string {
	return "Cancel a plan item that is no longer needed, by id."
}
func (t *CancelTodoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
		"required": []string{"id"},
	}
}

func (t *CancelTodoTool) Execute(ctx context.Context, input map[string]any) (string, []conversation.Citation, error) {
	id, _ := input["id"].(string)
	if id == "" {
		return "", nil, fmt.Errorf("cancel_todo: id is required")
	}
	status := turntodo.StatusCancelled
	now := time.Now().UTC()
	todo, err := t.todos.Update(ctx, id, turntodo.Patch{Status: &status, CompletedAt: &now})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("Cancelled plan item %q.", todo.Title), nil, nil
}

// DelegateTool is the marker tool for spawning a specialist worker. Its
// Execute only acknowledges the request; the supervisor intercepts the
// successful call after dispatch, spawns the worker, and rewrites this
// result to carry the worker's output (§4.5 step 5).
type DelegateTool struct{}

func (DelegateTool) Name() string { return ToolDelegate }
func (DelegateTool) Description() string {
	return "Delegate a mission to a specialist agent. Provide the specialist type and a self-contained mission statement."
}
func (DelegateTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":        map[string]any{"type": "string"},
			"mission":     map[string]any{"type": "string"},
			"customName":  map[string]any{"type": "string"},
			"customEmoji": map[string]any{"type": "string"},
			"rationale":   map[string]any{"type": "string"},
		},
		"required": []string{"type", "mission"},
	}
}

func (DelegateTool) Execute(ctx context.Context, input map[string]any) (string, []conversation.Citation, error) {
	mission, _ := input["mission"].(string)
	if mission == "" {
		return "", nil, fmt.Errorf("delegate: mission is required")
	}
	return "Delegation accepted; awaiting specialist result.", nil, nil
}

// DelegateTodoTool is the marker tool for dispatching one plan item to a
// worker; intercepted by the supervisor the same way as DelegateTool.
type DelegateTodoTool struct{}

func (DelegateTodoTool) Name() string { return ToolDelegateTodo }
func (DelegateTodoTool) Description() string {
	return "Dispatch one pending plan item to a specialist worker, by id."
}
func (DelegateTodoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
		"required": []string{"id"},
	}
}

func (DelegateTodoTool) Execute(ctx context.Context, input map[string]any) (string, []conversation.Citation, error) {
	id, _ := input["id"].(string)
	if id == "" {
		return "", nil, fmt.Errorf("delegate_todo: id is required")
	}
	return "Plan item dispatch accepted; awaiting worker result.", nil, nil
}

// renderTodoList renders todos as the bullet list embedded in both
// list_todo output and the simplified plan prompt.
func renderTodoList(todos []*turntodo.TurnTodo) string {
	var b strings.Builder
	for _, t := range todos {
		fmt.Fprintf(&b, "- [%s] %s (id: %s", t.Status, t.Title, t.ID)
		if t.AgentType != "" {
			fmt.Fprintf(&b, ", agent: %s", t.AgentType)
		}
		b.WriteString(")")
		if t.Outcome != "" {
			fmt.Fprintf(&b, " - %s", t.Outcome)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
