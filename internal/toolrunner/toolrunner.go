// Package toolrunner implements the ToolRunner interface (§6): request
// creation, batched execution, tool-event subscription keyed by
// callerId, and the tool descriptor list handed to the model. It ships
// two reference tools: web_search (a stub) and shell_exec (backed by
// internal/sandbox).
package toolrunner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/sandbox"
)

// RequestContext carries the per-call correlation the kernel attaches to
// every tool invocation (§6 createRequest's final positional arg).
type RequestContext struct {
	TraceID        string
	ConversationID string
	TurnID         string
	AgentID        string
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to ctx; ExecuteBatch does
// this for every dispatch so tools that operate on per-turn state (the
// plan tools) can recover the turn id without it appearing in the
// model-facing input schema.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext attached to ctx, if any.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

// Request is one tool call awaiting execution.
type Request struct {
	CallID   string
	Name     string
	Input    map[string]any
	CallerID string
	Context  RequestContext
}

// ToolResult is the outcome of executing one Request.
type ToolResult struct {
	CallID   string
	ToolName string
	Success  bool
	Output   string
	Error    string
}

// BatchResult is the outcome of ExecuteBatch.
type BatchResult struct {
	Results   []ToolResult
	Citations []conversation.Citation
}

// ToolDescriptor is the schema shape handed to the model for one tool.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolEvent is delivered to subscribers as each tool call completes.
type ToolEvent struct {
	CallID   string
	ToolName string
	CallerID string
	Success  bool
	Output   string
	Error    string
}

// EventListener receives ToolEvents; Unsubscribe removes the listener.
type EventListener func(event ToolEvent)

// Tool is one pluggable capability the runner can dispatch to.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any) (output string, citations []conversation.Citation, err error)
}

// Runner is the process-wide ToolRunner singleton shared by all agents;
// callerId filtering (not per-agent instantiation) is what prevents tool
// event cross-talk between concurrent turns (§5 resource policy).
type Runner struct {
	logger *logger.Logger
	tools  map[string]Tool

	mu        sync.RWMutex
	listeners []EventListener
}

// New builds a Runner with the given tools registered by name.
func New(log *logger.Logger, tools ...Tool) *Runner {
	r := &Runner{
		logger: log,
		tools:  make(map[string]Tool),
	}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// CreateRequest builds a Request; the kernel supplies callId, the tool
// name, raw input, and correlation context.
func (r *Runner) CreateRequest(callID, name string, input map[string]any, callerID string, reqCtx RequestContext) Request {
	return Request{CallID: callID, Name: name, Input: input, CallerID: callerID, Context: reqCtx}
}

// ExecuteBatch runs every request (each tool serially; independent
// requests could be parallelized by a caller that chunks the batch) and
// notifies subscribers of each result via onToolEvent.
func (r *Runner) ExecuteBatch(ctx context.Context, requests []Request) (*BatchResult, error) {
	result := &BatchResult{}

	for _, req := range requests {
		tool, ok := r.tools[req.Name]
		if !ok {
			tr := ToolResult{CallID: req.CallID, ToolName: req.Name, Success: false, Error: fmt.Sprintf("unknown tool: %s", req.Name)}
			result.Results = append(result.Results, tr)
			r.notify(req, tr)
			continue
		}

		output, citations, err := tool.Execute(WithRequestContext(ctx, req.Context), req.Input)
		tr := ToolResult{CallID: req.CallID, ToolName: req.Name, Success: err == nil, Output: output}
		if err != nil {
			tr.Error = err.Error()
			r.logger.Warn("tool execution failed", zap.String("tool", req.Name), zap.Error(err))
		} else {
			result.Citations = append(result.Citations, citations...)
		}
		result.Results = append(result.Results, tr)
		r.notify(req, tr)
	}

	return result, nil
}

func (r *Runner) notify(req Request, tr ToolResult) {
	evt := ToolEvent{
		CallID:   tr.CallID,
		ToolName: tr.ToolName,
		CallerID: req.CallerID,
		Success:  tr.Success,
		Output:   tr.Output,
		Error:    tr.Error,
	}
	r.mu.RLock()
	listeners := append([]EventListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(evt)
	}
}

// OnToolEvent subscribes to every emitted ToolEvent; the returned
// function unsubscribes. Callers filter by event.CallerID themselves
// (§4.5: the supervisor's subscriber re-emits only events whose
// callerId matches its own).
func (r *Runner) OnToolEvent(listener EventListener) func() {
	r.mu.Lock()
	idx := len(r.listeners)
	r.listeners = append(r.listeners, listener)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if idx < len(r.listeners) {
			r.listeners = append(r.listeners[:idx], r.listeners[idx+1:]...)
		}
	}
}

// GetToolsForLLM returns descriptors for the tools in allowList (nil or
// empty ⇒ every registered tool, matching wildcards like "fs_*").
func (r *Runner) GetToolsForLLM(allowList []string) []ToolDescriptor {
	var out []ToolDescriptor
	for name, tool := range r.tools {
		if len(allowList) > 0 && !matchesAllowList(allowList, name) {
			continue
		}
		out = append(out, ToolDescriptor{Name: name, Description: tool.Description(), InputSchema: tool.InputSchema()})
	}
	return out
}

func matchesAllowList(allowList []string, name string) bool {
	for _, pattern := range allowList {
		if pattern == "*" || pattern == name {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// WebSearchTool is a stub search tool sufficient to drive scenario 2 of
// §8 end-to-end without a real search API dependency.
type WebSearchTool struct{}

func (WebSearchTool) Name() string        { return "web_search" }
func (WebSearchTool) Description() string { return "Search the web and return a short summary with sources." }
func (WebSearchTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	}
}
func (WebSearchTool) Execute(ctx context.Context, input map[string]any) (string, []conversation.Citation, error) {
	query, _ := input["query"].(string)
	citations := []conversation.Citation{{Source: "web_search", Title: "stub result for " + query}}
	return fmt.Sprintf("No live search backend configured; stub result for %q.", query), citations, nil
}

// ShellExecTool runs a shell command inside a sandbox container.
type ShellExecTool struct {
	Sandbox *sandbox.Sandbox
}

func (ShellExecTool) Name() string        { return "shell_exec" }
func (ShellExecTool) Description() string { return "Run a shell command in an isolated sandbox container." }
func (ShellExecTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"command": map[string]any{"type": "string"}},
		"required":   []string{"command"},
	}
}
func (t ShellExecTool) Execute(ctx context.Context, input map[string]any) (string, []conversation.Citation, error) {
	command, _ := input["command"].(string)
	if command == "" {
		return "", nil, fmt.Errorf("shell_exec: command is required")
	}
	result, err := t.Sandbox.Run(ctx, command)
	if err != nil {
		return "", nil, err
	}
	if result.ExitCode != 0 {
		return result.Output, nil, fmt.Errorf("command exited with status %d", result.ExitCode)
	}
	return result.Output, nil, nil
}
