// Package agentkernel implements the supervisor/worker agent hierarchy
// (§4.2-§4.6): AbstractAgent's shared identity/prompt/channel machinery,
// WorkerAgent's single-mission tool loop, and SupervisorAgent's
// conversation/turn lifecycle and delegation orchestration.
package agentkernel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/relaycore/conductor/internal/channel"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/messageevent"
	"github.com/relaycore/conductor/internal/registry"
)

// Identity names one agent instance.
type Identity struct {
	AgentID string
	Name    string
	Emoji   string
}

// Capabilities gates what an agent may do, independent of its template's
// tool allow-list.
type Capabilities struct {
	CanSpawnAgents bool
	ToolAllowList  []string
}

// MatchesTool reports whether toolName is permitted.
func (c Capabilities) MatchesTool(toolName string) bool {
	for _, pattern := range c.ToolAllowList {
		if pattern == "*" || pattern == toolName {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// AbstractAgent holds identity, capabilities, and the bound channel
// shared by both SupervisorAgent and WorkerAgent (§4.2).
type AbstractAgent struct {
	Identity     Identity
	Capabilities Capabilities
	Template     *registry.AgentTemplate

	channel channel.Sink
	events  *messageevent.Service
	logger  *logger.Logger

	mu sync.RWMutex
}

// NewAbstractAgent constructs the shared base for a supervisor or worker.
func NewAbstractAgent(identity Identity, caps Capabilities, tmpl *registry.AgentTemplate, events *messageevent.Service, log *logger.Logger) *AbstractAgent {
	return &AbstractAgent{
		Identity:     identity,
		Capabilities: caps,
		Template:     tmpl,
		events:       events,
		logger:       log.WithAgent(identity.AgentID),
	}
}

// Init performs any startup work. The base implementation is a no-op;
// present so subclasses have a uniform lifecycle hook.
func (a *AbstractAgent) Init(ctx context.Context) error { return nil }

// Shutdown releases resources held by the agent.
func (a *AbstractAgent) Shutdown(ctx context.Context) error { return nil }

// RegisterChannel binds the agent to a ChannelSink; subclasses call this
// before their own message-handler wiring.
func (a *AbstractAgent) RegisterChannel(ch channel.Sink) {
	a.mu.Lock()
	a.channel = ch
	a.mu.Unlock()
}

// Channel returns the currently bound ChannelSink, if any.
func (a *AbstractAgent) Channel() channel.Sink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.channel
}

// SendMessageOpts configures SendMessage/SaveAssistantMessageWithContext.
type SendMessageOpts struct {
	Citations []conversation.Citation
	Usage     *conversation.Usage
}

// SendMessage emits an assistant message to the given conversation/turn
// via MessageEventService. Used for a worker's final delegated-task
// output and any other agent-initiated send outside the main stream
// path.
func (a *AbstractAgent) SendMessage(ctx context.Context, content, convID, turnID string, opts SendMessageOpts) error {
	return a.SaveAssistantMessageWithContext(ctx, content, convID, turnID, opts)
}

// SaveAssistantMessageWithContext is the canonical write path required
// for all streamed or final assistant outputs (§4.2).
func (a *AbstractAgent) SaveAssistantMessageWithContext(ctx context.Context, content, convID, turnID string, opts SendMessageOpts) error {
	if content == "" {
		return nil
	}
	msg := &conversation.Message{
		ConversationID: convID,
		TurnID:         turnID,
		Role:           conversation.RoleAssistant,
		Content:        content,
		Metadata: conversation.MessageMetadata{
			AgentID:   a.Identity.AgentID,
			AgentName: a.Identity.Name,
			Citations: opts.Citations,
			Usage:     opts.Usage,
		},
	}
	return a.events.PersistAssistantMessage(ctx, msg)
}

// BuildSystemPrompt composes the template's base prompt with conditional
// sections gated on the effective tool allow-list (§4.2): delegation,
// browser (web_search), and task-planning sections are included only
// when the corresponding tool is reachable.
func (a *AbstractAgent) BuildSystemPrompt(effectiveTools []string) string {
	var b strings.Builder
	base := "You are a helpful assistant."
	if a.Template != nil && a.Template.SystemPrompt != "" {
		base = a.Template.SystemPrompt
	}
	b.WriteString(base)

	has := func(name string) bool {
		for _, t := range effectiveTools {
			if t == name || t == "*" {
				return true
			}
		}
		return false
	}

	if a.Capabilities.CanSpawnAgents && (has("delegate") || has("*")) {
		b.WriteString("\n\nYou may delegate work to specialist agents with the delegate tool when a mission is better handled by a specialist.")
	}
	if has("web_search") {
		b.WriteString("\n\nYou can search the web with web_search to ground your answer in current information.")
	}
	if has("create_todo") {
		b.WriteString("\n\nFor multi-step work, use create_todo to lay out a plan, then delegate_todo to carry out each item in order.")
	}
	return b.String()
}

// simplifiedPlanPrompt renders the "pick the next pending item" prompt
// used between delegate_todo dispatches (§4.5 step 5).
func simplifiedPlanPrompt(todoSummary string) string {
	return fmt.Sprintf("You are coordinating a multi-step plan. Remaining items:\n%s\n\nCall delegate_todo on the next pending item, or list_todo/cancel_todo/create_todo as needed.", todoSummary)
}
