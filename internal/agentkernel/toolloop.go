package agentkernel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaycore/conductor/internal/channel"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/messageevent"
	"github.com/relaycore/conductor/internal/toolrunner"
)

// toolLoopContext carries the per-call state the bounded tool/delegation
// loop needs; per §5 this must live on the calling goroutine's stack,
// never on the agent instance, so concurrent turns never share it.
type toolLoopContext struct {
	agentID        string
	agentName      string
	conversationID string
	turnID         string
	traceID        string
	callerID       string
	systemPrompt   string
	tools          []string // effective allow-list
	context        []ContextMessage
	maxIter        int
}

// toolLoopOutcome is what the loop accumulates across iterations (§4.5).
type toolLoopOutcome struct {
	FullResponse     string
	Citations        []conversation.Citation
	Usage            conversation.Usage
	ToolCallsHandled int
}

// runToolLoop executes the bounded tool loop with no delegation handling,
// for agents that cannot spawn sub-agents (workers, §4.3 step 3).
func runToolLoop(ctx context.Context, lc toolLoopContext, model ModelClient, tools *toolrunner.Runner, events *messageevent.Service, ch channel.Sink) (*toolLoopOutcome, error) {
	outcome := &toolLoopOutcome{}
	streamID := uuid.New().String()

	unsubscribe := subscribeToolEvents(lc, tools, events)
	defer unsubscribe()

	if ch != nil {
		ch.SendStreamStart(ctx, streamID, channel.StreamStartInfo{
			AgentID: lc.agentID, AgentName: lc.agentName, ConversationID: lc.conversationID,
		})
	}

	for iter := 0; iter < lc.maxIter; iter++ {
		resp, err := model.Generate(ctx, GenerateRequest{
			SystemPrompt: lc.systemPrompt,
			Context:      lc.context,
			Tools:        toolDescriptors(tools, lc.tools),
		}, func(text string) {
			outcome.FullResponse += text
			if ch != nil {
				ch.SendStreamChunk(ctx, streamID, text, lc.conversationID)
			}
		})
		if err != nil {
			if ch != nil {
				ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{})
			}
			return outcome, fmt.Errorf("model generate failed: %w", err)
		}

		outcome.Usage.PromptTokens += resp.Usage.PromptTokens
		outcome.Usage.CompletionTokens += resp.Usage.CompletionTokens
		outcome.Usage.Model = resp.Usage.Model

		if len(resp.ToolCalls) == 0 {
			break
		}

		requests := make([]toolrunner.Request, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			requests = append(requests, tools.CreateRequest(call.CallID, call.Name, call.Input, lc.callerID, toolrunner.RequestContext{
				TraceID:        lc.traceID,
				ConversationID: lc.conversationID,
				TurnID:         lc.turnID,
				AgentID:        lc.agentID,
			}))
		}

		batch, err := tools.ExecuteBatch(ctx, requests)
		if err != nil {
			if ch != nil {
				ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{})
			}
			return outcome, fmt.Errorf("tool batch execution failed: %w", err)
		}
		outcome.Citations = append(outcome.Citations, batch.Citations...)
		outcome.ToolCallsHandled += len(batch.Results)

		lc.context = appendToolRound(lc.context, resp, batch)
	}

	if ch != nil {
		ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{Citations: outcome.Citations, Usage: &outcome.Usage})
	}
	return outcome, nil
}

// toolDescriptors resolves an allow-list into descriptors for the model.
// An empty allow-list means the agent has no tools at all, unlike the
// runner's own convention where empty means unrestricted.
func toolDescriptors(tools *toolrunner.Runner, allow []string) []toolrunner.ToolDescriptor {
	if tools == nil || len(allow) == 0 {
		return nil
	}
	return tools.GetToolsForLLM(allow)
}

// appendToolRound records the assistant's tool_use blocks and the tool
// results as structured blocks on the context, never as persisted `tool`
// role rows (invariant 4, §3).
func appendToolRound(ctx []ContextMessage, resp *GenerateResponse, batch *toolrunner.BatchResult) []ContextMessage {
	assistantTurn := ContextMessage{Role: conversation.RoleAssistant, Content: resp.Text}
	for _, call := range resp.ToolCalls {
		assistantTurn.ToolUse = append(assistantTurn.ToolUse, ToolUseBlock{CallID: call.CallID, Name: call.Name, Input: call.Input})
	}
	ctx = append(ctx, assistantTurn)

	resultsTurn := ContextMessage{Role: conversation.RoleUser}
	for _, r := range batch.Results {
		content := r.Output
		if !r.Success {
			content = r.Error
		}
		resultsTurn.ToolResults = append(resultsTurn.ToolResults, ToolResultBlock{CallID: r.CallID, Content: content, IsError: !r.Success})
	}
	ctx = append(ctx, resultsTurn)
	return ctx
}

// subscribeToolEvents subscribes to the tool runner with lc.callerID and
// re-emits matching events via MessageEventService tagged with the
// current turnId (§4.5). The returned func unsubscribes.
func subscribeToolEvents(lc toolLoopContext, tools *toolrunner.Runner, events *messageevent.Service) func() {
	if tools == nil || events == nil {
		return func() {}
	}
	return tools.OnToolEvent(func(evt toolrunner.ToolEvent) {
		if evt.CallerID != lc.callerID {
			return
		}
		_ = events.EmitToolEvent(context.Background(), messageevent.ToolEventParams{
			EventID:  evt.CallID,
			ToolName: evt.ToolName,
			CallerID: evt.CallerID,
			Success:  evt.Success,
			Output:   evt.Output,
			Error:    evt.Error,
		}, lc.conversationID, lc.agentID, lc.turnID)
	})
}
