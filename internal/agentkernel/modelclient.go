package agentkernel

import (
	"context"

	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/toolrunner"
)

// ContextMessage is one entry in the LLM-visible context built for a
// model call: either a plain conversational turn or a tool-result block
// appended inline (never a persisted `tool` role row, per invariant 4).
type ContextMessage struct {
	Role    conversation.Role
	Content string
	// ToolUse/ToolResults carry structured blocks for turns that invoked
	// tools, kept alongside Content the way the teacher's ACP protocol
	// messages carry both text and structured parts.
	ToolUse     []ToolUseBlock
	ToolResults []ToolResultBlock
}

// ToolUseBlock records one tool call the model requested.
type ToolUseBlock struct {
	CallID string
	Name   string
	Input  map[string]any
}

// ToolResultBlock records the outcome of one tool call, appended to the
// context as a structured user block (never a persisted `tool` message).
type ToolResultBlock struct {
	CallID  string
	Content string
	IsError bool
}

// GenerateRequest is one model call: a system prompt, the LLM-visible
// history/context, and the effective tool allow-list for this turn.
type GenerateRequest struct {
	SystemPrompt string
	Context      []ContextMessage
	Tools        []toolrunner.ToolDescriptor
}

// ToolCallRequest is one tool invocation the model asked for.
type ToolCallRequest struct {
	CallID string
	Name   string
	Input  map[string]any
}

// GenerateResponse is the (possibly streamed) result of one model call.
type GenerateResponse struct {
	Text      string
	ToolCalls []ToolCallRequest
	Usage     conversation.Usage
}

// StreamChunkFunc receives incremental text as the model generates.
type StreamChunkFunc func(text string)

// ModelClient is the external model-provider adapter the kernel depends
// on; concrete provider adapters are out of scope (§1) — this interface
// is the only contract the kernel requires.
type ModelClient interface {
	Generate(ctx context.Context, req GenerateRequest, onChunk StreamChunkFunc) (*GenerateResponse, error)
}
