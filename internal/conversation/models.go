// Package conversation holds the Conversation/Message data model and the
// ConversationStore repository interface the kernel depends on, plus
// concrete sqlite and postgres backends.
package conversation

import "time"

// Role is the speaker of a persisted Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageType tags Message.Metadata.Type for events that are not plain
// conversational turns.
type MessageType string

const (
	MessageTypeDelegation MessageType = "delegation"
	MessageTypeTaskRun    MessageType = "task_run"
	MessageTypeToolEvent  MessageType = "tool_event"
)

// Channel tags used for MessageRouter selection. Metadata-only; the kernel
// treats these as opaque strings it routes on, never interprets.
const (
	ChannelMission          = "mission"
	ChannelPillar           = "pillar"
	ChannelPillarTodo       = "pillar-todo"
	ChannelMetricCollection = "metric-collection"
	ChannelWeb              = "web"
)

// Citation is a source surfaced by a tool call, attached to assistant
// messages that made use of it.
type Citation struct {
	Source string `json:"source"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Usage captures token/latency accounting for one model call.
type Usage struct {
	PromptTokens     int           `json:"promptTokens"`
	CompletionTokens int           `json:"completionTokens"`
	Model            string        `json:"model,omitempty"`
	Latency          time.Duration `json:"latency,omitempty"`
}

// AgentCommand carries a command-trigger shortcut (§4.4 step 6).
type AgentCommand struct {
	Command string `json:"command"`
}

// MessageMetadata is the structured side-channel attached to every
// persisted Message; its Type/CallerID/TurnID fields drive the kernel's
// routing and history-filtering invariants.
type MessageMetadata struct {
	ConversationID string          `json:"conversationId,omitempty"`
	TurnID         string          `json:"turnId,omitempty"`
	Type           MessageType     `json:"type,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	AgentName      string          `json:"agentName,omitempty"`
	CallerID       string          `json:"callerId,omitempty"`
	Citations      []Citation      `json:"citations,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	AgentCommand   *AgentCommand   `json:"agentCommand,omitempty"`
	AllowedTools   []string        `json:"allowedTools,omitempty"`
	TaskName       string          `json:"taskName,omitempty"`
	Extra          map[string]any  `json:"extra,omitempty"`
}

// Message is one append-only row in a conversation.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	TurnID         string          `json:"turnId"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Metadata       MessageMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// IsLLMVisible reports whether this message belongs in the LLM-visible
// history: user/assistant role, and not a delegation or task_run row
// (invariant 4, §3).
func (m *Message) IsLLMVisible() bool {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return false
	}
	if m.Metadata.Type == MessageTypeDelegation || m.Metadata.Type == MessageTypeTaskRun {
		return false
	}
	return true
}

// Conversation is a linear sequence of messages sharing a conversationId.
type Conversation struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	ChannelTag     string     `json:"channelTag,omitempty"`
	ManuallyNamed  bool       `json:"manuallyNamed"`
	WellKnown      bool       `json:"wellKnown"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// FindOptions bounds a paginated message query.
type FindOptions struct {
	Limit  int
	Offset int
	Cursor string // message id cursor, exclusive
}

// SearchOptions bounds a full-text message search.
type SearchOptions struct {
	ConversationID string
	Limit          int
}

// WellKnown conversation ids reserved for scheduled/system activity.
// task_run turns address these directly; user messages are redirected
// (invariant 5, §3).
const (
	WellKnownFeed = "well-known:feed"
)

// IsWellKnownID reports whether id names a reserved conversation.
func IsWellKnownID(id string) bool {
	switch id {
	case WellKnownFeed:
		return true
	default:
		return false
	}
}
