// Package messageevent implements MessageEventService (§4.1): the single
// authorized path for emitting structured events. For each event it
// persists a Message row via ConversationStore and broadcasts it over the
// events bus / ChannelSink, tagging turnId/conversationId consistently.
// Grounded on the teacher's orchestrator/acp Handler buffer+listener
// pattern, generalized from ACP task messages to kernel turn events.
package messageevent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/channel"
	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/events/bus"
)

// ToolEventParams describes one tool-execution event to persist and
// broadcast.
type ToolEventParams struct {
	EventID  string
	ToolName string
	CallerID string
	Success  bool
	Output   string
	Error    string
}

// DelegationParams describes one delegation event.
type DelegationParams struct {
	AgentType string
	AgentName string
	Mission   string
	Rationale string
}

// TaskRunParams describes a scheduler-synthesized task_run message.
type TaskRunParams struct {
	TaskName     string
	Content      string
	AllowedTools []string
}

// Service is the MessageEventService.
type Service struct {
	store  conversation.Store
	bus    bus.EventBus
	logger *logger.Logger

	// seen deduplicates persisted events by (event id, kind) so retried
	// emits are no-ops (§8 round-trip property).
	mu   sync.Mutex
	seen map[string]struct{}
}

// New builds a Service over store/bus, using log for error/debug output.
func New(store conversation.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: log,
		seen:   make(map[string]struct{}),
	}
}

func dedupKey(eventID, kind string) string { return kind + ":" + eventID }

func (s *Service) alreadySeen(eventID, kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(eventID, kind)
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	return false
}

// EmitToolEvent persists and broadcasts one tool-execution event. It is
// idempotent by (event.id, kind) and drops events whose callerId doesn't
// match the subscribing agent/conversation.
func (s *Service) EmitToolEvent(ctx context.Context, params ToolEventParams, convID, agentID, turnID string) error {
	if s.alreadySeen(params.EventID, "tool_event") {
		return nil
	}

	expectedCaller := fmt.Sprintf("%s:%s", agentID, convID)
	if params.CallerID != expectedCaller {
		s.logger.Debug("dropping tool event for mismatched caller",
			zap.String("expected", expectedCaller), zap.String("got", params.CallerID))
		return nil
	}

	content := params.Output
	if !params.Success {
		content = params.Error
	}

	msg := &conversation.Message{
		ID:             params.EventID,
		ConversationID: convID,
		TurnID:         turnID,
		Role:           conversation.RoleTool,
		Content:        content,
		Metadata: conversation.MessageMetadata{
			Type:     conversation.MessageTypeToolEvent,
			AgentID:  agentID,
			CallerID: params.CallerID,
			Extra: map[string]any{
				"toolName": params.ToolName,
				"success":  params.Success,
			},
		},
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("failed to persist tool event", zap.Error(err))
		return errors.Wrap(err, "failed to persist tool event")
	}

	s.broadcast(ctx, convID, "tool_event", msg)
	return nil
}

// PersistAssistantMessage writes a plain assistant-role message (the
// final streamed output of a turn, or a worker's delegated result) and
// broadcasts it. Unlike the Emit* operations this carries no special
// metadata.Type, since it is the ordinary LLM-visible conversational row
// invariant 4 (§3) requires.
func (s *Service) PersistAssistantMessage(ctx context.Context, msg *conversation.Message) error {
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("failed to persist assistant message", zap.Error(err))
		return errors.Wrap(err, "failed to persist assistant message")
	}
	s.broadcast(ctx, msg.ConversationID, "assistant_message", msg)
	return nil
}

// EmitDelegationEvent persists exactly one row per delegation, for UI
// display and audit.
func (s *Service) EmitDelegationEvent(ctx context.Context, params DelegationParams, convID, turnID string) (*conversation.Message, error) {
	msg := &conversation.Message{
		ConversationID: convID,
		TurnID:         turnID,
		Role:           conversation.RoleAssistant,
		Content:        params.Mission,
		Metadata: conversation.MessageMetadata{
			Type:      conversation.MessageTypeDelegation,
			AgentName: params.AgentName,
			Extra: map[string]any{
				"agentType": params.AgentType,
				"rationale": params.Rationale,
			},
		},
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("failed to persist delegation event", zap.Error(err))
		return nil, errors.Wrap(err, "failed to persist delegation event")
	}

	s.broadcast(ctx, convID, "delegation", msg)
	return msg, nil
}

// EmitTaskRunEvent pre-allocates a turnId (= the synthesized message's id)
// so the rest of the turn can reference it before persistence completes.
func (s *Service) EmitTaskRunEvent(ctx context.Context, params TaskRunParams, convID string) (string, *conversation.Message, error) {
	msg := &conversation.Message{
		ConversationID: convID,
		Role:           conversation.RoleUser,
		Content:        params.Content,
		Metadata: conversation.MessageMetadata{
			Type:         conversation.MessageTypeTaskRun,
			TaskName:     params.TaskName,
			AllowedTools: params.AllowedTools,
		},
	}
	// The message id doubles as the pre-allocated turnId (§3 Turn.turnId),
	// so it is minted before persistence and written with the row.
	msg.ID = uuid.New().String()
	msg.TurnID = msg.ID
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return "", nil, errors.Wrap(err, "failed to persist task_run event")
	}

	s.broadcast(ctx, convID, "task_run", msg)
	return msg.ID, msg, nil
}

// EmitErrorEvent surfaces a sanitized error to the channel and logs full
// details server-side.
func (s *Service) EmitErrorEvent(ctx context.Context, err error, convID, turnID string, sink channel.Sink) {
	s.logger.Error("turn error",
		zap.String("conversation_id", convID),
		zap.String("turn_id", turnID),
		zap.Error(err))

	if sink != nil {
		sink.SendError(ctx, "Something went wrong", errors.Sanitize(err), convID)
	}
}

// broadcast publishes a lifecycle event over the bus for any channel
// adapters subscribed to the conversation.
func (s *Service) broadcast(ctx context.Context, convID, eventType string, msg *conversation.Message) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "messageevent", map[string]interface{}{
		"conversationId": convID,
		"message":        msg,
	})
	if err := s.bus.Publish(ctx, "conversation."+convID+".events", evt); err != nil {
		s.logger.Warn("failed to broadcast event", zap.Error(err))
	}
}
