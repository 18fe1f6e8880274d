// Package channel defines the ChannelSink interface (§6) the kernel uses
// to stream model output, broadcast lifecycle events, and receive ingress
// messages, plus (in the ws subpackage) a gorilla/websocket reference
// implementation.
package channel

import (
	"context"

	"github.com/relaycore/conductor/internal/conversation"
)

// StreamStartInfo accompanies SendStreamStart.
type StreamStartInfo struct {
	AgentID        string
	AgentName      string
	AgentEmoji     string
	ConversationID string
}

// StreamEndInfo accompanies SendStreamEnd.
type StreamEndInfo struct {
	Citations []conversation.Citation
	Usage     *conversation.Usage
}

// LifecycleEvent is broadcast for conversation lifecycle notifications
// (conversation_created, conversation_updated, ...).
type LifecycleEvent struct {
	Type           string
	ConversationID string
	Data           map[string]any
}

// IngressHandler processes an inbound Message delivered through a Sink.
type IngressHandler func(ctx context.Context, msg *conversation.Message)

// Sink is the ChannelSink the kernel depends on to stream output and
// receive ingress, implemented per transport (websocket, in-process test
// double, ...).
type Sink interface {
	SendStreamStart(ctx context.Context, streamID string, info StreamStartInfo)
	SendStreamChunk(ctx context.Context, streamID, text, conversationID string)
	SendStreamEnd(ctx context.Context, streamID string, info StreamEndInfo)
	SendError(ctx context.Context, title, sanitizedDetails, conversationID string)
	Broadcast(ctx context.Context, event LifecycleEvent)
	OnMessage(handler IngressHandler)
}
