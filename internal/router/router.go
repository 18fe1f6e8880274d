// Package router implements the MessageRouter (§4.7): the front-door
// that selects among supervisors by a cached conversation channel tag.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
)

// MessageHandler consumes one ingress message; SupervisorAgent satisfies
// this with HandleMessage.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *conversation.Message) error
}

// Router dispatches ingress messages to the supervisor owning the
// conversation's channel tag. Tags are cached per conversation id; the
// cache is unbounded by design since tags never change after creation.
type Router struct {
	store       conversation.Store
	defaultSup  MessageHandler
	missionLead MessageHandler
	logger      *logger.Logger

	mu       sync.RWMutex
	tagCache map[string]string
}

// New builds a Router. missionLead may be nil, in which case every
// message goes to defaultSup.
func New(store conversation.Store, defaultSup, missionLead MessageHandler, log *logger.Logger) *Router {
	return &Router{
		store:       store,
		defaultSup:  defaultSup,
		missionLead: missionLead,
		logger:      log,
		tagCache:    make(map[string]string),
	}
}

// Route delivers msg to the supervisor selected by the conversation's
// channel tag. Missing conversations and missing tags default to the
// general supervisor.
func (r *Router) Route(ctx context.Context, msg *conversation.Message) error {
	return r.handlerFor(ctx, msg).HandleMessage(ctx, msg)
}

func (r *Router) handlerFor(ctx context.Context, msg *conversation.Message) MessageHandler {
	if r.missionLead == nil {
		return r.defaultSup
	}

	convID := msg.ConversationID
	if convID == "" {
		convID = msg.Metadata.ConversationID
	}
	if convID == "" {
		return r.defaultSup
	}

	tag := r.channelTag(ctx, convID)
	switch tag {
	case conversation.ChannelMission, conversation.ChannelPillar:
		return r.missionLead
	default:
		return r.defaultSup
	}
}

func (r *Router) channelTag(ctx context.Context, convID string) string {
	r.mu.RLock()
	tag, ok := r.tagCache[convID]
	r.mu.RUnlock()
	if ok {
		return tag
	}

	conv, err := r.store.FindByID(ctx, convID)
	if err != nil {
		// Unknown conversation: let the supervisor mint one; don't poison
		// the cache with a tag for an id that may appear later.
		r.logger.Debug("routing unknown conversation to default supervisor", zap.String("conversation_id", convID))
		return ""
	}

	r.mu.Lock()
	r.tagCache[convID] = conv.ChannelTag
	r.mu.Unlock()
	return conv.ChannelTag
}
