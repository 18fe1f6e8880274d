// Package ws is a gorilla/websocket-backed reference implementation of
// channel.Sink, adapted from the teacher's orchestrator/streaming
// Hub/Client pair: task-id routing becomes conversation-id routing, and
// ACP protocol.Message framing becomes the kernel's own wire envelope.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/channel"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/events/bus"
)

// Client represents a WebSocket client connection subscribed to zero or
// more conversations.
type Client struct {
	ID              string
	conn            *websocket.Conn
	conversationIDs map[string]bool
	send            chan []byte
	hub             *Hub
	mu              sync.RWMutex
	logger          *logger.Logger
}

// NewClient creates a new WebSocket client bound to hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:              id,
		conn:            conn,
		conversationIDs: make(map[string]bool),
		send:            make(chan []byte, 256),
		hub:             hub,
		logger:          log.WithFields(zap.String("client_id", id)),
	}
}

// frame is the wire envelope for every message the hub sends or receives.
type frame struct {
	Kind string          `json:"kind"` // subscribe, unsubscribe, message, message_event, stream_start, stream_chunk, stream_end, error, lifecycle
	Data json.RawMessage `json:"data,omitempty"`
}

type subscriptionPayload struct {
	ConversationIDs []string `json:"conversationIds"`
}

// Subscribe subscribes the client to a conversation's events.
func (c *Client) Subscribe(conversationID string) {
	c.mu.Lock()
	c.conversationIDs[conversationID] = true
	c.mu.Unlock()
	c.hub.subscribeClient(c, conversationID)
}

// Unsubscribe removes the client's subscription to a conversation.
func (c *Client) Unsubscribe(conversationID string) {
	c.mu.Lock()
	delete(c.conversationIDs, conversationID)
	c.mu.Unlock()
	c.hub.unsubscribeClient(c, conversationID)
}

// Close disconnects the client.
func (c *Client) Close() { c.hub.Unregister(c) }

// Hub manages all WebSocket clients and routes outbound frames to the
// clients subscribed to a given conversation.
type Hub struct {
	clients           map[*Client]bool
	conversationClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger

	// streamConvs maps live stream ids to their conversation so
	// SendStreamEnd can route without carrying the id on the wire call.
	streamMu    sync.Mutex
	streamConvs map[string]string

	busSub bus.Subscription

	ingressMu sync.RWMutex
	ingress   []channel.IngressHandler
}

type broadcastMessage struct {
	ConversationID string
	Frame          frame
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:             make(map[*Client]bool),
		conversationClients: make(map[string]map[*Client]bool),
		register:            make(chan *Client),
		unregister:          make(chan *Client),
		broadcast:           make(chan *broadcastMessage, 256),
		streamConvs:         make(map[string]string),
		logger:              log.WithFields(zap.String("component", "websocket_hub")),
	}
}

var _ channel.Sink = (*Hub)(nil)

// BindBus subscribes the hub to every conversation event published on
// the bus and forwards each one to the sockets watching its
// conversation. This is how events persisted by MessageEventService
// reach the channel, including events published from another process
// when the bus is NATS-backed.
func (h *Hub) BindBus(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe("conversation.*.events", func(ctx context.Context, e *bus.Event) error {
		convID, _ := e.Data["conversationId"].(string)
		if convID == "" {
			return nil
		}
		h.send(convID, "message_event", map[string]any{
			"type":    e.Type,
			"message": e.Data["message"],
		})
		return nil
	})
	if err != nil {
		return err
	}
	h.busSub = sub
	return nil
}

// Run starts the hub's processing loop; it blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			if h.busSub != nil {
				_ = h.busSub.Unsubscribe()
			}
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.conversationClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for convID := range client.conversationIDs {
					if clients, ok := h.conversationClients[convID]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.conversationClients, convID)
						}
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.conversationClients[msg.ConversationID]
			h.mu.RUnlock()
			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(msg.Frame)
			if err != nil {
				h.logger.Error("failed to marshal frame", zap.Error(err))
				continue
			}

			for client := range clients {
				select {
				case client.send <- data:
				default:
					h.dropClient(client)
				}
			}
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(client.send)
	delete(h.clients, client)
	for convID := range client.conversationIDs {
		if clients, ok := h.conversationClients[convID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.conversationClients, convID)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

func (h *Hub) subscribeClient(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conversationClients[conversationID]; !ok {
		h.conversationClients[conversationID] = make(map[*Client]bool)
	}
	h.conversationClients[conversationID][client] = true
}

func (h *Hub) unsubscribeClient(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.conversationClients[conversationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.conversationClients, conversationID)
		}
	}
}

func (h *Hub) send(conversationID, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal payload", zap.Error(err))
		return
	}
	h.broadcast <- &broadcastMessage{ConversationID: conversationID, Frame: frame{Kind: kind, Data: data}}
}

// SendStreamStart implements channel.Sink.
func (h *Hub) SendStreamStart(ctx context.Context, streamID string, info channel.StreamStartInfo) {
	h.streamMu.Lock()
	h.streamConvs[streamID] = info.ConversationID
	h.streamMu.Unlock()
	h.send(info.ConversationID, "stream_start", map[string]any{"streamId": streamID, "info": info})
}

// SendStreamChunk implements channel.Sink.
func (h *Hub) SendStreamChunk(ctx context.Context, streamID, text, conversationID string) {
	h.send(conversationID, "stream_chunk", map[string]any{"streamId": streamID, "text": text})
}

// SendStreamEnd implements channel.Sink.
func (h *Hub) SendStreamEnd(ctx context.Context, streamID string, info channel.StreamEndInfo) {
	h.streamMu.Lock()
	convID := h.streamConvs[streamID]
	delete(h.streamConvs, streamID)
	h.streamMu.Unlock()
	h.send(convID, "stream_end", map[string]any{"streamId": streamID, "info": info})
}

// SendError implements channel.Sink.
func (h *Hub) SendError(ctx context.Context, title, sanitizedDetails, conversationID string) {
	h.send(conversationID, "error", map[string]any{"title": title, "details": sanitizedDetails})
}

// Broadcast implements channel.Sink.
func (h *Hub) Broadcast(ctx context.Context, event channel.LifecycleEvent) {
	h.send(event.ConversationID, "lifecycle", event)
}

// OnMessage implements channel.Sink, registering an ingress handler
// invoked for every inbound user message a Client parses off the wire.
func (h *Hub) OnMessage(handler channel.IngressHandler) {
	h.ingressMu.Lock()
	defer h.ingressMu.Unlock()
	h.ingress = append(h.ingress, handler)
}

func (h *Hub) dispatchIngress(ctx context.Context, msg *conversation.Message) {
	h.ingressMu.RLock()
	handlers := append([]channel.IngressHandler(nil), h.ingress...)
	h.ingressMu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, msg)
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
