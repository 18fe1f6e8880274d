package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/channel/ws"
	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/router"
)

// PostMessageRequest is the ingress body for one user message.
type PostMessageRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content" binding:"required"`
	Command        string `json:"command,omitempty"`
}

// Handler contains HTTP handlers for the kernel's reference surface.
type Handler struct {
	store  conversation.Store
	router *router.Router
	hub    *ws.Hub
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(store conversation.Store, r *router.Router, hub *ws.Hub, log *logger.Logger) *Handler {
	return &Handler{
		store:  store,
		router: r,
		hub:    hub,
		logger: log,
	}
}

// PostMessage accepts a user message and dispatches it through the
// message router. The turn runs asynchronously; clients observe it over
// the WebSocket channel.
// POST /api/v1/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	msg := &conversation.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           conversation.RoleUser,
		Content:        req.Content,
	}
	if req.Command != "" {
		msg.Metadata.AgentCommand = &conversation.AgentCommand{Command: req.Command}
	}

	// The turn outlives the HTTP request, so it runs on a fresh context.
	go func() {
		if err := h.router.Route(context.Background(), msg); err != nil {
			h.logger.Error("turn failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"message_id": msg.ID})
}

// ListConversations returns recent conversations.
// GET /api/v1/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.store.FindAll(c.Request.Context(), 50)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		appErr := errors.Internal("failed to list conversations", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs, "count": len(convs)})
}

// GetConversation returns one conversation.
// GET /api/v1/conversations/:conversationId
func (h *Handler) GetConversation(c *gin.Context) {
	id := c.Param("conversationId")
	conv, err := h.store.FindByID(c.Request.Context(), id)
	if err != nil {
		appErr := errors.NotFound("conversation", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListMessages returns a page of a conversation's messages.
// GET /api/v1/conversations/:conversationId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	id := c.Param("conversationId")

	var opts conversation.FindOptions
	if limit, err := intQuery(c, "limit"); err == nil {
		opts.Limit = limit
	}
	opts.Cursor = c.Query("cursor")

	msgs, err := h.store.FindMessagesByConversationID(c.Request.Context(), id, opts)
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("conversation_id", id), zap.Error(err))
		appErr := errors.Internal("failed to list messages", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// DeleteConversation soft-deletes a conversation. Well-known
// conversations cannot be deleted (invariant, §3).
// DELETE /api/v1/conversations/:conversationId
func (h *Handler) DeleteConversation(c *gin.Context) {
	id := c.Param("conversationId")
	if conversation.IsWellKnownID(id) {
		appErr := errors.Conflict("well-known conversations cannot be deleted")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.store.SoftDelete(c.Request.Context(), id); err != nil {
		appErr := errors.NotFound("conversation", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// SearchMessages searches message content.
// GET /api/v1/messages/search?q=...
func (h *Handler) SearchMessages(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		appErr := errors.BadRequest("q is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	msgs, err := h.store.Search(c.Request.Context(), query, conversation.SearchOptions{
		ConversationID: c.Query("conversation_id"),
	})
	if err != nil {
		h.logger.Error("search failed", zap.Error(err))
		appErr := errors.Internal("search failed", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and attaches it to the hub.
// GET /api/v1/ws
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(c.Request.Context())
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, errors.BadRequest(name + " missing")
	}
	return strconv.Atoi(raw)
}
