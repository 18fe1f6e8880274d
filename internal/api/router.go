package api

import (
	"github.com/gin-gonic/gin"

	"github.com/relaycore/conductor/internal/channel/ws"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/router"
	taskapi "github.com/relaycore/conductor/internal/task/api"
	taskrepo "github.com/relaycore/conductor/internal/task/repository"
)

// SetupRoutes wires the reference surface onto a gin engine: message
// ingress, conversation reads, the scheduled-task CRUD, and the
// WebSocket endpoint.
func SetupRoutes(engine *gin.Engine, store conversation.Store, r *router.Router, hub *ws.Hub, tasks taskrepo.Repository, log *logger.Logger) {
	engine.Use(Recovery(log), RequestLogger(log), ErrorHandler(log))

	handler := NewHandler(store, r, hub, log)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/messages", handler.PostMessage)
		v1.GET("/messages/search", handler.SearchMessages)

		conversations := v1.Group("/conversations")
		{
			conversations.GET("", handler.ListConversations)
			conversations.GET("/:conversationId", handler.GetConversation)
			conversations.GET("/:conversationId/messages", handler.ListMessages)
			conversations.DELETE("/:conversationId", handler.DeleteConversation)
		}

		v1.GET("/ws", handler.ServeWS)

		taskapi.SetupRoutes(v1, tasks, log)
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}
